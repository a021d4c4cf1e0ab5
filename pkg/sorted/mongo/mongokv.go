/*
Copyright 2024 The Picshelf Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mongo provides an implementation of sorted.KeyValue
// using MongoDB.
package mongo // import "picshelf.org/pkg/sorted/mongo"

import (
	"errors"

	"go4.org/jsonconfig"
	"picshelf.org/pkg/sorted"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Each row is a document {k: key, v: value}. The key and the value
// are separate fields instead of a key:value pair because "." is an
// illegal character in MongoDB field names, and field names can't be
// range-matched anyway.
const (
	kvCollection = "rows" // MongoDB collection, equiv. to SQL table
	mgoKey       = "k"
	mgoValue     = "v"
)

var _ sorted.Wiper = (*keyValue)(nil)

func init() {
	sorted.RegisterKeyValue("mongo", newKeyValueFromJSONConfig)
}

func newKeyValueFromJSONConfig(cfg jsonconfig.Obj) (sorted.KeyValue, error) {
	var (
		server   = cfg.OptionalString("host", "localhost")
		database = cfg.RequiredString("database")
		user     = cfg.OptionalString("user", "")
		password = cfg.OptionalString("password", "")
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	url := server
	if user != "" && password != "" {
		url = user + ":" + password + "@" + server + "/" + database
	}
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}
	// Safe mode so deletes of absent keys report ErrNotFound.
	session.SetSafe(&mgo.Safe{})
	session.SetMode(mgo.Strong, true)

	db := session.DB(database).C(kvCollection)
	// The Upsert-by-key protocol below assumes key uniqueness.
	if err := db.EnsureIndex(mgo.Index{Key: []string{mgoKey}, Unique: true}); err != nil {
		session.Close()
		return nil, err
	}
	return &keyValue{db: db, session: session}, nil
}

type keyValue struct {
	session *mgo.Session // so we can close it
	db      *mgo.Collection
}

func (kv *keyValue) Get(key string) (string, error) {
	res := bson.M{}
	err := kv.db.Find(&bson.M{mgoKey: key}).One(&res)
	if err != nil {
		if err == mgo.ErrNotFound {
			return "", sorted.ErrNotFound
		}
		return "", err
	}
	return res[mgoValue].(string), nil
}

func (kv *keyValue) Find(start, end string) sorted.Iterator {
	// The range is a server-side query; an empty end means no upper
	// bound.
	q := bson.M{"$gte": start}
	if end != "" {
		q["$lt"] = end
	}
	it := kv.db.Find(&bson.M{mgoKey: q}).Sort(mgoKey).Iter()
	return &iter{it: it}
}

func (kv *keyValue) Set(key, value string) error {
	if err := sorted.CheckSizes(key, value); err != nil {
		return err
	}
	_, err := kv.db.Upsert(&bson.M{mgoKey: key}, &bson.M{mgoKey: key, mgoValue: value})
	return err
}

// Delete removes the document with the matching key.
func (kv *keyValue) Delete(key string) error {
	err := kv.db.Remove(&bson.M{mgoKey: key})
	if err == mgo.ErrNotFound {
		return nil
	}
	return err
}

// Wipe removes all documents from the collection.
func (kv *keyValue) Wipe() error {
	_, err := kv.db.RemoveAll(nil)
	return err
}

type batch interface {
	Mutations() []sorted.Mutation
}

func (kv *keyValue) BeginBatch() sorted.BatchMutation {
	return sorted.NewBatchMutation()
}

// CommitBatch applies the mutations in order. MongoDB has no
// multi-document transaction in this driver, so a failed batch can be
// left half-applied; the metadata schema tolerates that by keeping
// every batch's rows independently interpretable.
func (kv *keyValue) CommitBatch(bm sorted.BatchMutation) error {
	b, ok := bm.(batch)
	if !ok {
		return errors.New("invalid batch type")
	}
	for _, m := range b.Mutations() {
		if m.IsDelete() {
			if err := kv.db.Remove(bson.M{mgoKey: m.Key()}); err != nil && err != mgo.ErrNotFound {
				return err
			}
			continue
		}
		if err := sorted.CheckSizes(m.Key(), m.Value()); err != nil {
			return err
		}
		if _, err := kv.db.Upsert(&bson.M{mgoKey: m.Key()}, &bson.M{mgoKey: m.Key(), mgoValue: m.Value()}); err != nil {
			return err
		}
	}
	return nil
}

func (kv *keyValue) Close() error {
	kv.session.Close()
	return nil
}

type iter struct {
	it  *mgo.Iter
	res bson.M

	skey, sval *string // stringified current pair, reset by Next
}

func (it *iter) Next() bool {
	it.skey, it.sval = nil, nil
	it.res = bson.M{}
	return it.it.Next(&it.res)
}

func (it *iter) Key() string {
	if it.skey != nil {
		return *it.skey
	}
	key, _ := (it.res[mgoKey]).(string)
	it.skey = &key
	return key
}

func (it *iter) KeyBytes() []byte {
	return []byte(it.Key())
}

func (it *iter) Value() string {
	if it.sval != nil {
		return *it.sval
	}
	value, _ := (it.res[mgoValue]).(string)
	it.sval = &value
	return value
}

func (it *iter) ValueBytes() []byte {
	return []byte(it.Value())
}

func (it *iter) Close() error {
	return it.it.Close()
}
