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

// Package leveldb provides an implementation of sorted.KeyValue
// on top of a single mutable database file on disk using
// github.com/syndtr/goleveldb. It is the default metadata store
// backend.
package leveldb // import "picshelf.org/pkg/sorted/leveldb"

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go4.org/jsonconfig"
	"picshelf.org/pkg/env"
	"picshelf.org/pkg/sorted"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	_ sorted.Wiper               = (*kvis)(nil)
	_ sorted.TransactionalReader = (*kvis)(nil)
)

func init() {
	sorted.RegisterKeyValue("leveldb", newKeyValueFromJSONConfig)
}

// NewStorage is a convenience that calls newKeyValueFromJSONConfig
// with file as the leveldb storage file.
func NewStorage(file string) (sorted.KeyValue, error) {
	return newKeyValueFromJSONConfig(jsonconfig.Obj{"file": file})
}

// newKeyValueFromJSONConfig returns a KeyValue implementation on top of a
// github.com/syndtr/goleveldb/leveldb file.
func newKeyValueFromJSONConfig(cfg jsonconfig.Obj) (sorted.KeyValue, error) {
	file := cfg.RequiredString("file")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strictness := opt.DefaultStrict
	if env.IsDev() {
		// Be more strict in dev mode.
		strictness = opt.StrictAll
	}
	opts := &opt.Options{
		// 10 bits per key keeps the bloom false-positive rate under
		// 1%, so point lookups rarely touch disk for absent keys.
		Filter: filter.NewBloomFilter(10),
		Strict: strictness,
	}
	db, err := leveldb.OpenFile(file, opts)
	if err != nil {
		return nil, err
	}
	is := &kvis{
		db:       db,
		path:     file,
		opts:     opts,
		readOpts: &opt.ReadOptions{Strict: strictness},
		// Artifact bytes are re-derivable from originals, and
		// fsyncs impose a great performance penalty on scans.
		writeOpts: &opt.WriteOptions{Sync: false},
	}
	return is, nil
}

type kvis struct {
	path      string
	db        *leveldb.DB
	opts      *opt.Options
	readOpts  *opt.ReadOptions
	writeOpts *opt.WriteOptions
}

// reader is the read surface shared by *leveldb.DB and
// *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Common logic for kvis.Get and readTx.Get.
func get(r reader, key string, ro *opt.ReadOptions) (string, error) {
	val, err := r.Get([]byte(key), ro)
	if err == leveldb.ErrNotFound {
		return "", sorted.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// Common logic for kvis.Find and readTx.Find.
func find(r reader, start, end string, ro *opt.ReadOptions) *iter {
	var rng util.Range
	// A nil Start reads from before all keys; a nil Limit reads
	// through the last one.
	if start != "" {
		rng.Start = []byte(start)
	}
	if end != "" {
		rng.Limit = []byte(end)
	}
	return &iter{it: r.NewIterator(&rng, ro)}
}

func (is *kvis) Get(key string) (string, error) {
	return get(is.db, key, is.readOpts)
}

func (is *kvis) Set(key, value string) error {
	if err := sorted.CheckSizes(key, value); err != nil {
		return err
	}
	return is.db.Put([]byte(key), []byte(value), is.writeOpts)
}

func (is *kvis) Delete(key string) error {
	return is.db.Delete([]byte(key), is.writeOpts)
}

func (is *kvis) Find(start, end string) sorted.Iterator {
	return find(is.db, start, end, is.readOpts)
}

// BeginReadTx returns a transaction reading from a snapshot of the
// database, so a scan over several prefixes observes one point-in-time
// state even while jobs keep writing.
func (is *kvis) BeginReadTx() sorted.ReadTransaction {
	snap, err := is.db.GetSnapshot()
	return &readTx{snap: snap, readOpts: is.readOpts, err: err}
}

type readTx struct {
	snap     *leveldb.Snapshot
	readOpts *opt.ReadOptions
	err      error // from GetSnapshot, sticky
}

func (tx *readTx) Get(key string) (string, error) {
	if tx.err != nil {
		return "", tx.err
	}
	return get(tx.snap, key, tx.readOpts)
}

func (tx *readTx) Find(start, end string) sorted.Iterator {
	if tx.err != nil {
		return &iter{err: tx.err, closed: true}
	}
	return find(tx.snap, start, end, tx.readOpts)
}

func (tx *readTx) Close() error {
	if tx.snap != nil {
		tx.snap.Release()
		tx.snap = nil
	}
	return tx.err
}

func (is *kvis) Wipe() error {
	// Close the already open DB.
	if err := is.db.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(is.path); err != nil {
		return err
	}

	db, err := leveldb.OpenFile(is.path, is.opts)
	if err != nil {
		return fmt.Errorf("error creating %s: %v", is.path, err)
	}
	is.db = db
	return nil
}

func (is *kvis) BeginBatch() sorted.BatchMutation {
	return &lvbatch{batch: new(leveldb.Batch)}
}

type lvbatch struct {
	errMu sync.Mutex
	err   error // Set if one of the mutations had too large a key or value. Sticky.

	batch *leveldb.Batch
}

func (lvb *lvbatch) Set(key, value string) {
	lvb.errMu.Lock()
	defer lvb.errMu.Unlock()
	if lvb.err != nil {
		return
	}
	if err := sorted.CheckSizes(key, value); err != nil {
		if err == sorted.ErrKeyTooLarge {
			lvb.err = fmt.Errorf("%v: %v", err, key)
		} else {
			lvb.err = fmt.Errorf("%v: %v", err, value)
		}
		return
	}
	lvb.batch.Put([]byte(key), []byte(value))
}

func (lvb *lvbatch) Delete(key string) {
	lvb.errMu.Lock()
	defer lvb.errMu.Unlock()
	if lvb.err != nil {
		return
	}
	lvb.batch.Delete([]byte(key))
}

func (is *kvis) CommitBatch(bm sorted.BatchMutation) error {
	b, ok := bm.(*lvbatch)
	if !ok {
		return errors.New("invalid batch type")
	}
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err != nil {
		return b.err
	}
	return is.db.Write(b.batch, is.writeOpts)
}

func (is *kvis) Close() error {
	return is.db.Close()
}

type iter struct {
	it iterator.Iterator // nil if the range failed to open

	skey, sval *string // stringified current pair, reset by Next

	err    error
	closed bool
}

func (it *iter) Close() error {
	if it.closed {
		return it.err
	}
	it.closed = true
	if it.it != nil {
		if it.err == nil {
			it.err = it.it.Error()
		}
		it.it.Release()
	}
	return it.err
}

func (it *iter) KeyBytes() []byte {
	return it.it.Key()
}

func (it *iter) Key() string {
	if it.skey != nil {
		return *it.skey
	}
	str := string(it.it.Key())
	it.skey = &str
	return str
}

func (it *iter) ValueBytes() []byte {
	return it.it.Value()
}

func (it *iter) Value() string {
	if it.sval != nil {
		return *it.sval
	}
	str := string(it.it.Value())
	it.sval = &str
	return str
}

func (it *iter) Next() bool {
	if it.err != nil {
		return false
	}
	if it.closed {
		panic("leveldb: Next called after Close")
	}
	it.skey, it.sval = nil, nil
	if it.it.Next() {
		return true
	}
	it.err = it.it.Error()
	return false
}
