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

package sorted

import (
	"errors"
	"sync"

	"go4.org/jsonconfig"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NewMemoryKeyValue returns a KeyValue implementation that's backed only
// by memory. It's mostly useful for tests and development.
func NewMemoryKeyValue() KeyValue {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// Opening an in-memory store can only fail on bad options.
		panic(err)
	}
	return &memKeys{db: db}
}

// memKeys is an in-memory implementation of KeyValue for test &
// development purposes only.
type memKeys struct {
	mu sync.Mutex // guards db
	db *leveldb.DB
}

var _ TransactionalReader = (*memKeys)(nil)

// stringIterator converts from goleveldb's iterator interface, which
// operates on []byte, to sorted.Iterator, which operates on string.
type stringIterator struct {
	lit  iterator.Iterator // underlying leveldb iterator; nil once closed
	err  error
	k, v *string // if nil, not stringified yet
}

func (s *stringIterator) Next() bool {
	if s.lit == nil {
		return false
	}
	s.k, s.v = nil, nil
	return s.lit.Next()
}

func (s *stringIterator) Close() error {
	if s.lit != nil {
		s.lit.Release()
		s.err = s.lit.Error()
		s.lit, s.k, s.v = nil, nil, nil
	}
	return s.err
}

func (s *stringIterator) KeyBytes() []byte {
	return s.lit.Key()
}

func (s *stringIterator) ValueBytes() []byte {
	return s.lit.Value()
}

func (s *stringIterator) Key() string {
	if s.k != nil {
		return *s.k
	}
	str := string(s.KeyBytes())
	s.k = &str
	return str
}

func (s *stringIterator) Value() string {
	if s.v != nil {
		return *s.v
	}
	str := string(s.ValueBytes())
	s.v = &str
	return str
}

func (mk *memKeys) Get(key string) (string, error) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	v, err := mk.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", ErrNotFound
	}
	return string(v), err
}

func (mk *memKeys) Find(start, end string) Iterator {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	lit := mk.db.NewIterator(byteRange(start, end), nil)
	return &stringIterator{lit: lit}
}

// BeginReadTx pins a read-only view of the current state.
func (mk *memKeys) BeginReadTx() ReadTransaction {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	snap, err := mk.db.GetSnapshot()
	return &memReadTx{snap: snap, err: err}
}

func byteRange(start, end string) *util.Range {
	r := new(util.Range)
	if start != "" {
		r.Start = []byte(start)
	}
	if end != "" {
		r.Limit = []byte(end)
	}
	return r
}

// memReadTx reads from a snapshot. Writes through the parent memKeys
// don't show up in it.
type memReadTx struct {
	snap *leveldb.Snapshot
	err  error
}

func (tx *memReadTx) Get(key string) (string, error) {
	if tx.err != nil {
		return "", tx.err
	}
	v, err := tx.snap.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", ErrNotFound
	}
	return string(v), err
}

func (tx *memReadTx) Find(start, end string) Iterator {
	if tx.err != nil {
		return &stringIterator{err: tx.err}
	}
	return &stringIterator{lit: tx.snap.NewIterator(byteRange(start, end), nil)}
}

func (tx *memReadTx) Close() error {
	if tx.snap != nil {
		tx.snap.Release()
		tx.snap = nil
	}
	return tx.err
}

func (mk *memKeys) Set(key, value string) error {
	if err := CheckSizes(key, value); err != nil {
		return err
	}
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return mk.db.Put([]byte(key), []byte(value), nil)
}

func (mk *memKeys) Delete(key string) error {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return mk.db.Delete([]byte(key), nil)
}

func (mk *memKeys) BeginBatch() BatchMutation {
	return &batch{}
}

func (mk *memKeys) CommitBatch(bm BatchMutation) error {
	b, ok := bm.(*batch)
	if !ok {
		return errors.New("invalid batch type; not an instance returned by BeginBatch")
	}
	mk.mu.Lock()
	defer mk.mu.Unlock()
	lb := new(leveldb.Batch)
	for _, m := range b.Mutations() {
		if m.IsDelete() {
			lb.Delete([]byte(m.Key()))
		} else {
			if err := CheckSizes(m.Key(), m.Value()); err != nil {
				return err
			}
			lb.Put([]byte(m.Key()), []byte(m.Value()))
		}
	}
	return mk.db.Write(lb, nil)
}

func (mk *memKeys) Close() error { return nil }

func init() {
	RegisterKeyValue("memory", func(cfg jsonconfig.Obj) (KeyValue, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return NewMemoryKeyValue(), nil
	})
}
