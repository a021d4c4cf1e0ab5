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

// Package sorted provides a KeyValue interface and constructor registry.
// The picshelf metadata store and the shared-cache index both sit on
// this interface, so any registered backend (leveldb, sqlite, mysql,
// postgres, mongo, memory) can hold them.
package sorted // import "picshelf.org/pkg/sorted"

import (
	"errors"
	"fmt"

	"go4.org/jsonconfig"
)

// Keys and values larger than these are rejected before they reach a
// backend, so every backend can assume the same bounds. The key bound
// matches the old InnoDB index-size ceiling, the smallest of any
// supported backend.
const (
	MaxKeySize   = 767
	MaxValueSize = 63000
)

var (
	ErrNotFound      = errors.New("sorted: key not found")
	ErrKeyTooLarge   = fmt.Errorf("sorted: key too large (max size %v)", MaxKeySize)
	ErrValueTooLarge = fmt.Errorf("sorted: value too large (max size %v)", MaxValueSize)
)

// KeyValue is a sorted, enumerable key-value interface supporting
// batch mutations.
type KeyValue interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	Get(key string) (string, error)

	Set(key, value string) error
	Delete(key string) error

	BeginBatch() BatchMutation
	CommitBatch(b BatchMutation) error

	// Find returns an iterator positioned before the first key/value pair
	// whose key is 'greater than or equal to' the given start key.
	// There may be no such pair, in which case the iterator will return false
	// on Next.
	//
	// The optional end value specifies the exclusive upper
	// bound of iteration. If end is the empty string, iteration continues to
	// the end of the database.
	//
	// Any error encountered will be implicitly returned via the iterator. An
	// error-iterator will yield no key/value pairs and closing that iterator
	// will return that error.
	Find(start, end string) Iterator

	// Close is a polite way for the server to shut down the storage.
	// Implementations should never lose data after a Set, Delete,
	// or CommitBatch, though.
	Close() error
}

// Wiper is an optional interface implemented by KeyValue
// implementations that can efficiently delete all their rows.
type Wiper interface {
	KeyValue

	// Wipe removes all key/value pairs.
	Wipe() error
}

// TransactionalReader is an optional interface implemented by
// KeyValue implementations that can provide a consistent read-only
// snapshot across several reads.
type TransactionalReader interface {
	KeyValue

	// BeginReadTx begins a read transaction.
	BeginReadTx() ReadTransaction
}

// ReadTransaction is a read-only snapshot of a KeyValue. Reads made
// through it are repeatable until Close.
type ReadTransaction interface {
	Get(key string) (string, error)
	Find(start, end string) Iterator

	// Close ends the read transaction.
	Close() error
}

// CheckSizes returns ErrKeyTooLarge or ErrValueTooLarge if the
// provided key or value don't fit within the backend-common bounds.
func CheckSizes(key, value string) error {
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Iterator iterates over a KeyValue's key/value pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not necessarily goroutine-safe, but it is safe to use
// multiple iterators concurrently, with each in a dedicated goroutine.
type Iterator interface {
	// Next moves the iterator to the next key/value pair.
	// It returns false when the iterator is exhausted.
	Next() bool

	// Key returns the key of the current key/value pair.
	// Only valid after a call to Next returns true.
	Key() string

	// KeyBytes returns the key as bytes. The returned bytes
	// should not be written and are invalid after the next call
	// to Next or Close.
	KeyBytes() []byte

	// Value returns the value of the current key/value pair.
	// Only valid after a call to Next returns true.
	Value() string

	// ValueBytes returns the value as bytes. The returned bytes
	// should not be written and are invalid after the next call
	// to Next or Close.
	ValueBytes() []byte

	// Close closes the iterator and returns any accumulated error. Exhausting
	// all the key/value pairs in a table is not considered to be an error.
	// It is valid to call Close multiple times. Other methods should not be
	// called after the iterator has been closed.
	Close() error
}

type BatchMutation interface {
	Set(key, value string)
	Delete(key string)
}

type Mutation interface {
	Key() string
	Value() string
	IsDelete() bool
}

type mutation struct {
	key    string
	value  string // used if !delete
	delete bool   // if to be deleted
}

func (m mutation) Key() string {
	return m.key
}

func (m mutation) Value() string {
	return m.value
}

func (m mutation) IsDelete() bool {
	return m.delete
}

func NewBatchMutation() BatchMutation {
	return &batch{}
}

type batch struct {
	m []Mutation
}

func (b *batch) Mutations() []Mutation {
	return b.m
}

func (b *batch) Delete(key string) {
	b.m = append(b.m, mutation{key: key, delete: true})
}

func (b *batch) Set(key, value string) {
	b.m = append(b.m, mutation{key: key, value: value})
}

var (
	ctors = make(map[string]func(jsonconfig.Obj) (KeyValue, error))
)

// RegisterKeyValue registers a constructor for the named backend
// type. It panics on duplicate registrations, which are programmer
// errors at init time.
func RegisterKeyValue(typ string, fn func(jsonconfig.Obj) (KeyValue, error)) {
	if typ == "" || fn == nil {
		panic("zero type or func")
	}
	if _, dup := ctors[typ]; dup {
		panic("duplicate registration of type " + typ)
	}
	ctors[typ] = fn
}

// NewKeyValue returns a KeyValue as configured by cfg, whose
// required "type" member names a registered backend.
func NewKeyValue(cfg jsonconfig.Obj) (KeyValue, error) {
	var s KeyValue
	var err error
	typ := cfg.RequiredString("type")
	ctor, ok := ctors[typ]
	if typ != "" && !ok {
		return nil, fmt.Errorf("sorted: unknown key/value type %q", typ)
	}
	if ok {
		s, err = ctor(cfg)
		if err != nil {
			return nil, err
		}
	}
	return s, cfg.Validate()
}

// Foreach runs fn for each key/value pair in kv, in key order,
// stopping at the first error fn returns.
func Foreach(kv KeyValue, fn func(key, value string) error) error {
	return ForeachInRange(kv, "", "", fn)
}

// ForeachInRange runs fn for each key/value pair in kv in the range
// [start, end), in key order. An empty end means no upper bound.
// Iteration stops at the first error fn returns, and that error is
// returned.
func ForeachInRange(kv KeyValue, start, end string, fn func(key, value string) error) error {
	it := kv.Find(start, end)
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			it.Close()
			return err
		}
	}
	return it.Close()
}
