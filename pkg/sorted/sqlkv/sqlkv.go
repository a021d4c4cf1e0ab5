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

// Package sqlkv implements the sorted.KeyValue interface using an *sql.DB,
// shared by the sqlite, mysql and postgres metadata backends.
package sqlkv // import "picshelf.org/pkg/sorted/sqlkv"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"go4.org/syncutil"
	"picshelf.org/internal/leak"
	"picshelf.org/pkg/sorted"
)

var (
	_ sorted.Wiper               = (*KeyValue)(nil)
	_ sorted.TransactionalReader = (*KeyValue)(nil)
)

// KeyValue implements sorted.KeyValue on an *sql.DB holding a single
// two-column table of rows. The owning backend configures the dialect
// differences; everything else is shared here.
type KeyValue struct {
	DB *sql.DB

	// SetFunc optionally replaces the REPLACE INTO upsert for
	// dialects without one. BatchSetFunc is its transactional
	// counterpart.
	SetFunc      func(*sql.DB, string, string) error
	BatchSetFunc func(*sql.Tx, string, string) error

	// PlaceHolderFunc optionally rewrites ? placeholders into
	// whatever the dialect wants ($1, :name, ...).
	PlaceHolderFunc func(string) string

	// Gate optionally bounds concurrent access.
	//
	// SQLite's driver likes to return "the database is locked"
	// under concurrent writers, so a gate of 1 keeps some
	// pressure off. It's also used to limit the number of MySQL
	// connections.
	Gate *syncutil.Gate

	// TablePrefix optionally prefixes SQL table names. This is
	// typically "dbname.", ending in a period.
	TablePrefix string

	// queries caches the dialect-rewritten form of each statement,
	// keyed by the canonical text below.
	queries sync.Map // string -> string
}

// sql returns the query with ? placeholders run through
// PlaceHolderFunc and /*TPRE*/ replaced by TablePrefix. Each distinct
// statement is rewritten once.
func (kv *KeyValue) sql(sqlStmt string) string {
	if q, ok := kv.queries.Load(sqlStmt); ok {
		return q.(string)
	}
	q := sqlStmt
	if f := kv.PlaceHolderFunc; f != nil {
		q = f(q)
	}
	q = strings.ReplaceAll(q, "/*TPRE*/", kv.TablePrefix)
	actual, _ := kv.queries.LoadOrStore(sqlStmt, q)
	return actual.(string)
}

// queryObject is the query surface shared by *sql.DB and *sql.Tx.
type queryObject interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// Common logic for KeyValue.Get and batchTx.Get.
func get(kv *KeyValue, qobj queryObject, key string) (value string, err error) {
	err = qobj.QueryRow(kv.sql("SELECT v FROM /*TPRE*/rows WHERE k=?"), key).Scan(&value)
	if err == sql.ErrNoRows {
		err = sorted.ErrNotFound
	}
	return
}

// Common logic for KeyValue.Find and batchTx.Find.
func find(kv *KeyValue, qobj queryObject, start, end string) *iter {
	var rows *sql.Rows
	var err error
	if end == "" {
		rows, err = qobj.Query(kv.sql("SELECT k, v FROM /*TPRE*/rows WHERE k >= ? ORDER BY k "), start)
	} else {
		rows, err = qobj.Query(kv.sql("SELECT k, v FROM /*TPRE*/rows WHERE k >= ? AND k < ? ORDER BY k "), start, end)
	}
	if err != nil {
		log.Printf("sqlkv: unexpected query error: %v", err)
		return &iter{err: err}
	}

	return &iter{
		kv:         kv,
		rows:       rows,
		closeCheck: leak.NewChecker(),
	}
}

func (kv *KeyValue) Get(key string) (value string, err error) {
	if kv.Gate != nil {
		kv.Gate.Start()
		defer kv.Gate.Done()
	}
	return get(kv, kv.DB, key)
}

func (kv *KeyValue) Set(key, value string) error {
	if err := sorted.CheckSizes(key, value); err != nil {
		return err
	}
	if kv.Gate != nil {
		kv.Gate.Start()
		defer kv.Gate.Done()
	}
	if kv.SetFunc != nil {
		return kv.SetFunc(kv.DB, key, value)
	}
	_, err := kv.DB.Exec(kv.sql("REPLACE INTO /*TPRE*/rows (k, v) VALUES (?, ?)"), key, value)
	return err
}

func (kv *KeyValue) Delete(key string) error {
	if kv.Gate != nil {
		kv.Gate.Start()
		defer kv.Gate.Done()
	}
	_, err := kv.DB.Exec(kv.sql("DELETE FROM /*TPRE*/rows WHERE k=?"), key)
	return err
}

func (kv *KeyValue) Find(start, end string) sorted.Iterator {
	var releaseGate func() // nil if unused
	if kv.Gate != nil {
		var once sync.Once
		kv.Gate.Start()
		releaseGate = func() {
			once.Do(kv.Gate.Done)
		}
	}
	it := find(kv, kv.DB, start, end)
	it.releaseGate = releaseGate
	return it
}

func (kv *KeyValue) Wipe() error {
	if kv.Gate != nil {
		kv.Gate.Start()
		defer kv.Gate.Done()
	}
	_, err := kv.DB.Exec(kv.sql("DELETE FROM /*TPRE*/rows"))
	return err
}

func (kv *KeyValue) Close() error { return kv.DB.Close() }

// beginTx acquires the gate and opens a transaction. The returned
// batch carries any begin error, so callers always get a usable value
// and see the error on first use or Close.
func (kv *KeyValue) beginTx(txOpts *sql.TxOptions) *batchTx {
	if kv.Gate != nil {
		kv.Gate.Start()
	}
	tx, err := kv.DB.BeginTx(context.Background(), txOpts)
	if err != nil {
		log.Printf("sqlkv: BEGIN: %v", err)
	}
	return &batchTx{
		tx:  tx,
		err: err,
		kv:  kv,
	}
}

func (kv *KeyValue) BeginBatch() sorted.BatchMutation {
	return kv.beginTx(nil)
}

func (kv *KeyValue) CommitBatch(b sorted.BatchMutation) error {
	if kv.Gate != nil {
		defer kv.Gate.Done()
	}
	bt, ok := b.(*batchTx)
	if !ok {
		return fmt.Errorf("wrong BatchMutation type %T", b)
	}
	if bt.err != nil {
		if err := bt.tx.Rollback(); err != nil {
			log.Printf("sqlkv: rollback: %v", err)
		}
		return bt.err
	}
	return bt.tx.Commit()
}

// BeginReadTx opens a read-only serializable transaction, so repeated
// reads through it observe one consistent state.
func (kv *KeyValue) BeginReadTx() sorted.ReadTransaction {
	return kv.beginTx(&sql.TxOptions{
		ReadOnly:  true,
		Isolation: sql.LevelSerializable,
	})
}

// batchTx is a mutation batch and also the read transaction: both are
// an *sql.Tx plus a sticky first error.
type batchTx struct {
	tx  *sql.Tx
	err error // sticky
	kv  *KeyValue
}

func (b *batchTx) Set(key, value string) {
	if b.err != nil {
		return
	}
	if b.err = sorted.CheckSizes(key, value); b.err != nil {
		return
	}
	if b.kv.BatchSetFunc != nil {
		b.err = b.kv.BatchSetFunc(b.tx, key, value)
		return
	}
	_, b.err = b.tx.Exec(b.kv.sql("REPLACE INTO /*TPRE*/rows (k, v) VALUES (?, ?)"), key, value)
}

func (b *batchTx) Delete(key string) {
	if b.err != nil {
		return
	}
	_, b.err = b.tx.Exec(b.kv.sql("DELETE FROM /*TPRE*/rows WHERE k=?"), key)
}

func (b *batchTx) Get(key string) (value string, err error) {
	if b.err != nil {
		return "", b.err
	}
	return get(b.kv, b.tx, key)
}

func (b *batchTx) Find(start, end string) sorted.Iterator {
	if b.err != nil {
		return &iter{
			kv:         b.kv,
			closeCheck: leak.NewChecker(),
			err:        b.err,
		}
	}
	return find(b.kv, b.tx, start, end)
}

func (b *batchTx) Close() error {
	if b.kv.Gate != nil {
		defer b.kv.Gate.Done()
	}
	if b.err != nil {
		return b.err
	}
	return b.tx.Commit()
}

// iter reads sorted key/value pairs out of an *sql.Rows.
type iter struct {
	kv  *KeyValue
	err error // accumulated error, returned at Close

	closeCheck  *leak.Checker
	releaseGate func() // if non-nil, called on Close

	rows *sql.Rows // if non-nil, the rows we're reading from

	key        sql.RawBytes
	val        sql.RawBytes
	skey, sval *string // if non-nil, it's been stringified
}

var errClosed = errors.New("sqlkv: Iterator already closed")

func (t *iter) KeyBytes() []byte { return t.key }
func (t *iter) Key() string {
	if t.skey != nil {
		return *t.skey
	}
	str := string(t.key)
	t.skey = &str
	return str
}

func (t *iter) ValueBytes() []byte { return t.val }
func (t *iter) Value() string {
	if t.sval != nil {
		return *t.sval
	}
	str := string(t.val)
	t.sval = &str
	return str
}

func (t *iter) Close() error {
	t.closeCheck.Close()
	if t.rows != nil {
		t.rows.Close()
		t.rows = nil
	}
	if t.releaseGate != nil {
		t.releaseGate()
	}
	err := t.err
	t.err = errClosed
	return err
}

func (t *iter) Next() bool {
	if t.err != nil {
		return false
	}
	t.skey, t.sval = nil, nil
	if !t.rows.Next() {
		return false
	}
	t.err = t.rows.Scan(&t.key, &t.val)
	if t.err != nil {
		log.Printf("sqlkv: unexpected Scan error: %v", t.err)
		return false
	}
	return true
}
