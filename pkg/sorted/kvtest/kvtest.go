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

// Package kvtest tests sorted.KeyValue implementations.
package kvtest // import "picshelf.org/pkg/sorted/kvtest"

import (
	"reflect"
	"testing"

	"picshelf.org/pkg/sorted"
)

func TestSorted(t *testing.T, kv sorted.KeyValue) {
	if !isEmpty(t, kv) {
		t.Fatal("kv for test is expected to be initially empty")
	}
	set := func(k, v string) {
		if err := kv.Set(k, v); err != nil {
			t.Fatalf("Error setting %q to %q: %v", k, v, err)
		}
	}
	set("foo", "bar")
	if isEmpty(t, kv) {
		t.Fatalf("iterator reports the kv is empty after adding foo=bar; iterator must be broken")
	}
	if v, err := kv.Get("foo"); err != nil || v != "bar" {
		t.Errorf("get(foo) = %q, %v; want bar", v, err)
	}
	if v, err := kv.Get("NOT_EXIST"); err != sorted.ErrNotFound {
		t.Errorf("get(NOT_EXIST) = %q, %v; want error sorted.ErrNotFound", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := kv.Delete("foo"); err != nil {
			t.Errorf("Delete(foo) (on loop %d/2) returned error %v", i+1, err)
		}
	}
	set("a", "av")
	set("b", "bv")
	set("c", "cv")
	testEnumerate(t, kv, "", "", "av", "bv", "cv")
	testEnumerate(t, kv, "a", "", "av", "bv", "cv")
	testEnumerate(t, kv, "b", "", "bv", "cv")
	testEnumerate(t, kv, "a", "c", "av", "bv")
	testEnumerate(t, kv, "a", "b", "av")
	testEnumerate(t, kv, "a", "a")
	testEnumerate(t, kv, "d", "")
	testEnumerate(t, kv, "d", "e")

	// Verify that the value isn't being used instead of the key in the range comparison.
	set("y", "x:foo")
	testEnumerate(t, kv, "x:", "x~")

	testBatch(t, kv)
	testUpdate(t, kv)
	testReadTx(t, kv)
}

func testBatch(t *testing.T, kv sorted.KeyValue) {
	b := kv.BeginBatch()
	b.Set("batch-a", "av")
	b.Set("batch-b", "bv")
	b.Set("batch-gone", "zv")
	b.Delete("batch-gone")
	if err := kv.CommitBatch(b); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if v, err := kv.Get("batch-a"); err != nil || v != "av" {
		t.Errorf("after batch, get(batch-a) = %q, %v; want av", v, err)
	}
	if v, err := kv.Get("batch-b"); err != nil || v != "bv" {
		t.Errorf("after batch, get(batch-b) = %q, %v; want bv", v, err)
	}
	if _, err := kv.Get("batch-gone"); err != sorted.ErrNotFound {
		t.Errorf("after batch, get(batch-gone) = %v; want ErrNotFound", err)
	}
	// Batch deletes of pre-existing rows.
	b = kv.BeginBatch()
	b.Delete("batch-a")
	b.Delete("batch-b")
	if err := kv.CommitBatch(b); err != nil {
		t.Fatalf("CommitBatch (deletes): %v", err)
	}
	if _, err := kv.Get("batch-a"); err != sorted.ErrNotFound {
		t.Errorf("after delete batch, get(batch-a) = %v; want ErrNotFound", err)
	}
}

func testUpdate(t *testing.T, kv sorted.KeyValue) {
	if err := kv.Set("mut", "one"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("mut", "two"); err != nil {
		t.Fatal(err)
	}
	if v, err := kv.Get("mut"); err != nil || v != "two" {
		t.Errorf("after overwrite, get(mut) = %q, %v; want two", v, err)
	}
	if err := kv.Delete("mut"); err != nil {
		t.Fatal(err)
	}
}

// testReadTx covers the optional TransactionalReader interface.
// Access is strictly sequential and nothing writes while the
// transaction is open: gated SQL backends hold their connection gate
// for the transaction's lifetime, so a concurrent write would block.
func testReadTx(t *testing.T, kv sorted.KeyValue) {
	tr, ok := kv.(sorted.TransactionalReader)
	if !ok {
		t.Logf("%T is not a sorted.TransactionalReader; skipping read transaction tests", kv)
		return
	}
	if err := kv.Set("rtx-a", "av"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("rtx-b", "bv"); err != nil {
		t.Fatal(err)
	}
	tx := tr.BeginReadTx()
	if v, err := tx.Get("rtx-a"); err != nil || v != "av" {
		t.Errorf("read tx get(rtx-a) = %q, %v; want av", v, err)
	}
	if _, err := tx.Get("rtx-MISSING"); err != sorted.ErrNotFound {
		t.Errorf("read tx get of missing key = %v; want sorted.ErrNotFound", err)
	}
	var got []string
	it := tx.Find("rtx-", "rtx~")
	for it.Next() {
		got = append(got, it.Key()+"="+it.Value())
	}
	if err := it.Close(); err != nil {
		t.Errorf("read tx iterator Close: %v", err)
	}
	want := []string{"rtx-a=av", "rtx-b=bv"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("read tx enumerate = %q; want %q", got, want)
	}
	// Reads stay repeatable until Close.
	if v, err := tx.Get("rtx-b"); err != nil || v != "bv" {
		t.Errorf("read tx re-get(rtx-b) = %q, %v; want bv", v, err)
	}
	if err := tx.Close(); err != nil {
		t.Errorf("read tx Close: %v", err)
	}
}

func testEnumerate(t *testing.T, kv sorted.KeyValue, start, end string, want ...string) {
	var got []string
	it := kv.Find(start, end)
	for it.Next() {
		key, val := it.Key(), it.Value()
		keyb, valb := it.KeyBytes(), it.ValueBytes()
		if key != string(keyb) {
			t.Errorf("Key and KeyBytes disagree: %q vs %q", key, keyb)
		}
		if val != string(valb) {
			t.Errorf("Value and ValueBytes disagree: %q vs %q", val, valb)
		}
		if key+"v" != val {
			t.Errorf("iterator returned unexpected pair for test: %q, %q", key, val)
		}
		got = append(got, val)
	}
	err := it.Close()
	if err != nil {
		t.Errorf("for enumerate of (%q, %q), Close error: %v", start, end, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("for enumerate of (%q, %q), got: %q; want %q", start, end, got, want)
	}
}

func isEmpty(t *testing.T, kv sorted.KeyValue) bool {
	it := kv.Find("", "")
	hasRow := it.Next()
	if err := it.Close(); err != nil {
		t.Fatalf("Error closing iterator while testing for emptiness: %v", err)
	}
	return !hasRow
}
