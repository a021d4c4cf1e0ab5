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

package longpath

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafePathShortUnchanged(t *testing.T) {
	l := New(250)
	in := filepath.Join("some", "dir", "image.jpg")
	got, err := l.SafePath(in)
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Errorf("SafePath(%q) = %q; want unchanged", in, got)
	}
}

func TestSafePathLong(t *testing.T) {
	l := New(100)
	dir := filepath.Join("d1", "d2")
	base := strings.Repeat("x", 150) + ".jpg"
	in := filepath.Join(dir, base)
	got, err := l.SafePath(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) > 100 {
		t.Errorf("SafePath output %d bytes; want <= 100", len(got))
	}
	if filepath.Dir(got) != dir {
		t.Errorf("SafePath moved file to dir %q; want %q", filepath.Dir(got), dir)
	}
	if !strings.HasSuffix(got, ".jpg") {
		t.Errorf("SafePath output %q lost extension", got)
	}
	// Stable: same input, same output.
	again, err := l.SafePath(in)
	if err != nil {
		t.Fatal(err)
	}
	if again != got {
		t.Errorf("SafePath not stable: %q then %q", got, again)
	}
}

func TestSafePathIdempotent(t *testing.T) {
	l := New(80)
	in := filepath.Join("dir", strings.Repeat("n", 200)+".png")
	once, err := l.SafePath(in)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := l.SafePath(once)
	if err != nil {
		t.Fatal(err)
	}
	if twice != once {
		t.Errorf("SafePath(SafePath(p)) = %q; want %q", twice, once)
	}
}

func TestSafePathDistinct(t *testing.T) {
	l := New(80)
	common := strings.Repeat("a", 120)
	p1 := filepath.Join("dir", common+"-one.jpg")
	p2 := filepath.Join("dir", common+"-two.jpg")
	s1, err := l.SafePath(p1)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := l.SafePath(p2)
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Errorf("distinct long paths mapped to same safe path %q", s1)
	}
}

func TestSafePathDirTooLong(t *testing.T) {
	l := New(40)
	in := filepath.Join(strings.Repeat("d", 60), "f.jpg")
	_, err := l.SafePath(in)
	if !errors.Is(err, ErrPathTooLong) {
		t.Errorf("SafePath = %v; want ErrPathTooLong", err)
	}
}

func TestFSRoundTripLongName(t *testing.T) {
	td := t.TempDir()
	limit := len(td) + 40
	l := New(limit)

	long := filepath.Join(td, strings.Repeat("z", 100)+".dat")
	want := []byte("payload")
	if err := l.WriteFile(long, want, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err := l.Exists(long)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}
	got, err := l.ReadFile(long)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadFile = %q; want %q", got, want)
	}
	fi, err := l.Stat(long)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != int64(len(want)) {
		t.Errorf("Stat size = %d; want %d", fi.Size(), len(want))
	}

	// The on-disk name is the rewritten one.
	ents, err := os.ReadDir(td)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 {
		t.Fatalf("got %d entries in dir; want 1", len(ents))
	}
	if name := ents[0].Name(); len(filepath.Join(td, name)) > limit {
		t.Errorf("on-disk path %q exceeds limit %d", name, limit)
	}

	if err := l.Remove(long); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err = l.Exists(long)
	if err != nil || ok {
		t.Fatalf("Exists after Remove = %v, %v; want false, nil", ok, err)
	}
	// Removing again is not an error.
	if err := l.Remove(long); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestFSCopyAndRename(t *testing.T) {
	td := t.TempDir()
	l := New(0) // default limit

	src := filepath.Join(td, "src.bin")
	if err := l.WriteFile(src, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(td, "sub", "dst.bin")
	n, err := l.Copy(dst, src)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 3 {
		t.Errorf("Copy copied %d bytes; want 3", n)
	}
	moved := filepath.Join(td, "sub", "moved.bin")
	if err := l.Rename(dst, moved); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	b, err := l.ReadFile(moved)
	if err != nil || string(b) != "abc" {
		t.Fatalf("after rename, ReadFile = %q, %v; want abc, nil", b, err)
	}
}

func TestListDir(t *testing.T) {
	td := t.TempDir()
	l := New(0)
	for _, name := range []string{"b.jpg", "a.jpg", "c.txt"} {
		if err := l.WriteFile(filepath.Join(td, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	ents, err := l.ListDir(td)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	want := []string{"a.jpg", "b.jpg", "c.txt"}
	if len(names) != len(want) {
		t.Fatalf("ListDir = %v; want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ListDir[%d] = %q; want %q", i, names[i], want[i])
		}
	}
}
