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

// Package longpath wraps filesystem access so that paths longer than
// the platform limit still work. Callers use the FS primitives with
// the original, possibly over-long path; the adapter rewrites the
// basename to a truncated form with a stable hash suffix before it
// touches the OS. Collection images keep their original relative
// paths in metadata; only the on-disk access goes through the
// rewrite, so lookups by original path keep working.
package longpath // import "picshelf.org/pkg/longpath"

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultLimit is the path length above which names are rewritten.
// It sits under the common 255/260 byte OS limits with a little slack
// for temp-file suffixes.
const DefaultLimit = 250

// ErrPathTooLong is returned when rewriting cannot produce a path
// within the limit, which happens when the directory portion alone
// is already too long.
var ErrPathTooLong = errors.New("longpath: path too long even after rewrite")

// hashLen is the number of hex characters appended to truncated
// basenames. 8 hex chars of SHA-256 keep same-directory collisions
// out of reach for any realistic directory size.
const hashLen = 8

// An FS provides filesystem primitives that transparently rewrite
// over-long paths. The zero value uses DefaultLimit.
type FS struct {
	limit int
}

// New returns an FS that rewrites paths longer than limit bytes.
// A non-positive limit means DefaultLimit.
func New(limit int) *FS {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &FS{limit: limit}
}

// Limit returns the configured path length limit.
func (l *FS) Limit() int {
	if l == nil || l.limit <= 0 {
		return DefaultLimit
	}
	return l.limit
}

// SafePath returns the path actually used on disk for p. Paths within
// the limit come back unchanged (after Clean). Longer paths keep their
// directory and extension but have the basename stem truncated and
// suffixed with "-" plus an 8 hex char hash of the original basename.
// SafePath is idempotent: applying it to its own output is a no-op.
func (l *FS) SafePath(p string) (string, error) {
	p = filepath.Clean(p)
	limit := l.Limit()
	if len(p) <= limit {
		return p, nil
	}
	dir, base := filepath.Split(p)
	ext := filepath.Ext(base)
	if len(ext) > 16 {
		// Not a real extension, just a name with a late dot.
		ext = ""
	}
	stem := base[:len(base)-len(ext)]
	suffix := "-" + shortHash(base) // stable across calls
	// Budget for the stem after dir, suffix and ext are spent.
	budget := limit - len(dir) - len(suffix) - len(ext)
	if budget < 1 {
		// The offending directory is by definition over-long; don't
		// repeat all of it in the message.
		d := dir
		if len(d) > 80 {
			d = d[:80] + "..."
		}
		return "", fmt.Errorf("%w: directory %q leaves no room for a name within %d bytes",
			ErrPathTooLong, d, limit)
	}
	if len(stem) > budget {
		stem = stem[:budget]
	}
	return dir + stem + suffix + ext, nil
}

func shortHash(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Exists reports whether p exists on disk (under its safe path).
func (l *FS) Exists(p string) (bool, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(sp); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat stats p under its safe path.
func (l *FS) Stat(p string) (os.FileInfo, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.Stat(sp)
}

// Open opens p for reading under its safe path.
func (l *FS) Open(p string) (*os.File, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.Open(sp)
}

// ReadFile reads the whole file at p.
func (l *FS) ReadFile(p string) ([]byte, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(sp)
}

// WriteFile writes data to p, creating it with perm if needed.
func (l *FS) WriteFile(p string, data []byte, perm os.FileMode) error {
	sp, err := l.SafePath(p)
	if err != nil {
		return err
	}
	return os.WriteFile(sp, data, perm)
}

// Create creates or truncates the file at p.
func (l *FS) Create(p string) (*os.File, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.Create(sp)
}

// TempFile creates a temp file in dir (under its safe path) with the
// given name pattern, for write-then-rename protocols.
func (l *FS) TempFile(dir, pattern string) (*os.File, error) {
	sd, err := l.SafePath(dir)
	if err != nil {
		return nil, err
	}
	return os.CreateTemp(sd, pattern)
}

// EnsureDir makes p (and parents) exist as a directory.
func (l *FS) EnsureDir(p string) error {
	sp, err := l.SafePath(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(sp, 0700)
}

// Remove deletes the file or empty directory at p. Removing a path
// that does not exist is not an error.
func (l *FS) Remove(p string) error {
	sp, err := l.SafePath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(sp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveAll deletes p and anything under it.
func (l *FS) RemoveAll(p string) error {
	sp, err := l.SafePath(p)
	if err != nil {
		return err
	}
	return os.RemoveAll(sp)
}

// Rename moves oldp to newp, both under their safe paths.
func (l *FS) Rename(oldp, newp string) error {
	so, err := l.SafePath(oldp)
	if err != nil {
		return err
	}
	sn, err := l.SafePath(newp)
	if err != nil {
		return err
	}
	return os.Rename(so, sn)
}

// Copy copies the file at src to dst, creating dst's directory if
// needed. It returns the number of bytes copied.
func (l *FS) Copy(dst, src string) (int64, error) {
	sf, err := l.Open(src)
	if err != nil {
		return 0, err
	}
	defer sf.Close()
	if err := l.EnsureDir(filepath.Dir(dst)); err != nil {
		return 0, err
	}
	df, err := l.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(df, sf)
	if closeErr := df.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// ListDir returns the directory entries of p in name order.
func (l *FS) ListDir(p string) ([]os.DirEntry, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(sp)
}

// WalkDir walks the tree rooted at p, calling fn for each file or
// directory. The walk itself uses OS paths; p is rewritten first.
func (l *FS) WalkDir(p string, fn fs.WalkDirFunc) error {
	sp, err := l.SafePath(p)
	if err != nil {
		return err
	}
	return filepath.WalkDir(sp, fn)
}
