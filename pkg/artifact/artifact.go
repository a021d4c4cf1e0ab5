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

// Package artifact stores derived image files (thumbnails and resized
// cache variants) under cache roots. Files are content-addressed by a
// fingerprint of their generation parameters, sharded two hex chars
// deep, written with a temp-file/rename protocol, and accounted
// through the placement engine's reservations.
package artifact // import "picshelf.org/pkg/artifact"

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/placement"
	"picshelf.org/pkg/types"
)

// fingerprintLen is the length of a hex SHA-256.
const fingerprintLen = 64

// Fingerprint computes the content address for one derived variant.
// The serialization is fixed so independent producers converge on the
// same file: "artifact|v1|" + imageID + "|" + kind + "|" + WxH +
// "|q" + quality + "|" + format, hashed with SHA-256, hex encoded.
func Fingerprint(imageID types.ID, kind types.VariantKind, box types.Box, quality int, format types.Format) string {
	h := sha256.New()
	fmt.Fprintf(h, "artifact|v1|%s|%s|%dx%d|q%d|%s",
		imageID, kind, box.Width, box.Height, quality,
		strings.ToLower(string(format)))
	return hex.EncodeToString(h.Sum(nil))
}

// Filename returns the basename an artifact is stored under.
func Filename(fp string, format types.Format) string {
	return fp + "." + format.Ext()
}

// ParseFilename is the reverse lookup: given a basename found under a
// cache root it recovers the fingerprint and format. Non-artifact
// files (temp files, strays) report ok=false.
func ParseFilename(name string) (fp string, format types.Format, ok bool) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", "", false
	}
	f, err := types.ParseFormat(strings.TrimPrefix(ext, "."))
	if err != nil {
		return "", "", false
	}
	fp = strings.TrimSuffix(name, ext)
	if !validFingerprint(fp) {
		return "", "", false
	}
	return fp, f, true
}

func validFingerprint(fp string) bool {
	if len(fp) != fingerprintLen {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Info describes one stored artifact, derived from the file itself.
type Info struct {
	Fingerprint string
	RootID      types.ID
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time

	// ExpiresAt is CreatedAt plus the collection's cache expiration;
	// zero means the artifact never expires.
	ExpiresAt time.Time
}

// Expired reports whether the artifact is past its TTL at t.
func (in *Info) Expired(t time.Time) bool {
	return !in.ExpiresAt.IsZero() && t.After(in.ExpiresAt)
}

// Store reads and writes artifacts under cache roots. It is safe for
// concurrent use; per-fingerprint write races are the caller's to
// prevent (the read path holds a single-flight lock, the processor a
// per-image item).
type Store struct {
	eng *placement.Engine
	fs  *longpath.FS
}

// NewStore returns a Store accounting against eng. A nil fs gets the
// default long-path adapter.
func NewStore(eng *placement.Engine, fs *longpath.FS) *Store {
	if fs == nil {
		fs = longpath.New(0)
	}
	return &Store{eng: eng, fs: fs}
}

// Path returns the artifact's location under root:
// <root>/<fp[0:2]>/<fp>.<ext>.
func (s *Store) Path(root *meta.CacheRoot, fp string, format types.Format) string {
	return filepath.Join(root.Path, fp[:2], Filename(fp, format))
}

// Put writes the artifact bytes under root and settles the
// reservation: committed with the actual on-disk size on success,
// aborted on any failure. The write is crash-safe — bytes go to a
// temp sibling in the shard directory, are synced, and only then
// renamed over the final name.
func (s *Store) Put(res *placement.Reservation, root *meta.CacheRoot, fp string, format types.Format, src io.Reader) (in *Info, err error) {
	if !validFingerprint(fp) {
		res.Abort()
		return nil, fmt.Errorf("artifact: malformed fingerprint %q", fp)
	}
	if res.RootID() != root.ID {
		res.Abort()
		return nil, fmt.Errorf("artifact: reservation is for root %v, not %v", res.RootID(), root.ID)
	}
	defer func() {
		if err != nil {
			res.Abort()
		}
	}()

	dir := filepath.Join(root.Path, fp[:2])
	if err := s.fs.EnsureDir(dir); err != nil {
		return nil, err
	}
	tmp, err := s.fs.TempFile(dir, Filename(fp, format)+".tmp")
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	written, err := io.Copy(tmp, src)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	fi, err := os.Lstat(tmp.Name())
	if err != nil {
		return nil, err
	}
	if fi.Size() != written {
		return nil, fmt.Errorf("artifact: temp file %q size %d doesn't match %d written", tmp.Name(), fi.Size(), written)
	}

	final := s.Path(root, fp, format)
	if err := s.fs.Rename(tmp.Name(), final); err != nil {
		return nil, err
	}
	success = true
	fi, err = s.fs.Stat(final)
	if err != nil {
		return nil, err
	}
	if err := res.Commit(fi.Size()); err != nil {
		// The file is on disk and must stay; only the counters missed
		// the update.
		log.Printf("artifact: commit accounting for %s: %v", fp, err)
	}
	return &Info{
		Fingerprint: fp,
		RootID:      root.ID,
		Path:        final,
		SizeBytes:   fi.Size(),
		CreatedAt:   fi.ModTime(),
	}, nil
}

// Stat reports the artifact if it is present and usable. Size-zero
// files (a crashed write at worst, never a valid image) and files
// past their ttl are evicted and reported as types.ErrNotFound. A
// zero ttl means no expiry.
func (s *Store) Stat(root *meta.CacheRoot, fp string, format types.Format, ttl time.Duration) (*Info, error) {
	if !validFingerprint(fp) {
		return nil, fmt.Errorf("artifact: malformed fingerprint %q", fp)
	}
	p := s.Path(root, fp, format)
	fi, err := s.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	in := &Info{
		Fingerprint: fp,
		RootID:      root.ID,
		Path:        p,
		SizeBytes:   fi.Size(),
		CreatedAt:   fi.ModTime(),
	}
	if ttl > 0 {
		in.ExpiresAt = fi.ModTime().Add(ttl)
	}
	if in.SizeBytes == 0 || in.Expired(time.Now()) {
		if err := s.Delete(root, fp, format); err != nil {
			log.Printf("artifact: evicting stale %s: %v", fp, err)
		}
		return nil, types.ErrNotFound
	}
	return in, nil
}

// Open returns a reader over the artifact bytes, with the same
// staleness rules as Stat.
func (s *Store) Open(root *meta.CacheRoot, fp string, format types.Format, ttl time.Duration) (io.ReadCloser, *Info, error) {
	in, err := s.Stat(root, fp, format, ttl)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.fs.Open(in.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Lost a race with eviction or delete.
			return nil, nil, types.ErrNotFound
		}
		return nil, nil, err
	}
	return f, in, nil
}

// Delete unlinks the artifact and releases its bytes from the root's
// counters. Deleting an absent artifact is a no-op.
func (s *Store) Delete(root *meta.CacheRoot, fp string, format types.Format) error {
	if !validFingerprint(fp) {
		return fmt.Errorf("artifact: malformed fingerprint %q", fp)
	}
	p := s.Path(root, fp, format)
	fi, err := s.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		return err
	}
	return s.eng.ReleaseDelete(root.ID, fi.Size())
}
