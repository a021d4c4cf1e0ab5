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

// Package meta is the metadata store: collections, images, cache
// roots, bindings, jobs and tags as typed JSON records over a
// sorted.KeyValue, with the unique indexes the rest of the system
// relies on.
package meta // import "picshelf.org/pkg/meta"

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/types"
)

// Store wraps a sorted.KeyValue with the typed record schema. All
// read-modify-write operations serialize on an internal mutex; the
// underlying KeyValue only needs to be safe for concurrent single
// operations.
type Store struct {
	mu sync.Mutex
	kv sorted.KeyValue
}

// New opens a Store over kv, verifying the schema version and
// stamping it on first use.
func New(kv sorted.KeyValue) (*Store, error) {
	want := strconv.Itoa(requiredSchemaVersion)
	v, err := kv.Get(keySchemaVersion)
	switch {
	case err == sorted.ErrNotFound:
		if err := kv.Set(keySchemaVersion, want); err != nil {
			return nil, fmt.Errorf("meta: writing schema version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("meta: reading schema version: %w", err)
	case v != want:
		return nil, fmt.Errorf("meta: store has schema version %s; this binary needs %s", v, want)
	}
	return &Store{kv: kv}, nil
}

// Close closes the underlying KeyValue.
func (s *Store) Close() error { return s.kv.Close() }

// Ping verifies the store answers a read. The daemon health check
// calls this.
func (s *Store) Ping() error {
	_, err := s.kv.Get(keySchemaVersion)
	if err == sorted.ErrNotFound {
		return nil
	}
	return err
}

func (s *Store) get(key string, rec interface{}) error {
	v, err := s.kv.Get(key)
	if err == sorted.ErrNotFound {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(v), rec); err != nil {
		return fmt.Errorf("meta: corrupt record at %q: %v", key, err)
	}
	return nil
}

func mustJSON(rec interface{}) string {
	data, err := json.Marshal(rec)
	if err != nil {
		// All record types marshal; reaching this is a programming error.
		panic("meta: marshal: " + err.Error())
	}
	return string(data)
}

// foreachPrefix runs fn for every key/value under prefix, in key
// order, stopping at the first error. Backends that can snapshot get
// their whole scan from one point-in-time state, so a job writing
// concurrently can't show fn a half-applied batch.
//
// Must not be called while a batch from the same store is open: on
// gated backends both would contend for the connection gate.
func (s *Store) foreachPrefix(prefix string, fn func(key, value string) error) error {
	find := s.kv.Find
	if tr, ok := s.kv.(sorted.TransactionalReader); ok {
		tx := tr.BeginReadTx()
		defer tx.Close()
		find = tx.Find
	}
	it := find(prefix, "")
	for it.Next() {
		if !strings.HasPrefix(it.Key(), prefix) {
			break
		}
		if err := fn(it.Key(), it.Value()); err != nil {
			it.Close()
			return err
		}
	}
	return it.Close()
}

// Collections

// CreateCollection stores a new collection. The ID is minted when
// zero, timestamps are set, and empty settings pick up defaults. A
// non-deleted collection already claiming the path is ErrConflict.
func (s *Store) CreateCollection(c *Collection) error {
	if c.Path == "" {
		return errors.New("meta: collection path required")
	}
	if !types.ValidCollectionType(c.Type) {
		return fmt.Errorf("meta: unknown collection type %q", c.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.kv.Get(collPathKey(c.Path)); err == nil {
		return fmt.Errorf("meta: collection path %q already registered: %w", c.Path, types.ErrConflict)
	} else if err != sorted.ErrNotFound {
		return err
	}
	if c.ID.IsZero() {
		c.ID = types.NewID()
	}
	if c.Name == "" {
		c.Name = c.Path
	}
	c.Settings = c.Settings.withDefaults()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	bm := s.kv.BeginBatch()
	bm.Set(collKey(c.ID), mustJSON(c))
	bm.Set(collPathKey(c.Path), c.ID.String())
	return s.kv.CommitBatch(bm)
}

// GetCollection returns the collection, deleted or not.
func (s *Store) GetCollection(id types.ID) (*Collection, error) {
	c := new(Collection)
	if err := s.get(collKey(id), c); err != nil {
		return nil, err
	}
	return c, nil
}

// CollectionByPath resolves a non-deleted collection through the path
// index.
func (s *Store) CollectionByPath(path string) (*Collection, error) {
	v, err := s.kv.Get(collPathKey(path))
	if err == sorted.ErrNotFound {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := types.ParseID(v)
	if err != nil {
		return nil, fmt.Errorf("meta: corrupt path index for %q: %v", path, err)
	}
	return s.GetCollection(id)
}

// UpdateCollection rewrites the collection, moving the path index if
// the path changed. The type may not change.
func (s *Store) UpdateCollection(c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := new(Collection)
	if err := s.get(collKey(c.ID), old); err != nil {
		return err
	}
	if old.Type != c.Type {
		return fmt.Errorf("meta: collection type is fixed at creation: %w", types.ErrConflict)
	}
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	bm := s.kv.BeginBatch()
	if old.Path != c.Path && !old.Deleted {
		if _, err := s.kv.Get(collPathKey(c.Path)); err == nil {
			return fmt.Errorf("meta: collection path %q already registered: %w", c.Path, types.ErrConflict)
		} else if err != sorted.ErrNotFound {
			return err
		}
		bm.Delete(collPathKey(old.Path))
		bm.Set(collPathKey(c.Path), c.ID.String())
	}
	bm.Set(collKey(c.ID), mustJSON(c))
	return s.kv.CommitBatch(bm)
}

// DeleteCollection soft-deletes: the record stays but the path index
// row goes, freeing the path for a new collection. Idempotent.
func (s *Store) DeleteCollection(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := new(Collection)
	if err := s.get(collKey(id), c); err != nil {
		return err
	}
	if c.Deleted {
		return nil
	}
	c.Deleted = true
	c.UpdatedAt = time.Now().UTC()
	bm := s.kv.BeginBatch()
	bm.Set(collKey(id), mustJSON(c))
	bm.Delete(collPathKey(c.Path))
	return s.kv.CommitBatch(bm)
}

// RemoveCollection hard-deletes the collection record, its binding
// and its tag rows. The purge job deletes images and artifacts first.
func (s *Store) RemoveCollection(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := new(Collection)
	err := s.get(collKey(id), c)
	if err == types.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	// Collect the tag keys before opening the batch; a Find while
	// the batch transaction is open would contend for the backend's
	// connection gate.
	var tagKeys []string
	err = s.foreachPrefix(collTagPrefix(id), func(key, _ string) error {
		tagKeys = append(tagKeys, key)
		return nil
	})
	if err != nil {
		return err
	}
	bm := s.kv.BeginBatch()
	bm.Delete(collKey(id))
	if !c.Deleted {
		bm.Delete(collPathKey(c.Path))
	}
	bm.Delete(bindKey(id))
	for _, key := range tagKeys {
		bm.Delete(key)
	}
	return s.kv.CommitBatch(bm)
}

// ForeachCollection runs fn over every collection record, including
// soft-deleted ones, in id order.
func (s *Store) ForeachCollection(fn func(*Collection) error) error {
	return s.foreachPrefix("coll:", func(_, value string) error {
		c := new(Collection)
		if err := json.Unmarshal([]byte(value), c); err != nil {
			return fmt.Errorf("meta: corrupt collection record: %v", err)
		}
		return fn(c)
	})
}

// CountCollections returns how many non-deleted collections exist.
func (s *Store) CountCollections() (int, error) {
	n := 0
	err := s.ForeachCollection(func(c *Collection) error {
		if !c.Deleted {
			n++
		}
		return nil
	})
	return n, err
}

// errStopIteration stops a Foreach early without reporting failure.
var errStopIteration = errors.New("meta: stop iteration")

// CollectionAt returns the nth non-deleted collection in id order.
// The random-collection endpoint pairs it with CountCollections.
func (s *Store) CollectionAt(n int) (*Collection, error) {
	var found *Collection
	i := 0
	err := s.ForeachCollection(func(c *Collection) error {
		if c.Deleted {
			return nil
		}
		if i == n {
			found = c
			return errStopIteration
		}
		i++
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	if found == nil {
		return nil, types.ErrNotFound
	}
	return found, nil
}

// Images

// UpsertImage writes the image keyed by (collection, relative path).
// A row already there keeps its ID and CreatedAt; everything else is
// replaced. Reports whether a new row was created.
func (s *Store) UpsertImage(im *Image) (created bool, err error) {
	if im.CollectionID.IsZero() {
		return false, errors.New("meta: image collectionId required")
	}
	if im.RelativePath == "" {
		return false, errors.New("meta: image relativePath required")
	}
	if im.Width < 0 || im.Height < 0 {
		return false, fmt.Errorf("meta: negative image dimensions %dx%d", im.Width, im.Height)
	}
	im.Format = strings.ToLower(im.Format)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := imgKey(im.CollectionID, im.RelativePath)
	old := new(Image)
	switch err := s.get(key, old); {
	case err == nil:
		im.ID = old.ID
		im.CreatedAt = old.CreatedAt
	case err == types.ErrNotFound:
		if im.ID.IsZero() {
			im.ID = types.NewID()
		}
		im.CreatedAt = time.Now().UTC()
		created = true
	default:
		return false, err
	}
	bm := s.kv.BeginBatch()
	bm.Set(key, mustJSON(im))
	bm.Set(imgIDKey(im.ID), key)
	return created, s.kv.CommitBatch(bm)
}

// GetImage resolves an image by id through the id index.
func (s *Store) GetImage(id types.ID) (*Image, error) {
	key, err := s.kv.Get(imgIDKey(id))
	if err == sorted.ErrNotFound {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	im := new(Image)
	if err := s.get(key, im); err != nil {
		return nil, err
	}
	return im, nil
}

// ImageByPath returns the image at (collID, relPath).
func (s *Store) ImageByPath(collID types.ID, relPath string) (*Image, error) {
	im := new(Image)
	if err := s.get(imgKey(collID, relPath), im); err != nil {
		return nil, err
	}
	return im, nil
}

// DeleteImage removes the image row and its id index. Idempotent.
func (s *Store) DeleteImage(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.kv.Get(imgIDKey(id))
	if err == sorted.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	bm := s.kv.BeginBatch()
	bm.Delete(key)
	bm.Delete(imgIDKey(id))
	return s.kv.CommitBatch(bm)
}

// ForeachImage runs fn over the collection's images in relative-path
// order.
func (s *Store) ForeachImage(collID types.ID, fn func(*Image) error) error {
	return s.foreachPrefix(imgPrefix(collID), func(_, value string) error {
		im := new(Image)
		if err := json.Unmarshal([]byte(value), im); err != nil {
			return fmt.Errorf("meta: corrupt image record: %v", err)
		}
		return fn(im)
	})
}

// Cache roots

// CreateCacheRoot stores a new root; its path must be unused.
func (s *Store) CreateCacheRoot(r *CacheRoot) error {
	if r.Path == "" {
		return errors.New("meta: cache root path required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.kv.Get(rootPathKey(r.Path)); err == nil {
		return fmt.Errorf("meta: cache root path %q already registered: %w", r.Path, types.ErrConflict)
	} else if err != sorted.ErrNotFound {
		return err
	}
	if r.ID.IsZero() {
		r.ID = types.NewID()
	}
	if r.Name == "" {
		r.Name = r.Path
	}
	bm := s.kv.BeginBatch()
	bm.Set(rootKey(r.ID), mustJSON(r))
	bm.Set(rootPathKey(r.Path), r.ID.String())
	return s.kv.CommitBatch(bm)
}

// GetCacheRoot returns the root by id.
func (s *Store) GetCacheRoot(id types.ID) (*CacheRoot, error) {
	r := new(CacheRoot)
	if err := s.get(rootKey(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

// CacheRootByPath resolves a root through the path index.
func (s *Store) CacheRootByPath(path string) (*CacheRoot, error) {
	v, err := s.kv.Get(rootPathKey(path))
	if err == sorted.ErrNotFound {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := types.ParseID(v)
	if err != nil {
		return nil, fmt.Errorf("meta: corrupt root path index for %q: %v", path, err)
	}
	return s.GetCacheRoot(id)
}

// UpdateCacheRoot rewrites the root record. The path is fixed.
func (s *Store) UpdateCacheRoot(r *CacheRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := new(CacheRoot)
	if err := s.get(rootKey(r.ID), old); err != nil {
		return err
	}
	if old.Path != r.Path {
		return fmt.Errorf("meta: cache root path is fixed: %w", types.ErrConflict)
	}
	return s.kv.Set(rootKey(r.ID), mustJSON(r))
}

// AddCacheRootUsage atomically adjusts a root's size and file
// counters, returning the updated record. Deltas may be negative;
// counters clamp at zero.
func (s *Store) AddCacheRootUsage(id types.ID, deltaBytes, deltaFiles int64) (*CacheRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := new(CacheRoot)
	if err := s.get(rootKey(id), r); err != nil {
		return nil, err
	}
	r.CurrentSizeBytes += deltaBytes
	if r.CurrentSizeBytes < 0 {
		r.CurrentSizeBytes = 0
	}
	r.FileCount += deltaFiles
	if r.FileCount < 0 {
		r.FileCount = 0
	}
	if err := s.kv.Set(rootKey(id), mustJSON(r)); err != nil {
		return nil, err
	}
	return r, nil
}

// ForeachCacheRoot runs fn over every root in id order.
func (s *Store) ForeachCacheRoot(fn func(*CacheRoot) error) error {
	return s.foreachPrefix("root:", func(_, value string) error {
		r := new(CacheRoot)
		if err := json.Unmarshal([]byte(value), r); err != nil {
			return fmt.Errorf("meta: corrupt cache root record: %v", err)
		}
		return fn(r)
	})
}

// Bindings

// Bind assigns the collection to a root. Binding again to the same
// root is a no-op; to a different root it's ErrConflict (rebinding
// goes through redistribute or purge).
func (s *Store) Bind(collID, rootID types.ID) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := new(Binding)
	switch err := s.get(bindKey(collID), b); {
	case err == nil:
		if b.RootID == rootID {
			return b, nil
		}
		return nil, fmt.Errorf("meta: collection %v already bound to root %v: %w",
			collID, b.RootID, types.ErrConflict)
	case err != types.ErrNotFound:
		return nil, err
	}
	b = &Binding{CollectionID: collID, RootID: rootID, CreatedAt: time.Now().UTC()}
	if err := s.kv.Set(bindKey(collID), mustJSON(b)); err != nil {
		return nil, err
	}
	return b, nil
}

// Binding returns the collection's binding.
func (s *Store) Binding(collID types.ID) (*Binding, error) {
	b := new(Binding)
	if err := s.get(bindKey(collID), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Unbind releases the collection's binding. Idempotent.
func (s *Store) Unbind(collID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(bindKey(collID))
}

// ForeachBinding runs fn over every binding in collection-id order.
func (s *Store) ForeachBinding(fn func(*Binding) error) error {
	return s.foreachPrefix("bind:", func(_, value string) error {
		b := new(Binding)
		if err := json.Unmarshal([]byte(value), b); err != nil {
			return fmt.Errorf("meta: corrupt binding record: %v", err)
		}
		return fn(b)
	})
}

// Tags

// CreateTag stores a new tag.
func (s *Store) CreateTag(t *Tag) error {
	if t.Name == "" {
		return errors.New("meta: tag name required")
	}
	if t.ID.IsZero() {
		t.ID = types.NewID()
	}
	t.CreatedAt = time.Now().UTC()
	return s.kv.Set(tagKey(t.ID), mustJSON(t))
}

// TagCollection marks the collection with the tag. Idempotent.
func (s *Store) TagCollection(collID, tagID types.ID) error {
	if _, err := s.kv.Get(tagKey(tagID)); err == sorted.ErrNotFound {
		return types.ErrNotFound
	} else if err != nil {
		return err
	}
	return s.kv.Set(collTagKey(collID, tagID), "1")
}

// ForeachCollectionTag runs fn for each tag id on the collection.
func (s *Store) ForeachCollectionTag(collID types.ID, fn func(tagID types.ID) error) error {
	prefix := collTagPrefix(collID)
	return s.foreachPrefix(prefix, func(key, _ string) error {
		id, err := types.ParseID(strings.TrimPrefix(key, prefix))
		if err != nil {
			return fmt.Errorf("meta: corrupt collection tag key %q: %v", key, err)
		}
		return fn(id)
	})
}
