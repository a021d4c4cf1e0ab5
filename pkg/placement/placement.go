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

// Package placement decides which cache root receives a collection's
// artifacts and guards the per-root size and file counters. All
// counter movement funnels through the reserve/commit/abort protocol
// so a crashed write can't drift them.
package placement // import "picshelf.org/pkg/placement"

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

var (
	// ErrNoActiveCacheRoot is returned when no root can take new
	// placements.
	ErrNoActiveCacheRoot = errors.New("placement: no active cache root")

	// ErrCacheCapacityExceeded is returned when a reservation would
	// push a root past its size limit or its filesystem's free space.
	ErrCacheCapacityExceeded = errors.New("placement: cache root capacity exceeded")
)

// defaultFillDenominator stands in for MaxSizeBytes when a root has
// no configured limit, so unlimited roots still rank by how much they
// hold.
const defaultFillDenominator = 1 << 30 // 1 GiB

// Engine ranks cache roots and hands out capacity reservations. It
// holds the in-flight reservation ledger in memory; committed usage
// persists in the meta store.
type Engine struct {
	store *meta.Store
	fs    *longpath.FS

	mu       sync.Mutex
	reserved map[types.ID]int64 // bytes reserved but not yet settled, per root
}

// NewEngine returns an Engine over the store. A nil fs gets the
// default long-path adapter.
func NewEngine(store *meta.Store, fs *longpath.FS) *Engine {
	if fs == nil {
		fs = longpath.New(0)
	}
	return &Engine{
		store:    store,
		fs:       fs,
		reserved: make(map[types.ID]int64),
	}
}

func fillRatio(r *meta.CacheRoot) float64 {
	den := r.MaxSizeBytes
	if den <= 0 {
		den = defaultFillDenominator
	}
	return float64(r.CurrentSizeBytes) / float64(den)
}

// rankedActiveRoots returns the active roots in placement preference
// order: lowest fill ratio first, ties to higher priority, then
// smaller id.
func (e *Engine) rankedActiveRoots() ([]*meta.CacheRoot, error) {
	var active []*meta.CacheRoot
	err := e.store.ForeachCacheRoot(func(r *meta.CacheRoot) error {
		if r.IsActive {
			active = append(active, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(active) <= 1 {
		return active, nil
	}
	sort.Slice(active, func(i, j int) bool {
		ri, rj := active[i], active[j]
		if fi, fj := fillRatio(ri), fillRatio(rj); fi != fj {
			return fi < fj
		}
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		return ri.ID.Less(rj.ID)
	})
	return active, nil
}

// PickRoot returns the root a new collection would bind to right now.
func (e *Engine) PickRoot() (*meta.CacheRoot, error) {
	roots, err := e.rankedActiveRoots()
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, ErrNoActiveCacheRoot
	}
	return roots[0], nil
}

// RootFor returns the root holding the collection's artifacts,
// binding the collection to the current best root if it has none.
// The read path uses this to locate artifacts; it never reserves
// capacity, so an inactive-but-bound root still resolves.
func (e *Engine) RootFor(collID types.ID) (*meta.CacheRoot, error) {
	b, err := e.store.Binding(collID)
	if err == nil {
		return e.store.GetCacheRoot(b.RootID)
	}
	if err != types.ErrNotFound {
		return nil, err
	}
	root, err := e.PickRoot()
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Bind(collID, root.ID); err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Lost a bind race; use the winner's root.
			b, err := e.store.Binding(collID)
			if err != nil {
				return nil, err
			}
			return e.store.GetCacheRoot(b.RootID)
		}
		return nil, err
	}
	log.Printf("placement: bound collection %v to root %q", collID, root.Name)
	return root, nil
}

// A Reservation is a claim on a root's capacity for one pending
// artifact write. Exactly one of Commit or Abort settles it; further
// calls are no-ops.
type Reservation struct {
	eng     *Engine
	rootID  types.ID
	size    int64
	settled bool
}

// RootID returns the root the reservation was made against.
func (r *Reservation) RootID() types.ID { return r.rootID }

// Reserve claims size bytes on the root. It re-reads the root's
// persisted counters and adds the outstanding reservations, so
// concurrent writers can't jointly oversubscribe a root, and it
// refuses roots whose filesystem lacks the free space.
func (e *Engine) Reserve(rootID types.ID, size int64) (*Reservation, error) {
	if size < 0 {
		return nil, fmt.Errorf("placement: negative reservation size %d", size)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	root, err := e.store.GetCacheRoot(rootID)
	if err != nil {
		return nil, err
	}
	if !root.IsActive {
		return nil, fmt.Errorf("placement: root %q is inactive: %w", root.Name, ErrNoActiveCacheRoot)
	}
	pending := e.reserved[root.ID]
	if root.MaxSizeBytes > 0 && root.CurrentSizeBytes+pending+size > root.MaxSizeBytes {
		return nil, fmt.Errorf("placement: root %q holds %s (+%s reserved) of %s, cannot take %s: %w",
			root.Name,
			humanize.IBytes(uint64(root.CurrentSizeBytes)),
			humanize.IBytes(uint64(pending)),
			humanize.IBytes(uint64(root.MaxSizeBytes)),
			humanize.IBytes(uint64(size)),
			ErrCacheCapacityExceeded)
	}
	if free, err := e.fs.DiskFree(root.Path); err != nil {
		// Capacity enforcement still applies; the write itself will
		// surface a real filesystem error if the root is gone.
		log.Printf("placement: statfs %s: %v", root.Path, err)
	} else if int64(free) < pending+size {
		return nil, fmt.Errorf("placement: root %q filesystem has %s free, need %s: %w",
			root.Name,
			humanize.IBytes(free),
			humanize.IBytes(uint64(pending+size)),
			ErrCacheCapacityExceeded)
	}
	e.reserved[root.ID] += size
	return &Reservation{eng: e, rootID: root.ID, size: size}, nil
}

// ReserveFor reserves size bytes for one of the collection's
// artifacts, establishing a binding on first write. A bound
// collection reserves on its root or fails; an unbound one tries the
// ranked candidates until one accepts.
func (e *Engine) ReserveFor(collID types.ID, size int64) (*Reservation, *meta.CacheRoot, error) {
	b, err := e.store.Binding(collID)
	switch {
	case err == nil:
		root, err := e.store.GetCacheRoot(b.RootID)
		if err != nil {
			return nil, nil, err
		}
		res, err := e.Reserve(root.ID, size)
		if err != nil {
			return nil, nil, err
		}
		return res, root, nil
	case err != types.ErrNotFound:
		return nil, nil, err
	}

	roots, err := e.rankedActiveRoots()
	if err != nil {
		return nil, nil, err
	}
	if len(roots) == 0 {
		return nil, nil, ErrNoActiveCacheRoot
	}
	var lastErr error
	for _, root := range roots {
		res, err := e.Reserve(root.ID, size)
		if err != nil {
			if errors.Is(err, ErrCacheCapacityExceeded) || errors.Is(err, ErrNoActiveCacheRoot) {
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		if _, err := e.store.Bind(collID, root.ID); err != nil {
			res.Abort()
			if errors.Is(err, types.ErrConflict) {
				// Another writer bound the collection first; retry on
				// the now-bound root.
				return e.ReserveFor(collID, size)
			}
			return nil, nil, err
		}
		log.Printf("placement: bound collection %v to root %q", collID, root.Name)
		return res, root, nil
	}
	return nil, nil, lastErr
}

// release returns size bytes to the root's headroom. Caller holds e.mu.
func (e *Engine) release(rootID types.ID, size int64) {
	if v := e.reserved[rootID] - size; v > 0 {
		e.reserved[rootID] = v
	} else {
		delete(e.reserved, rootID)
	}
}

// Commit settles the reservation with the bytes actually on disk,
// which may differ from the reserved estimate, and persists the
// root's counters.
func (r *Reservation) Commit(actual int64) error {
	r.eng.mu.Lock()
	if r.settled {
		r.eng.mu.Unlock()
		return nil
	}
	r.settled = true
	r.eng.release(r.rootID, r.size)
	r.eng.mu.Unlock()
	_, err := r.eng.store.AddCacheRootUsage(r.rootID, actual, 1)
	return err
}

// Abort releases the reservation without touching persisted counters.
func (r *Reservation) Abort() {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.eng.release(r.rootID, r.size)
}

// ReleaseDelete settles an artifact deletion: size bytes and one file
// leave the root's persisted counters.
func (e *Engine) ReleaseDelete(rootID types.ID, size int64) error {
	_, err := e.store.AddCacheRootUsage(rootID, -size, -1)
	return err
}

// An Assignment pairs a collection with the root a redistribution
// gives it.
type Assignment struct {
	CollectionID types.ID
	RootID       types.ID
}

// PlanRedistribute computes the round-robin reassignment of every
// non-deleted collection across the active roots, both sides in id
// order. The plan is a pure function of store state, so a resumed
// redistribute job recomputes the identical plan and can skip the
// collections it already moved.
func (e *Engine) PlanRedistribute() ([]Assignment, error) {
	var roots []*meta.CacheRoot
	err := e.store.ForeachCacheRoot(func(r *meta.CacheRoot) error {
		if r.IsActive {
			roots = append(roots, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, ErrNoActiveCacheRoot
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID.Less(roots[j].ID) })

	var plan []Assignment
	i := 0
	err = e.store.ForeachCollection(func(c *meta.Collection) error {
		if c.Deleted {
			return nil
		}
		plan = append(plan, Assignment{
			CollectionID: c.ID,
			RootID:       roots[i%len(roots)].ID,
		})
		i++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ResetCounters zeroes every root's persisted size and file counters.
// The redistribute job calls this once before reassigning; artifacts
// left on the old roots regenerate on demand under the new bindings.
// Reservations in flight when the reset lands will still commit their
// deltas afterwards, so redistribution belongs in a quiet period.
func (e *Engine) ResetCounters() error {
	var roots []*meta.CacheRoot
	err := e.store.ForeachCacheRoot(func(r *meta.CacheRoot) error {
		roots = append(roots, r)
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range roots {
		if r.CurrentSizeBytes == 0 && r.FileCount == 0 {
			continue
		}
		if _, err := e.store.AddCacheRootUsage(r.ID, -r.CurrentSizeBytes, -r.FileCount); err != nil {
			return err
		}
	}
	return nil
}

// SyncRoots reconciles the configured roots with the store. Roots are
// identified by path: unknown paths are registered, known paths adopt
// the configured name, size limit, priority and active flag, and each
// active root's directory is created on disk. A root whose directory
// cannot be created is deactivated rather than left to fail every
// write. Roots present in the store but absent from the config are
// deactivated, never deleted; their files keep serving reads.
//
// It returns the number of active, usable roots; the daemon refuses
// to start when that is zero.
func (e *Engine) SyncRoots(configured []meta.CacheRoot) (active int, err error) {
	seen := make(map[string]bool, len(configured))
	for i := range configured {
		want := configured[i]
		if want.Path == "" {
			return 0, errors.New("placement: configured cache root with empty path")
		}
		seen[want.Path] = true
		cur, err := e.store.CacheRootByPath(want.Path)
		switch {
		case err == types.ErrNotFound:
			r := &meta.CacheRoot{
				Name:         want.Name,
				Path:         want.Path,
				MaxSizeBytes: want.MaxSizeBytes,
				Priority:     want.Priority,
				IsActive:     want.IsActive,
			}
			if err := e.store.CreateCacheRoot(r); err != nil {
				return 0, err
			}
			cur = r
			log.Printf("placement: registered cache root %q at %s", cur.Name, cur.Path)
		case err != nil:
			return 0, err
		default:
			name := want.Name
			if name == "" {
				name = want.Path
			}
			if cur.Name != name || cur.MaxSizeBytes != want.MaxSizeBytes ||
				cur.Priority != want.Priority || cur.IsActive != want.IsActive {
				cur.Name = name
				cur.MaxSizeBytes = want.MaxSizeBytes
				cur.Priority = want.Priority
				cur.IsActive = want.IsActive
				if err := e.store.UpdateCacheRoot(cur); err != nil {
					return 0, err
				}
			}
		}
		if !cur.IsActive {
			continue
		}
		if err := e.fs.EnsureDir(cur.Path); err != nil {
			log.Printf("placement: cache root %q unusable, deactivating: %v", cur.Name, err)
			cur.IsActive = false
			if err := e.store.UpdateCacheRoot(cur); err != nil {
				return 0, err
			}
			continue
		}
		active++
	}

	var stale []*meta.CacheRoot
	err = e.store.ForeachCacheRoot(func(r *meta.CacheRoot) error {
		if !seen[r.Path] && r.IsActive {
			stale = append(stale, r)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		r.IsActive = false
		if err := e.store.UpdateCacheRoot(r); err != nil {
			return 0, err
		}
		log.Printf("placement: cache root %q no longer configured, deactivated", r.Name)
	}
	return active, nil
}
