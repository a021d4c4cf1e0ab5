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

package placement_test

import (
	"errors"
	"os"
	"testing"

	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/placement"
	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/types"
)

func writeFile(p string) error {
	return os.WriteFile(p, []byte("x"), 0600)
}

func newEngine(t *testing.T) (*placement.Engine, *meta.Store) {
	t.Helper()
	s, err := meta.New(sorted.NewMemoryKeyValue())
	if err != nil {
		t.Fatalf("meta.New: %v", err)
	}
	return placement.NewEngine(s, nil), s
}

func mkRoot(t *testing.T, s *meta.Store, r *meta.CacheRoot) *meta.CacheRoot {
	t.Helper()
	if r.Path == "" {
		r.Path = t.TempDir()
	}
	if err := s.CreateCacheRoot(r); err != nil {
		t.Fatalf("CreateCacheRoot: %v", err)
	}
	return r
}

func mkColl(t *testing.T, s *meta.Store, path string) *meta.Collection {
	t.Helper()
	c := &meta.Collection{Path: path, Type: types.CollectionFolder}
	if err := s.CreateCollection(c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	return c
}

func TestPickRootNoActive(t *testing.T) {
	e, s := newEngine(t)
	if _, err := e.PickRoot(); err != placement.ErrNoActiveCacheRoot {
		t.Errorf("PickRoot with no roots err = %v; want ErrNoActiveCacheRoot", err)
	}
	mkRoot(t, s, &meta.CacheRoot{Name: "off", IsActive: false})
	if _, err := e.PickRoot(); err != placement.ErrNoActiveCacheRoot {
		t.Errorf("PickRoot with only inactive roots err = %v; want ErrNoActiveCacheRoot", err)
	}
}

func TestPickRootSingle(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "only", IsActive: true})
	got, err := e.PickRoot()
	if err != nil {
		t.Fatalf("PickRoot: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("PickRoot = %v; want %v", got.ID, r.ID)
	}
}

func TestPickRootFillRatio(t *testing.T) {
	e, s := newEngine(t)
	// big is larger but fuller in relative terms.
	big := mkRoot(t, s, &meta.CacheRoot{Name: "big", MaxSizeBytes: 1000, IsActive: true})
	small := mkRoot(t, s, &meta.CacheRoot{Name: "small", MaxSizeBytes: 100, IsActive: true})
	if _, err := s.AddCacheRootUsage(big.ID, 500, 1); err != nil { // 50%
		t.Fatal(err)
	}
	if _, err := s.AddCacheRootUsage(small.ID, 20, 1); err != nil { // 20%
		t.Fatal(err)
	}
	got, err := e.PickRoot()
	if err != nil {
		t.Fatalf("PickRoot: %v", err)
	}
	if got.ID != small.ID {
		t.Errorf("PickRoot = %q; want the lower fill ratio root %q", got.Name, small.Name)
	}
}

func TestPickRootUnlimitedUsesDefaultDenominator(t *testing.T) {
	e, s := newEngine(t)
	limited := mkRoot(t, s, &meta.CacheRoot{Name: "limited", MaxSizeBytes: 100, IsActive: true})
	unlimited := mkRoot(t, s, &meta.CacheRoot{Name: "unlimited", IsActive: true})
	// 10% of the limited root vs 1 MiB of the 1 GiB default window.
	if _, err := s.AddCacheRootUsage(limited.ID, 10, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCacheRootUsage(unlimited.ID, 1<<20, 1); err != nil {
		t.Fatal(err)
	}
	got, err := e.PickRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != unlimited.ID {
		t.Errorf("PickRoot = %q; want %q", got.Name, unlimited.Name)
	}
}

func TestPickRootTies(t *testing.T) {
	e, s := newEngine(t)
	lo := mkRoot(t, s, &meta.CacheRoot{Name: "lo", MaxSizeBytes: 100, Priority: 1, IsActive: true})
	hi := mkRoot(t, s, &meta.CacheRoot{Name: "hi", MaxSizeBytes: 100, Priority: 9, IsActive: true})
	got, err := e.PickRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != hi.ID {
		t.Errorf("PickRoot = %q; want higher priority %q", got.Name, hi.Name)
	}

	// Equal priority falls back to smaller id.
	peer := mkRoot(t, s, &meta.CacheRoot{Name: "peer", MaxSizeBytes: 100, Priority: 9, IsActive: true})
	want := hi
	if peer.ID.Less(hi.ID) {
		want = peer
	}
	got, err = e.PickRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID {
		t.Errorf("PickRoot = %q; want smaller id %q", got.Name, want.Name)
	}
	_ = lo
}

func TestReserveCapacity(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", MaxSizeBytes: 1000, IsActive: true})

	res1, err := e.Reserve(r.ID, 600)
	if err != nil {
		t.Fatalf("Reserve(600): %v", err)
	}
	// Pending reservations count against capacity.
	if _, err := e.Reserve(r.ID, 600); !errors.Is(err, placement.ErrCacheCapacityExceeded) {
		t.Errorf("second Reserve(600) err = %v; want ErrCacheCapacityExceeded", err)
	}
	res1.Abort()
	res2, err := e.Reserve(r.ID, 600)
	if err != nil {
		t.Fatalf("Reserve after abort: %v", err)
	}
	if err := res2.Commit(550); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.GetCacheRoot(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSizeBytes != 550 || got.FileCount != 1 {
		t.Errorf("counters = %d bytes, %d files; want 550, 1", got.CurrentSizeBytes, got.FileCount)
	}

	// 550 used: 500 no longer fits, 450 does.
	if _, err := e.Reserve(r.ID, 500); !errors.Is(err, placement.ErrCacheCapacityExceeded) {
		t.Errorf("Reserve(500) err = %v; want ErrCacheCapacityExceeded", err)
	}
	res3, err := e.Reserve(r.ID, 450)
	if err != nil {
		t.Fatalf("Reserve(450): %v", err)
	}
	res3.Abort()

	// Settling twice is harmless.
	res3.Abort()
	if err := res2.Commit(550); err != nil {
		t.Errorf("double Commit: %v", err)
	}
	got, err = s.GetCacheRoot(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSizeBytes != 550 || got.FileCount != 1 {
		t.Errorf("counters after double settle = %d, %d; want unchanged 550, 1", got.CurrentSizeBytes, got.FileCount)
	}
}

func TestReserveInactiveRoot(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "off", IsActive: false})
	if _, err := e.Reserve(r.ID, 10); !errors.Is(err, placement.ErrNoActiveCacheRoot) {
		t.Errorf("Reserve on inactive root err = %v; want ErrNoActiveCacheRoot", err)
	}
}

func TestReleaseDelete(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", IsActive: true})
	res, err := e.Reserve(r.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Commit(100); err != nil {
		t.Fatal(err)
	}
	if err := e.ReleaseDelete(r.ID, 100); err != nil {
		t.Fatalf("ReleaseDelete: %v", err)
	}
	got, err := s.GetCacheRoot(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSizeBytes != 0 || got.FileCount != 0 {
		t.Errorf("counters = %d, %d; want 0, 0", got.CurrentSizeBytes, got.FileCount)
	}
}

func TestReserveForBindsOnFirstWrite(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", MaxSizeBytes: 1000, IsActive: true})
	c := mkColl(t, s, "/p")

	res, root, err := e.ReserveFor(c.ID, 100)
	if err != nil {
		t.Fatalf("ReserveFor: %v", err)
	}
	if root.ID != r.ID {
		t.Errorf("bound to %q; want %q", root.Name, r.Name)
	}
	b, err := s.Binding(c.ID)
	if err != nil {
		t.Fatalf("Binding after ReserveFor: %v", err)
	}
	if b.RootID != r.ID {
		t.Errorf("binding root = %v; want %v", b.RootID, r.ID)
	}
	if err := res.Commit(100); err != nil {
		t.Fatal(err)
	}
}

func TestReserveForSpillsBeforeBinding(t *testing.T) {
	e, s := newEngine(t)
	// tight ranks first (10% full) but has only 90 bytes of headroom;
	// roomy ranks second (50% full) with 500 bytes free.
	tight := mkRoot(t, s, &meta.CacheRoot{Name: "tight", MaxSizeBytes: 100, IsActive: true})
	if _, err := s.AddCacheRootUsage(tight.ID, 10, 1); err != nil {
		t.Fatal(err)
	}
	roomy := mkRoot(t, s, &meta.CacheRoot{Name: "roomy", MaxSizeBytes: 1000, IsActive: true})
	if _, err := s.AddCacheRootUsage(roomy.ID, 500, 1); err != nil {
		t.Fatal(err)
	}
	c := mkColl(t, s, "/p")

	// An unbound collection whose preferred candidate denies the
	// reservation moves on to the next one.
	res, root, err := e.ReserveFor(c.ID, 200)
	if err != nil {
		t.Fatalf("ReserveFor: %v", err)
	}
	if root.ID != roomy.ID {
		t.Errorf("bound to %q; want %q", root.Name, roomy.Name)
	}
	res.Abort()

	// And with nowhere left to go, the denial surfaces.
	c2 := mkColl(t, s, "/q")
	if _, _, err := e.ReserveFor(c2.ID, 5000); !errors.Is(err, placement.ErrCacheCapacityExceeded) {
		t.Errorf("ReserveFor with no fitting root err = %v; want ErrCacheCapacityExceeded", err)
	}
}

func TestReserveForBoundRootFullFails(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", MaxSizeBytes: 100, IsActive: true})
	other := mkRoot(t, s, &meta.CacheRoot{Name: "other", MaxSizeBytes: 1000, IsActive: true})
	c := mkColl(t, s, "/p")
	if _, err := s.Bind(c.ID, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCacheRootUsage(r.ID, 90, 1); err != nil {
		t.Fatal(err)
	}

	// A bound collection does not spill to other roots.
	if _, _, err := e.ReserveFor(c.ID, 50); !errors.Is(err, placement.ErrCacheCapacityExceeded) {
		t.Errorf("ReserveFor on full bound root err = %v; want ErrCacheCapacityExceeded", err)
	}
	b, err := s.Binding(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.RootID != r.ID {
		t.Errorf("binding moved to %v", b.RootID)
	}
	_ = other
}

func TestRootFor(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", IsActive: true})
	c := mkColl(t, s, "/p")

	got, err := e.RootFor(c.ID)
	if err != nil {
		t.Fatalf("RootFor: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("RootFor = %v; want %v", got.ID, r.ID)
	}

	// Deactivating the root doesn't strand the binding: reads still
	// resolve to it.
	got.IsActive = false
	if err := s.UpdateCacheRoot(got); err != nil {
		t.Fatal(err)
	}
	again, err := e.RootFor(c.ID)
	if err != nil {
		t.Fatalf("RootFor after deactivate: %v", err)
	}
	if again.ID != r.ID {
		t.Errorf("RootFor = %v; want original root", again.ID)
	}
}

func TestPlanRedistribute(t *testing.T) {
	e, s := newEngine(t)
	r1 := mkRoot(t, s, &meta.CacheRoot{Name: "r1", IsActive: true})
	r2 := mkRoot(t, s, &meta.CacheRoot{Name: "r2", IsActive: true})
	mkRoot(t, s, &meta.CacheRoot{Name: "off", IsActive: false})

	var colls []*meta.Collection
	for _, p := range []string{"/a", "/b", "/c", "/d", "/e"} {
		colls = append(colls, mkColl(t, s, p))
	}
	del := mkColl(t, s, "/gone")
	if err := s.DeleteCollection(del.ID); err != nil {
		t.Fatal(err)
	}

	plan, err := e.PlanRedistribute()
	if err != nil {
		t.Fatalf("PlanRedistribute: %v", err)
	}
	if len(plan) != 5 {
		t.Fatalf("plan covers %d collections; want 5", len(plan))
	}
	counts := map[types.ID]int{}
	for _, a := range plan {
		if a.CollectionID == del.ID {
			t.Error("deleted collection in plan")
		}
		counts[a.RootID]++
	}
	n1, n2 := counts[r1.ID], counts[r2.ID]
	if n1+n2 != 5 {
		t.Errorf("assignments went to unexpected roots: %v", counts)
	}
	if d := n1 - n2; d < -1 || d > 1 {
		t.Errorf("unbalanced plan: %d vs %d", n1, n2)
	}

	// Deterministic: recomputing yields the same plan.
	again, err := e.PlanRedistribute()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(plan) {
		t.Fatalf("replan size %d != %d", len(again), len(plan))
	}
	for i := range plan {
		if plan[i] != again[i] {
			t.Errorf("plan[%d] differs: %+v vs %+v", i, plan[i], again[i])
		}
	}
	_ = colls
}

func TestResetCounters(t *testing.T) {
	e, s := newEngine(t)
	r := mkRoot(t, s, &meta.CacheRoot{Name: "r", IsActive: true})
	if _, err := s.AddCacheRootUsage(r.ID, 12345, 7); err != nil {
		t.Fatal(err)
	}
	if err := e.ResetCounters(); err != nil {
		t.Fatalf("ResetCounters: %v", err)
	}
	got, err := s.GetCacheRoot(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSizeBytes != 0 || got.FileCount != 0 {
		t.Errorf("counters = %d, %d; want 0, 0", got.CurrentSizeBytes, got.FileCount)
	}
}

func TestSyncRoots(t *testing.T) {
	e, s := newEngine(t)
	d1, d2 := t.TempDir(), t.TempDir()

	n, err := e.SyncRoots([]meta.CacheRoot{
		{Name: "one", Path: d1, MaxSizeBytes: 1 << 20, Priority: 2, IsActive: true},
		{Name: "two", Path: d2, IsActive: true},
	})
	if err != nil {
		t.Fatalf("SyncRoots: %v", err)
	}
	if n != 2 {
		t.Fatalf("active roots = %d; want 2", n)
	}
	one, err := s.CacheRootByPath(d1)
	if err != nil {
		t.Fatalf("CacheRootByPath: %v", err)
	}
	if one.Priority != 2 || one.MaxSizeBytes != 1<<20 {
		t.Errorf("root one = %+v", one)
	}

	// Rerun with changed knobs and one root dropped: the known root
	// updates, the dropped one deactivates but survives.
	n, err = e.SyncRoots([]meta.CacheRoot{
		{Name: "one", Path: d1, MaxSizeBytes: 2 << 20, Priority: 5, IsActive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active roots = %d; want 1", n)
	}
	one, err = s.CacheRootByPath(d1)
	if err != nil {
		t.Fatal(err)
	}
	if one.Priority != 5 || one.MaxSizeBytes != 2<<20 {
		t.Errorf("root one not updated: %+v", one)
	}
	two, err := s.CacheRootByPath(d2)
	if err != nil {
		t.Fatalf("dropped root gone from store: %v", err)
	}
	if two.IsActive {
		t.Error("dropped root still active")
	}

	// Identity is the path: same path keeps the same id.
	if one.ID.IsZero() {
		t.Error("root id lost")
	}
}

func TestSyncRootsUncreatableDirDeactivates(t *testing.T) {
	e, s := newEngine(t)
	// A path under a regular file can't be created as a directory.
	base := t.TempDir()
	file := base + "/occupied"
	if err := writeFile(file); err != nil {
		t.Fatal(err)
	}
	n, err := e.SyncRoots([]meta.CacheRoot{
		{Name: "bad", Path: file + "/sub", IsActive: true},
	})
	if err != nil {
		t.Fatalf("SyncRoots: %v", err)
	}
	if n != 0 {
		t.Errorf("active roots = %d; want 0", n)
	}
	r, err := s.CacheRootByPath(file + "/sub")
	if err != nil {
		t.Fatal(err)
	}
	if r.IsActive {
		t.Error("unusable root left active")
	}
}
