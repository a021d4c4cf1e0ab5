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

package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/types"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *meta.Store) {
	t.Helper()
	store, err := meta.New(sorted.NewMemoryKeyValue())
	if err != nil {
		t.Fatalf("meta.New: %v", err)
	}
	if opts.Poll == 0 {
		opts.Poll = 10 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.Watchdog == 0 {
		opts.Watchdog = time.Hour // out of the way unless a test wants it
	}
	s := NewScheduler(store, opts)
	t.Cleanup(func() { s.Close() })
	return s, store
}

func scanParams(collID types.ID) meta.Parameters {
	return meta.Parameters{Scan: &meta.ScanParams{CollectionID: collID}}
}

// waitJobState polls until the job reaches state or the deadline
// passes.
func waitJobState(t *testing.T, store *meta.Store, id types.ID, state types.JobState) *meta.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last types.JobState
	for time.Now().Before(deadline) {
		j, err := store.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.State == state {
			return j
		}
		last = j.State
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %v never reached %s (last seen %s)", id, state, last)
	return nil
}

func countJobRuns(t *testing.T, store *meta.Store, id types.ID) []*meta.JobRun {
	t.Helper()
	var runs []*meta.JobRun
	if err := store.ForeachJobRun(id, func(r *meta.JobRun) error {
		runs = append(runs, r)
		return nil
	}); err != nil {
		t.Fatalf("ForeachJobRun: %v", err)
	}
	return runs
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	collID := types.NewID()

	bad := []struct {
		name string
		typ  types.JobType
		p    meta.Parameters
	}{
		{"scan without params", types.JobScanCollection, meta.Parameters{}},
		{"scan zero collection", types.JobScanCollection, scanParams(types.ZeroID)},
		{"generate without params", types.JobGenerateThumbnails, meta.Parameters{}},
		{"generate kind mismatch", types.JobGenerateThumbnails,
			meta.Parameters{Generate: &meta.GenerateParams{CollectionID: collID, Kind: types.VariantCache}}},
		{"bulk add without path", types.JobBulkAdd, meta.Parameters{BulkAdd: &meta.BulkAddParams{}}},
		{"purge zero collection", types.JobPurgeCollection, meta.Parameters{Purge: &meta.PurgeParams{}}},
		{"two variants", types.JobScanCollection,
			meta.Parameters{Scan: &meta.ScanParams{CollectionID: collID}, Purge: &meta.PurgeParams{CollectionID: collID}}},
		{"unknown type", types.JobType("Mop"), meta.Parameters{}},
	}
	for _, tt := range bad {
		if _, err := s.Enqueue(tt.typ, tt.p, 0); err == nil {
			t.Errorf("%s: Enqueue succeeded, want error", tt.name)
		}
	}

	// Regenerate fills the kind and the invalidate flag on a copy.
	given := meta.GenerateParams{CollectionID: collID}
	j, err := s.Enqueue(types.JobRegenerateThumbnails, meta.Parameters{Generate: &given}, 0)
	if err != nil {
		t.Fatalf("Enqueue regenerate: %v", err)
	}
	if g := j.Parameters.Generate; g.Kind != types.VariantThumbnail || !g.Invalidate {
		t.Errorf("regenerate params = %+v, want thumbnail kind with invalidate", g)
	}
	if given.Invalidate || given.Kind != "" {
		t.Errorf("caller's params mutated: %+v", given)
	}

	// A redistribute needs no parameters at all.
	if _, err := s.Enqueue(types.JobRedistribute, meta.Parameters{}, 0); err != nil {
		t.Fatalf("Enqueue redistribute: %v", err)
	}
}

func TestRunToCompletion(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1})
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		rc.Progress.SetTotal(3)
		for _, it := range []string{"a", "b", "c"} {
			if err := rc.Progress.Done(it); err != nil {
				return err
			}
		}
		return nil
	}))
	j, err := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitJobState(t, store, j.ID, types.JobCompleted)
	if got.TotalItems != 3 || got.CompletedItems != 3 || got.FailedItems != 0 {
		t.Errorf("counters = %d/%d done, %d failed; want 3/3 done, 0 failed",
			got.CompletedItems, got.TotalItems, got.FailedItems)
	}
	if got.Progress() != 100 {
		t.Errorf("Progress() = %v, want 100", got.Progress())
	}
	if got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
		t.Error("StartedAt or CompletedAt not stamped")
	}
	if got.CanResume {
		t.Error("completed job still resumable")
	}
	runs := countJobRuns(t, store, j.ID)
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].EndedAt.IsZero() || runs[0].Error != "" {
		t.Errorf("run = %+v, want ended with no error", runs[0])
	}
	if len(runs[0].CorrelationID) != 12 {
		t.Errorf("correlation id %q, want 12 hex chars", runs[0].CorrelationID)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1})
	var mu sync.Mutex
	var order []int
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		mu.Lock()
		order = append(order, rc.Job.Priority)
		mu.Unlock()
		return nil
	}))

	// Enqueued low first, but the high-priority job must run first;
	// the two same-priority jobs keep enqueue order.
	low, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	high, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 5)
	second, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 5)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, low.ID, types.JobCompleted)
	waitJobState(t, store, high.ID, types.JobCompleted)
	waitJobState(t, store, second.ID, types.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := []int{5, 5, 0}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution priorities = %v, want %v", order, want)
		}
	}
}

func TestScanExclusivePerCollection(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 2})
	started := make(chan types.ID, 2)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		started <- rc.Job.ID
		<-release
		return nil
	}))
	collID := types.NewID()
	j1, _ := s.Enqueue(types.JobScanCollection, scanParams(collID), 0)
	j2, _ := s.Enqueue(types.JobScanCollection, scanParams(collID), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := <-started
	select {
	case id := <-started:
		t.Fatalf("second scan %v of the same collection started while %v was running", id, first)
	case <-time.After(80 * time.Millisecond):
	}
	other := j1.ID
	if first == j1.ID {
		other = j2.ID
	}
	if j, err := store.GetJob(other); err != nil || j.State != types.JobPending {
		t.Fatalf("other scan state = %v, %v; want pending", j.State, err)
	}

	once.Do(func() { close(release) })
	<-started // the held-back scan goes once the first finishes
	waitJobState(t, store, j1.ID, types.JobCompleted)
	waitJobState(t, store, j2.ID, types.JobCompleted)
}

func TestScansOfDifferentCollectionsRunTogether(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 2})
	started := make(chan types.ID, 2)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		started <- rc.Job.ID
		<-release
		return nil
	}))
	j1, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	j2, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("scans of distinct collections did not run in parallel")
		}
	}
	once.Do(func() { close(release) })
	waitJobState(t, store, j1.ID, types.JobCompleted)
	waitJobState(t, store, j2.ID, types.JobCompleted)
}

func TestPerTypeConcurrencyCap(t *testing.T) {
	s, store := newTestScheduler(t, Options{
		Workers: 2,
		PerType: map[types.JobType]int{types.JobGenerateThumbnails: 1},
	})
	started := make(chan types.ID, 2)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	s.Register(types.JobGenerateThumbnails, RunnerFunc(func(rc *RunContext) error {
		started <- rc.Job.ID
		<-release
		return nil
	}))
	gen := func() meta.Parameters {
		return meta.Parameters{Generate: &meta.GenerateParams{CollectionID: types.NewID()}}
	}
	j1, _ := s.Enqueue(types.JobGenerateThumbnails, gen(), 0)
	j2, _ := s.Enqueue(types.JobGenerateThumbnails, gen(), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	select {
	case <-started:
		t.Fatal("second generate started past the per-type cap of 1")
	case <-time.After(80 * time.Millisecond):
	}
	once.Do(func() { close(release) })
	<-started
	waitJobState(t, store, j1.ID, types.JobCompleted)
	waitJobState(t, store, j2.ID, types.JobCompleted)
}

func TestCancelPending(t *testing.T) {
	s, store := newTestScheduler(t, Options{}) // never started; nothing claims
	j, err := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobCancelled || got.CanResume {
		t.Errorf("job = %s canResume=%v, want cancelled and not resumable", got.State, got.CanResume)
	}
	// Cancelling again is a no-op.
	if err := s.Cancel(j.ID); err != nil {
		t.Errorf("second Cancel: %v", err)
	}

	// A finished job cannot be cancelled.
	done := &meta.JobRecord{Type: types.JobScanCollection, Parameters: scanParams(types.NewID())}
	if err := store.CreateJob(done); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(done.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(done.ID, types.JobRunning, types.JobCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(done.ID); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("Cancel of completed job = %v, want ErrIllegalTransition", err)
	}
}

func TestCancelRunning(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1})
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		for {
			if rc.ShouldStop() {
				return ErrInterrupted
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, j.ID, types.JobRunning)
	if err := s.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitJobState(t, store, j.ID, types.JobCancelled)
	if got.CanResume {
		t.Error("cancelled job still resumable")
	}
	runs := countJobRuns(t, store, j.ID)
	if len(runs) != 1 || runs[0].Error != "cancelled" {
		t.Errorf("runs = %+v, want one run ended %q", runs, "cancelled")
	}
}

func TestPauseResumeProcessesEachItemOnce(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1})
	items := make([]string, 40)
	for i := range items {
		items[i] = fmt.Sprintf("item-%02d", i)
	}
	var mu sync.Mutex
	processed := make(map[string]int)
	processedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(processed)
	}

	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		rc.Progress.SetTotal(len(items))
		for _, it := range items {
			if rc.ShouldStop() {
				return ErrInterrupted
			}
			done, failed, err := rc.Store().JobItemDone(rc.Job.ID, it)
			if err != nil {
				return err
			}
			if done {
				if failed {
					rc.Progress.CreditFailed()
				} else {
					rc.Progress.CreditDone()
				}
				continue
			}
			mu.Lock()
			processed[it]++
			mu.Unlock()
			time.Sleep(4 * time.Millisecond)
			if err := rc.Progress.Done(it); err != nil {
				return err
			}
		}
		return nil
	}))

	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for processedCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Pause(j.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := waitJobState(t, store, j.ID, types.JobPaused)
	if !paused.CanResume {
		t.Fatal("paused job not resumable")
	}
	if processedCount() >= len(items) {
		t.Fatal("job finished before the pause; items too fast for this test")
	}

	if err := s.Resume(j.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := waitJobState(t, store, j.ID, types.JobCompleted)
	if got.CompletedItems != len(items) || got.TotalItems != len(items) {
		t.Errorf("counters = %d/%d, want %d/%d",
			got.CompletedItems, got.TotalItems, len(items), len(items))
	}
	mu.Lock()
	for it, n := range processed {
		if n != 1 {
			t.Errorf("item %s processed %d times, want 1", it, n)
		}
	}
	mu.Unlock()

	runs := countJobRuns(t, store, j.ID)
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2 (original plus resume)", len(runs))
	}
	if runs[0].Error != "paused" && runs[1].Error != "paused" {
		t.Errorf("no run recorded the pause: %+v", runs)
	}
}

func TestTimeoutFailsJob(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1, Timeout: 40 * time.Millisecond})
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		<-rc.Context().Done()
		return rc.Context().Err()
	}))
	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitJobState(t, store, j.ID, types.JobFailed)
	if got.ErrorMessage != "timeout" {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, "timeout")
	}
}

func TestWatchdogReclaimsStaleJob(t *testing.T) {
	// No runner registered, so the workers leave the job alone and
	// the move back to Pending can only come from the watchdog.
	s, store := newTestScheduler(t, Options{Workers: 1, Watchdog: 30 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A Running job nobody here owns, last heard from an hour ago.
	j := &meta.JobRecord{Type: types.JobScanCollection, Parameters: scanParams(types.NewID())}
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJob(j.ID, func(rec *meta.JobRecord) {
		rec.LastProgressAt = time.Now().UTC().Add(-time.Hour)
	}); err != nil {
		t.Fatal(err)
	}

	got := waitJobState(t, store, j.ID, types.JobPending)
	if !got.CanResume {
		t.Error("reclaimed job not resumable")
	}
}

func TestWatchdogLeavesLiveJobsAlone(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1, Watchdog: 20 * time.Millisecond})
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		// Outlast several watchdog periods without reporting progress.
		for i := 0; i < 50; i++ {
			if rc.ShouldStop() {
				return ErrInterrupted
			}
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}))
	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, j.ID, types.JobCompleted)
	if runs := countJobRuns(t, store, j.ID); len(runs) != 1 {
		t.Errorf("got %d runs, want 1; the watchdog reclaimed a live job", len(runs))
	}
}

func TestRetryItem(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1, RetryLimit: 2, RetryDelay: time.Millisecond})
	var flakyAttempts, brokenAttempts int
	var flakyErr, brokenErr error
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		flakyErr = rc.RetryItem(func() error {
			flakyAttempts++
			if flakyAttempts < 3 {
				return errors.New("flaky")
			}
			return nil
		})
		brokenErr = rc.RetryItem(func() error {
			brokenAttempts++
			return errors.New("broken")
		})
		return nil
	}))
	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, j.ID, types.JobCompleted)

	if flakyErr != nil || flakyAttempts != 3 {
		t.Errorf("flaky item: err=%v after %d attempts, want success on attempt 3", flakyErr, flakyAttempts)
	}
	if brokenErr == nil || brokenAttempts != 3 {
		t.Errorf("broken item: err=%v after %d attempts, want failure after 3", brokenErr, brokenAttempts)
	}
}

func TestCloseParksRunningJobs(t *testing.T) {
	s, store := newTestScheduler(t, Options{Workers: 1})
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		for {
			if rc.ShouldStop() {
				return ErrInterrupted
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	j, _ := s.Enqueue(types.JobScanCollection, scanParams(types.NewID()), 0)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, j.ID, types.JobRunning)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobPaused || !got.CanResume {
		t.Errorf("after Close job = %s canResume=%v, want paused and resumable", got.State, got.CanResume)
	}
}

func TestStartReclaimsUnfinishedJobs(t *testing.T) {
	store, err := meta.New(sorted.NewMemoryKeyValue())
	if err != nil {
		t.Fatalf("meta.New: %v", err)
	}
	// Leftovers from a "previous process": one Running, one Paused.
	running := &meta.JobRecord{Type: types.JobScanCollection, Parameters: scanParams(types.NewID())}
	if err := store.CreateJob(running); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(running.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}
	pausedJob := &meta.JobRecord{Type: types.JobScanCollection, Parameters: scanParams(types.NewID())}
	if err := store.CreateJob(pausedJob); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(pausedJob.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(pausedJob.ID, types.JobRunning, types.JobPaused, nil); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(store, Options{Workers: 1, Poll: 10 * time.Millisecond})
	t.Cleanup(func() { s.Close() })
	s.Register(types.JobScanCollection, RunnerFunc(func(rc *RunContext) error {
		return nil
	}))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, store, running.ID, types.JobCompleted)
	waitJobState(t, store, pausedJob.ID, types.JobCompleted)
}

func TestProgressThrottleAndFlush(t *testing.T) {
	store, err := meta.New(sorted.NewMemoryKeyValue())
	if err != nil {
		t.Fatalf("meta.New: %v", err)
	}
	j := &meta.JobRecord{Type: types.JobScanCollection, Parameters: scanParams(types.NewID())}
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	p := &Progress{
		store: store,
		jobID: j.ID,
		lim:   rate.NewLimiter(rate.Every(time.Hour), 1),
	}

	p.SetTotal(4) // spends the limiter's burst
	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalItems != 4 {
		t.Fatalf("TotalItems = %d after SetTotal, want 4", got.TotalItems)
	}

	if err := p.Done("a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Failed("b"); err != nil {
		t.Fatal(err)
	}
	if err := p.Skipped("c"); err != nil {
		t.Fatal(err)
	}
	p.CreditDone()

	if total, completed, failed, skipped := p.Counts(); total != 4 || completed != 2 || failed != 1 || skipped != 1 {
		t.Errorf("Counts = %d/%d/%d/%d, want 4/2/1/1", total, completed, failed, skipped)
	}
	got, _ = store.GetJob(j.ID)
	if got.CompletedItems != 0 {
		t.Errorf("CompletedItems = %d before flush, want 0 (throttled)", got.CompletedItems)
	}

	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, _ = store.GetJob(j.ID)
	if got.CompletedItems != 2 || got.FailedItems != 1 || got.SkippedItems != 1 {
		t.Errorf("flushed counters = %d/%d/%d, want 2/1/1",
			got.CompletedItems, got.FailedItems, got.SkippedItems)
	}
	if got.LastProgressAt.IsZero() {
		t.Error("LastProgressAt not stamped by flush")
	}

	// The durable marks distinguish done from failed.
	for _, tt := range []struct {
		item   string
		failed bool
	}{{"a", false}, {"b", true}, {"c", false}} {
		done, failed, err := store.JobItemDone(j.ID, tt.item)
		if err != nil {
			t.Fatal(err)
		}
		if !done || failed != tt.failed {
			t.Errorf("item %s: done=%v failed=%v, want done with failed=%v",
				tt.item, done, failed, tt.failed)
		}
	}
}
