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

// Package jobs runs the durable background work: a fixed worker pool
// that claims pending jobs from the meta store in priority order,
// executes them through registered runners, and keeps the persisted
// record honest across pauses, cancellations, timeouts and process
// restarts.
//
// The scheduler owns the job lifecycle; the work itself (scanning
// folders, producing artifacts) is supplied by pkg/processor through
// the Runner interface.
package jobs // import "picshelf.org/pkg/jobs"

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"picshelf.org/pkg/env"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

var jobstats = expvar.NewMap("picshelf-jobs")

// ErrInterrupted should be returned by runners when their Interrupt
// fires. The scheduler maps it to the Paused or Cancelled state the
// interrupt was raised for.
var ErrInterrupted = errors.New("jobs: interrupted by request")

// An Interrupt is passed to runners for them to monitor requests to
// stop. The channel is closed as a signal to stop; runners poll it
// between items and return ErrInterrupted when it has fired.
type Interrupt <-chan struct{}

// ShouldStop reports whether the interrupt has fired.
func (i Interrupt) ShouldStop() bool {
	select {
	case <-i:
		return true
	default:
		return false
	}
}

// A Runner executes jobs of one type. The contract: do the work, poll
// the RunContext's interrupt between items, mark progress through its
// tracker, and return ErrInterrupted when asked to stop. Everything
// else (state transitions, run records, reclaim) is the scheduler's
// problem.
type Runner interface {
	Run(rc *RunContext) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(rc *RunContext) error

func (f RunnerFunc) Run(rc *RunContext) error { return f(rc) }

// Options configure a Scheduler. Zero values get defaults.
type Options struct {
	// Workers is the worker pool size.
	Workers int

	// PerType caps how many jobs of one type run at once. Types
	// absent from the map are bounded only by the pool. Scans are
	// additionally exclusive per collection regardless of this map.
	PerType map[types.JobType]int

	// Watchdog is the stale threshold: a Running job whose
	// lastProgressAt is older than this, and which no local worker
	// owns, is reclaimed back to Pending.
	Watchdog time.Duration

	// Timeout is the wall-clock budget per execution attempt. A
	// breach fails the job with "timeout".
	Timeout time.Duration

	// RetryLimit is how many times RetryItem re-runs a failing item
	// before giving up on it.
	RetryLimit int

	// RetryDelay is the first backoff step between item retries; it
	// doubles per attempt up to a fixed cap.
	RetryDelay time.Duration

	// Poll is how often an idle worker re-checks for claimable work
	// when no enqueue has woken it.
	Poll time.Duration
}

const (
	defaultWorkers    = 4
	defaultWatchdog   = 2 * time.Minute
	defaultTimeout    = 2 * time.Hour
	defaultRetryLimit = 3
	defaultRetryDelay = 250 * time.Millisecond
	defaultPoll       = 2 * time.Second
	maxRetryDelay     = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Watchdog <= 0 {
		o.Watchdog = defaultWatchdog
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RetryLimit < 0 {
		o.RetryLimit = defaultRetryLimit
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Poll <= 0 {
		o.Poll = defaultPoll
	}
	return o
}

// Scheduler claims Pending jobs from the store and drives them
// through registered runners on a fixed pool of worker goroutines.
type Scheduler struct {
	store *meta.Store
	opts  Options

	wakec chan struct{}
	quitc chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	runners   map[types.JobType]Runner
	running   map[types.ID]*run
	typeCount map[types.JobType]int
	scanning  map[types.ID]bool // collections with a live scan
	noRunner  map[types.JobType]bool
	started   bool
	closed    bool
}

// A run is one claimed execution of a job. Its stopreq channel is the
// interrupt handed to the runner; stopTo records which state the
// interrupt was raised for.
type run struct {
	job     *meta.JobRecord
	stopreq chan struct{}

	mu      sync.Mutex
	stopped bool
	stopTo  types.JobState
}

// requestStop interrupts the run, recording the state it should land
// in. The first request wins, except that a cancel upgrades a pending
// pause.
func (h *run) requestStop(to types.JobState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopTo == "" || (to == types.JobCancelled && h.stopTo == types.JobPaused) {
		h.stopTo = to
	}
	if !h.stopped {
		h.stopped = true
		close(h.stopreq)
	}
}

func (h *run) stopTarget() types.JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopTo
}

// NewScheduler returns a stopped scheduler over store. Register
// runners, then call Start.
func NewScheduler(store *meta.Store, opts Options) *Scheduler {
	return &Scheduler{
		store:     store,
		opts:      opts.withDefaults(),
		wakec:     make(chan struct{}, 1),
		quitc:     make(chan struct{}),
		runners:   make(map[types.JobType]Runner),
		running:   make(map[types.ID]*run),
		typeCount: make(map[types.JobType]int),
		scanning:  make(map[types.ID]bool),
		noRunner:  make(map[types.JobType]bool),
	}
}

// Register installs the runner for a job type. Double registration is
// a programming error and panics.
func (s *Scheduler) Register(t types.JobType, r Runner) {
	if !types.ValidJobType(t) {
		panic("jobs: Register of unknown job type " + string(t))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runners[t]; dup {
		panic("jobs: duplicate runner registration for " + string(t))
	}
	s.runners[t] = r
}

// Start reclaims unfinished jobs from a previous process and spawns
// the workers and the watchdog. It may be called once.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("jobs: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	n, err := s.reclaimResumable()
	if err != nil {
		return fmt.Errorf("jobs: reclaiming unfinished jobs: %v", err)
	}
	if n > 0 {
		log.Printf("jobs: reclaimed %d unfinished job(s) from a previous run", n)
	}

	s.wg.Add(1)
	go s.watchdogLoop()
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Close interrupts running jobs toward Paused, stops the workers, and
// waits for in-flight items to finish. Paused jobs are reclaimed on
// the next Start.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quitc)
	for _, h := range s.running {
		h.requestStop(types.JobPaused)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Running reports whether the worker pool is up: Start has been
// called and Close has not. The health endpoint checks this.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Enqueue validates params against the job type, persists a new
// Pending job, and pokes the workers. It may be called before Start.
func (s *Scheduler) Enqueue(t types.JobType, params meta.Parameters, priority int) (*meta.JobRecord, error) {
	params, err := normalizeParams(t, params)
	if err != nil {
		return nil, err
	}
	j := &meta.JobRecord{Type: t, Priority: priority, Parameters: params}
	if err := s.store.CreateJob(j); err != nil {
		return nil, err
	}
	jobstats.Add("enqueued", 1)
	s.wake()
	return j, nil
}

// Cancel stops the job. A Pending or Paused job is cancelled
// immediately; a running one is interrupted and lands in Cancelled
// when its runner yields. Cancelling an already-cancelled job is a
// no-op; a job that completes while the cancel is in flight stays
// Completed.
func (s *Scheduler) Cancel(id types.ID) error {
	s.mu.Lock()
	if h, ok := s.running[id]; ok {
		h.requestStop(types.JobCancelled)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	j, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	switch j.State {
	case types.JobCancelled:
		return nil
	case types.JobPending, types.JobRunning, types.JobPaused:
		_, err := s.store.TransitionJob(id, j.State, types.JobCancelled, nil)
		if errors.Is(err, meta.ErrIllegalTransition) {
			// Lost a race with a worker claim; interrupt the
			// fresh run instead.
			s.mu.Lock()
			h, ok := s.running[id]
			s.mu.Unlock()
			if ok {
				h.requestStop(types.JobCancelled)
				return nil
			}
		}
		if err == nil {
			jobstats.Add("cancelled", 1)
		}
		return err
	}
	return fmt.Errorf("jobs: job %v is %s: %w", id, j.State, meta.ErrIllegalTransition)
}

// Pause interrupts a running job toward Paused. Pausing an
// already-paused job is a no-op; a Pending job cannot pause.
func (s *Scheduler) Pause(id types.ID) error {
	s.mu.Lock()
	if h, ok := s.running[id]; ok {
		h.requestStop(types.JobPaused)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	j, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	switch j.State {
	case types.JobPaused:
		return nil
	case types.JobRunning:
		// Not ours; a leftover from a dead worker. Park it.
		_, err := s.store.TransitionJob(id, types.JobRunning, types.JobPaused, nil)
		return err
	}
	return fmt.Errorf("jobs: job %v is %s, not pausable: %w", id, j.State, meta.ErrIllegalTransition)
}

// Resume puts a Paused job back in the queue. The workers pick it up
// in normal priority order; resumed runs skip items already marked
// done. Resuming a Pending or Running job is a no-op.
func (s *Scheduler) Resume(id types.ID) error {
	j, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	switch j.State {
	case types.JobPending, types.JobRunning:
		return nil
	case types.JobPaused:
		if _, err := s.store.ReclaimJob(id); err != nil {
			return err
		}
		s.wake()
		return nil
	}
	return fmt.Errorf("jobs: job %v is %s, not resumable: %w", id, j.State, meta.ErrIllegalTransition)
}

func (s *Scheduler) wake() {
	select {
	case s.wakec <- struct{}{}:
	default:
	}
}

// reclaimResumable sweeps Running and Paused jobs left by a previous
// process back to Pending.
func (s *Scheduler) reclaimResumable() (int, error) {
	var ids []types.ID
	collect := func(j *meta.JobRecord) error {
		if j.CanResume {
			ids = append(ids, j.ID)
		}
		return nil
	}
	if err := s.store.ForeachJobInState(types.JobRunning, collect); err != nil {
		return 0, err
	}
	if err := s.store.ForeachJobInState(types.JobPaused, collect); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.store.ReclaimJob(id); err != nil {
			log.Printf("jobs: reclaiming job %v: %v", id, err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quitc:
			return
		default:
		}
		if h := s.claimNext(); h != nil {
			s.execute(h)
			continue
		}
		select {
		case <-s.quitc:
			return
		case <-s.wakec:
		case <-time.After(s.opts.Poll):
		}
	}
}

// claimNext picks the best claimable Pending job and moves it to
// Running, or returns nil when nothing fits. Selection and the
// compare-and-set claim happen under the scheduler mutex so two local
// workers never fight over concurrency headroom.
func (s *Scheduler) claimNext() *run {
	var cands []*meta.JobRecord
	err := s.store.ForeachJobInState(types.JobPending, func(j *meta.JobRecord) error {
		cands = append(cands, j)
		return nil
	})
	if err != nil {
		log.Printf("jobs: listing pending jobs: %v", err)
		return nil
	}
	if len(cands) == 0 {
		return nil
	}
	// Priority first, then FIFO.
	sort.SliceStable(cands, func(i, k int) bool {
		if cands[i].Priority != cands[k].Priority {
			return cands[i].Priority > cands[k].Priority
		}
		if !cands[i].CreatedAt.Equal(cands[k].CreatedAt) {
			return cands[i].CreatedAt.Before(cands[k].CreatedAt)
		}
		return cands[i].ID.Less(cands[k].ID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, j := range cands {
		if s.runners[j.Type] == nil {
			if !s.noRunner[j.Type] {
				s.noRunner[j.Type] = true
				log.Printf("jobs: no runner registered for %s jobs; leaving them pending", j.Type)
			}
			continue
		}
		if !s.headroomLocked(j) {
			if env.DebugJobs() {
				log.Printf("jobs: job %v waiting for %s headroom", j.ID, j.Type)
			}
			continue
		}
		claimed, err := s.store.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil)
		if err != nil {
			// Claimed or cancelled from under us; next candidate.
			if !errors.Is(err, meta.ErrIllegalTransition) && !errors.Is(err, types.ErrNotFound) {
				log.Printf("jobs: claiming job %v: %v", j.ID, err)
			}
			continue
		}
		h := &run{job: claimed, stopreq: make(chan struct{})}
		s.running[claimed.ID] = h
		s.typeCount[claimed.Type]++
		if c := scanCollectionOf(claimed); !c.IsZero() {
			s.scanning[c] = true
		}
		return h
	}
	return nil
}

func (s *Scheduler) headroomLocked(j *meta.JobRecord) bool {
	if c := scanCollectionOf(j); !c.IsZero() && s.scanning[c] {
		return false
	}
	if max, ok := s.opts.PerType[j.Type]; ok && max > 0 && s.typeCount[j.Type] >= max {
		return false
	}
	return true
}

func (s *Scheduler) release(h *run) {
	s.mu.Lock()
	delete(s.running, h.job.ID)
	s.typeCount[h.job.Type]--
	if c := scanCollectionOf(h.job); !c.IsZero() {
		delete(s.scanning, c)
	}
	s.mu.Unlock()
	s.wake()
}

// scanCollectionOf returns the collection a scan job is exclusive on,
// or the zero ID for every other job type.
func scanCollectionOf(j *meta.JobRecord) types.ID {
	if j.Type == types.JobScanCollection && j.Parameters.Scan != nil {
		return j.Parameters.Scan.CollectionID
	}
	return types.ZeroID
}

// execute runs one claimed job to its final state.
func (s *Scheduler) execute(h *run) {
	defer s.release(h)
	j := h.job
	corr := newCorrelationID()
	runRec := &meta.JobRun{JobID: j.ID, CorrelationID: corr}
	if err := s.store.AppendJobRun(runRec); err != nil {
		log.Printf("jobs: [%s] recording run of job %v: %v", corr, j.ID, err)
	}
	jobstats.Add("started", 1)
	log.Printf("jobs: [%s] starting %s job %v", corr, j.Type, j.ID)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	donec := make(chan struct{})
	go func() {
		select {
		case <-h.stopreq:
			cancel()
		case <-donec:
		}
	}()

	rc := &RunContext{
		Job:           j,
		Progress:      NewProgress(s.store, j.ID),
		CorrelationID: corr,
		ctx:           ctx,
		stop:          Interrupt(h.stopreq),
		sched:         s,
		retryLimit:    s.opts.RetryLimit,
		retryDelay:    s.opts.RetryDelay,
	}
	err := s.runner(j.Type).Run(rc)
	close(donec)
	if ferr := rc.Progress.Flush(); ferr != nil {
		log.Printf("jobs: [%s] final progress flush for job %v: %v", corr, j.ID, ferr)
	}

	to, msg := outcome(h, ctx, err)
	if _, terr := s.store.TransitionJob(j.ID, types.JobRunning, to, func(rec *meta.JobRecord) {
		if to == types.JobFailed {
			rec.ErrorMessage = msg
		}
	}); terr != nil {
		log.Printf("jobs: [%s] job %v ended (%s) but the record moved elsewhere: %v", corr, j.ID, to, terr)
	}
	switch to {
	case types.JobCompleted:
		jobstats.Add("completed", 1)
		// A completed job never resumes; its per-item marks are dead
		// weight in the store.
		if derr := s.store.DeleteJobItems(j.ID); derr != nil {
			log.Printf("jobs: [%s] clearing item marks of job %v: %v", corr, j.ID, derr)
		}
	case types.JobFailed:
		jobstats.Add("failed", 1)
		if msg == "timeout" {
			jobstats.Add("timeout", 1)
		}
	case types.JobCancelled:
		jobstats.Add("cancelled", 1)
	case types.JobPaused:
		jobstats.Add("paused", 1)
	}

	runRec.EndedAt = time.Now().UTC()
	if to != types.JobCompleted {
		if msg != "" {
			runRec.Error = msg
		} else {
			runRec.Error = string(to)
		}
	}
	if uerr := s.store.UpdateJobRun(runRec); uerr != nil {
		log.Printf("jobs: [%s] closing run record of job %v: %v", corr, j.ID, uerr)
	}
	if msg != "" {
		log.Printf("jobs: [%s] %s job %v: %s (%s)", corr, j.Type, j.ID, to, msg)
	} else {
		log.Printf("jobs: [%s] %s job %v: %s", corr, j.Type, j.ID, to)
	}
}

func (s *Scheduler) runner(t types.JobType) Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[t]
}

// outcome maps a runner result onto the job state machine.
func outcome(h *run, ctx context.Context, err error) (types.JobState, string) {
	stopTo := h.stopTarget()
	switch {
	case err == nil:
		return types.JobCompleted, ""
	case stopTo != "" && (errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)):
		return stopTo, ""
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return types.JobFailed, "timeout"
	case errors.Is(err, ErrInterrupted):
		return types.JobFailed, "interrupted"
	default:
		return types.JobFailed, err.Error()
	}
}

// watchdogLoop periodically reclaims Running jobs that stopped
// reporting progress and have no live worker here. After a crash the
// startup sweep handles them; the watchdog covers jobs orphaned while
// the process stays up.
func (s *Scheduler) watchdogLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.Watchdog)
	defer t.Stop()
	for {
		select {
		case <-s.quitc:
			return
		case <-t.C:
		}
		s.reclaimStale()
	}
}

func (s *Scheduler) reclaimStale() {
	cutoff := time.Now().UTC().Add(-s.opts.Watchdog)
	var stale []types.ID
	err := s.store.ForeachJobInState(types.JobRunning, func(j *meta.JobRecord) error {
		s.mu.Lock()
		_, local := s.running[j.ID]
		s.mu.Unlock()
		if local || !j.CanResume {
			return nil
		}
		last := j.LastProgressAt
		if last.IsZero() {
			last = j.StartedAt
		}
		if last.Before(cutoff) {
			stale = append(stale, j.ID)
		}
		return nil
	})
	if err != nil {
		log.Printf("jobs: watchdog scan: %v", err)
		return
	}
	for _, id := range stale {
		if _, err := s.store.ReclaimJob(id); err != nil {
			log.Printf("jobs: watchdog reclaim of job %v: %v", id, err)
			continue
		}
		jobstats.Add("reclaimed", 1)
		log.Printf("jobs: watchdog reclaimed stalled job %v", id)
		s.wake()
	}
}

func newCorrelationID() string {
	return types.NewID().String()[:12]
}

// normalizeParams checks that params carry exactly the variant the
// job type needs, filling derivable fields (variant kind, the
// invalidate flag on regenerates) on a copy.
func normalizeParams(t types.JobType, p meta.Parameters) (meta.Parameters, error) {
	if !types.ValidJobType(t) {
		return p, fmt.Errorf("jobs: unknown job type %q", t)
	}
	switch t {
	case types.JobScanCollection:
		if p.Scan == nil || p.Scan.CollectionID.IsZero() {
			return p, fmt.Errorf("jobs: %s requires a collection id", t)
		}
	case types.JobGenerateThumbnails, types.JobGenerateCache, types.JobRegenerateThumbnails:
		if p.Generate == nil || p.Generate.CollectionID.IsZero() {
			return p, fmt.Errorf("jobs: %s requires a collection id", t)
		}
		g := *p.Generate
		want := types.VariantThumbnail
		if t == types.JobGenerateCache {
			want = types.VariantCache
		}
		if g.Kind == "" {
			g.Kind = want
		} else if g.Kind != want {
			return p, fmt.Errorf("jobs: %s cannot generate %s variants", t, g.Kind)
		}
		if t == types.JobRegenerateThumbnails {
			g.Invalidate = true
		}
		p.Generate = &g
	case types.JobBulkAdd:
		if p.BulkAdd == nil || p.BulkAdd.ParentPath == "" {
			return p, fmt.Errorf("jobs: %s requires a parent path", t)
		}
	case types.JobRedistribute:
		if p.Redistribute == nil {
			p.Redistribute = &meta.RedistributeParams{}
		}
	case types.JobPurgeCollection:
		if p.Purge == nil || p.Purge.CollectionID.IsZero() {
			return p, fmt.Errorf("jobs: %s requires a collection id", t)
		}
	}
	if n := paramsCount(p); n != 1 {
		return p, fmt.Errorf("jobs: %s parameters carry %d variants, want exactly 1", t, n)
	}
	return p, nil
}

func paramsCount(p meta.Parameters) int {
	n := 0
	if p.Scan != nil {
		n++
	}
	if p.Generate != nil {
		n++
	}
	if p.BulkAdd != nil {
		n++
	}
	if p.Redistribute != nil {
		n++
	}
	if p.Purge != nil {
		n++
	}
	return n
}
