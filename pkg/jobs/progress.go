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
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"picshelf.org/pkg/env"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// progressFlushEvery caps how often item counters are persisted. The
// durable per-item marks are written on every item regardless; only
// the summary row on the job record is throttled, so a fast scan does
// not turn into a store write per file.
const progressFlushEvery = 250 * time.Millisecond

// A Progress tracks one running job's item counters and persists them
// to the job record, rate-limited. It owns the counters for the
// duration of the run: each flush overwrites the persisted values, so
// runners rebuild them on resume by crediting items already marked
// done (see CreditDone).
//
// All methods are safe for concurrent use; updates serialize on an
// internal mutex, which keeps completedItems monotonic within a run.
type Progress struct {
	store *meta.Store
	jobID types.ID
	lim   *rate.Limiter

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	skipped   int
	dirty     bool
}

// NewProgress returns a tracker for jobID with all counters at zero.
func NewProgress(store *meta.Store, jobID types.ID) *Progress {
	return &Progress{
		store: store,
		jobID: jobID,
		lim:   rate.NewLimiter(rate.Every(progressFlushEvery), 1),
	}
}

// SetTotal records how many items the run covers and flushes so the
// job's progress percentage means something early.
func (p *Progress) SetTotal(n int) {
	p.mu.Lock()
	p.total = n
	p.dirty = true
	p.maybeFlushLocked()
	p.mu.Unlock()
}

// Done durably marks itemID processed and counts it completed.
func (p *Progress) Done(itemID string) error {
	return p.mark(itemID, false, &p.completed)
}

// Failed durably marks itemID failed and counts it failed. The mark
// keeps resumed runs from retrying an item that already exhausted its
// retries.
func (p *Progress) Failed(itemID string) error {
	return p.mark(itemID, true, &p.failed)
}

// Skipped durably marks itemID processed and counts it skipped:
// nothing needed doing (its artifacts were already valid).
func (p *Progress) Skipped(itemID string) error {
	return p.mark(itemID, false, &p.skipped)
}

func (p *Progress) mark(itemID string, failed bool, counter *int) error {
	if err := p.store.MarkJobItem(p.jobID, itemID, failed); err != nil {
		return err
	}
	p.mu.Lock()
	*counter++
	p.dirty = true
	p.maybeFlushLocked()
	p.mu.Unlock()
	return nil
}

// CreditDone counts an item that an earlier run already marked done.
// Resumed runs call it instead of Done while walking previously
// handled items, so the persisted counters come out right without
// re-marking anything.
func (p *Progress) CreditDone() { p.credit(&p.completed) }

// CreditFailed counts an item an earlier run already marked failed.
func (p *Progress) CreditFailed() { p.credit(&p.failed) }

func (p *Progress) credit(counter *int) {
	p.mu.Lock()
	*counter++
	p.dirty = true
	p.maybeFlushLocked()
	p.mu.Unlock()
}

// Counts returns the tracker's current view of the run.
func (p *Progress) Counts() (total, completed, failed, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.completed, p.failed, p.skipped
}

// maybeFlushLocked persists the counters if the rate limiter allows.
// Flush errors here are logged and swallowed: the item marks are the
// durable truth, and the next flush overwrites anyway.
func (p *Progress) maybeFlushLocked() {
	if !p.dirty || !p.lim.Allow() {
		return
	}
	if err := p.flushLocked(); err != nil {
		log.Printf("jobs: flushing progress of job %v: %v", p.jobID, err)
	}
}

// Flush persists the counters unconditionally. The scheduler calls it
// once after every run so the final numbers always land.
func (p *Progress) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Progress) flushLocked() error {
	_, err := p.store.UpdateJob(p.jobID, func(j *meta.JobRecord) {
		j.TotalItems = p.total
		j.CompletedItems = p.completed
		j.FailedItems = p.failed
		j.SkippedItems = p.skipped
		j.LastProgressAt = time.Now().UTC()
	})
	if err == nil {
		p.dirty = false
		if env.DebugJobs() {
			log.Printf("jobs: job %v progress %d/%d (%d failed, %d skipped)",
				p.jobID, p.completed+p.failed+p.skipped, p.total, p.failed, p.skipped)
		}
	}
	return err
}
