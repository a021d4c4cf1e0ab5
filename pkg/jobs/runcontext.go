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
	"context"
	"time"

	"picshelf.org/pkg/meta"
)

// A RunContext carries everything a runner needs for one execution
// attempt: the claimed job, a context bounded by the job's wall-clock
// budget, the interrupt to poll between items, the progress tracker,
// and the scheduler for follow-up enqueues (bulk adds fan out child
// scans through it).
type RunContext struct {
	// Job is the record as claimed. Runners treat it as a read-only
	// snapshot; counters move through Progress.
	Job *meta.JobRecord

	// Progress tracks and persists the job's item counters.
	Progress *Progress

	// CorrelationID ties this run's log lines and 5xx responses to
	// its JobRun record.
	CorrelationID string

	ctx        context.Context
	stop       Interrupt
	sched      *Scheduler
	retryLimit int
	retryDelay time.Duration
}

// Context returns the run's context. It is cancelled when the job is
// interrupted or its wall-clock budget runs out.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Interrupt returns the stop channel for select loops.
func (rc *RunContext) Interrupt() Interrupt { return rc.stop }

// ShouldStop reports whether the run has been asked to stop. Runners
// poll it between items and return ErrInterrupted when it fires.
func (rc *RunContext) ShouldStop() bool { return rc.stop.ShouldStop() }

// Store returns the metadata store the job was claimed from.
func (rc *RunContext) Store() *meta.Store { return rc.sched.store }

// Scheduler returns the scheduler executing this run.
func (rc *RunContext) Scheduler() *Scheduler { return rc.sched }

// RetryItem runs fn, retrying failures with exponential backoff up to
// the scheduler's per-item retry limit. It returns nil on the first
// success, the last error once retries are exhausted, and
// ErrInterrupted if the run is asked to stop while waiting to retry.
func (rc *RunContext) RetryItem(fn func() error) error {
	delay := rc.retryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt >= rc.retryLimit {
			return err
		}
		if rc.ShouldStop() {
			return ErrInterrupted
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-rc.stop:
			t.Stop()
			return ErrInterrupted
		case <-rc.ctx.Done():
			t.Stop()
			return rc.ctx.Err()
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}
