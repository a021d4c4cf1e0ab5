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

package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/types"
)

// ErrIllegalTransition is returned by TransitionJob when the job is
// not in the expected state, or the requested move isn't in the state
// machine. Callers match it with errors.Is.
var ErrIllegalTransition = errors.New("meta: illegal job state transition")

// CreateJob stores a new job in the Pending state and indexes it for
// the scheduler. The ID is minted when zero.
func (s *Store) CreateJob(j *JobRecord) error {
	if !types.ValidJobType(j.Type) {
		return fmt.Errorf("meta: unknown job type %q", j.Type)
	}
	if j.ID.IsZero() {
		j.ID = types.NewID()
	}
	j.State = types.JobPending
	j.CreatedAt = time.Now().UTC()
	j.CanResume = true
	s.mu.Lock()
	defer s.mu.Unlock()
	bm := s.kv.BeginBatch()
	bm.Set(jobKey(j.ID), mustJSON(j))
	bm.Set(jobStateKey(j.State, j.Type, j.ID), "1")
	return s.kv.CommitBatch(bm)
}

// GetJob returns the job by id.
func (s *Store) GetJob(id types.ID) (*JobRecord, error) {
	j := new(JobRecord)
	if err := s.get(jobKey(id), j); err != nil {
		return nil, err
	}
	return j, nil
}

// TransitionJob moves the job from state from to state to, applying
// mutate (which may be nil) to the record under the same lock. The
// check against from makes concurrent transitions lose cleanly with
// ErrIllegalTransition instead of double-applying.
//
// Entering Running stamps StartedAt on the first run and clears
// ErrorMessage. Entering a terminal state stamps CompletedAt and
// clears CanResume.
func (s *Store) TransitionJob(id types.ID, from, to types.JobState, mutate func(*JobRecord)) (*JobRecord, error) {
	if !types.ValidJobTransition(from, to) {
		return nil, fmt.Errorf("meta: job %v: %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := new(JobRecord)
	if err := s.get(jobKey(id), j); err != nil {
		return nil, err
	}
	if j.State != from {
		return nil, fmt.Errorf("meta: job %v is %s, not %s: %w", id, j.State, from, ErrIllegalTransition)
	}
	now := time.Now().UTC()
	j.State = to
	switch {
	case to == types.JobRunning:
		if j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		j.LastProgressAt = now
		j.ErrorMessage = ""
	case to.Terminal():
		j.CompletedAt = now
		j.CanResume = false
	}
	if mutate != nil {
		mutate(j)
	}
	bm := s.kv.BeginBatch()
	bm.Set(jobKey(id), mustJSON(j))
	bm.Delete(jobStateKey(from, j.Type, id))
	bm.Set(jobStateKey(to, j.Type, id), "1")
	if err := s.kv.CommitBatch(bm); err != nil {
		return nil, err
	}
	return j, nil
}

// ReclaimJob forces a Running or Paused job back to Pending so the
// scheduler can pick it up again. This is the watchdog's recovery
// path for jobs orphaned by a crash or by a worker that stopped
// reporting; it deliberately sidesteps the client-facing state
// machine, which has no way back out of Running.
func (s *Store) ReclaimJob(id types.ID) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := new(JobRecord)
	if err := s.get(jobKey(id), j); err != nil {
		return nil, err
	}
	if j.State != types.JobRunning && j.State != types.JobPaused {
		return nil, fmt.Errorf("meta: job %v is %s, not reclaimable: %w", id, j.State, ErrIllegalTransition)
	}
	old := j.State
	j.State = types.JobPending
	j.CanResume = true
	bm := s.kv.BeginBatch()
	bm.Set(jobKey(id), mustJSON(j))
	bm.Delete(jobStateKey(old, j.Type, id))
	bm.Set(jobStateKey(types.JobPending, j.Type, id), "1")
	if err := s.kv.CommitBatch(bm); err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateJob applies mutate to the job under the store lock without
// changing its state. Progress counters and heartbeats go through
// here.
func (s *Store) UpdateJob(id types.ID, mutate func(*JobRecord)) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := new(JobRecord)
	if err := s.get(jobKey(id), j); err != nil {
		return nil, err
	}
	state := j.State
	mutate(j)
	if j.State != state {
		return nil, fmt.Errorf("meta: UpdateJob may not change state (use TransitionJob): %w", ErrIllegalTransition)
	}
	if err := s.kv.Set(jobKey(id), mustJSON(j)); err != nil {
		return nil, err
	}
	return j, nil
}

// ForeachJobInState runs fn over jobs in the given state, ordered by
// type then id. The scheduler's dispatch loop and the watchdog both
// scan through here; it reads the state index and then each record.
// The index scan finishes before any record read so the two never
// contend for the backend's gate.
func (s *Store) ForeachJobInState(state types.JobState, fn func(*JobRecord) error) error {
	prefix := jobStatePrefix(state)
	var ids []types.ID
	err := s.foreachPrefix(prefix, func(key, _ string) error {
		rest := strings.TrimPrefix(key, prefix)
		i := strings.LastIndexByte(rest, ':')
		if i < 0 {
			return fmt.Errorf("meta: corrupt job state key %q", key)
		}
		id, err := types.ParseID(rest[i+1:])
		if err != nil {
			return fmt.Errorf("meta: corrupt job state key %q: %v", key, err)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		j := new(JobRecord)
		if err := s.get(jobKey(id), j); err != nil {
			if err == types.ErrNotFound {
				// Index row outlived its record; skip it.
				continue
			}
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

// ForeachJob runs fn over every job record in id order.
func (s *Store) ForeachJob(fn func(*JobRecord) error) error {
	return s.foreachPrefix("job:", func(_, value string) error {
		j := new(JobRecord)
		if err := json.Unmarshal([]byte(value), j); err != nil {
			return fmt.Errorf("meta: corrupt job record: %v", err)
		}
		return fn(j)
	})
}

// Job items
//
// Per-item completion marks live in their own key range rather than
// inside the job record: a scan over a large collection would blow
// sorted.MaxValueSize if the processed set were embedded in the JSON.

const (
	jobItemProcessed = "p"
	jobItemFailed    = "f"
)

// MarkJobItem records that the job finished itemID, successfully or
// not. Re-marking an item overwrites its previous mark.
func (s *Store) MarkJobItem(jobID types.ID, itemID string, failed bool) error {
	v := jobItemProcessed
	if failed {
		v = jobItemFailed
	}
	return s.kv.Set(jobItemKey(jobID, itemID), v)
}

// JobItemDone reports whether the job already processed itemID, and
// whether that attempt failed. Resuming jobs consult this to skip
// work already done by an earlier run.
func (s *Store) JobItemDone(jobID types.ID, itemID string) (done, failed bool, err error) {
	v, err := s.kv.Get(jobItemKey(jobID, itemID))
	if err == sorted.ErrNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, v == jobItemFailed, nil
}

// ForeachJobItem runs fn over the job's item marks in item order.
func (s *Store) ForeachJobItem(jobID types.ID, fn func(itemID string, failed bool) error) error {
	prefix := jobItemPrefix(jobID)
	return s.foreachPrefix(prefix, func(key, value string) error {
		itemID, err := url.QueryUnescape(strings.TrimPrefix(key, prefix))
		if err != nil {
			return fmt.Errorf("meta: corrupt job item key %q: %v", key, err)
		}
		return fn(itemID, value == jobItemFailed)
	})
}

// DeleteJobItems removes all item marks for the job. Terminal jobs
// don't need them anymore.
func (s *Store) DeleteJobItems(jobID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Collect the keys before opening the batch; a Find while the
	// batch transaction is open would contend for the backend's gate.
	var keys []string
	err := s.foreachPrefix(jobItemPrefix(jobID), func(key, _ string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	bm := s.kv.BeginBatch()
	for _, key := range keys {
		bm.Delete(key)
	}
	return s.kv.CommitBatch(bm)
}

// Job runs

// AppendJobRun records the start of an execution attempt.
func (s *Store) AppendJobRun(r *JobRun) error {
	if r.JobID.IsZero() {
		return errors.New("meta: job run jobId required")
	}
	if r.ID.IsZero() {
		r.ID = types.NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	return s.kv.Set(jobRunKey(r.JobID, r.ID), mustJSON(r))
}

// UpdateJobRun rewrites a run record, typically to stamp EndedAt.
func (s *Store) UpdateJobRun(r *JobRun) error {
	key := jobRunKey(r.JobID, r.ID)
	if _, err := s.kv.Get(key); err == sorted.ErrNotFound {
		return types.ErrNotFound
	} else if err != nil {
		return err
	}
	return s.kv.Set(key, mustJSON(r))
}

// ForeachJobRun runs fn over the job's execution attempts in run-id
// order.
func (s *Store) ForeachJobRun(jobID types.ID, fn func(*JobRun) error) error {
	return s.foreachPrefix(jobRunPrefix(jobID), func(_, value string) error {
		r := new(JobRun)
		if err := json.Unmarshal([]byte(value), r); err != nil {
			return fmt.Errorf("meta: corrupt job run record: %v", err)
		}
		return fn(r)
	})
}
