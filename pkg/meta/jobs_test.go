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

package meta_test

import (
	"errors"
	"testing"

	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

func newJob(t *testing.T, s *meta.Store, typ types.JobType) *meta.JobRecord {
	t.Helper()
	j := &meta.JobRecord{Type: typ}
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func TestCreateJob(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobScanCollection)
	if j.State != types.JobPending {
		t.Errorf("State = %s; want pending", j.State)
	}
	if !j.CanResume {
		t.Error("CanResume = false on fresh job")
	}
	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Type != types.JobScanCollection {
		t.Errorf("Type = %s", got.Type)
	}

	if err := s.CreateJob(&meta.JobRecord{Type: "Mop"}); err == nil {
		t.Error("unknown job type accepted")
	}
}

func TestTransitionJob(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobScanCollection)

	run, err := s.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil)
	if err != nil {
		t.Fatalf("Pending->Running: %v", err)
	}
	if run.StartedAt.IsZero() {
		t.Error("StartedAt not stamped")
	}

	// A second claimer loses the race.
	if _, err := s.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("double claim err = %v; want ErrIllegalTransition", err)
	}

	// Moves outside the machine are rejected before touching the store.
	if _, err := s.TransitionJob(j.ID, types.JobPaused, types.JobFailed, nil); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("Paused->Failed err = %v; want ErrIllegalTransition", err)
	}

	done, err := s.TransitionJob(j.ID, types.JobRunning, types.JobCompleted, func(j *meta.JobRecord) {
		j.CompletedItems = 7
	})
	if err != nil {
		t.Fatalf("Running->Completed: %v", err)
	}
	if done.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped")
	}
	if done.CanResume {
		t.Error("CanResume not cleared on terminal state")
	}
	if done.CompletedItems != 7 {
		t.Errorf("mutate not applied: CompletedItems = %d", done.CompletedItems)
	}

	// Terminal states are final.
	if _, err := s.TransitionJob(j.ID, types.JobCompleted, types.JobRunning, nil); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("Completed->Running err = %v; want ErrIllegalTransition", err)
	}
}

func TestPauseResume(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobGenerateThumbnails)
	if _, err := s.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}
	paused, err := s.TransitionJob(j.ID, types.JobRunning, types.JobPaused, nil)
	if err != nil {
		t.Fatalf("Running->Paused: %v", err)
	}
	started := paused.StartedAt
	resumed, err := s.TransitionJob(j.ID, types.JobPaused, types.JobRunning, nil)
	if err != nil {
		t.Fatalf("Paused->Running: %v", err)
	}
	if !resumed.StartedAt.Equal(started) {
		t.Error("StartedAt restamped on resume")
	}
	if _, err := s.TransitionJob(j.ID, types.JobRunning, types.JobCancelled, nil); err != nil {
		t.Fatalf("Running->Cancelled: %v", err)
	}
}

func TestReclaimJob(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobScanCollection)
	if _, err := s.TransitionJob(j.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReclaimJob(j.ID)
	if err != nil {
		t.Fatalf("ReclaimJob: %v", err)
	}
	if got.State != types.JobPending {
		t.Errorf("State = %s; want pending", got.State)
	}
	if !got.CanResume {
		t.Error("CanResume = false after reclaim")
	}

	// The state index moved with it.
	var pending []types.ID
	err = s.ForeachJobInState(types.JobPending, func(j *meta.JobRecord) error {
		pending = append(pending, j.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != j.ID {
		t.Errorf("pending index = %v; want [%v]", pending, j.ID)
	}
	err = s.ForeachJobInState(types.JobRunning, func(j *meta.JobRecord) error {
		t.Errorf("job %v still indexed running", j.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Pending jobs aren't reclaimable; neither are terminal ones.
	if _, err := s.ReclaimJob(j.ID); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("reclaim pending err = %v; want ErrIllegalTransition", err)
	}
}

func TestUpdateJob(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobScanCollection)

	got, err := s.UpdateJob(j.ID, func(j *meta.JobRecord) {
		j.TotalItems = 100
		j.CompletedItems = 25
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if got.TotalItems != 100 || got.CompletedItems != 25 {
		t.Errorf("counters = %d/%d", got.CompletedItems, got.TotalItems)
	}
	if p := got.Progress(); p != 25 {
		t.Errorf("Progress = %v; want 25", p)
	}

	if _, err := s.UpdateJob(j.ID, func(j *meta.JobRecord) {
		j.State = types.JobCompleted
	}); !errors.Is(err, meta.ErrIllegalTransition) {
		t.Errorf("state change via UpdateJob err = %v; want ErrIllegalTransition", err)
	}
	// The sneaky update must not have landed.
	got, err = s.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobPending {
		t.Errorf("State = %s; want pending", got.State)
	}
}

func TestForeachJobInState(t *testing.T) {
	s := newStore(t)
	a := newJob(t, s, types.JobScanCollection)
	b := newJob(t, s, types.JobGenerateCache)
	c := newJob(t, s, types.JobScanCollection)
	if _, err := s.TransitionJob(b.ID, types.JobPending, types.JobRunning, nil); err != nil {
		t.Fatal(err)
	}

	var pending []types.ID
	err := s.ForeachJobInState(types.JobPending, func(j *meta.JobRecord) error {
		pending = append(pending, j.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v; want 2 jobs", pending)
	}
	for _, id := range pending {
		if id == b.ID {
			t.Error("running job listed as pending")
		}
	}
	_ = a
	_ = c
}

func TestJobItems(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobScanCollection)

	// Relative paths with separators and spaces must round-trip as
	// item ids.
	items := []string{"sub dir/a.jpg", "b:c.png", "plain.gif"}
	for i, it := range items {
		if err := s.MarkJobItem(j.ID, it, i == 1); err != nil {
			t.Fatalf("MarkJobItem(%q): %v", it, err)
		}
	}

	done, failed, err := s.JobItemDone(j.ID, "sub dir/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !done || failed {
		t.Errorf("JobItemDone = %v, %v; want done, not failed", done, failed)
	}
	done, failed, err = s.JobItemDone(j.ID, "b:c.png")
	if err != nil {
		t.Fatal(err)
	}
	if !done || !failed {
		t.Errorf("JobItemDone = %v, %v; want done and failed", done, failed)
	}
	done, _, err = s.JobItemDone(j.ID, "never-seen.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("unseen item reported done")
	}

	got := map[string]bool{}
	err = s.ForeachJobItem(j.ID, func(itemID string, failed bool) error {
		got[itemID] = failed
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("ForeachJobItem visited %v", got)
	}
	if got["b:c.png"] != true || got["sub dir/a.jpg"] != false {
		t.Errorf("marks = %v", got)
	}

	if err := s.DeleteJobItems(j.ID); err != nil {
		t.Fatalf("DeleteJobItems: %v", err)
	}
	done, _, err = s.JobItemDone(j.ID, "plain.gif")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("item mark survived DeleteJobItems")
	}
	if err := s.DeleteJobItems(j.ID); err != nil {
		t.Fatalf("second DeleteJobItems: %v", err)
	}
}

func TestJobRuns(t *testing.T) {
	s := newStore(t)
	j := newJob(t, s, types.JobRedistribute)

	r1 := &meta.JobRun{JobID: j.ID, CorrelationID: "aaaabbbbccccdddd"}
	if err := s.AppendJobRun(r1); err != nil {
		t.Fatalf("AppendJobRun: %v", err)
	}
	if r1.ID.IsZero() || r1.StartedAt.IsZero() {
		t.Error("run id or StartedAt not stamped")
	}

	r1.Error = "disk on fire"
	if err := s.UpdateJobRun(r1); err != nil {
		t.Fatalf("UpdateJobRun: %v", err)
	}

	r2 := &meta.JobRun{JobID: j.ID, CorrelationID: "eeeeffff00001111"}
	if err := s.AppendJobRun(r2); err != nil {
		t.Fatal(err)
	}

	var runs []*meta.JobRun
	err := s.ForeachJobRun(j.ID, func(r *meta.JobRun) error {
		runs = append(runs, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("ForeachJobRun visited %d runs; want 2", len(runs))
	}
	found := false
	for _, r := range runs {
		if r.ID == r1.ID && r.Error == "disk on fire" {
			found = true
		}
	}
	if !found {
		t.Error("updated run not found")
	}

	if err := s.UpdateJobRun(&meta.JobRun{JobID: j.ID, ID: types.NewID()}); err != types.ErrNotFound {
		t.Errorf("UpdateJobRun(unknown) err = %v; want ErrNotFound", err)
	}
}

func TestJobParametersRoundTrip(t *testing.T) {
	s := newStore(t)
	collID := types.NewID()
	j := &meta.JobRecord{
		Type: types.JobGenerateThumbnails,
		Parameters: meta.Parameters{
			Generate: &meta.GenerateParams{
				CollectionID: collID,
				Kind:         types.VariantThumbnail,
				Invalidate:   true,
			},
		},
	}
	if err := s.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	p := got.Parameters.Generate
	if p == nil {
		t.Fatal("Generate params lost")
	}
	if p.CollectionID != collID || p.Kind != types.VariantThumbnail || !p.Invalidate {
		t.Errorf("params = %+v", p)
	}
	if got.Parameters.Scan != nil {
		t.Error("unrelated variant populated")
	}
}

func TestTags(t *testing.T) {
	s := newStore(t)
	c := &meta.Collection{Path: "/p", Type: types.CollectionFolder}
	if err := s.CreateCollection(c); err != nil {
		t.Fatal(err)
	}
	tag := &meta.Tag{Name: "family"}
	if err := s.CreateTag(tag); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if err := s.TagCollection(c.ID, tag.ID); err != nil {
		t.Fatalf("TagCollection: %v", err)
	}
	if err := s.TagCollection(c.ID, tag.ID); err != nil {
		t.Fatalf("second TagCollection: %v", err)
	}
	if err := s.TagCollection(c.ID, types.NewID()); err != types.ErrNotFound {
		t.Errorf("tagging with unknown tag err = %v; want ErrNotFound", err)
	}

	var tags []types.ID
	err := s.ForeachCollectionTag(c.ID, func(id types.ID) error {
		tags = append(tags, id)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != tag.ID {
		t.Errorf("tags = %v; want [%v]", tags, tag.ID)
	}
}
