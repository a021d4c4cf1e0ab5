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

package processor

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// bulkPollEvery is how often a bulk add re-checks its children for
// terminal states.
const bulkPollEvery = 500 * time.Millisecond

// runBulkAdd enumerates a parent directory, turns each matching child
// into a collection (creating missing ones when autoAdd is set),
// enqueues one scan per child and then waits for those scans to reach
// a terminal state, counting each child as done or failed by its
// scan's outcome. Child job ids are persisted on the job record as
// they are minted, so a resumed bulk add keeps watching the same
// scans instead of enqueueing twice.
//
// The aggregation phase occupies a scheduler worker while the child
// scans need workers of their own, so bulk adds want a worker pool of
// at least two.
func (p *Processor) runBulkAdd(rc *jobs.RunContext) error {
	st := rc.Store()
	params := rc.Job.Parameters.BulkAdd

	ents, err := p.fs.ListDir(params.ParentPath)
	if err != nil {
		return fmt.Errorf("processor: bulk add %q: %w", params.ParentPath, err)
	}

	type candidate struct {
		name string
		path string
		typ  types.CollectionType
	}
	var cands []candidate
	for _, de := range ents {
		name := de.Name()
		if params.Prefix != "" && !strings.HasPrefix(name, params.Prefix) {
			continue
		}
		if de.IsDir() {
			if !params.IncludeSubfolders {
				continue
			}
			cands = append(cands, candidate{name, filepath.Join(params.ParentPath, name), types.CollectionFolder})
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		typ, ok := types.CollectionTypeForExt(ext)
		if !ok {
			continue
		}
		cands = append(cands, candidate{name, filepath.Join(params.ParentPath, name), typ})
	}
	rc.Progress.SetTotal(len(cands))
	log.Printf("processor: [%s] bulk add %q: %d candidates", rc.CorrelationID, params.ParentPath, len(cands))

	// Scans enqueued by earlier runs of this job.
	child := make(map[types.ID]types.ID) // collection id → scan job id
	for _, jid := range params.ChildJobIDs {
		j, err := st.GetJob(jid)
		if err == types.ErrNotFound {
			continue
		}
		if err != nil {
			return infra(err)
		}
		if j.Parameters.Scan != nil {
			child[j.Parameters.Scan.CollectionID] = j.ID
		}
	}

	// Phase one: a collection and a scan job per candidate. The
	// candidate's name is the item id; it is marked only in phase
	// two, by the child's outcome.
	watch := make(map[string]types.ID) // item id → scan job id
	for _, cd := range cands {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
		}
		if err := rc.Context().Err(); err != nil {
			return err
		}
		done, failed, err := st.JobItemDone(rc.Job.ID, cd.name)
		if err != nil {
			return infra(err)
		}
		switch {
		case done && failed:
			rc.Progress.CreditFailed()
			continue
		case done:
			rc.Progress.CreditDone()
			continue
		}

		coll, err := st.CollectionByPath(cd.path)
		switch {
		case err == types.ErrNotFound:
			if !params.AutoAdd {
				if err := markOr(rc.Progress.Skipped(cd.name)); err != nil {
					return err
				}
				continue
			}
			coll = &meta.Collection{Name: cd.name, Path: cd.path, Type: cd.typ, Settings: meta.DefaultSettings()}
			err := st.CreateCollection(coll)
			if errors.Is(err, types.ErrConflict) {
				// Raced another creator; theirs wins.
				coll, err = st.CollectionByPath(cd.path)
			}
			if err != nil {
				return infra(err)
			}
			log.Printf("processor: [%s] bulk add: registered %q (%s)", rc.CorrelationID, cd.path, coll.Type)
		case err != nil:
			return infra(err)
		}

		jid, ok := child[coll.ID]
		if !ok {
			cj, err := rc.Scheduler().Enqueue(types.JobScanCollection,
				meta.Parameters{Scan: &meta.ScanParams{CollectionID: coll.ID}}, rc.Job.Priority)
			if err != nil {
				return infra(err)
			}
			jid = cj.ID
			child[coll.ID] = jid
			if err := storeWrite(rc, func() error {
				_, err := st.UpdateJob(rc.Job.ID, func(j *meta.JobRecord) {
					j.Parameters.BulkAdd.ChildJobIDs = append(j.Parameters.BulkAdd.ChildJobIDs, cj.ID)
				})
				return err
			}); err != nil {
				return err
			}
		}
		watch[cd.name] = jid
	}

	// Phase two: aggregate.
	for len(watch) > 0 {
		for name, jid := range watch {
			j, err := st.GetJob(jid)
			if err == types.ErrNotFound {
				// The child record vanished; nothing to verify.
				log.Printf("processor: [%s] bulk add: child job %v for %q is gone", rc.CorrelationID, jid, name)
				if err := markOr(rc.Progress.Failed(name)); err != nil {
					return err
				}
				delete(watch, name)
				continue
			}
			if err != nil {
				return infra(err)
			}
			switch j.State {
			case types.JobCompleted:
				if err := markOr(rc.Progress.Done(name)); err != nil {
					return err
				}
				delete(watch, name)
			case types.JobFailed, types.JobCancelled:
				if err := markOr(rc.Progress.Failed(name)); err != nil {
					return err
				}
				delete(watch, name)
			}
		}
		if len(watch) == 0 {
			break
		}
		t := time.NewTimer(bulkPollEvery)
		select {
		case <-t.C:
		case <-rc.Interrupt():
			t.Stop()
			return jobs.ErrInterrupted
		case <-rc.Context().Done():
			t.Stop()
			return rc.Context().Err()
		}
	}
	return nil
}
