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
	"log"

	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// runRedistribute moves every collection's binding onto the placement
// engine's round-robin plan. The plan is a pure function of store
// state, so a resumed job recomputes the identical plan and skips the
// collections it already moved. Artifacts on the old roots stay put
// and regenerate on demand under the new bindings; their fingerprints
// don't change, so the read tiers stay coherent without flushing.
func (p *Processor) runRedistribute(rc *jobs.RunContext) error {
	st := rc.Store()
	plan, err := p.eng.PlanRedistribute()
	if err != nil {
		return infra(err)
	}
	rc.Progress.SetTotal(len(plan))

	// Counters reset once, before the first rebinding. A job that
	// already has item marks did this on an earlier run.
	marked, err := jobHasMarks(st, rc.Job.ID)
	if err != nil {
		return infra(err)
	}
	if !marked {
		if err := storeWrite(rc, p.eng.ResetCounters); err != nil {
			return err
		}
		log.Printf("processor: [%s] redistribute: %d collections across fresh counters", rc.CorrelationID, len(plan))
	}

	for _, a := range plan {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
		}
		if err := rc.Context().Err(); err != nil {
			return err
		}
		id := a.CollectionID.String()
		done, _, err := st.JobItemDone(rc.Job.ID, id)
		if err != nil {
			return infra(err)
		}
		if done {
			rc.Progress.CreditDone()
			continue
		}
		collID, rootID := a.CollectionID, a.RootID
		if err := storeWrite(rc, func() error {
			if err := st.Unbind(collID); err != nil {
				return err
			}
			_, err := st.Bind(collID, rootID)
			return err
		}); err != nil {
			return err
		}
		if err := markOr(rc.Progress.Done(id)); err != nil {
			return err
		}
	}
	return nil
}

// errStopIteration short-circuits a foreach once the answer is known.
var errStopIteration = errors.New("processor: stop iteration")

func jobHasMarks(st *meta.Store, jobID types.ID) (bool, error) {
	err := st.ForeachJobItem(jobID, func(string, bool) error {
		return errStopIteration
	})
	if err == errStopIteration {
		return true, nil
	}
	return false, err
}
