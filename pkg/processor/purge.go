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

	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// runPurge finishes a soft delete: it removes every image record of
// the collection together with its canonical artifacts, then drops
// the collection row, its binding and its tags. Only once every item
// went cleanly does the collection row go — a purge with failed
// unlinks leaves the record so the operator can run it again. Item
// identity for resumption is the image id.
func (p *Processor) runPurge(rc *jobs.RunContext) error {
	st := rc.Store()
	c, err := st.GetCollection(rc.Job.Parameters.Purge.CollectionID)
	if err == types.ErrNotFound {
		// An earlier run already finished the removal.
		return nil
	}
	if err != nil {
		return infra(err)
	}
	if !c.Deleted {
		return fmt.Errorf("processor: purge: collection %q is not deleted", c.Name)
	}
	root, err := p.boundRoot(c.ID)
	if err != nil {
		return infra(err)
	}

	var imgs []*meta.Image
	if err := st.ForeachImage(c.ID, func(im *meta.Image) error {
		imgs = append(imgs, im)
		return nil
	}); err != nil {
		return infra(err)
	}
	rc.Progress.SetTotal(len(imgs))

	vs := canonicalVariants(c)
	for _, im := range imgs {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
		}
		if err := rc.Context().Err(); err != nil {
			return err
		}
		id := im.ID.String()
		done, failed, err := st.JobItemDone(rc.Job.ID, id)
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
		perr := p.purgeImage(rc, root, vs, im)
		switch {
		case perr == nil:
			procstats.Add("purge-image", 1)
			if err := markOr(rc.Progress.Done(id)); err != nil {
				return err
			}
		case errors.Is(perr, jobs.ErrInterrupted), errors.Is(perr, errInfra):
			return perr
		default:
			log.Printf("processor: [%s] purge %q: %s: %v", rc.CorrelationID, c.Name, im.RelativePath, perr)
			if err := markOr(rc.Progress.Failed(id)); err != nil {
				return err
			}
		}
	}

	if _, _, failed, _ := rc.Progress.Counts(); failed > 0 {
		return fmt.Errorf("processor: purge %q: %d images could not be removed; collection kept for another pass", c.Name, failed)
	}
	if err := storeWrite(rc, func() error { return st.RemoveCollection(c.ID) }); err != nil {
		return err
	}
	log.Printf("processor: [%s] purged collection %q (%d images)", rc.CorrelationID, c.Name, len(imgs))
	return nil
}

func (p *Processor) purgeImage(rc *jobs.RunContext, root *meta.CacheRoot, vs []Variant, im *meta.Image) error {
	for _, v := range vs {
		if err := p.invalidate(root, v.Fingerprint(im.ID), v.Format); err != nil {
			return err
		}
	}
	return storeWrite(rc, func() error { return rc.Store().DeleteImage(im.ID) })
}
