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
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go4.org/syncutil"

	"picshelf.org/internal/chanworker"
	"picshelf.org/pkg/archive"
	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
)

// A genItem is one image with its source bytes, read sequentially by
// the feeder and rendered on a worker.
type genItem struct {
	im  *meta.Image
	src []byte
}

// runGenerate produces one variant kind for every image of a
// collection. It backs the GenerateThumbnails, GenerateCache and
// RegenerateThumbnails job types; regeneration arrives with
// Invalidate set, which drops the old artifact before rendering. An
// explicit generate job runs even when the collection's scan-time
// settings have that kind switched off. Item identity for resumption
// is the image id.
func (p *Processor) runGenerate(rc *jobs.RunContext) error {
	st := rc.Store()
	params := rc.Job.Parameters.Generate
	c, err := st.GetCollection(params.CollectionID)
	if err != nil {
		return fmt.Errorf("processor: generate: %w", err)
	}
	if c.Deleted {
		return fmt.Errorf("processor: generate: collection %q is deleted", c.Name)
	}
	v := variantFor(c, params.Kind)

	var all []*meta.Image
	if err := st.ForeachImage(c.ID, func(im *meta.Image) error {
		all = append(all, im)
		return nil
	}); err != nil {
		return infra(err)
	}
	rc.Progress.SetTotal(len(all))

	root, err := p.boundRoot(c.ID)
	if err != nil {
		return infra(err)
	}

	// Sequential prefilter: resume credits, still-valid skips, vector
	// sources, and the invalidation pass when regenerating.
	pending := make(map[string]*meta.Image)
	for _, im := range all {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
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
		if im.Format == "svg" {
			if err := markOr(rc.Progress.Skipped(id)); err != nil {
				return err
			}
			continue
		}
		fp := v.Fingerprint(im.ID)
		if params.Invalidate {
			if err := p.invalidate(root, fp, v.Format); err != nil {
				log.Printf("processor: [%s] generate %q: invalidate %s: %v", rc.CorrelationID, c.Name, im.RelativePath, err)
				if err := markOr(rc.Progress.Failed(id)); err != nil {
					return err
				}
				continue
			}
		} else if root != nil {
			if _, err := p.arts.Stat(root, fp, v.Format, c.Settings.CacheExpiration); err == nil {
				if err := markOr(rc.Progress.Skipped(id)); err != nil {
					return err
				}
				continue
			}
		}
		pending[im.RelativePath] = im
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("processor: [%s] generate %q: %d of %d images need a %s", rc.CorrelationID, c.Name, len(pending), len(all), v.Kind)

	return p.generateFanout(rc, c, v, pending)
}

// generateFanout reads the pending sources in container order (stream
// archives decompress strictly forward) and renders them on
// opts.Workers goroutines, in batches of opts.Batch to amortize the
// per-file dispatch cost. A gate keeps at most 2×Workers batches in
// flight so a fast feeder cannot buffer a whole archive in memory.
func (p *Processor) generateFanout(rc *jobs.RunContext, c *meta.Collection, v Variant, pending map[string]*meta.Image) error {
	ctn, err := archive.Open(c.Type, c.Path, p.fs)
	if err != nil {
		return fmt.Errorf("processor: generate %q: %w", c.Name, err)
	}

	var (
		mu       sync.Mutex
		infraErr error
	)
	setInfra := func(err error) {
		mu.Lock()
		if infraErr == nil {
			infraErr = err
		}
		mu.Unlock()
	}
	getInfra := func() error {
		mu.Lock()
		defer mu.Unlock()
		return infraErr
	}

	ctx := rc.Context()
	gate := syncutil.NewGate(p.opts.Workers * 2)
	donec := make(chan bool)
	workc := chanworker.NewWorker(p.opts.Workers, func(b []genItem, ok bool) {
		if !ok {
			close(donec)
			return
		}
		defer gate.Done()
		for _, it := range b {
			// Anything left unmarked here resumes on the next run.
			if rc.ShouldStop() || ctx.Err() != nil || getInfra() != nil {
				return
			}
			id := it.im.ID.String()
			err := p.generateOne(rc, c, v, it)
			switch {
			case err == nil:
				if merr := rc.Progress.Done(id); merr != nil {
					setInfra(infra(merr))
				}
			case errors.Is(err, errInfra):
				setInfra(err)
			case errors.Is(err, jobs.ErrInterrupted) || ctx.Err() != nil:
				return
			default:
				log.Printf("processor: [%s] generate %q: %s: %v", rc.CorrelationID, c.Name, it.im.RelativePath, err)
				if merr := rc.Progress.Failed(id); merr != nil {
					setInfra(infra(merr))
				}
			}
		}
	})

	var batch []genItem
	flush := func() {
		if len(batch) == 0 {
			return
		}
		gate.Start()
		workc <- batch
		batch = nil
	}
	feedErr := ctn.Entries(ctx, func(e archive.Entry) error {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
		}
		if err := getInfra(); err != nil {
			return err
		}
		im := pending[e.RelPath]
		if im == nil {
			return nil
		}
		delete(pending, e.RelPath)
		src, err := readAllEntry(e)
		if err != nil {
			log.Printf("processor: [%s] generate %q: %s: %v", rc.CorrelationID, c.Name, e.RelPath, err)
			return markOr(rc.Progress.Failed(im.ID.String()))
		}
		batch = append(batch, genItem{im: im, src: src})
		if len(batch) >= p.opts.Batch {
			flush()
		}
		return nil
	})
	if feedErr == nil {
		flush()
	}
	close(workc)
	<-donec

	if err := getInfra(); err != nil {
		return err
	}
	if feedErr != nil {
		if errors.Is(feedErr, jobs.ErrInterrupted) || errors.Is(feedErr, errInfra) || ctx.Err() != nil {
			return feedErr
		}
		return fmt.Errorf("processor: generate %q: %w", c.Name, feedErr)
	}

	// Entries the container never yielded: records whose source is
	// gone. The next scan prunes them; this job just records the
	// failure.
	for relPath, im := range pending {
		procstats.Add("source-missing", 1)
		log.Printf("processor: [%s] generate %q: %s: source missing", rc.CorrelationID, c.Name, relPath)
		if err := markOr(rc.Progress.Failed(im.ID.String())); err != nil {
			return err
		}
	}
	return nil
}

// generateOne renders and stores one image's variant under the item
// budget.
func (p *Processor) generateOne(rc *jobs.RunContext, c *meta.Collection, v Variant, it genItem) error {
	ictx, cancel := context.WithTimeout(rc.Context(), p.opts.ItemTimeout)
	defer cancel()
	b, err := p.render(ictx, it.src, v)
	if err != nil {
		return err
	}
	_, err = p.storeVariant(c.ID, v.Fingerprint(it.im.ID), v.Format, b)
	return err
}
