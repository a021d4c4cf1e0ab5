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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"picshelf.org/pkg/archive"
	"picshelf.org/pkg/images"
	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// runScan walks a collection's source and brings the image records
// and configured artifacts up to date: new entries are indexed and
// rendered, changed entries re-rendered, untouched entries skipped
// off their size alone, and records whose entry vanished are pruned
// at the end. Item identity for resumption is the entry's relative
// path.
func (p *Processor) runScan(rc *jobs.RunContext) error {
	st := rc.Store()
	c, err := st.GetCollection(rc.Job.Parameters.Scan.CollectionID)
	if err != nil {
		return fmt.Errorf("processor: scan: %w", err)
	}
	if c.Deleted {
		return fmt.Errorf("processor: scan: collection %q is deleted", c.Name)
	}
	ctn, err := archive.Open(c.Type, c.Path, p.fs)
	if err != nil {
		return fmt.Errorf("processor: scan %q: %w", c.Name, err)
	}

	ctx := rc.Context()
	total := 0
	if err := ctn.Entries(ctx, func(archive.Entry) error {
		total++
		return nil
	}); err != nil {
		return fmt.Errorf("processor: scan %q: counting: %w", c.Name, err)
	}
	rc.Progress.SetTotal(total)
	log.Printf("processor: [%s] scan %q (%s): %d entries", rc.CorrelationID, c.Name, c.Type, total)

	root, err := p.boundRoot(c.ID)
	if err != nil {
		return infra(err)
	}

	err = ctn.Entries(ctx, func(e archive.Entry) error {
		if rc.ShouldStop() {
			return jobs.ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		done, failed, err := st.JobItemDone(rc.Job.ID, e.RelPath)
		if err != nil {
			return infra(err)
		}
		if done {
			if failed {
				rc.Progress.CreditFailed()
			} else {
				rc.Progress.CreditDone()
			}
			return nil
		}
		newRoot, skipped, perr := p.scanEntry(rc, c, root, e)
		root = newRoot
		switch {
		case perr == nil && skipped:
			procstats.Add("scan-skip", 1)
			return markOr(rc.Progress.Skipped(e.RelPath))
		case perr == nil:
			return markOr(rc.Progress.Done(e.RelPath))
		case errors.Is(perr, jobs.ErrInterrupted):
			return perr
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(perr, errInfra):
			return perr
		default:
			log.Printf("processor: [%s] scan %q: %s: %v", rc.CorrelationID, c.Name, e.RelPath, perr)
			return markOr(rc.Progress.Failed(e.RelPath))
		}
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInterrupted) || errors.Is(err, errInfra) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("processor: scan %q: %w", c.Name, err)
	}

	pruned, err := p.pruneStale(rc, c, root)
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.Printf("processor: [%s] scan %q: pruned %d stale records", rc.CorrelationID, c.Name, pruned)
	}
	return p.refreshStats(rc, c.ID)
}

// markOr wraps a progress-mark failure as infrastructure: losing the
// durable item mark means resumption would redo work, so the store
// had better be healthy.
func markOr(err error) error {
	if err != nil {
		return infra(err)
	}
	return nil
}

// scanEntry handles one container entry. It returns the possibly
// updated bound root (the first artifact write binds the collection)
// and whether the entry was skipped as already up to date.
func (p *Processor) scanEntry(rc *jobs.RunContext, c *meta.Collection, root *meta.CacheRoot, e archive.Entry) (*meta.CacheRoot, bool, error) {
	st := rc.Store()
	im, err := st.ImageByPath(c.ID, e.RelPath)
	if err != nil && err != types.ErrNotFound {
		return root, false, infra(err)
	}

	// Fast path: record on file, source size unchanged, every
	// configured variant usable. Decided without reading a byte.
	if im != nil && im.FileSizeBytes == e.Size && len(p.missingVariants(c, root, im)) == 0 {
		return root, true, nil
	}

	ictx, cancel := context.WithTimeout(rc.Context(), p.opts.ItemTimeout)
	defer cancel()

	src, err := readAllEntry(e)
	if err != nil {
		return root, false, err
	}
	if err := ictx.Err(); err != nil {
		return root, false, err
	}
	cfg, err := images.Probe(bytes.NewReader(src))
	if err != nil {
		return root, false, err
	}

	fresh := &meta.Image{
		CollectionID:  c.ID,
		Filename:      path.Base(e.RelPath),
		RelativePath:  e.RelPath,
		FileSizeBytes: int64(len(src)),
		Width:         cfg.Width,
		Height:        cfg.Height,
		Format:        cfg.Format,
	}
	changed := im != nil && (im.FileSizeBytes != fresh.FileSizeBytes ||
		im.Width != fresh.Width || im.Height != fresh.Height || im.Format != fresh.Format)

	if err := storeWrite(rc, func() error {
		_, err := st.UpsertImage(fresh)
		return err
	}); err != nil {
		return root, false, err
	}

	if changed {
		// The source moved under the old artifacts; drop both kinds
		// so every variant recomputes from the new bytes.
		for _, v := range canonicalVariants(c) {
			if err := p.invalidate(root, v.Fingerprint(fresh.ID), v.Format); err != nil {
				return root, false, err
			}
		}
	}

	for _, v := range p.missingVariants(c, root, fresh) {
		if err := ictx.Err(); err != nil {
			return root, false, err
		}
		b, err := p.render(ictx, src, v)
		if err != nil {
			return root, false, err
		}
		r, err := p.storeVariant(c.ID, v.Fingerprint(fresh.ID), v.Format, b)
		if err != nil {
			return root, false, err
		}
		root = r
	}
	return root, false, nil
}

// configuredVariants returns the variants the collection's settings
// ask scans to produce.
func configuredVariants(c *meta.Collection) []Variant {
	var vs []Variant
	if c.Settings.GenerateThumbnails {
		vs = append(vs, ThumbnailVariant(c.Settings))
	}
	if c.Settings.GenerateCache {
		vs = append(vs, CacheVariant(c.Settings))
	}
	return vs
}

// canonicalVariants returns both canonical variants regardless of the
// settings flags; invalidation has to cover artifacts produced under
// settings since changed.
func canonicalVariants(c *meta.Collection) []Variant {
	return []Variant{ThumbnailVariant(c.Settings), CacheVariant(c.Settings)}
}

// missingVariants returns the configured variants the image has no
// usable artifact for. With no bound root nothing can be on disk yet,
// so every configured variant is missing. Vector sources are indexed
// but never rasterized.
func (p *Processor) missingVariants(c *meta.Collection, root *meta.CacheRoot, im *meta.Image) []Variant {
	if im.Format == "svg" {
		return nil
	}
	var need []Variant
	for _, v := range configuredVariants(c) {
		if root != nil {
			if _, err := p.arts.Stat(root, v.Fingerprint(im.ID), v.Format, c.Settings.CacheExpiration); err == nil {
				continue
			}
		}
		need = append(need, v)
	}
	return need
}

// pruneStale deletes image records whose source entry no longer
// exists. Only a fully enumerated scan can tell absence from
// not-reached-yet, so this runs after a complete pass; the job's item
// marks double as the set of entries seen across every run of the
// job.
func (p *Processor) pruneStale(rc *jobs.RunContext, c *meta.Collection, root *meta.CacheRoot) (int, error) {
	st := rc.Store()
	var all []*meta.Image
	err := st.ForeachImage(c.ID, func(im *meta.Image) error {
		all = append(all, im)
		return nil
	})
	if err != nil {
		return 0, infra(err)
	}
	// The item-mark lookups happen after the scan closes; both hit
	// the same store and must not overlap on gated backends.
	var stale []*meta.Image
	for _, im := range all {
		done, _, err := st.JobItemDone(rc.Job.ID, im.RelativePath)
		if err != nil {
			return 0, infra(err)
		}
		if !done {
			stale = append(stale, im)
		}
	}
	for _, im := range stale {
		if rc.ShouldStop() {
			return 0, jobs.ErrInterrupted
		}
		for _, v := range canonicalVariants(c) {
			if err := p.invalidate(root, v.Fingerprint(im.ID), v.Format); err != nil {
				return 0, err
			}
		}
		if err := storeWrite(rc, func() error { return st.DeleteImage(im.ID) }); err != nil {
			return 0, err
		}
		procstats.Add("scan-prune", 1)
	}
	return len(stale), nil
}

// refreshStats recounts the collection's images and stamps the scan
// time. Recounting from the records keeps resumed scans accurate: the
// rows are the truth, not this run's counters.
func (p *Processor) refreshStats(rc *jobs.RunContext, collID types.ID) error {
	st := rc.Store()
	var n, sum int64
	if err := st.ForeachImage(collID, func(im *meta.Image) error {
		n++
		sum += im.FileSizeBytes
		return nil
	}); err != nil {
		return infra(err)
	}
	return storeWrite(rc, func() error {
		c, err := st.GetCollection(collID)
		if err != nil {
			return err
		}
		c.Statistics = meta.CollectionStats{
			ImageCount:     n,
			TotalSizeBytes: sum,
			LastScanAt:     time.Now().UTC(),
		}
		return st.UpdateCollection(c)
	})
}
