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

// Package processor renders image variants and runs the background
// jobs that keep collections indexed: scans, thumbnail and cache
// generation, bulk adds, cache redistribution and purges. It is the
// only writer to the artifact store; the HTTP read path reaches it
// through Produce when every cache tier misses.
package processor // import "picshelf.org/pkg/processor"

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"picshelf.org/pkg/archive"
	"picshelf.org/pkg/artifact"
	"picshelf.org/pkg/images"
	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/placement"
	"picshelf.org/pkg/readcache"
	"picshelf.org/pkg/types"

	"go4.org/syncutil/singleflight"
)

var procstats = expvar.NewMap("picshelf-processor")

// ErrTooBusy is returned by Produce when every render slot stays
// occupied past the caller's wait budget. The HTTP layer maps it to
// 503 with a Retry-After.
var ErrTooBusy = errors.New("processor: render capacity saturated")

// ErrCodec wraps render failures: source bytes that would not decode,
// or a target format the encoder cannot produce. The HTTP layer maps
// it to 502; job runners charge the item.
var ErrCodec = errors.New("processor: image codec failure")

// errInfra marks a failure of the machinery itself (metadata store,
// placement) as opposed to one bad image. Job runners fail the whole
// job on it; anything else charges only the item.
var errInfra = errors.New("processor: infrastructure failure")

func infra(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errInfra, err)
}

// Options tune the processor. Zero values pick the defaults.
type Options struct {
	// ReadCache, when set, is kept coherent on invalidations. The
	// processor never reads through it.
	ReadCache *readcache.Cache

	// Workers is the render fan-out inside generate jobs.
	Workers int // default 4

	// Batch is how many images ride one dispatch to a render worker,
	// amortizing the per-file channel and bookkeeping cost.
	Batch int // default 10

	// ItemTimeout is the wall budget for a single image. A breach
	// fails the item, never the job.
	ItemTimeout time.Duration // default 1 minute

	// ResizeLimit caps concurrent decode/resize/encode pipelines
	// across jobs and HTTP producers. ResizeWait is how long Produce
	// waits for a slot before giving up with ErrTooBusy.
	ResizeLimit int           // default 8
	ResizeWait  time.Duration // default 5 seconds
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Batch <= 0 {
		o.Batch = 10
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = time.Minute
	}
	if o.ResizeLimit <= 0 {
		o.ResizeLimit = 8
	}
	if o.ResizeWait <= 0 {
		o.ResizeWait = 5 * time.Second
	}
	return o
}

// A Processor owns the write side of the cache: it reads collection
// sources, renders variants and files them through the placement
// engine into the artifact store.
type Processor struct {
	store *meta.Store
	eng   *placement.Engine
	arts  *artifact.Store
	cache *readcache.Cache // may be nil
	fs    *longpath.FS
	opts  Options

	gate   *semaphore.Weighted // render slots
	flight singleflight.Group  // one producer per fingerprint
}

// New returns a Processor. fsys may be nil for the default path
// limit.
func New(store *meta.Store, eng *placement.Engine, arts *artifact.Store, fsys *longpath.FS, opts Options) *Processor {
	if fsys == nil {
		fsys = longpath.New(0)
	}
	opts = opts.withDefaults()
	return &Processor{
		store: store,
		eng:   eng,
		arts:  arts,
		cache: opts.ReadCache,
		fs:    fsys,
		opts:  opts,
		gate:  semaphore.NewWeighted(int64(opts.ResizeLimit)),
	}
}

// RegisterAll wires the processor's runners into the scheduler, one
// per job type.
func (p *Processor) RegisterAll(s *jobs.Scheduler) {
	s.Register(types.JobScanCollection, jobs.RunnerFunc(p.runScan))
	s.Register(types.JobGenerateThumbnails, jobs.RunnerFunc(p.runGenerate))
	s.Register(types.JobGenerateCache, jobs.RunnerFunc(p.runGenerate))
	s.Register(types.JobRegenerateThumbnails, jobs.RunnerFunc(p.runGenerate))
	s.Register(types.JobBulkAdd, jobs.RunnerFunc(p.runBulkAdd))
	s.Register(types.JobRedistribute, jobs.RunnerFunc(p.runRedistribute))
	s.Register(types.JobPurgeCollection, jobs.RunnerFunc(p.runPurge))
}

// A Variant names one derived rendition of an image: the artifact
// kind, its fit-inside box, encoder quality and output format.
type Variant struct {
	Kind    types.VariantKind
	Box     types.Box
	Quality int
	Format  types.Format
}

// ThumbnailVariant is the collection's canonical thumbnail rendition.
func ThumbnailVariant(set meta.CollectionSettings) Variant {
	return Variant{
		Kind:    types.VariantThumbnail,
		Box:     set.ThumbnailBox,
		Quality: set.Quality,
		Format:  set.CacheFormat,
	}
}

// CacheVariant is the collection's canonical screen-size rendition.
func CacheVariant(set meta.CollectionSettings) Variant {
	return Variant{
		Kind:    types.VariantCache,
		Box:     set.CacheBox,
		Quality: set.Quality,
		Format:  set.CacheFormat,
	}
}

// Fingerprint returns the artifact fingerprint for this variant of
// the image.
func (v Variant) Fingerprint(imageID types.ID) string {
	return artifact.Fingerprint(imageID, v.Kind, v.Box, v.Quality, v.Format)
}

// Produce renders and stores the artifact for one variant of the
// image, returning the encoded bytes. Concurrent calls for the same
// fingerprint collapse to a single render; a call that loses the race
// reads the freshly written artifact back instead. The render itself
// waits at most ResizeWait for a slot before ErrTooBusy.
func (p *Processor) Produce(ctx context.Context, im *meta.Image, v Variant) ([]byte, error) {
	fp := v.Fingerprint(im.ID)
	b, err := p.flight.Do(fp, func() (interface{}, error) {
		c, err := p.store.GetCollection(im.CollectionID)
		if err != nil {
			return nil, err
		}
		if c.Deleted {
			return nil, types.ErrNotFound
		}
		root, err := p.boundRoot(c.ID)
		if err != nil {
			return nil, err
		}
		if root != nil {
			rd, _, err := p.arts.Open(root, fp, v.Format, c.Settings.CacheExpiration)
			if err == nil {
				defer rd.Close()
				procstats.Add("produce-existing", 1)
				return io.ReadAll(rd)
			}
			if err != types.ErrNotFound {
				return nil, err
			}
		}
		src, err := p.SourceBytes(ctx, c, im.RelativePath)
		if err != nil {
			return nil, err
		}

		wait, cancel := context.WithTimeout(ctx, p.opts.ResizeWait)
		err = p.gate.Acquire(wait, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			procstats.Add("produce-toobusy", 1)
			return nil, ErrTooBusy
		}
		enc, err := renderVariant(src, v)
		p.gate.Release(1)
		if err != nil {
			return nil, err
		}
		if _, err := p.storeVariant(c.ID, fp, v.Format, enc); err != nil {
			return nil, err
		}
		procstats.Add("produce", 1)
		return enc, nil
	})
	if err != nil {
		return nil, err
	}
	return b.([]byte), nil
}

// render runs the decode→fit→encode pipeline once a render slot is
// free. ctx bounds the wait for the slot; job runners pass their item
// context so a saturated gate counts against the item budget.
func (p *Processor) render(ctx context.Context, src []byte, v Variant) ([]byte, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.gate.Release(1)
	return renderVariant(src, v)
}

func renderVariant(src []byte, v Variant) ([]byte, error) {
	m, _, err := images.Decode(bytes.NewReader(src), nil)
	if err != nil {
		procstats.Add("render-error", 1)
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	m = images.Resize(m, v.Box, true)
	var buf bytes.Buffer
	if err := images.Encode(&buf, m, v.Format, v.Quality); err != nil {
		procstats.Add("render-error", 1)
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	procstats.Add("render", 1)
	return buf.Bytes(), nil
}

// storeVariant reserves capacity for the encoded bytes and writes
// them as the fingerprint's artifact, returning the root they landed
// on. A missing placement target is an infrastructure failure; a full
// bound root is the item's problem.
func (p *Processor) storeVariant(collID types.ID, fp string, format types.Format, b []byte) (*meta.CacheRoot, error) {
	res, root, err := p.eng.ReserveFor(collID, int64(len(b)))
	if err != nil {
		if errors.Is(err, placement.ErrNoActiveCacheRoot) {
			return nil, infra(err)
		}
		return nil, err
	}
	if _, err := p.arts.Put(res, root, fp, format, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return root, nil
}

// boundRoot returns the collection's bound cache root, or nil when no
// binding exists yet. Unlike placement.RootFor it never binds: the
// first successful reservation should keep its freedom to spill.
func (p *Processor) boundRoot(collID types.ID) (*meta.CacheRoot, error) {
	b, err := p.store.Binding(collID)
	if err == types.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.store.GetCacheRoot(b.RootID)
}

// invalidate drops the variant's artifact and every cached copy of
// it. With no bound root there is nothing on disk, but the read tiers
// may still hold bytes.
func (p *Processor) invalidate(root *meta.CacheRoot, fp string, format types.Format) error {
	if root == nil {
		if p.cache != nil {
			p.cache.Forget(fp)
		}
		return nil
	}
	if p.cache != nil {
		return p.cache.Invalidate(root, fp, format)
	}
	return p.arts.Delete(root, fp, format)
}

// errFoundEntry stops container enumeration once SourceBytes has its
// entry.
var errFoundEntry = errors.New("processor: entry found")

// SourceBytes returns the original bytes of one image. Folder
// collections read the file directly; archives are enumerated until
// the entry turns up. A source that has vanished is types.ErrNotFound.
// The HTTP layer serves vector sources through this, since they have
// no raster artifacts.
func (p *Processor) SourceBytes(ctx context.Context, c *meta.Collection, relPath string) ([]byte, error) {
	if c.Type == types.CollectionFolder {
		b, err := p.fs.ReadFile(filepath.Join(c.Path, filepath.FromSlash(relPath)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, types.ErrNotFound
			}
			return nil, err
		}
		return b, nil
	}
	ctn, err := archive.Open(c.Type, c.Path, p.fs)
	if err != nil {
		return nil, err
	}
	var src []byte
	err = ctn.Entries(ctx, func(e archive.Entry) error {
		if e.RelPath != relPath {
			return nil
		}
		b, err := readAllEntry(e)
		if err != nil {
			return err
		}
		src = b
		return errFoundEntry
	})
	switch {
	case err == errFoundEntry:
		return src, nil
	case err != nil:
		return nil, err
	}
	return nil, types.ErrNotFound
}

// readAllEntry slurps one container entry. Stream containers demand
// the read happens inside the enumeration callback, so everything
// downstream works on bytes in memory.
func readAllEntry(e archive.Entry) ([]byte, error) {
	r, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// storeWrite runs fn with the run's per-item retry policy and marks
// exhausted failures as infrastructure errors: a metadata store that
// stays down through backoff fails the job, not the item.
func storeWrite(rc *jobs.RunContext, fn func() error) error {
	err := rc.RetryItem(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, jobs.ErrInterrupted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return infra(err)
}

// variantFor maps a generate job's kind to the collection's canonical
// variant of that kind.
func variantFor(c *meta.Collection, kind types.VariantKind) Variant {
	if kind == types.VariantCache {
		return CacheVariant(c.Settings)
	}
	return ThumbnailVariant(c.Settings)
}
