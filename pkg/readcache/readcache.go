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

// Package readcache resolves artifact bytes for a fingerprint with
// the fewest trips: a sharded in-process LRU first, then an optional
// memcached tier, then the artifact files themselves, and only as a
// last resort the producer, with at most one producer running per
// fingerprint.
package readcache // import "picshelf.org/pkg/readcache"

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go4.org/syncutil/singleflight"

	"picshelf.org/pkg/artifact"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

const (
	defaultL1MaxBytes = 256 << 20
	defaultL1TTL      = 5 * time.Minute
	defaultL2TTL      = 24 * time.Hour
)

var cacheStats = expvar.NewMap("picshelf-readcache")

// Options tune the cache tiers. Zero values pick the defaults; a nil
// L2 client disables the memcached tier entirely.
type Options struct {
	L1MaxBytes int64         // default 256 MiB
	L1TTL      time.Duration // default 5 minutes
	L2         *memcache.Client
	L2TTL      time.Duration // default 24 hours
}

// Cache is the three-tier read cache. It is safe for concurrent use.
// The byte slices it returns are shared; callers must not modify
// them.
type Cache struct {
	l1    *shardedLRU
	l2    *memcache.Client
	l2ttl time.Duration
	l3    *artifact.Store

	flight singleflight.Group
}

// New returns a Cache over the artifact store.
func New(l3 *artifact.Store, opt Options) *Cache {
	if opt.L1MaxBytes <= 0 {
		opt.L1MaxBytes = defaultL1MaxBytes
	}
	if opt.L1TTL <= 0 {
		opt.L1TTL = defaultL1TTL
	}
	if opt.L2TTL <= 0 {
		opt.L2TTL = defaultL2TTL
	}
	return &Cache{
		l1:    newShardedLRU(opt.L1MaxBytes, opt.L1TTL),
		l2:    opt.L2,
		l2ttl: opt.L2TTL,
		l3:    l3,
	}
}

// A Request asks for one artifact's bytes. Root, Format and TTL
// locate and validate the file at L3; Produce generates the artifact
// when every tier misses. Produce must write the artifact to the
// artifact store (so later misses find it at L3) and return the
// encoded bytes.
type Request struct {
	Fingerprint string
	Root        *meta.CacheRoot
	Format      types.Format
	TTL         time.Duration
	Produce     func() ([]byte, error)
}

// Get resolves the request, populating the upper tiers with whatever
// lower tier satisfied it.
func (c *Cache) Get(req Request) ([]byte, error) {
	if req.Fingerprint == "" {
		return nil, errors.New("readcache: empty fingerprint")
	}
	if b, ok := c.l1.get(req.Fingerprint); ok {
		cacheStats.Add("l1-hit", 1)
		return b, nil
	}

	// Everything below L1 runs once per fingerprint no matter how
	// many readers miss at the same time.
	v, err := c.flight.Do(req.Fingerprint, func() (interface{}, error) {
		return c.fill(req)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// fill consults L2, then L3, then the producer, and populates the
// tiers above whichever one answered.
func (c *Cache) fill(req Request) ([]byte, error) {
	if c.l2 != nil {
		item, err := c.l2.Get(req.Fingerprint)
		switch {
		case err == nil:
			cacheStats.Add("l2-hit", 1)
			c.l1.add(req.Fingerprint, item.Value)
			return item.Value, nil
		case err != memcache.ErrCacheMiss:
			// A sick memcached must not take reads down.
			log.Printf("readcache: memcached get %s: %v", req.Fingerprint, err)
		}
	}

	// A request with no root belongs to a collection that has never
	// written an artifact; L3 cannot have it.
	if req.Root != nil {
		rc, _, err := c.l3.Open(req.Root, req.Fingerprint, req.Format, req.TTL)
		switch {
		case err == nil:
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("readcache: reading artifact %s: %w", req.Fingerprint, err)
			}
			cacheStats.Add("l3-hit", 1)
			c.populate(req.Fingerprint, b)
			return b, nil
		case err != types.ErrNotFound:
			return nil, err
		}
	}

	if req.Produce == nil {
		return nil, types.ErrNotFound
	}
	cacheStats.Add("produce", 1)
	b, err := req.Produce()
	if err != nil {
		return nil, err
	}
	c.populate(req.Fingerprint, b)
	return b, nil
}

func (c *Cache) populate(fp string, b []byte) {
	c.l1.add(fp, b)
	if c.l2 != nil {
		err := c.l2.Set(&memcache.Item{
			Key:        fp,
			Value:      b,
			Expiration: int32(c.l2ttl / time.Second),
		})
		if err != nil {
			// Oversized values and flaky servers are non-fatal; the
			// artifact is already durable at L3.
			log.Printf("readcache: memcached set %s (%d bytes): %v", fp, len(b), err)
		}
	}
}

// Invalidate drops the fingerprint from every tier, including the
// artifact file itself. Invalidating an absent fingerprint is a
// no-op.
func (c *Cache) Invalidate(root *meta.CacheRoot, fp string, format types.Format) error {
	cacheStats.Add("invalidate", 1)
	c.l1.remove(fp)
	if c.l2 != nil {
		if err := c.l2.Delete(fp); err != nil && err != memcache.ErrCacheMiss {
			log.Printf("readcache: memcached delete %s: %v", fp, err)
		}
	}
	return c.l3.Delete(root, fp, format)
}

// Forget drops the fingerprint from L1 and L2 but leaves L3 alone,
// for invalidations on collections that have no bound root: nothing
// is on disk, but the upper tiers may still hold bytes.
func (c *Cache) Forget(fp string) {
	c.l1.remove(fp)
	if c.l2 != nil {
		if err := c.l2.Delete(fp); err != nil && err != memcache.ErrCacheMiss {
			log.Printf("readcache: memcached delete %s: %v", fp, err)
		}
	}
}
