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

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"picshelf.org/pkg/httputil"
	"picshelf.org/pkg/magic"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/processor"
	"picshelf.org/pkg/readcache"
	"picshelf.org/pkg/types"
)

func (s *Server) serveImage(rw http.ResponseWriter, req *http.Request) {
	s.serveImageVariant(rw, req, false)
}

func (s *Server) serveThumbnail(rw http.ResponseWriter, req *http.Request) {
	s.serveImageVariant(rw, req, true)
}

// serveImageVariant is the read path: normalize the requested variant,
// read through the cache tiers, produce on a full miss. The thumbnail
// endpoint pins the collection's canonical thumbnail; the main
// endpoint defaults to the cache box and accepts width, height,
// quality and format overrides.
func (s *Server) serveImageVariant(rw http.ResponseWriter, req *http.Request, thumbnail bool) {
	defer httputil.RecoverJSON(rw, req)

	im, c := s.imageForRequest(req)

	// Vector sources have no raster artifacts; serve the bytes as
	// indexed.
	if im.Format == "svg" {
		s.serveOriginal(rw, req, c, im)
		return
	}

	v := variantFromRequest(req, c, thumbnail)

	if req.FormValue("async") == "1" {
		s.enqueueGenerate(rw, c, v)
		return
	}

	fp := v.Fingerprint(im.ID)
	etag := strconv.Quote(fmt.Sprintf("%s/%d", fp[:16], im.FileSizeBytes))
	if req.Header.Get("If-None-Match") == etag {
		srvstats.Add("image-304", 1)
		rw.WriteHeader(http.StatusNotModified)
		return
	}

	root, err := s.boundRoot(c.ID)
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}

	get := func() ([]byte, error) {
		return s.cache.Get(readcache.Request{
			Fingerprint: fp,
			Root:        root,
			Format:      v.Format,
			TTL:         c.Settings.CacheExpiration,
			Produce: func() ([]byte, error) {
				return s.proc.Produce(req.Context(), im, v)
			},
		})
	}
	b, err := get()
	if err == nil && !formatMatches(b, v.Format) {
		// Bytes on disk that no longer hold what the fingerprint
		// promises: drop them everywhere and rebuild once.
		srvstats.Add("corrupt-artifact", 1)
		log.Printf("server: corrupt artifact %s for image %v; rebuilding", fp[:16], im.ID)
		if root != nil {
			if derr := s.cache.Invalidate(root, fp, v.Format); derr != nil {
				log.Printf("server: dropping corrupt artifact %s: %v", fp[:16], derr)
			}
		} else {
			s.cache.Forget(fp)
		}
		b, err = get()
		if err == nil && !formatMatches(b, v.Format) {
			err = fmt.Errorf("%w: artifact corrupt after rebuild", processor.ErrCodec)
		}
	}
	if err != nil {
		s.serveImageError(rw, req, err)
		return
	}

	h := rw.Header()
	h.Set("Etag", etag)
	h.Set("Content-Type", v.Format.ContentType())
	h.Set("Content-Length", strconv.Itoa(len(b)))
	setCacheHeaders(h, c.Settings.CacheExpiration)
	rw.WriteHeader(http.StatusOK)
	if req.Method == "HEAD" {
		return
	}
	n, err := rw.Write(b)
	srvstats.Add("image-bytes-served", int64(n))
	if err != nil && !strings.Contains(err.Error(), "broken pipe") {
		log.Printf("server: writing image %v: %v", im.ID, err)
	}
}

// imageForRequest resolves the path's image id to a live image and its
// collection, panicking with coded errors for RecoverJSON.
func (s *Server) imageForRequest(req *http.Request) (*meta.Image, *meta.Collection) {
	id := pathID(req, "imageID")
	im, err := s.store.GetImage(id)
	if err == types.ErrNotFound {
		panic(httputil.NotFoundError("no such image"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	c, err := s.store.GetCollection(im.CollectionID)
	if err == types.ErrNotFound {
		panic(httputil.NotFoundError("no such image"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	if c.Deleted {
		panic(httputil.NotFoundError("no such image"))
	}
	return im, c
}

// variantFromRequest normalizes the query parameters into the variant
// to serve. Missing box dimensions fall back to the collection's
// boxes; quality clamps into [1,100]; an unknown format is a 400.
func variantFromRequest(req *http.Request, c *meta.Collection, thumbnail bool) processor.Variant {
	if thumbnail {
		return processor.ThumbnailVariant(c.Settings)
	}
	v := processor.CacheVariant(c.Settings)
	w := httputil.OptionalInt(req, "width")
	ht := httputil.OptionalInt(req, "height")
	if w < 0 {
		panic(httputil.InvalidParameterError("width"))
	}
	if ht < 0 {
		panic(httputil.InvalidParameterError("height"))
	}
	if w > 0 || ht > 0 {
		// One given dimension bounds both axes; fit-inside keeps the
		// aspect ratio either way.
		if w == 0 {
			w = ht
		}
		if ht == 0 {
			ht = w
		}
		v.Box = types.Box{Width: w, Height: ht}
	}
	if q := httputil.OptionalInt(req, "quality"); q != 0 {
		v.Quality = q
	}
	if v.Quality < 1 {
		v.Quality = 1
	} else if v.Quality > 100 {
		v.Quality = 100
	}
	if f := req.FormValue("format"); f != "" {
		pf, err := types.ParseFormat(f)
		if err != nil {
			panic(httputil.InvalidParameterError("format"))
		}
		v.Format = pf
	}
	return v
}

// enqueueGenerate handles ?async=1: instead of rendering inline, queue
// the canonical generation job for the variant's kind and return 202
// with no body.
func (s *Server) enqueueGenerate(rw http.ResponseWriter, c *meta.Collection, v processor.Variant) {
	t := types.JobGenerateCache
	if v.Kind == types.VariantThumbnail {
		t = types.JobGenerateThumbnails
	}
	params := meta.Parameters{Generate: &meta.GenerateParams{CollectionID: c.ID, Kind: v.Kind}}
	if _, err := s.sched.Enqueue(t, params, 0); err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	srvstats.Add("image-async", 1)
	rw.WriteHeader(http.StatusAccepted)
}

// serveOriginal sends the source bytes unmodified, for formats that
// index but never rasterize.
func (s *Server) serveOriginal(rw http.ResponseWriter, req *http.Request, c *meta.Collection, im *meta.Image) {
	etag := strconv.Quote(fmt.Sprintf("%s/%d", im.ID, im.FileSizeBytes))
	if req.Header.Get("If-None-Match") == etag {
		srvstats.Add("image-304", 1)
		rw.WriteHeader(http.StatusNotModified)
		return
	}
	b, err := s.proc.SourceBytes(req.Context(), c, im.RelativePath)
	if err == types.ErrNotFound {
		panic(httputil.NotFoundError("image source is gone"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	h := rw.Header()
	h.Set("Etag", etag)
	h.Set("Content-Type", contentTypeForSource(im))
	h.Set("Content-Length", strconv.Itoa(len(b)))
	h.Set("Cache-Control", "no-cache")
	rw.WriteHeader(http.StatusOK)
	if req.Method == "HEAD" {
		return
	}
	n, err := rw.Write(b)
	srvstats.Add("image-bytes-served", int64(n))
	if err != nil && !strings.Contains(err.Error(), "broken pipe") {
		log.Printf("server: writing original %v: %v", im.ID, err)
	}
}

// serveImageError maps producer failures onto the wire: saturation is
// a 503 with Retry-After, codec trouble a 502, a vanished source or
// record a 404. A caller that hung up gets nothing.
func (s *Server) serveImageError(rw http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, processor.ErrTooBusy):
		srvstats.Add("image-toobusy", 1)
		rw.Header().Set("Retry-After", "1")
		httputil.ReturnJSONCode(rw, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "resize capacity saturated; retry shortly",
			"errorType": "TooBusy",
		})
	case errors.Is(err, processor.ErrCodec):
		srvstats.Add("image-codec-error", 1)
		httputil.ReturnJSONCode(rw, http.StatusBadGateway, map[string]interface{}{
			"error":     err.Error(),
			"errorType": http.StatusText(http.StatusBadGateway),
		})
	case errors.Is(err, types.ErrNotFound):
		panic(httputil.NotFoundError("no such image"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client is gone; there is nobody to answer.
	default:
		httputil.ServeError(rw, req, err)
	}
}

// formatMatches sniffs b and reports whether it plausibly holds what
// the artifact's format promises. A mismatch means the bytes on disk
// were truncated or overwritten since the artifact was filed.
func formatMatches(b []byte, f types.Format) bool {
	if len(b) == 0 {
		return false
	}
	return magic.MIMEType(b) == f.ContentType()
}

func contentTypeForSource(im *meta.Image) string {
	if im.Format == "svg" {
		return "image/svg+xml"
	}
	if f, err := types.ParseFormat(im.Format); err == nil {
		return f.ContentType()
	}
	if t := magic.MIMETypeByExtension(path.Ext(im.RelativePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// setCacheHeaders lets unexpiring artifacts cache hard; expiring ones
// must revalidate, which the fingerprint ETag answers with a cheap
// 304.
func setCacheHeaders(h http.Header, ttl time.Duration) {
	if ttl <= 0 {
		h.Set("Cache-Control", "public, max-age=31536000")
		return
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Expires", time.Now().Add(ttl).UTC().Format(http.TimeFormat))
}
