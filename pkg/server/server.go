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

// Package server is picshelf's HTTP surface: the image read path over
// the tiered cache, collection administration, job control and
// health. Everything heavy happens elsewhere; the handlers translate
// HTTP into store lookups, scheduler enqueues and cache reads.
package server // import "picshelf.org/pkg/server"

import (
	"expvar"
	"net/http"

	"picshelf.org/pkg/httputil"
	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/processor"
	"picshelf.org/pkg/readcache"
	"picshelf.org/pkg/types"
)

var srvstats = expvar.NewMap("picshelf-server")

// A Server routes picshelf's HTTP API. Construct with New and mount
// it wherever; it implements http.Handler.
type Server struct {
	store *meta.Store
	sched *jobs.Scheduler
	proc  *processor.Processor
	cache *readcache.Cache

	mux *http.ServeMux
}

// New returns a Server over the given backends. The scheduler may be
// started before or after; enqueues work either way.
func New(store *meta.Store, sched *jobs.Scheduler, proc *processor.Processor, cache *readcache.Cache) *Server {
	s := &Server{
		store: store,
		sched: sched,
		proc:  proc,
		cache: cache,
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.serveHealth)

	s.mux.HandleFunc("POST /collections", s.serveCreateCollection)
	s.mux.HandleFunc("POST /collections/bulk", s.serveBulkAdd)
	s.mux.HandleFunc("GET /collections/random", s.serveRandomCollection)
	s.mux.HandleFunc("GET /collections/{collID}", s.serveGetCollection)
	s.mux.HandleFunc("DELETE /collections/{collID}", s.serveDeleteCollection)
	s.mux.HandleFunc("POST /collections/{collID}/scan", s.serveScan)
	s.mux.HandleFunc("POST /collections/{collID}/thumbnails/regenerate", s.serveRegenerate)

	s.mux.HandleFunc("POST /cache/redistribute", s.serveRedistribute)

	s.mux.HandleFunc("GET /images/{imageID}", s.serveImage)
	s.mux.HandleFunc("GET /images/{imageID}/thumbnail", s.serveThumbnail)

	s.mux.HandleFunc("GET /jobs/{jobID}", s.serveJob)
	s.mux.HandleFunc("POST /jobs/{jobID}/cancel", s.serveJobCancel)
	s.mux.HandleFunc("POST /jobs/{jobID}/pause", s.serveJobPause)
	s.mux.HandleFunc("POST /jobs/{jobID}/resume", s.serveJobResume)

	s.mux.Handle("GET /debug/vars", expvar.Handler())

	return s
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(rw, req)
}

// serveHealth reports 200 only while the metadata store answers, at
// least one cache root accepts placements, and the worker pool is up.
func (s *Server) serveHealth(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	unhealthy := func(reason string) {
		srvstats.Add("health-fail", 1)
		httputil.ReturnJSONCode(rw, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": reason,
		})
	}
	if err := s.store.Ping(); err != nil {
		unhealthy("metadata store unreachable")
		return
	}
	active := 0
	err := s.store.ForeachCacheRoot(func(cr *meta.CacheRoot) error {
		if cr.IsActive {
			active++
		}
		return nil
	})
	if err != nil {
		unhealthy("metadata store unreachable")
		return
	}
	if active == 0 {
		unhealthy("no active cache root")
		return
	}
	if !s.sched.Running() {
		unhealthy("worker pool stopped")
		return
	}
	httputil.ReturnJSON(rw, map[string]interface{}{
		"status":           "ok",
		"activeCacheRoots": active,
	})
}

// pathID parses the named path segment as an entity id, panicking
// with a 400-coded error for RecoverJSON on garbage.
func pathID(req *http.Request, name string) types.ID {
	id, err := types.ParseID(req.PathValue(name))
	if err != nil {
		panic(httputil.InvalidParameterError(name))
	}
	return id
}

// boundRoot returns the collection's cache root, or nil when the
// collection has never written an artifact.
func (s *Server) boundRoot(collID types.ID) (*meta.CacheRoot, error) {
	b, err := s.store.Binding(collID)
	if err == types.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.GetCacheRoot(b.RootID)
}

// jobAccepted is the 202 body every job-creating endpoint returns.
func jobAccepted(rw http.ResponseWriter, j *meta.JobRecord) {
	httputil.ReturnJSONCode(rw, http.StatusAccepted, map[string]interface{}{
		"jobId": j.ID,
		"type":  j.Type,
		"state": j.State,
	})
}
