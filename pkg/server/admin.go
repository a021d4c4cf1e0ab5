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
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"

	"picshelf.org/pkg/httputil"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// parseBody decodes the request's JSON body into v, panicking with a
// 400-coded error for RecoverJSON on garbage. Bodies over a megabyte
// are garbage by definition here.
func parseBody(req *http.Request, v interface{}) {
	defer req.Body.Close()
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(v); err != nil {
		panic(httputil.InvalidParameterError("body"))
	}
}

// liveCollection resolves the path's collection id, treating missing
// and soft-deleted records alike as 404.
func (s *Server) liveCollection(req *http.Request) *meta.Collection {
	id := pathID(req, "collID")
	c, err := s.store.GetCollection(id)
	if err == types.ErrNotFound {
		panic(httputil.NotFoundError("no such collection"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	if c.Deleted {
		panic(httputil.NotFoundError("no such collection"))
	}
	return c
}

func (s *Server) serveCreateCollection(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	var body struct {
		Name     string                   `json:"name"`
		Path     string                   `json:"path"`
		Type     types.CollectionType     `json:"type"`
		Settings *meta.CollectionSettings `json:"settings"`
	}
	parseBody(req, &body)
	if body.Path == "" {
		panic(httputil.MissingParameterError("path"))
	}
	if !types.ValidCollectionType(body.Type) {
		panic(httputil.InvalidParameterError("type"))
	}
	c := &meta.Collection{Name: body.Name, Path: body.Path, Type: body.Type}
	if body.Settings != nil {
		c.Settings = *body.Settings
	} else {
		c.Settings = meta.DefaultSettings()
	}
	err := s.store.CreateCollection(c)
	if errors.Is(err, types.ErrConflict) {
		panic(httputil.ConflictError(err.Error()))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	srvstats.Add("collection-created", 1)

	res := struct {
		Collection *meta.Collection `json:"collection"`
		ScanJobID  string           `json:"scanJobId,omitempty"`
	}{Collection: c}
	if c.Settings.AutoScan {
		j, err := s.sched.Enqueue(types.JobScanCollection,
			meta.Parameters{Scan: &meta.ScanParams{CollectionID: c.ID}}, 0)
		if err != nil {
			// The collection exists; the caller can scan by hand.
			log.Printf("server: auto-scan enqueue for %v: %v", c.ID, err)
		} else {
			res.ScanJobID = j.ID.String()
		}
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, res)
}

func (s *Server) serveGetCollection(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	httputil.ReturnJSON(rw, s.liveCollection(req))
}

// serveRandomCollection picks one live collection uniformly: count
// once, fetch at a random offset.
func (s *Server) serveRandomCollection(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	n, err := s.store.CountCollections()
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	if n == 0 {
		panic(httputil.NotFoundError("no collections"))
	}
	c, err := s.store.CollectionAt(rand.Intn(n))
	if err == types.ErrNotFound {
		// Raced a delete between count and fetch.
		panic(httputil.NotFoundError("no collections"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	httputil.ReturnJSON(rw, c)
}

// serveDeleteCollection soft-deletes and queues the purge that will
// remove images, artifacts and finally the record itself. Repeating
// the delete only queues another purge, which is harmless.
func (s *Server) serveDeleteCollection(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	id := pathID(req, "collID")
	if _, err := s.store.GetCollection(id); err == types.ErrNotFound {
		panic(httputil.NotFoundError("no such collection"))
	} else if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	if err := s.store.DeleteCollection(id); err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	j, err := s.sched.Enqueue(types.JobPurgeCollection,
		meta.Parameters{Purge: &meta.PurgeParams{CollectionID: id}},
		httputil.OptionalInt(req, "priority"))
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	srvstats.Add("collection-deleted", 1)
	jobAccepted(rw, j)
}

func (s *Server) serveScan(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	c := s.liveCollection(req)
	j, err := s.sched.Enqueue(types.JobScanCollection,
		meta.Parameters{Scan: &meta.ScanParams{CollectionID: c.ID}},
		httputil.OptionalInt(req, "priority"))
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	jobAccepted(rw, j)
}

func (s *Server) serveRegenerate(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	c := s.liveCollection(req)
	j, err := s.sched.Enqueue(types.JobRegenerateThumbnails,
		meta.Parameters{Generate: &meta.GenerateParams{CollectionID: c.ID}},
		httputil.OptionalInt(req, "priority"))
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	jobAccepted(rw, j)
}

func (s *Server) serveBulkAdd(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	var body struct {
		ParentPath        string `json:"parentPath"`
		Prefix            string `json:"prefix"`
		IncludeSubfolders bool   `json:"includeSubfolders"`
		AutoAdd           bool   `json:"autoAdd"`
	}
	parseBody(req, &body)
	if body.ParentPath == "" {
		panic(httputil.MissingParameterError("parentPath"))
	}
	j, err := s.sched.Enqueue(types.JobBulkAdd, meta.Parameters{BulkAdd: &meta.BulkAddParams{
		ParentPath:        body.ParentPath,
		Prefix:            body.Prefix,
		IncludeSubfolders: body.IncludeSubfolders,
		AutoAdd:           body.AutoAdd,
	}}, httputil.OptionalInt(req, "priority"))
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	jobAccepted(rw, j)
}

func (s *Server) serveRedistribute(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	j, err := s.sched.Enqueue(types.JobRedistribute, meta.Parameters{},
		httputil.OptionalInt(req, "priority"))
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	jobAccepted(rw, j)
}
