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
	"errors"
	"net/http"

	"picshelf.org/pkg/httputil"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/types"
)

// jobStatus is a job record plus its derived completion percentage.
type jobStatus struct {
	*meta.JobRecord
	ProgressPct float64 `json:"progressPct"`
}

func (s *Server) serveJob(rw http.ResponseWriter, req *http.Request) {
	defer httputil.RecoverJSON(rw, req)
	j := s.jobForRequest(req)
	httputil.ReturnJSON(rw, jobStatus{j, j.Progress()})
}

func (s *Server) serveJobCancel(rw http.ResponseWriter, req *http.Request) {
	s.serveJobSignal(rw, req, s.sched.Cancel)
}

func (s *Server) serveJobPause(rw http.ResponseWriter, req *http.Request) {
	s.serveJobSignal(rw, req, s.sched.Pause)
}

func (s *Server) serveJobResume(rw http.ResponseWriter, req *http.Request) {
	s.serveJobSignal(rw, req, s.sched.Resume)
}

// serveJobSignal applies a scheduler control to the path's job and
// answers with the record as it stands afterwards. A running job may
// legitimately still show its old state: interrupts land when the
// runner yields.
func (s *Server) serveJobSignal(rw http.ResponseWriter, req *http.Request, sig func(types.ID) error) {
	defer httputil.RecoverJSON(rw, req)
	id := pathID(req, "jobID")
	err := sig(id)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrNotFound):
		panic(httputil.NotFoundError("no such job"))
	case errors.Is(err, meta.ErrIllegalTransition):
		panic(httputil.ConflictError(err.Error()))
	default:
		panic(httputil.ServerError(err.Error()))
	}
	j, err := s.store.GetJob(id)
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	httputil.ReturnJSON(rw, jobStatus{j, j.Progress()})
}

func (s *Server) jobForRequest(req *http.Request) *meta.JobRecord {
	j, err := s.store.GetJob(pathID(req, "jobID"))
	if err == types.ErrNotFound {
		panic(httputil.NotFoundError("no such job"))
	}
	if err != nil {
		panic(httputil.ServerError(err.Error()))
	}
	return j
}
