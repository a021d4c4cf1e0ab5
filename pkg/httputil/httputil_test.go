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

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReturnJSONCode(t *testing.T) {
	rec := httptest.NewRecorder()
	ReturnJSONCode(rec, 202, map[string]string{"jobId": "abc"})
	if rec.Code != 202 {
		t.Errorf("code = %d; want 202", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q; want application/json", ct)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if got["jobId"] != "abc" {
		t.Errorf("jobId = %q; want abc", got["jobId"])
	}
}

func TestRecoverJSON(t *testing.T) {
	handler := func(rw http.ResponseWriter, req *http.Request) {
		defer RecoverJSON(rw, req)
		if req.FormValue("boom") != "" {
			panic(NotFoundError("no such image"))
		}
		rw.WriteHeader(200)
	}

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/images/x?boom=1", nil))
	if rec.Code != 404 {
		t.Errorf("panic code = %d; want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error response not JSON: %v", err)
	}
	if body["error"] != "no such image" {
		t.Errorf("error = %q; want %q", body["error"], "no such image")
	}

	// No panic leaves the handler's own response alone.
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/images/x", nil))
	if rec.Code != 200 {
		t.Errorf("ok code = %d; want 200", rec.Code)
	}
}

func TestOptionalInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/x?priority=7", nil)
	if got := OptionalInt(req, "priority"); got != 7 {
		t.Errorf("OptionalInt = %d; want 7", got)
	}
	if got := OptionalInt(req, "absent"); got != 0 {
		t.Errorf("OptionalInt(absent) = %d; want 0", got)
	}

	rec := httptest.NewRecorder()
	badReq := httptest.NewRequest("GET", "/x?priority=high", nil)
	func() {
		defer RecoverJSON(rec, badReq)
		OptionalInt(badReq, "priority")
	}()
	if rec.Code != 400 {
		t.Errorf("garbage int code = %d; want 400", rec.Code)
	}
}

func TestServeJSONErrorCodes(t *testing.T) {
	tests := []struct {
		err  interface{}
		want int
	}{
		{NotFoundError("no such image"), 404},
		{ConflictError("path already registered"), 409},
		{InvalidParameterError("quality"), 400},
		{ServerError("boom"), 500},
		{"some string", 500},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		ServeJSONError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("ServeJSONError(%v) code = %d; want %d", tt.err, rec.Code, tt.want)
		}
		if tt.want >= 500 && rec.Header().Get(CorrelationHeader) == "" {
			t.Errorf("ServeJSONError(%v): no correlation id on 5xx", tt.err)
		}
	}
}

func TestServeError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/images/x", nil)
	ServeError(rec, req, ServerError("kaboom"))
	if rec.Code != 500 {
		t.Errorf("code = %d; want 500", rec.Code)
	}
	cid := rec.Header().Get(CorrelationHeader)
	if len(cid) != 16 {
		t.Errorf("correlation id %q; want 16 hex chars", cid)
	}
	if !strings.Contains(rec.Body.String(), cid) {
		t.Errorf("body %q does not mention correlation id", rec.Body.String())
	}
}
