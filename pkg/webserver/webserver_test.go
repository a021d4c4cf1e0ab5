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

package webserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestListenURL(t *testing.T) {
	ws := New()
	if got := ws.ListenURL(); got != "" {
		t.Errorf("ListenURL before Listen = %q; want empty", got)
	}
	if err := ws.Listen("localhost:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ws.Shutdown(context.Background())
	u := ws.ListenURL()
	if !strings.HasPrefix(u, "http://") {
		t.Errorf("ListenURL = %q; want http:// prefix", u)
	}
	if strings.HasSuffix(u, ":0") {
		t.Errorf("ListenURL = %q; port was not resolved", u)
	}
	// Listen is a no-op once bound.
	if err := ws.Listen("localhost:0"); err != nil {
		t.Fatalf("second Listen: %v", err)
	}
	if got := ws.ListenURL(); got != u {
		t.Errorf("ListenURL changed after second Listen: %q != %q", got, u)
	}
}

func TestServeShutdown(t *testing.T) {
	ws := New()
	ws.Handle("/", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		io.WriteString(rw, "ok")
	}))
	if err := ws.Listen("localhost:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		ws.Serve()
		close(done)
	}()

	res, err := http.Get(ws.ListenURL() + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil || string(body) != "ok" {
		t.Fatalf("body = %q, %v; want ok", body, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestShutdownBeforeServe(t *testing.T) {
	ws := New()
	if err := ws.Listen("localhost:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := ws.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Serve: %v", err)
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.Write([]byte("hello "))
	sw.Write([]byte("world"))
	if sw.code != 200 {
		t.Errorf("implicit code = %d; want 200", sw.code)
	}
	if sw.bytes != int64(len("hello world")) {
		t.Errorf("bytes = %d; want %d", sw.bytes, len("hello world"))
	}

	rec = httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(404)
	if sw.code != 404 {
		t.Errorf("code = %d; want 404", sw.code)
	}
}
