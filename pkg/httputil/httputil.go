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

// Package httputil contains HTTP utility code shared by the picshelf
// handlers: JSON responses, panic-coded request errors, and the
// correlation ids that tie 5xx responses back to job-run logs.
package httputil // import "picshelf.org/pkg/httputil"

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"picshelf.org/pkg/env"
)

func BadRequestError(rw http.ResponseWriter, errorMessage string, args ...interface{}) {
	rw.WriteHeader(http.StatusBadRequest)
	log.Printf("Bad request: %s", fmt.Sprintf(errorMessage, args...))
	fmt.Fprintf(rw, "<h1>Bad Request</h1>")
}

// CorrelationHeader carries the id that ties an error response to the
// server logs and any job-run record written for the same failure.
const CorrelationHeader = "X-Correlation-Id"

// NewCorrelationID returns a fresh 16 hex char correlation id.
func NewCorrelationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Out of entropy is not worth failing a response over.
		return "00000000deadbeef"
	}
	return hex.EncodeToString(b[:])
}

// ServeError replies with a 500, logging err under a fresh
// correlation id which is also sent to the client. Error detail only
// reaches the client in dev mode.
func ServeError(rw http.ResponseWriter, req *http.Request, err error) {
	cid := NewCorrelationID()
	log.Printf("error [%s] serving %s: %v", cid, req.URL.Path, err)
	rw.Header().Set(CorrelationHeader, cid)
	rw.WriteHeader(http.StatusInternalServerError)
	if env.IsDev() {
		fmt.Fprintf(rw, "Server error: %s (correlation %s)\n", err, cid)
		return
	}
	fmt.Fprintf(rw, "An internal error occurred; correlation id %s.\n", cid)
}

func ReturnJSON(rw http.ResponseWriter, data interface{}) {
	ReturnJSONCode(rw, 200, data)
}

func ReturnJSONCode(rw http.ResponseWriter, code int, data interface{}) {
	js, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		BadRequestError(rw, "JSON serialization error: %v", err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Content-Length", strconv.Itoa(len(js)+1))
	rw.WriteHeader(code)
	rw.Write(js)
	rw.Write([]byte("\n"))
}

// RecoverJSON is meant to be used at the top of handlers with "defer"
// to turn panics carrying the error types below into JSON error
// responses with the matching status code:
//
//	func handler(rw http.ResponseWriter, req *http.Request) {
//	    defer httputil.RecoverJSON(rw, req)
//	    ...
//	    panic(httputil.NotFoundError("no such image"))
func RecoverJSON(rw http.ResponseWriter, req *http.Request) {
	e := recover()
	if e == nil {
		return
	}
	ServeJSONError(rw, e)
}

type httpCoder interface {
	HTTPCode() int
}

// A MissingParameterError represents a missing HTTP parameter.
// The underlying string is the missing parameter name.
type MissingParameterError string

func (p MissingParameterError) Error() string { return fmt.Sprintf("Missing parameter %q", string(p)) }
func (MissingParameterError) HTTPCode() int   { return http.StatusBadRequest }

// An InvalidParameterError represents an invalid HTTP parameter.
// The underlying string is the invalid parameter name, not value.
type InvalidParameterError string

func (p InvalidParameterError) Error() string { return fmt.Sprintf("Invalid parameter %q", string(p)) }
func (InvalidParameterError) HTTPCode() int   { return http.StatusBadRequest }

// A NotFoundError is a 404 with a caller-visible message.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }
func (NotFoundError) HTTPCode() int   { return http.StatusNotFound }

// A ConflictError is a 409, for unique-constraint violations and
// illegal job state transitions.
type ConflictError string

func (e ConflictError) Error() string { return string(e) }
func (ConflictError) HTTPCode() int   { return http.StatusConflict }

// A ServerError is a generic 500 error.
type ServerError string

func (e ServerError) Error() string { return string(e) }
func (ServerError) HTTPCode() int   { return http.StatusInternalServerError }

// OptionalInt returns the integer in req given by param, or 0 if not present.
// If the form value is not an integer, it panics with a value understood by
// RecoverJSON.
func OptionalInt(req *http.Request, param string) int {
	v := req.FormValue(param)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(InvalidParameterError(param))
	}
	return i
}

// ServeJSONError sends a JSON error response to rw for the provided
// error value.
func ServeJSONError(rw http.ResponseWriter, err interface{}) {
	code := 500
	if i, ok := err.(httpCoder); ok {
		code = i.HTTPCode()
	}
	msg := fmt.Sprint(err)
	if code >= 500 {
		cid := NewCorrelationID()
		log.Printf("error [%s] sending %v to client for: %v", cid, code, msg)
		rw.Header().Set(CorrelationHeader, cid)
	} else {
		log.Printf("Sending error %v to client for: %v", code, msg)
	}
	ReturnJSONCode(rw, code, map[string]interface{}{
		"error":     msg,
		"errorType": http.StatusText(code),
	})
}
