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

// Package webserver wraps http.Server with the plumbing picshelfd
// needs: TLS from files or a certificate manager, HTTP/2, graceful
// shutdown, optional per-request logging, and development-only
// connection throttling. The listening socket may also be inherited
// from a file descriptor in the environment.
package webserver // import "picshelf.org/pkg/webserver"

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"expvar"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go4.org/net/throttle"
	"go4.org/wkfs"
	"golang.org/x/net/http2"
	"picshelf.org/pkg/webserver/listen"
)

const alpnProto = "acme-tls/1" // from golang.org/x/crypto/acme.ALPNProto

var webstats = expvar.NewMap("picshelf-web")

type Server struct {
	mux      *http.ServeMux
	listener net.Listener
	verbose  bool // log HTTP requests and response codes

	Logger *log.Logger // or nil.

	// H2Server is the HTTP/2 server config.
	H2Server http2.Server

	// enableTLS makes Listen wrap the socket in a TLS listener.
	enableTLS bool
	// tlsCertFile and tlsKeyFile are the certificate and key paths.
	// When set they win over certManager.
	tlsCertFile, tlsKeyFile string
	// certManager, if set and no cert file is given, becomes the
	// listener's tls.Config.GetCertificate.
	certManager func(*tls.ClientHelloInfo) (*tls.Certificate, error)

	reqs atomic.Int64 // requests served, for verbose log correlation

	mu  sync.Mutex
	srv *http.Server
}

func New() *Server {
	verbose, _ := strconv.ParseBool(os.Getenv("PICSHELF_HTTP_DEBUG"))
	return &Server{
		mux:     http.NewServeMux(),
		verbose: verbose,
	}
}

func (s *Server) printf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func (s *Server) fatalf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Fatalf(format, v...)
		return
	}
	log.Fatalf(format, v...)
}

// TLSSetup specifies how the server gets its TLS certificate:
// either from a certificate and key file pair, or on demand from
// CertManager (e.g. a Let's Encrypt autocert manager). CertFile, when
// non-empty, takes precedence.
type TLSSetup struct {
	// CertFile is the path to the TLS certificate file.
	CertFile string
	// KeyFile is the path to the TLS key file.
	KeyFile string
	// CertManager is used as the tls.Config.GetCertificate callback.
	CertManager func(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

func (s *Server) SetTLS(setup TLSSetup) {
	s.enableTLS = true
	s.certManager = setup.CertManager
	s.tlsCertFile = setup.CertFile
	s.tlsKeyFile = setup.KeyFile
}

// ListenURL returns the server's base URL (scheme and authority, no
// trailing slash), or the empty string before Listen has succeeded.
func (s *Server) ListenURL() string {
	if s.listener == nil {
		return ""
	}
	taddr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	scheme := "http"
	if s.enableTLS {
		scheme = "https"
	}
	if taddr.IP.IsUnspecified() {
		return fmt.Sprintf("%s://localhost:%d", scheme, taddr.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, s.listener.Addr())
}

func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	n := s.reqs.Add(1)
	webstats.Add("requests", 1)
	if !s.verbose {
		s.mux.ServeHTTP(rw, req)
		return
	}
	s.printf("Request #%d: %s %s (from %s) ...", n, req.Method, req.RequestURI, req.RemoteAddr)
	sw := &statusWriter{ResponseWriter: rw}
	s.mux.ServeHTTP(sw, req)
	s.printf("Request #%d: %s %s = code %d, %d bytes", n, req.Method, req.RequestURI, sw.code, sw.bytes)
}

// statusWriter records the response code and body size for the
// verbose request log.
type statusWriter struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	sw.bytes += int64(len(p))
	return sw.ResponseWriter.Write(p)
}

// Listen starts listening on the given host:port addr.
func (s *Server) Listen(addr string) error {
	if s.listener != nil {
		return nil
	}

	if addr == "" {
		return fmt.Errorf("<host>:<port> needs to be provided to start listening")
	}

	var err error
	s.listener, err = listen.Listen(addr)
	if err != nil {
		return fmt.Errorf("Failed to listen on %s: %v", addr, err)
	}
	base := s.ListenURL()
	s.printf("Starting to listen on %s\n", base)

	if s.enableTLS {
		config := &tls.Config{
			Rand:       rand.Reader,
			Time:       time.Now,
			NextProtos: []string{http2.NextProtoTLS, "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		if s.tlsCertFile == "" && s.certManager != nil {
			config.GetCertificate = s.certManager
			config.NextProtos = append(config.NextProtos, alpnProto)
			s.listener = tls.NewListener(s.listener, config)
			return nil
		}

		config.Certificates = make([]tls.Certificate, 1)
		config.Certificates[0], err = loadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
		if err != nil {
			return fmt.Errorf("Failed to load TLS cert: %v", err)
		}
		s.listener = tls.NewListener(s.listener, config)
	}

	return nil
}

func (s *Server) throttleListener() net.Listener {
	kBps, _ := strconv.Atoi(os.Getenv("PICSHELF_DEV_THROTTLE_KBPS"))
	ms, _ := strconv.Atoi(os.Getenv("PICSHELF_DEV_THROTTLE_LATENCY_MS"))
	if kBps == 0 && ms == 0 {
		return s.listener
	}
	rate := throttle.Rate{
		KBps:    kBps,
		Latency: time.Duration(ms) * time.Millisecond,
	}
	return &throttle.Listener{
		Listener: s.listener,
		Down:     rate,
		Up:       rate, // TODO: separate rates?
	}
}

func (s *Server) Serve() {
	if err := s.Listen(""); err != nil {
		s.fatalf("Listen error: %v", err)
	}

	srv := &http.Server{
		Handler: s,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	// Wire up HTTP/2 over TLS (h2).
	http2.ConfigureServer(srv, &s.H2Server)

	err := srv.Serve(s.throttleListener())
	if err == http.ErrServerClosed {
		return
	}
	if err != nil {
		s.printf("Error in http server: %v\n", err)
		os.Exit(1)
	}
}

// Shutdown stops accepting connections and waits for in-flight
// requests to finish, until ctx is done. Serve returns once the
// drain completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		if s.listener != nil {
			return s.listener.Close()
		}
		return nil
	}
	return srv.Shutdown(ctx)
}

// loadX509KeyPair is a copy of tls.LoadX509KeyPair but using wkfs.
func loadX509KeyPair(certFile, keyFile string) (cert tls.Certificate, err error) {
	certPEMBlock, err := wkfs.ReadFile(certFile)
	if err != nil {
		return
	}
	keyPEMBlock, err := wkfs.ReadFile(keyFile)
	if err != nil {
		return
	}
	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}
