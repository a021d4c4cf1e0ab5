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

// The picshelfd binary is the picshelf server.
package main // import "picshelf.org/server/picshelfd"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	"picshelf.org/pkg/artifact"
	"picshelf.org/pkg/jobs"
	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/meta"
	"picshelf.org/pkg/placement"
	"picshelf.org/pkg/processor"
	"picshelf.org/pkg/readcache"
	"picshelf.org/pkg/server"
	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/types"
	"picshelf.org/pkg/webserver"

	// KeyValue implementations:
	_ "picshelf.org/pkg/sorted/leveldb"
	_ "picshelf.org/pkg/sorted/mongo"
	_ "picshelf.org/pkg/sorted/mysql"
	_ "picshelf.org/pkg/sorted/postgres"
	_ "picshelf.org/pkg/sorted/sqlite"

	"github.com/bradfitz/gomemcache/memcache"
	"go4.org/jsonconfig"
	"golang.org/x/crypto/acme/autocert"
)

var (
	flagVersion    = flag.Bool("version", false, "show version")
	flagHelp       = flag.Bool("help", false, "show usage")
	flagConfigFile = flag.String("configfile", "",
		"Config file to use, relative to the picshelf configuration directory root. "+
			"If blank, the default is used or auto-generated.")
	flagListen = flag.String("listen", "", "host:port to listen on, or :0 to auto-select. If blank, the value in the config will be used instead.")
)

// Exit codes. Zero is a clean shutdown.
const (
	exitConfig    = 1 // bad or unreadable configuration
	exitMetaStore = 2 // metadata store unreachable at startup
	exitRoots     = 3 // no usable cache root at startup
)

// exitf prints to stderr and exits the process with the given code.
func exitf(code int, pattern string, args ...interface{}) {
	if !strings.HasSuffix(pattern, "\n") {
		pattern = pattern + "\n"
	}
	fmt.Fprintf(os.Stderr, pattern, args...)
	os.Exit(code)
}

// config is the parsed picshelfd configuration file.
type config struct {
	listen    string
	https     bool           // serve over TLS
	httpsCert string         // path to the certificate file; empty means Let's Encrypt
	httpsKey  string         // path to the key file
	metaStore jsonconfig.Obj // handed to sorted.NewKeyValue, which validates it

	roots []meta.CacheRoot

	workerCount int
	perType     map[types.JobType]int
	watchdog    time.Duration
	jobTimeout  time.Duration
	retryLimit  int

	l1MaxBytes int64
	l1TTL      time.Duration
	l2Servers  []string // empty means no L2 tier
	l2TTL      time.Duration

	pathLimit   int
	resizeLimit int
	resizeWait  time.Duration
}

// configDir returns the directory picshelfd keeps its config file in.
func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "picshelf-server"), nil
}

// loadConfig returns the server's parsed config file, locating it
// using the provided arg.
//
// The arg may be of the form:
//   - empty, to mean the default path (a template config is written
//     there on first run),
//   - a filepath absolute or relative to the picshelf configuration
//     directory.
func loadConfig(arg string) (*config, error) {
	var absPath string
	switch {
	case arg == "":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		absPath = filepath.Join(dir, "config.json")
		if _, err := os.Stat(absPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			log.Printf("Generating template config file %s", absPath)
			if err := writeDefaultConfigFile(absPath); err != nil {
				return nil, err
			}
		}
	case filepath.IsAbs(arg):
		absPath = arg
	default:
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		absPath = filepath.Join(dir, arg)
	}
	jc, err := jsonconfig.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	conf, err := parseConfig(jc)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", absPath, err)
	}
	return conf, nil
}

// writeDefaultConfigFile writes a usable first-run config: a leveldb
// index and a single cache root, both under the user's cache
// directory.
func writeDefaultConfigFile(path string) error {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return err
	}
	base := filepath.Join(cacheDir, "picshelf")
	conf := map[string]interface{}{
		"listen": "localhost:3148",
		"metaStore": map[string]interface{}{
			"type": "leveldb",
			"file": filepath.Join(base, "index.leveldb"),
		},
		"cacheRoots": map[string]interface{}{
			"primary": map[string]interface{}{
				"path": filepath.Join(base, "cache"),
			},
		},
	}
	b, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0600)
}

func parseConfig(jc jsonconfig.Obj) (*config, error) {
	c := &config{
		listen:    jc.OptionalString("listen", ""),
		https:     jc.OptionalBool("https", false),
		httpsCert: jc.OptionalString("httpsCert", ""),
		httpsKey:  jc.OptionalString("httpsKey", ""),
		metaStore: jc.RequiredObject("metaStore"),
	}
	rootsObj := jc.RequiredObject("cacheRoots")
	workers := jc.OptionalObject("workers")
	cacheObj := jc.OptionalObject("cache")
	pathObj := jc.OptionalObject("path")
	resize := jc.OptionalObject("resize")
	jobObj := jc.OptionalObject("job")
	if err := jc.Validate(); err != nil {
		return nil, err
	}

	// Cache roots are an object keyed by root name.
	for name, ei := range rootsObj {
		if strings.HasPrefix(name, "_") {
			// Permitted as comments.
			continue
		}
		m, ok := ei.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cache root %q is a %T, not an object", name, ei)
		}
		rc := jsonconfig.Obj(m)
		root := meta.CacheRoot{
			Name:         name,
			Path:         rc.RequiredString("path"),
			MaxSizeBytes: int64(rc.OptionalInt("maxSizeBytes", 0)),
			Priority:     rc.OptionalInt("priority", 0),
			IsActive:     rc.OptionalBool("enabled", true),
		}
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("cache root %q: %v", name, err)
		}
		c.roots = append(c.roots, root)
	}
	if len(c.roots) == 0 {
		return nil, fmt.Errorf(`"cacheRoots" must configure at least one root`)
	}
	sort.Slice(c.roots, func(i, j int) bool { return c.roots[i].Name < c.roots[j].Name })

	c.workerCount = workers.OptionalInt("count", 0)
	perType := workers.OptionalObject("concurrencyPerType")
	if err := workers.Validate(); err != nil {
		return nil, err
	}
	for name, ei := range perType {
		if strings.HasPrefix(name, "_") {
			continue
		}
		n, ok := ei.(float64)
		if !ok {
			return nil, fmt.Errorf("workers.concurrencyPerType.%s must be a number", name)
		}
		t := types.JobType(name)
		if !types.ValidJobType(t) {
			return nil, fmt.Errorf("workers.concurrencyPerType: unknown job type %q", name)
		}
		if c.perType == nil {
			c.perType = make(map[types.JobType]int)
		}
		c.perType[t] = int(n)
	}

	var err error
	l1 := cacheObj.OptionalObject("l1")
	l2 := cacheObj.OptionalObject("l2")
	if err := cacheObj.Validate(); err != nil {
		return nil, err
	}
	c.l1MaxBytes = int64(l1.OptionalInt("maxBytes", 0))
	if c.l1TTL, err = confDuration("cache.l1.ttl", l1.OptionalString("ttl", "")); err != nil {
		return nil, err
	}
	if err := l1.Validate(); err != nil {
		return nil, err
	}
	l2enabled := l2.OptionalBool("enabled", false)
	l2servers := l2.OptionalList("servers")
	if c.l2TTL, err = confDuration("cache.l2.ttl", l2.OptionalString("ttl", "")); err != nil {
		return nil, err
	}
	if err := l2.Validate(); err != nil {
		return nil, err
	}
	if l2enabled {
		if len(l2servers) == 0 {
			return nil, fmt.Errorf("cache.l2.enabled is set but cache.l2.servers is empty")
		}
		c.l2Servers = l2servers
	}

	c.pathLimit = pathObj.OptionalInt("safeLimit", 0)
	if err := pathObj.Validate(); err != nil {
		return nil, err
	}

	c.resizeLimit = resize.OptionalInt("concurrentLimit", 0)
	if c.resizeWait, err = confDuration("resize.waitBudget", resize.OptionalString("waitBudget", "")); err != nil {
		return nil, err
	}
	if err := resize.Validate(); err != nil {
		return nil, err
	}

	if c.watchdog, err = confDuration("job.watchdog", jobObj.OptionalString("watchdog", "")); err != nil {
		return nil, err
	}
	if c.jobTimeout, err = confDuration("job.timeout", jobObj.OptionalString("timeout", "")); err != nil {
		return nil, err
	}
	c.retryLimit = jobObj.OptionalInt("retryLimit", 0)
	if err := jobObj.Validate(); err != nil {
		return nil, err
	}

	if (c.httpsCert != "") != (c.httpsKey != "") {
		return nil, fmt.Errorf("httpsCert and httpsKey must both be either present or absent")
	}

	return c, nil
}

// confDuration parses a duration config value like "90s" or "5m".
// Empty means unset; each component applies its own default.
func confDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %v", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config key %q: negative duration", key)
	}
	return d, nil
}

// setupTLS configures ws according to the https config values.
// If cert/key files are specified, use them.
// If cert/key files are not specified, use Let's Encrypt.
func setupTLS(ws *webserver.Server, conf *config, listen string) {
	if !conf.https {
		return
	}
	if conf.httpsCert != "" {
		ws.SetTLS(webserver.TLSSetup{
			CertFile: conf.httpsCert,
			KeyFile:  conf.httpsKey,
		})
		return
	}
	hostname, err := certHostname(listen)
	if err != nil {
		exitf(exitConfig, "Bad listen address: %v", err)
	}
	if !isFQDN(hostname) {
		exitf(exitConfig, "https is enabled without httpsCert/httpsKey, and %q is not a hostname Let's Encrypt can issue a certificate for; either provide certificate files or listen on a public hostname", hostname)
	}
	dir, err := configDir()
	if err != nil {
		exitf(exitConfig, "Could not locate the Let's Encrypt cache directory: %v", err)
	}
	m := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostname),
		Cache:      autocert.DirCache(filepath.Join(dir, "letsencrypt.cache")),
	}
	ws.SetTLS(webserver.TLSSetup{
		CertManager: m.GetCertificate,
	})
	log.Printf("Using Let's Encrypt tls-alpn-01 for %v", hostname)
}

// certHostname returns the name to request a TLS certificate for,
// taken from the listen address.
func certHostname(listen string) (string, error) {
	hostname, _, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("failed to find hostname for cert from address %q: %v", listen, err)
	}
	return hostname, nil
}

// isFQDN reports whether host looks like a fully qualified public DNS
// name, as opposed to an IP address or a single-label name like
// "localhost" that no public CA will issue for.
func isFQDN(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	host = strings.TrimSuffix(host, ".")
	return strings.Contains(host, ".") && !strings.HasSuffix(host, ".local")
}

func handleSignals(shutdownc <-chan io.Closer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	log.Printf(`Got "%v" signal: shutting down`, sig)
	donec := make(chan bool)
	go func() {
		cl := <-shutdownc
		if err := cl.Close(); err != nil {
			exitf(exitConfig, "Error shutting down: %v", err)
		}
		donec <- true
	}()
	select {
	case <-donec:
		log.Printf("Shut down.")
		os.Exit(0)
	case <-time.After(15 * time.Second):
		exitf(exitConfig, "Timeout shutting down. Exiting uncleanly.")
	}
}

// shutdownCloser drains the daemon in dependency order: stop taking
// requests, stop the workers, then close the store.
type shutdownCloser struct {
	ws    *webserver.Server
	sched *jobs.Scheduler
	kv    sorted.KeyValue
}

func (s shutdownCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ws.Shutdown(ctx); err != nil {
		log.Printf("webserver shutdown: %v", err)
	}
	if err := s.sched.Close(); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	return s.kv.Close()
}

// buildVersion reports the module version stamped by the Go tool, or
// "devel" for a tree build.
func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "devel"
	}
	return bi.Main.Version
}

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Fprintf(os.Stderr, "picshelfd version: %s\nGo version: %s (%s/%s)\n",
			buildVersion(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}
	if *flagHelp {
		flag.Usage()
		os.Exit(0)
	}

	log.Printf("Starting picshelfd version %s; Go %s (%s/%s)", buildVersion(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)

	shutdownc := make(chan io.Closer, 1) // receives io.Closer to cleanly shut down
	go handleSignals(shutdownc)

	conf, err := loadConfig(*flagConfigFile)
	if err != nil {
		exitf(exitConfig, "Error loading config file: %v", err)
	}

	kv, err := sorted.NewKeyValue(conf.metaStore)
	if err != nil {
		exitf(exitConfig, "Error opening metadata store: %v", err)
	}
	store, err := meta.New(kv)
	if err != nil {
		exitf(exitMetaStore, "Error initializing metadata store: %v", err)
	}
	if err := store.Ping(); err != nil {
		exitf(exitMetaStore, "Metadata store unreachable: %v", err)
	}

	fsys := longpath.New(conf.pathLimit)
	eng := placement.NewEngine(store, fsys)
	active, err := eng.SyncRoots(conf.roots)
	if err != nil {
		exitf(exitRoots, "Error syncing cache roots: %v", err)
	}
	if active == 0 {
		exitf(exitRoots, "No usable cache root: every configured root is disabled or failed to come up")
	}
	log.Printf("picshelfd: %d active cache root(s)", active)
	arts := artifact.NewStore(eng, fsys)

	var l2 *memcache.Client
	if len(conf.l2Servers) > 0 {
		l2 = memcache.New(conf.l2Servers...)
		log.Printf("picshelfd: L2 cache via memcache at %v", conf.l2Servers)
	}
	cache := readcache.New(arts, readcache.Options{
		L1MaxBytes: conf.l1MaxBytes,
		L1TTL:      conf.l1TTL,
		L2:         l2,
		L2TTL:      conf.l2TTL,
	})

	proc := processor.New(store, eng, arts, fsys, processor.Options{
		ReadCache:   cache,
		ResizeLimit: conf.resizeLimit,
		ResizeWait:  conf.resizeWait,
	})

	sched := jobs.NewScheduler(store, jobs.Options{
		Workers:    conf.workerCount,
		PerType:    conf.perType,
		Watchdog:   conf.watchdog,
		Timeout:    conf.jobTimeout,
		RetryLimit: conf.retryLimit,
	})
	proc.RegisterAll(sched)
	if err := sched.Start(); err != nil {
		exitf(exitMetaStore, "Error starting job scheduler: %v", err)
	}

	ws := webserver.New()
	ws.Handle("/", server.New(store, sched, proc, cache))

	// Prefer the --listen flag value. Otherwise use the config value.
	listen := *flagListen
	if listen == "" {
		listen = conf.listen
	}
	if listen == "" {
		exitf(exitConfig, `"listen" needs to be specified either in the config or on the command line`)
	}
	setupTLS(ws, conf, listen)
	if err := ws.Listen(listen); err != nil {
		exitf(exitConfig, "Error starting webserver: %v", err)
	}

	shutdownc <- shutdownCloser{ws: ws, sched: sched, kv: kv}

	go ws.Serve()
	log.Printf("picshelfd: serving at %s", ws.ListenURL())

	select {}
}
