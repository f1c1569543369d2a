// Package tidecache is the client-resident cache of the tide-current planner.
//
// A Worker sits between the application shell and the network. Every request
// goes through Fetch, which serves stored responses when it can and stores
// successful network responses otherwise. Shell assets live in a static table
// that is versioned with the deployment; everything else lives in a dynamic
// table that is swept of old entries whenever a new version activates.
package tidecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/metrics"
	"github.com/always-cache/tidecache/partition"
	cachekey "github.com/always-cache/tidecache/pkg/cache-key"
	"github.com/always-cache/tidecache/rfc9211"

	"github.com/rs/zerolog"
)

const (
	// DefaultDynamicTable is the name of the table holding dynamic responses.
	DefaultDynamicTable = "dynamic"
	// DefaultDynamicTTL is the age after which dynamic entries are evicted.
	DefaultDynamicTTL = 30 * 24 * time.Hour
	// StaticTablePrefix is prepended to the version stamp to name its static table.
	StaticTablePrefix = "shell-"

	cacheName = "TideShell"
	component = "worker"
)

type Config struct {
	// Storage for the static and dynamic tables.
	Store cache.Store
	// URL of the origin serving the shell.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Fetcher used for cache misses and installation.
	// Defaults to a NetworkFetcher.
	Fetcher Fetcher
	// Partition lists. partition.DefaultConfig is used if nil.
	Partition *partition.Config
	// Open clients of the worker. A new Registry is used if nil.
	Clients Clients
	// Name of the dynamic table.
	DynamicTable string
	// Maximum age of dynamic entries.
	DynamicTTL time.Duration
	// Interval of the background sweep.
	// Zero disables it; the sweep still runs on every activation.
	SweepInterval time.Duration
	// Optional counters.
	Metrics *metrics.Metrics
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock used for timestamps and eviction. Defaults to time.Now.
	Now func() time.Time
}

type Worker struct {
	store         cache.Store
	fetcher       Fetcher
	policy        *partition.Policy
	clients       Clients
	keyer         cachekey.CacheKeyer
	dynamicTable  string
	dynamicTTL    time.Duration
	sweepInterval time.Duration
	metrics       *metrics.Metrics
	log           zerolog.Logger
	now           func() time.Time
	handlers      map[EventKind]handler

	mutex    *sync.Mutex
	versions map[string]*Version
	active   *Version
	waiting  *Version

	stop     chan struct{}
	stopOnce sync.Once
}

// CreateWorker initializes the worker.
// It starts the background sweep if an interval is configured.
func CreateWorker(config Config) (*Worker, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("worker: no store configured")
	}
	if config.OriginURL.Host == "" {
		return nil, fmt.Errorf("worker: origin URL %q has no host", config.OriginURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	partitionConfig := partition.DefaultConfig
	if config.Partition != nil {
		partitionConfig = *config.Partition
	}
	policy, err := partition.New(config.OriginURL.String(), partitionConfig)
	if err != nil {
		return nil, err
	}
	keyer, err := cachekey.NewCacheKeyer(config.OriginURL.String())
	if err != nil {
		return nil, err
	}

	w := &Worker{
		store:         config.Store,
		fetcher:       config.Fetcher,
		policy:        policy,
		clients:       config.Clients,
		keyer:         keyer,
		dynamicTable:  config.DynamicTable,
		dynamicTTL:    config.DynamicTTL,
		sweepInterval: config.SweepInterval,
		metrics:       config.Metrics,
		log:           logger,
		now:           config.Now,
		mutex:         &sync.Mutex{},
		versions:      make(map[string]*Version),
		stop:          make(chan struct{}),
	}
	if w.fetcher == nil {
		w.fetcher = NewNetworkFetcher("")
	}
	if w.clients == nil {
		w.clients = NewRegistry()
	}
	if w.dynamicTable == "" {
		w.dynamicTable = DefaultDynamicTable
	}
	if w.dynamicTTL == 0 {
		w.dynamicTTL = DefaultDynamicTTL
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.handlers = map[EventKind]handler{
		EventInstall:  w.onInstall,
		EventActivate: w.onActivate,
		EventFetch:    w.onFetch,
		EventMessage:  w.onMessage,
	}

	if w.sweepInterval > 0 {
		go w.sweepLoop()
	}
	return w, nil
}

// Close stops the background sweep. It does not close the store.
func (w *Worker) Close() error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	return nil
}

// ServeHTTP implements the http.Handler interface.
// The request is resolved against the origin and answered through Fetch.
// Stores scheduled by the fetch are awaited after the response was flushed.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ev := NewFetchEvent(w.outboundRequest(r))
	res, err := w.Fetch(r.Context(), ev)
	if err != nil {
		w.log.Error().Err(err).Str("url", ev.Request.URL.String()).Msg("Could not fetch response")
		cs := ev.CacheStatus()
		rw.Header().Add(rfc9211.HeaderName, cs.String())
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	w.send(rw, ev, res)
	if f, ok := rw.(http.Flusher); ok {
		f.Flush()
	}
	if err := ev.Wait(); err != nil {
		w.log.Error().Err(err).Str("url", ev.Request.URL.String()).Msg("Could not store response")
	}
}

// outboundRequest targets the request at the origin.
func (w *Worker) outboundRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.URL = w.keyer.URL(r)
	out.Host = ""
	out.RequestURI = ""
	// some servers do not like the headers of an upstream proxy
	for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host"} {
		out.Header.Del(h)
	}
	return out
}

func (w *Worker) send(rw http.ResponseWriter, ev *FetchEvent, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	cs := ev.CacheStatus()
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add(rfc9211.HeaderName, cs.String())
	rw.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(rw, res.Body); err != nil {
			w.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	w.logRequest(ev.Request, cs)
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (w *Worker) logRequest(r *http.Request, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// background detaches work that must outlive the request from its cancellation.
func background(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
