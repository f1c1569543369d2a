// Package edge is the caching proxy in front of the tide-current API.
//
// The upstream API does not answer cross-origin requests from the planner.
// The proxy forwards requests to the URL given in its apiurl query parameter
// with the Origin rewritten to the upstream origin, adds permissive CORS
// headers, and caches successful responses for a shared time-to-live.
package edge

import (
	"context"
	"errors"
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
	serializer "github.com/always-cache/tidecache/pkg/response-serializer"
	"github.com/always-cache/tidecache/rfc9111"
	"github.com/always-cache/tidecache/rfc9211"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultParam is the query parameter carrying the upstream URL.
	DefaultParam = "apiurl"
	// DefaultTTL is the shared lifetime of stored responses.
	DefaultTTL = 30 * 24 * time.Hour

	allowedMethods  = "GET, HEAD, POST, OPTIONS"
	preflightMaxAge = "86400"

	cacheName = "TideEdge"
	component = "edge"
)

type Config struct {
	// Storage for upstream responses.
	Cache Cache
	// Query parameter carrying the percent-encoded upstream URL.
	Param string
	// Lifetime of stored responses, announced with s-maxage.
	TTL time.Duration
	// Client used for upstream requests. Defaults to http.DefaultClient.
	Client *http.Client
	// Optional limit of upstream requests.
	Limiter *rate.Limiter
	// Policy deciding which upstream URLs are cached.
	// Every URL is cached if nil.
	Policy *partition.Policy
	// Optional counters.
	Metrics *metrics.Metrics
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	cache   Cache
	param   string
	ttl     time.Duration
	client  *http.Client
	limiter *rate.Limiter
	policy  *partition.Policy
	metrics *metrics.Metrics
	log     zerolog.Logger
	pending sync.WaitGroup
}

func New(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	p := &Proxy{
		cache:   config.Cache,
		param:   config.Param,
		ttl:     config.TTL,
		client:  config.Client,
		limiter: config.Limiter,
		policy:  config.Policy,
		metrics: config.Metrics,
		log:     logger.With().Str("component", component).Logger(),
	}
	if p.param == "" {
		p.param = DefaultParam
	}
	if p.ttl == 0 {
		p.ttl = DefaultTTL
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.policy == nil {
		// without an origin or lists, the policy never errs
		p.policy, _ = partition.New("", partition.Config{})
	}
	return p
}

// Wait blocks until all background stores and deletes finished.
func (p *Proxy) Wait() {
	p.pending.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		p.forward(w, r)
	case http.MethodOptions:
		p.options(w, r)
	default:
		p.log.Trace().Str("method", r.Method).Msg("Rejecting method")
		p.metrics.Request(component, metrics.ResultRejected)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (p *Proxy) options(w http.ResponseWriter, r *http.Request) {
	if isPreflight(r) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", allowedMethods)
		h.Set("Access-Control-Allow-Headers", r.Header.Get("Access-Control-Request-Headers"))
		h.Set("Access-Control-Max-Age", preflightMaxAge)
		p.metrics.Request(component, metrics.ResultPreflight)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Allow", allowedMethods)
	p.metrics.Request(component, metrics.ResultPreflight)
	w.WriteHeader(http.StatusOK)
}

func isPreflight(r *http.Request) bool {
	for _, name := range []string{"Origin", "Access-Control-Request-Method", "Access-Control-Request-Headers"} {
		if len(r.Header.Values(name)) == 0 {
			return false
		}
	}
	return true
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	upstream, err := p.upstreamURL(r)
	if err != nil {
		p.log.Trace().Err(err).Msg("Bad upstream URL")
		p.metrics.Request(component, metrics.ResultRejected)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	key := cachekey.Key(r.Method, upstream.String())
	class := p.policy.ClassifyEdge(upstream)
	log := p.log.With().Str("key", key).Str("class", class.String()).Logger()
	cs := rfc9211.CacheStatus{Cache: cacheName}
	cached := class == partition.EdgeEligible && storable(r.Method)

	if cached {
		e, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("Could not look up stored response")
		} else if ok {
			cs.Hit()
			p.metrics.Request(component, metrics.ResultHit)
			p.send(w, r, serializer.EntryToResponse(e, r), cs)
			return
		}
		cs.Forward(rfc9211.FwdReasonUriMiss)
	} else if class == partition.Ignored {
		cs.Forward(rfc9211.FwdReasonBypass)
	} else {
		cs.Forward(rfc9211.FwdReasonMethod)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("Upstream rate limit")
			p.metrics.Request(component, metrics.ResultError)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	res, err := p.fetch(ctx, r, upstream)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch from upstream")
		p.metrics.Request(component, metrics.ResultError)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	body, err := serializer.BufferResponse(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not read upstream response")
		p.metrics.Request(component, metrics.ResultError)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	cs.FwdStatus = res.StatusCode

	res.Header.Set("Access-Control-Allow-Origin", "*")
	if !rfc9111.HasListMember(res.Header, "Vary", "Origin") {
		res.Header.Add("Vary", "Origin")
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		p.metrics.Request(component, metrics.ResultFailure)
		if class == partition.Ignored {
			p.send(w, r, res, cs)
			return
		}
		p.background(ctx, func(ctx context.Context) error {
			log.Trace().Int("status", res.StatusCode).Msg("Deleting stored response after failure")
			if err := p.cache.Delete(ctx, key); err != nil {
				return err
			}
			p.metrics.StoreOp(component, metrics.OpDelete, 1)
			return nil
		})
		p.send(w, r, res, cs)
		return
	}
	if class == partition.Ignored {
		p.metrics.Request(component, metrics.ResultBypass)
	} else {
		p.metrics.Request(component, metrics.ResultMiss)
	}

	if cached {
		res.Header.Add("Cache-Control", rfc9111.SMaxAgeDirective(p.ttl))
		ttl, _ := rfc9111.ResponseCacheControl(res.Header).SMaxAge()
		entry := serializer.ResponseToEntry(res, body, cache.TierEdge)
		cs.Stored = true
		cs.TimeToLive = int(ttl / time.Second)
		p.background(ctx, func(ctx context.Context) error {
			log.Trace().Dur("ttl", ttl).Msg("Storing response")
			err := p.cache.Put(ctx, key, entry, ttl)
			if errors.Is(err, ErrRejected) {
				log.Debug().Msg("Response rejected by cache backend")
				p.metrics.StoreOp(component, metrics.OpRejected, 1)
				return nil
			}
			if err != nil {
				return err
			}
			p.metrics.StoreOp(component, metrics.OpPut, 1)
			return nil
		})
	}
	p.send(w, r, res, cs)
}

// upstreamURL reads the absolute upstream URL from the query.
func (p *Proxy) upstreamURL(r *http.Request) (*url.URL, error) {
	raw := r.URL.Query().Get(p.param)
	if raw == "" {
		return nil, errMissingParam(p.param)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errNotAbsolute(raw)
	}
	return u, nil
}

// fetch sends a copy of the request to the upstream URL,
// claiming to come from the upstream origin.
func (p *Proxy) fetch(ctx context.Context, r *http.Request, upstream *url.URL) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	out.Header.Set("Origin", upstream.Scheme+"://"+upstream.Host)
	out.ContentLength = r.ContentLength
	return p.client.Do(out)
}

func (p *Proxy) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Add(rfc9211.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body != nil && r.Method != http.MethodHead {
		if _, err := io.Copy(w, res.Body); err != nil {
			p.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	p.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int("fwdStatus", cs.FwdStatus).
		Bool("stored", cs.Stored).
		Msg("Sending response to client")
}

// background runs f after the response, detached from the request context.
func (p *Proxy) background(ctx context.Context, f func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if err := f(ctx); err != nil {
			p.log.Error().Err(err).Msg("Could not update cache")
			p.metrics.StoreOp(component, metrics.OpError, 1)
		}
	}()
}

func storable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

type errMissingParam string

func (e errMissingParam) Error() string {
	return "missing query parameter " + string(e)
}

type errNotAbsolute string

func (e errNotAbsolute) Error() string {
	return "not an absolute http(s) URL: " + strings.TrimSpace(string(e))
}
