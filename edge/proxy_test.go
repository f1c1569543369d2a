package edge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/metrics"
	"github.com/always-cache/tidecache/partition"
	cachekey "github.com/always-cache/tidecache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// testUpstream stands in for the tide-current API.
type testUpstream struct {
	*httptest.Server
	calls   atomic.Int32
	status  atomic.Int32
	origins chan string
}

func newTestUpstream(t *testing.T) *testUpstream {
	u := &testUpstream{origins: make(chan string, 16)}
	u.status.Store(http.StatusOK)
	r := chi.NewRouter()
	handler := func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		select {
		case u.origins <- r.Header.Get("Origin"):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Vary", "Origin")
		w.WriteHeader(int(u.status.Load()))
		io.WriteString(w, `{"predictions":[]}`)
	}
	r.Get("/api/datagetter", handler)
	r.Head("/api/datagetter", handler)
	r.Post("/api/datagetter", handler)
	u.Server = httptest.NewServer(r)
	t.Cleanup(u.Close)
	return u
}

func (u *testUpstream) api() string {
	return u.URL + "/api/datagetter?station=8443970&product=currents_predictions"
}

func newTestProxy(t *testing.T, c Cache) (*Proxy, *metrics.Metrics) {
	t.Helper()
	if c == nil {
		c = NewTableCache(mustTable(t), nil)
	}
	logger := zerolog.Nop()
	m := metrics.New()
	p := New(Config{Cache: c, Logger: &logger, Metrics: m})
	return p, m
}

func mustTable(t *testing.T) cache.Table {
	t.Helper()
	table, err := cache.NewMemStore().Open(context.Background(), "edge")
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func proxied(upstream string) string {
	return "/?" + DefaultParam + "=" + url.QueryEscape(upstream)
}

func serve(p *Proxy, method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	p.Wait()
	return rr
}

func TestMissThenHit(t *testing.T) {
	upstream := newTestUpstream(t)
	p, m := newTestProxy(t, nil)

	first := serve(p, "GET", proxied(upstream.api()), "Origin", "https://kayaknav.test")
	second := serve(p, "GET", proxied(upstream.api()), "Origin", "https://kayaknav.test")

	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("Upstream called %d times", n)
	}
	for _, rr := range []*httptest.ResponseRecorder{first, second} {
		if rr.Code != http.StatusOK {
			t.Fatalf("Status is %d", rr.Code)
		}
		if b, _ := io.ReadAll(rr.Body); string(b) != `{"predictions":[]}` {
			t.Fatalf("Body is %s", b)
		}
		if acao := rr.Header().Get("Access-Control-Allow-Origin"); acao != "*" {
			t.Fatalf("Access-Control-Allow-Origin is %q", acao)
		}
		if vary := rr.Header().Values("Vary"); len(vary) != 1 || vary[0] != "Origin" {
			t.Fatalf("Vary is %v", vary)
		}
		if cc := rr.Header().Get("Cache-Control"); cc != "s-maxage=2592000" {
			t.Fatalf("Cache-Control is %q", cc)
		}
	}
	if cs := first.Header().Get("Cache-Status"); cs != "TideEdge; fwd=uri-miss; fwd-status=200; ttl=2592000; stored" {
		t.Fatalf("First Cache-Status is %q", cs)
	}
	if cs := second.Header().Get("Cache-Status"); cs != "TideEdge; hit" {
		t.Fatalf("Second Cache-Status is %q", cs)
	}
	if v := testutil.ToFloat64(m.Requests.WithLabelValues("edge", metrics.ResultHit)); v != 1 {
		t.Fatalf("Hits counted %v", v)
	}
}

func TestOriginIsRewritten(t *testing.T) {
	upstream := newTestUpstream(t)
	p, _ := newTestProxy(t, nil)

	serve(p, "GET", proxied(upstream.api()), "Origin", "https://kayaknav.test")

	if origin := <-upstream.origins; origin != upstream.URL {
		t.Fatalf("Upstream saw Origin %q, expected %q", origin, upstream.URL)
	}
}

func TestVaryIsAddedWhenMissing(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Encoding")
		w.Write([]byte("plain"))
	})
	upstream := httptest.NewServer(r)
	defer upstream.Close()
	p, _ := newTestProxy(t, nil)

	rr := serve(p, "GET", proxied(upstream.URL+"/plain"))

	if vary := rr.Header().Values("Vary"); len(vary) != 2 || vary[1] != "Origin" {
		t.Fatalf("Vary is %v", vary)
	}
}

func TestQueryOrderIsPartOfKey(t *testing.T) {
	upstream := newTestUpstream(t)
	p, _ := newTestProxy(t, nil)

	serve(p, "GET", proxied(upstream.URL+"/api/datagetter?a=1&b=2"))
	serve(p, "GET", proxied(upstream.URL+"/api/datagetter?b=2&a=1"))

	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestFailureIsNotStored(t *testing.T) {
	upstream := newTestUpstream(t)
	upstream.status.Store(http.StatusInternalServerError)
	p, _ := newTestProxy(t, nil)

	rr := serve(p, "GET", proxied(upstream.api()))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("Failed response carries Cache-Control %q", cc)
	}

	upstream.status.Store(http.StatusOK)
	serve(p, "GET", proxied(upstream.api()))
	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("Upstream called %d times", n)
	}
}

// lookupMiss never finds stored responses, so that stored keys are fetched again.
type lookupMiss struct {
	*TableCache
}

func (lookupMiss) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, nil
}

func TestFailureDeletesStoredResponse(t *testing.T) {
	upstream := newTestUpstream(t)
	table := mustTable(t)
	p, _ := newTestProxy(t, lookupMiss{NewTableCache(table, nil)})
	ctx := context.Background()
	key := cachekey.Key("GET", upstream.api())

	serve(p, "GET", proxied(upstream.api()))
	if _, ok, _ := table.Get(ctx, key); !ok {
		t.Fatal("Response not stored")
	}
	upstream.status.Store(http.StatusBadGateway)
	serve(p, "GET", proxied(upstream.api()))
	if _, ok, _ := table.Get(ctx, key); ok {
		t.Fatal("Stored response survived a failure")
	}
}

func TestPostIsForwardedUncached(t *testing.T) {
	upstream := newTestUpstream(t)
	p, _ := newTestProxy(t, nil)

	serve(p, "POST", proxied(upstream.api()))
	rr := serve(p, "POST", proxied(upstream.api()))

	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("Upstream called %d times", n)
	}
	if cs := rr.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=method") {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if acao := rr.Header().Get("Access-Control-Allow-Origin"); acao != "*" {
		t.Fatalf("Access-Control-Allow-Origin is %q", acao)
	}
}

func TestHeadHasNoBody(t *testing.T) {
	upstream := newTestUpstream(t)
	p, _ := newTestProxy(t, nil)

	rr := serve(p, "HEAD", proxied(upstream.api()))

	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("Status %d with %d body bytes", rr.Code, rr.Body.Len())
	}
}

func TestPreflight(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	rr := serve(p, "OPTIONS", "/?apiurl=x",
		"Origin", "https://kayaknav.test",
		"Access-Control-Request-Method", "GET",
		"Access-Control-Request-Headers", "content-type, x-trip")

	if rr.Code != http.StatusNoContent || rr.Body.Len() != 0 {
		t.Fatalf("Status %d with body %q", rr.Code, rr.Body.String())
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, HEAD, POST, OPTIONS",
		"Access-Control-Allow-Headers": "content-type, x-trip",
		"Access-Control-Max-Age":       "86400",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s is %q, expected %q", k, got, v)
		}
	}
}

func TestOptionsWithoutPreflightHeaders(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	rr := serve(p, "OPTIONS", "/", "Origin", "https://kayaknav.test")

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != "GET, HEAD, POST, OPTIONS" {
		t.Fatalf("Allow is %q", allow)
	}
	if acao := rr.Header().Get("Access-Control-Allow-Origin"); acao != "" {
		t.Fatalf("Access-Control-Allow-Origin is %q", acao)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	upstream := newTestUpstream(t)
	p, _ := newTestProxy(t, nil)

	for _, method := range []string{"PUT", "DELETE", "PATCH"} {
		rr := serve(p, method, proxied(upstream.api()))
		if rr.Code != http.StatusMethodNotAllowed || rr.Body.Len() != 0 {
			t.Fatalf("%s: status %d with body %q", method, rr.Code, rr.Body.String())
		}
	}
	if n := upstream.calls.Load(); n != 0 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestBadUpstreamURL(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	for _, target := range []string{"/", proxied("/relative"), proxied("ftp://tides.test/x")} {
		if rr := serve(p, "GET", target); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status is %d", target, rr.Code)
		}
	}
}

func TestUnreachableUpstream(t *testing.T) {
	upstream := newTestUpstream(t)
	api := upstream.api()
	upstream.Close()
	p, _ := newTestProxy(t, nil)

	if rr := serve(p, "GET", proxied(api)); rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	upstream := newTestUpstream(t)
	logger := zerolog.Nop()
	p := New(Config{
		Cache:   NewTableCache(mustTable(t), nil),
		Logger:  &logger,
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	serve(p, "GET", proxied(upstream.api()))
	req := httptest.NewRequest("GET", proxied(upstream.URL+"/api/datagetter?station=other"), nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("Upstream called %d times", n)
	}
	// stored responses are served regardless of the limit
	if rr := serve(p, "GET", proxied(upstream.api())); rr.Code != http.StatusOK {
		t.Fatalf("Hit status is %d", rr.Code)
	}
}

func TestIgnoredUpstreamIsBypassed(t *testing.T) {
	upstream := newTestUpstream(t)
	table := mustTable(t)
	policy, err := partition.New("", partition.Config{IgnoredURLs: []string{upstream.api()}})
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	m := metrics.New()
	p := New(Config{Cache: NewTableCache(table, nil), Policy: policy, Logger: &logger, Metrics: m})

	serve(p, "GET", proxied(upstream.api()))
	rr := serve(p, "GET", proxied(upstream.api()))

	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("Upstream called %d times", n)
	}
	if keys, _ := table.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("Ignored response stored under %v", keys)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "TideEdge; fwd=bypass; fwd-status=200" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("Cache-Control is %q", cc)
	}
	if v := testutil.ToFloat64(m.Requests.WithLabelValues("edge", metrics.ResultBypass)); v != 2 {
		t.Fatalf("Bypasses counted %v", v)
	}

	// other upstream URLs are still cached
	serve(p, "GET", proxied(upstream.URL+"/api/datagetter?station=8447386"))
	if keys, _ := table.Keys(context.Background()); len(keys) != 1 {
		t.Fatalf("Stored keys are %v", keys)
	}
}

func TestRejectedStoreIsCounted(t *testing.T) {
	upstream := newTestUpstream(t)
	p, m := newTestProxy(t, NewByteCache(&stubBackend{reject: true}, nil))

	rr := serve(p, "GET", proxied(upstream.api()))

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if v := testutil.ToFloat64(m.StoreOps.WithLabelValues("edge", metrics.OpRejected)); v != 1 {
		t.Fatalf("Rejections counted %v", v)
	}
	for _, op := range []string{metrics.OpPut, metrics.OpError} {
		if v := testutil.ToFloat64(m.StoreOps.WithLabelValues("edge", op)); v != 0 {
			t.Fatalf("%s counted %v", op, v)
		}
	}
}
