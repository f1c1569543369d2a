package tidecache

import (
	"context"
	"crypto/tls"
	"net/http"

	tee "github.com/always-cache/tidecache/pkg/response-writer-tee"

	"github.com/go-chi/chi/v5"
)

// Fetcher performs the network fetch of a cache miss.
// A returned error means no response was received at all;
// non-2xx responses are returned without error.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// NetworkFetcher fetches over HTTP.
type NetworkFetcher struct {
	Client *http.Client
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
}

// NewNetworkFetcher returns a fetcher using the default transport,
// or one negotiating TLS for host if it is set.
func NewNetworkFetcher(host string) *NetworkFetcher {
	transport := http.DefaultTransport
	if host != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &NetworkFetcher{
		Client: &http.Client{Transport: transport},
		Host:   host,
	}
}

func (f *NetworkFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.WithContext(ctx)
	out.RequestURI = ""
	if f.Host != "" {
		out.Host = f.Host
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(out)
}

// HandlerFetcher answers fetches with an in-process handler,
// e.g. the file server of the shell.
// The handler routes the request on its own, even if the fetch was
// issued from within a chi route.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx = context.WithValue(ctx, chi.RouteCtxKey, nil)
	rw := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rw, req.WithContext(ctx))
	return rw.Response(req), nil
}
