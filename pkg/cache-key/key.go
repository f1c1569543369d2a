package cachekey

import (
	"net/http"
	"net/url"
)

const methodSeparator = " "

// CacheKeyer derives the request identity used as cache key:
// the method and the absolute URL, compared exactly.
// Query parameter order is significant.
type CacheKeyer struct {
	// Base URL used to resolve requests that carry only a path,
	// e.g. requests received by a server.
	Base *url.URL
}

func NewCacheKeyer(base string) (CacheKeyer, error) {
	if base == "" {
		return CacheKeyer{}, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return CacheKeyer{}, err
	}
	return CacheKeyer{Base: u}, nil
}

// URL returns the absolute URL of the request.
func (c CacheKeyer) URL(r *http.Request) *url.URL {
	if r.URL.IsAbs() || c.Base == nil {
		return r.URL
	}
	return c.Base.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

// Key returns the cache key of the request.
func (c CacheKeyer) Key(r *http.Request) string {
	return Key(r.Method, c.URL(r).String())
}

// Key builds a key from a method and an absolute URL.
func Key(method, rawURL string) string {
	return method + methodSeparator + rawURL
}

