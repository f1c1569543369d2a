// Package partition decides where, if anywhere, a fetched response is stored.
package partition

import (
	"net/url"
)

// Class is the outcome of classifying a request identity.
type Class int

const (
	// Dynamic responses are stored in the dynamic table and expire.
	Dynamic Class = iota
	// Static responses belong to the shell manifest and go to the versioned static table.
	Static
	// Ignored requests are fetched but never stored nor deleted.
	Ignored
	// EdgeEligible requests are forwarded through the edge proxy.
	EdgeEligible
)

func (c Class) String() string {
	switch c {
	case Static:
		return "static"
	case Ignored:
		return "ignored"
	case EdgeEligible:
		return "edge"
	default:
		return "dynamic"
	}
}

// Config lists the fixed sets the policy matches against.
type Config struct {
	// Manifest is the set of shell asset paths.
	Manifest []string `yaml:"manifest"`
	// IgnoredPaths are local paths that are never cached.
	IgnoredPaths []string `yaml:"ignoredPaths"`
	// IgnoredURLs are absolute third-party URLs that are never cached.
	IgnoredURLs []string `yaml:"ignoredUrls"`
}

// DefaultConfig is the shell of the tide-current planner.
var DefaultConfig = Config{
	Manifest: []string{
		"/",
		"/index.html",
		"/kayaknav.js",
		"/kayaknav_bg.wasm",
		"/style.css",
		"/favicon.ico",
		"/icon-192.png",
		"/icon-512.png",
	},
	IgnoredPaths: []string{
		"/sw.js",
		"/manifest.json",
	},
	IgnoredURLs: []string{
		"https://static.cloudflareinsights.com/beacon.min.js",
	},
}

// Policy classifies request identities. It is pure and safe for concurrent use.
type Policy struct {
	origin       string
	manifest     map[string]bool
	ignoredPaths map[string]bool
	ignoredURLs  map[string]bool
	assets       []string
}

// New creates a policy for a shell served from origin (scheme://host).
// Path lists only match URLs of that origin; an empty origin matches paths of any origin.
func New(origin string, cfg Config) (*Policy, error) {
	p := &Policy{
		manifest:     toSet(cfg.Manifest),
		ignoredPaths: toSet(cfg.IgnoredPaths),
		ignoredURLs:  toSet(cfg.IgnoredURLs),
		assets:       append([]string(nil), cfg.Manifest...),
	}
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			return nil, err
		}
		p.origin = originOf(u)
	}
	return p, nil
}

// Classify returns the class of the absolute URL u.
func (p *Policy) Classify(u *url.URL) Class {
	if p.ignoredURLs[u.String()] {
		return Ignored
	}
	if p.origin != "" && u.IsAbs() && originOf(u) != p.origin {
		return Dynamic
	}
	if p.ignoredPaths[u.Path] {
		return Ignored
	}
	if p.manifest[u.Path] {
		return Static
	}
	return Dynamic
}

// ClassifyEdge classifies the upstream URL of a request forwarded through
// the edge proxy. URLs on the ignored list are Ignored, all others EdgeEligible.
func (p *Policy) ClassifyEdge(u *url.URL) Class {
	if p.ignoredURLs[u.String()] {
		return Ignored
	}
	return EdgeEligible
}

// Manifest returns the shell asset paths, in configured order.
func (p *Policy) Manifest() []string {
	return append([]string(nil), p.assets...)
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}
