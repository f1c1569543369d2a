// Package config loads the settings of the worker and edge binaries.
//
// Settings are read from a YAML file, then overridden by TIDECACHE_*
// environment variables. Variables from .env files in the working
// directory are loaded first; variables already set take precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/tidecache/partition"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIDECACHE_"

type Config struct {
	Worker Worker `yaml:"worker"`
	Edge   Edge   `yaml:"edge"`
}

// Worker configures the client-side cache worker.
type Worker struct {
	Port int `yaml:"port"`
	// Origin URL the shell is served from, e.g. https://kayaknav.com
	Origin string `yaml:"origin"`
	// Host header sent to the origin, if it differs from the origin URL.
	Host string `yaml:"host"`
	// Version stamp installed on startup. Nothing is installed if empty.
	Version       string        `yaml:"version"`
	DynamicTTL    time.Duration `yaml:"dynamicTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Store         Store         `yaml:"store"`
	// Partition overrides the built-in shell manifest and ignore lists.
	Partition *partition.Config `yaml:"partition"`
}

// Store selects the cache store of the worker.
type Store struct {
	// Driver is one of memory, sqlite or redis.
	Driver string `yaml:"driver"`
	// DSN is the sqlite file name or the redis address.
	DSN    string `yaml:"dsn"`
	Codec  string `yaml:"codec"`
	Prefix string `yaml:"prefix"`
}

// Edge configures the CORS caching proxy.
type Edge struct {
	Port  int           `yaml:"port"`
	Param string        `yaml:"param"`
	TTL   time.Duration `yaml:"ttl"`
	// Backend is one of ristretto, bigcache, redis or sqlite.
	Backend string `yaml:"backend"`
	// DSN is the sqlite file name or the redis address.
	DSN    string `yaml:"dsn"`
	Codec  string `yaml:"codec"`
	Prefix string `yaml:"prefix"`
	// MaxSizeMB bounds in-memory backends.
	MaxSizeMB int `yaml:"maxSizeMB"`
	// Upstream requests per second. Zero disables the limit.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
	// Upstream URLs that are forwarded but never cached.
	IgnoredURLs []string `yaml:"ignoredUrls"`
}

// Default returns the settings used when neither file nor environment set them.
func Default() Config {
	return Config{
		Worker: Worker{
			Port:          8080,
			DynamicTTL:    30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			Store:         Store{Driver: "sqlite", DSN: "tidecache.db"},
		},
		Edge: Edge{
			Port:      8081,
			Param:     "apiurl",
			TTL:       30 * 24 * time.Hour,
			Backend:   "ristretto",
			MaxSizeMB: 64,
			RateBurst: 1,
		},
	}
}

// Load reads the config file, if filename is not empty, and applies the
// environment overrides.
func Load(filename string) (Config, error) {
	config := Default()
	if err := loadEnvFiles(); err != nil {
		return config, err
	}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config file %s: %w", filename, err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config file %s: %w", filename, err)
		}
	}
	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return config, err
	}
	return config, nil
}

// loadEnvFiles loads .env.local, then .env. Missing files are ignored.
func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	e := env{lookup: lookup}
	e.setInt("WORKER_PORT", &c.Worker.Port)
	e.setString("WORKER_ORIGIN", &c.Worker.Origin)
	e.setString("WORKER_HOST", &c.Worker.Host)
	e.setString("WORKER_VERSION", &c.Worker.Version)
	e.setDuration("WORKER_DYNAMIC_TTL", &c.Worker.DynamicTTL)
	e.setDuration("WORKER_SWEEP_INTERVAL", &c.Worker.SweepInterval)
	e.setString("WORKER_STORE_DRIVER", &c.Worker.Store.Driver)
	e.setString("WORKER_STORE_DSN", &c.Worker.Store.DSN)
	e.setString("WORKER_STORE_CODEC", &c.Worker.Store.Codec)
	e.setString("WORKER_STORE_PREFIX", &c.Worker.Store.Prefix)

	e.setInt("EDGE_PORT", &c.Edge.Port)
	e.setString("EDGE_PARAM", &c.Edge.Param)
	e.setDuration("EDGE_TTL", &c.Edge.TTL)
	e.setString("EDGE_BACKEND", &c.Edge.Backend)
	e.setString("EDGE_DSN", &c.Edge.DSN)
	e.setString("EDGE_CODEC", &c.Edge.Codec)
	e.setString("EDGE_PREFIX", &c.Edge.Prefix)
	e.setInt("EDGE_MAX_SIZE_MB", &c.Edge.MaxSizeMB)
	e.setFloat("EDGE_RATE_LIMIT", &c.Edge.RateLimit)
	e.setInt("EDGE_RATE_BURST", &c.Edge.RateBurst)
	return e.err
}

// env applies overrides, keeping the first parse error.
type env struct {
	lookup lookupFunc
	err    error
}

func (e *env) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(name, value string, err error) {
	e.err = platformerrors.WrapWithContext(err, platformerrors.CodeInvalidInput, "invalid environment override",
		map[string]interface{}{"variable": EnvPrefix + name, "value": value})
}

func (e *env) setString(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *env) setInt(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *env) setFloat(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *env) setDuration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// OriginURL parses the worker origin. The origin must be an absolute URL.
func (w Worker) OriginURL() (*url.URL, error) {
	if w.Origin == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "no origin configured")
	}
	u, err := url.Parse(w.Origin)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid origin")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidInput, "origin is not an absolute URL"),
			"origin", w.Origin)
	}
	return u, nil
}

// PartitionConfig returns the configured partition lists, or the built-in ones.
func (w Worker) PartitionConfig() partition.Config {
	if w.Partition == nil {
		return partition.DefaultConfig
	}
	return *w.Partition
}

// Policy returns the edge partition policy built from IgnoredURLs.
func (e Edge) Policy() (*partition.Policy, error) {
	return partition.New("", partition.Config{IgnoredURLs: e.IgnoredURLs})
}
