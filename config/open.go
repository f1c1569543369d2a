package config

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/edge"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// edgeTable is the table of the sqlite edge backend.
const edgeTable = "edge"

// sqliteFilename maps the "memory" DSN to a shared in-memory database.
func sqliteFilename(dsn string) string {
	if dsn == "memory" {
		return ""
	}
	return dsn
}

// Open creates the configured worker store.
func (s Store) Open() (cache.Store, error) {
	c, err := cache.CodecByName(s.Codec)
	if err != nil {
		return nil, err
	}
	switch s.Driver {
	case "memory":
		return cache.NewMemStore(), nil
	case "", "sqlite":
		store, err := cache.NewSQLiteStore(sqliteFilename(s.DSN), c)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: s.DSN}),
			Prefix:      s.Prefix,
			Codec:       c,
			CloseClient: true,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", s.Driver)
	}
}

// OpenCache creates the configured edge cache.
func (e Edge) OpenCache(ctx context.Context) (edge.Cache, error) {
	c, err := cache.CodecByName(e.Codec)
	if err != nil {
		return nil, err
	}
	switch e.Backend {
	case "", "ristretto":
		budget := int64(edge.DefaultRistrettoBytes)
		if e.MaxSizeMB > 0 {
			budget = int64(e.MaxSizeMB) << 20
		}
		backend, err := edge.NewRistretto(budget)
		if err != nil {
			return nil, err
		}
		return edge.NewByteCache(backend, c), nil
	case "bigcache":
		backend, err := edge.NewBigCache(edge.BigCacheConfig{
			LifeWindow:         e.TTL,
			CleanWindow:        10 * time.Minute,
			HardMaxCacheSizeMB: e.MaxSizeMB,
		})
		if err != nil {
			return nil, err
		}
		return edge.NewByteCache(backend, c), nil
	case "redis":
		backend, err := edge.NewRedis(edge.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: e.DSN}),
			Prefix:      e.Prefix,
			CloseClient: true,
		})
		if err != nil {
			return nil, err
		}
		return edge.NewByteCache(backend, c), nil
	case "sqlite":
		store, err := cache.NewSQLiteStore(sqliteFilename(e.DSN), c)
		if err != nil {
			return nil, err
		}
		table, err := store.Open(ctx, edgeTable)
		if err != nil {
			store.Close()
			return nil, err
		}
		return storeCache{TableCache: edge.NewTableCache(table, nil), store: store}, nil
	default:
		return nil, fmt.Errorf("unsupported edge backend: %s", e.Backend)
	}
}

// storeCache closes the store owning the table on Close.
type storeCache struct {
	*edge.TableCache
	store cache.Store
}

func (c storeCache) Close(context.Context) error {
	return c.store.Close()
}

// Limiter returns the upstream rate limiter, or nil if unlimited.
func (e Edge) Limiter() *rate.Limiter {
	if e.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(e.RateLimit), max(e.RateBurst, 1))
}
