package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	bc "github.com/allegro/bigcache/v3"
	rc "github.com/dgraph-io/ristretto"
	goredis "github.com/redis/go-redis/v9"
)

// Backend is a byte store with TTLs.
// Get must return exactly the bytes previously passed to Set for the key.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A non-positive ttl means no expiry.
	// Returns false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes a key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Ristretto keeps responses in process memory within a byte budget.
// Admission is decided by access frequency, so a response fetched once may
// be turned away while popular stations stay; Set reports such rejections.
type Ristretto struct {
	c *rc.Cache
}

var _ Backend = (*Ristretto)(nil)

const (
	// DefaultRistrettoBytes is the default memory budget.
	DefaultRistrettoBytes = 64 << 20
	// typicalResponseBytes is the size of a day of current predictions for one station.
	typicalResponseBytes = 4 << 10
)

// NewRistretto creates a backend holding at most maxBytes of keys and responses.
// Access counters are sized for ten times the number of typical responses
// fitting the budget.
func NewRistretto(maxBytes int64) (*Ristretto, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("ristretto: invalid memory budget %d", maxBytes)
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: max(10*maxBytes/typicalResponseBytes, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: c}, nil
}

func (p *Ristretto) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

// Set charges the key and the value against the budget.
func (p *Ristretto) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	admitted := p.c.SetWithTTL(key, value, int64(len(key)+len(value)), max(ttl, 0))
	// the write is buffered; wait so that the next Get sees it
	p.c.Wait()
	if !admitted {
		return false, nil
	}
	_, stored := p.c.Get(key)
	return stored, nil
}

func (p *Ristretto) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Ristretto) Close(_ context.Context) error {
	p.c.Close()
	return nil
}

// BigCache keeps entries in process memory without GC overhead.
// It has no per-entry TTL: every entry lives for the life window.
type BigCache struct {
	c *bc.BigCache
}

var _ Backend = (*BigCache)(nil)

type BigCacheConfig struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	HardMaxCacheSizeMB int
}

func NewBigCache(cfg BigCacheConfig) (*BigCache, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &BigCache{c: c}, nil
}

func (p *BigCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

func (p *BigCache) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	return true, p.c.Set(key, value)
}

func (p *BigCache) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (p *BigCache) Close(_ context.Context) error {
	return p.c.Close()
}

var ErrNilClient = errors.New("redis backend: nil client")

// Redis shares entries between proxy instances, with native expiry.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Backend = (*Redis)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix of all keys. Defaults to "tidecache:edge:".
	Prefix string
	// set true only if this backend exclusively owns the client
	CloseClient bool
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tidecache:edge:"
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.prefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, p.prefix+key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, p.prefix+key).Err()
}

// Close releases the redis client only when the backend owns it.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
