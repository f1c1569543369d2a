package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/rfc9111"
)

// Cache stores edge responses for a time-to-live.
type Cache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool, error)
	Put(ctx context.Context, key string, e cache.Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// ErrRejected is returned by Put when the backend turned the entry away,
// e.g. because of memory pressure.
var ErrRejected = errors.New("edge cache: entry rejected by backend")

// ByteCache encodes entries into a byte backend.
type ByteCache struct {
	backend Backend
	codec   cache.Codec
}

var _ Cache = (*ByteCache)(nil)

// NewByteCache returns a cache over backend. A nil codec selects msgpack.
func NewByteCache(backend Backend, c cache.Codec) *ByteCache {
	if c == nil {
		c = cache.Msgpack{}
	}
	return &ByteCache{backend: backend, codec: c}
}

func (c *ByteCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	b, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return cache.Entry{}, false, err
	}
	e, err := c.codec.Decode(b)
	if err != nil {
		// self-heal: drop entries we cannot read back
		if err := c.backend.Del(ctx, key); err != nil {
			return cache.Entry{}, false, fmt.Errorf("dropping undecodable entry %s: %w", key, err)
		}
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *ByteCache) Put(ctx context.Context, key string, e cache.Entry, ttl time.Duration) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	b, err := c.codec.Encode(e)
	if err != nil {
		return err
	}
	ok, err := c.backend.Set(ctx, key, b, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

func (c *ByteCache) Delete(ctx context.Context, key string) error {
	return c.backend.Del(ctx, key)
}

func (c *ByteCache) Close(ctx context.Context) error {
	return c.backend.Close(ctx)
}

// TableCache keeps edge responses in a table of a cache.Store, e.g. SQLite.
// Tables have no expiry; the lifetime is read back from the s-maxage
// directive of the stored response and checked on every read.
type TableCache struct {
	table cache.Table
	now   func() time.Time
}

var _ Cache = (*TableCache)(nil)

func NewTableCache(table cache.Table, now func() time.Time) *TableCache {
	if now == nil {
		now = time.Now
	}
	return &TableCache{table: table, now: now}
}

func (c *TableCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	e, ok, err := c.table.Get(ctx, key)
	if err != nil || !ok {
		return cache.Entry{}, false, err
	}
	if ttl, ok := rfc9111.ResponseCacheControl(e.Header).SMaxAge(); ok && c.now().Sub(e.StoredAt) >= ttl {
		_, err := c.table.Delete(ctx, key)
		return cache.Entry{}, false, err
	}
	return e, true, nil
}

// Put ignores ttl, which is expected to be the s-maxage of the entry.
func (c *TableCache) Put(ctx context.Context, key string, e cache.Entry, _ time.Duration) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	return c.table.Put(ctx, key, e)
}

func (c *TableCache) Delete(ctx context.Context, key string) error {
	_, err := c.table.Delete(ctx, key)
	return err
}

func (c *TableCache) Close(context.Context) error {
	return nil
}
