package edge

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/always-cache/tidecache/cache"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func byteCaches(t *testing.T) (map[string]Cache, *miniredis.Miniredis) {
	t.Helper()
	ristretto, err := NewRistretto(DefaultRistrettoBytes)
	if err != nil {
		t.Fatal(err)
	}
	bigcache, err := NewBigCache(BigCacheConfig{LifeWindow: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	redis, err := NewRedis(RedisConfig{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	cborCodec, err := cache.NewCBOR(true)
	if err != nil {
		t.Fatal(err)
	}
	caches := map[string]Cache{
		"ristretto": NewByteCache(ristretto, nil),
		"bigcache":  NewByteCache(bigcache, nil),
		"redis":     NewByteCache(redis, cborCodec),
		"table":     NewTableCache(mustTable(t), nil),
	}
	t.Cleanup(func() {
		for _, c := range caches {
			c.Close(context.Background())
		}
	})
	return caches, mr
}

func edgeEntry() cache.Entry {
	return cache.Entry{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"s-maxage=3600"},
		},
		Body: []byte(`{"predictions":[]}`),
		Tier: cache.TierEdge,
	}
}

func TestCachePutGetDelete(t *testing.T) {
	ctx := context.Background()
	caches, _ := byteCaches(t)
	for name, c := range caches {
		key := "GET https://api.tidesandcurrents.test/api?station=1"
		if err := c.Put(ctx, key, edgeEntry(), time.Hour); err != nil {
			t.Fatalf("%s: put: %v", name, err)
		}
		e, ok, err := c.Get(ctx, key)
		if err != nil || !ok {
			t.Fatalf("%s: get: %v %v", name, ok, err)
		}
		if string(e.Body) != `{"predictions":[]}` || e.Header.Get("Content-Type") != "application/json" || e.Status != 200 {
			t.Fatalf("%s: entry is %+v", name, e)
		}
		if err := c.Delete(ctx, key); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		if _, ok, _ := c.Get(ctx, key); ok {
			t.Fatalf("%s: entry present after delete", name)
		}
		if err := c.Delete(ctx, key); err != nil {
			t.Fatalf("%s: deleting a missing key: %v", name, err)
		}
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	ctx := context.Background()
	caches, mr := byteCaches(t)
	c := caches["redis"]
	c.Put(ctx, "k", edgeEntry(), time.Hour)

	mr.FastForward(time.Hour + time.Second)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("Entry outlived its TTL")
	}
}

func TestTableCacheExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	table := mustTable(t)
	c := NewTableCache(table, func() time.Time { return now })
	c.Put(ctx, "k", edgeEntry(), time.Hour)

	now = now.Add(59 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("Entry expired early")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("Entry outlived its s-maxage")
	}
	if keys, _ := table.Keys(ctx); len(keys) != 0 {
		t.Fatalf("Expired entry still stored: %v", keys)
	}
}

func TestUndecodableEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	r, err := NewRistretto(DefaultRistrettoBytes)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close(ctx)
	r.Set(ctx, "k", []byte{0xc1}, time.Hour)
	c := NewByteCache(r, nil)

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Garbage decoded: %v %v", ok, err)
	}
	if _, ok, _ := r.Get(ctx, "k"); ok {
		t.Fatal("Garbage kept")
	}
}

// stubBackend serves a fixed value and fails or refuses writes on demand.
type stubBackend struct {
	value  []byte
	reject bool
	delErr error
}

func (b *stubBackend) Get(context.Context, string) ([]byte, bool, error) {
	return b.value, b.value != nil, nil
}

func (b *stubBackend) Set(_ context.Context, _ string, value []byte, _ time.Duration) (bool, error) {
	if b.reject {
		return false, nil
	}
	b.value = value
	return true, nil
}

func (b *stubBackend) Del(context.Context, string) error {
	return b.delErr
}

func (b *stubBackend) Close(context.Context) error {
	return nil
}

func TestRejectedPutIsReported(t *testing.T) {
	c := NewByteCache(&stubBackend{reject: true}, nil)
	if err := c.Put(context.Background(), "k", edgeEntry(), time.Hour); !errors.Is(err, ErrRejected) {
		t.Fatalf("Put returned %v", err)
	}
}

func TestFailedDropOfUndecodableEntryIsReported(t *testing.T) {
	backendErr := errors.New("connection reset")
	c := NewByteCache(&stubBackend{value: []byte{0xc1}, delErr: backendErr}, nil)

	_, ok, err := c.Get(context.Background(), "k")
	if ok || !errors.Is(err, backendErr) {
		t.Fatalf("Get returned %v, %v", ok, err)
	}
}

func TestRistrettoNeedsBudget(t *testing.T) {
	if _, err := NewRistretto(0); err == nil {
		t.Fatal("Ristretto without byte budget created")
	}
}
