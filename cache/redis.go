package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilClient is returned when a redis store is created without a client.
var ErrNilClient = errors.New("redis store: nil client")

// RedisStore keeps every table in a redis hash.
// Table names are members of a sorted set scored by creation time.
//
// Keyspace, with prefix p:
//
//	p:tables      sorted set of table names
//	p:t:<name>    hash of key -> encoded entry
type RedisStore struct {
	rdb         goredis.UniversalClient
	prefix      string
	codec       Codec
	closeClient bool
}

var _ Store = (*RedisStore)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix namespaces all keys of the store. Defaults to "tidecache".
	Prefix string
	// Codec encodes entries. Defaults to msgpack.
	Codec Codec
	// CloseClient should be set only if the store exclusively owns the client.
	CloseClient bool
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tidecache"
	}
	if cfg.Codec == nil {
		cfg.Codec = Msgpack{}
	}
	return &RedisStore{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		codec:       cfg.Codec,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *RedisStore) tablesKey() string {
	return s.prefix + ":tables"
}

func (s *RedisStore) tableKey(name string) string {
	return s.prefix + ":t:" + name
}

func (s *RedisStore) Open(ctx context.Context, name string) (Table, error) {
	err := s.rdb.ZAddNX(ctx, s.tablesKey(), goredis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return &redisTable{s: s, name: name}, nil
}

func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	err := s.rdb.ZScore(ctx, s.tablesKey(), name).Err()
	if err == goredis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.tablesKey(), name)
		pipe.Del(ctx, s.tableKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.tablesKey(), 0, -1).Result()
}

func (s *RedisStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		t := &redisTable{s: s, name: name}
		if e, ok, err := t.Get(ctx, key); err != nil || ok {
			return e, ok, err
		}
	}
	return Entry{}, false, nil
}

func (s *RedisStore) Purge(ctx context.Context, key string) (int, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, name := range names {
		n, err := s.rdb.HDel(ctx, s.tableKey(name), key).Result()
		if err != nil {
			return purged, err
		}
		purged += int(n)
	}
	return purged, nil
}

// Close releases the redis client only when the store owns it.
func (s *RedisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type redisTable struct {
	s    *RedisStore
	name string
}

func (t *redisTable) Name() string {
	return t.name
}

func (t *redisTable) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := t.s.rdb.HGet(ctx, t.s.tableKey(t.name), key).Bytes()
	if err == goredis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := t.s.codec.Decode(b)
	if err != nil {
		// self-heal: drop entries we cannot read back
		if err := t.s.rdb.HDel(ctx, t.s.tableKey(t.name), key).Err(); err != nil {
			return Entry{}, false, fmt.Errorf("dropping undecodable entry %s: %w", key, err)
		}
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (t *redisTable) Put(ctx context.Context, key string, e Entry) error {
	b, err := t.s.codec.Encode(stamp(e))
	if err != nil {
		return err
	}
	if ok, err := t.s.Has(ctx, t.name); err != nil {
		return err
	} else if !ok {
		return ErrTableNotFound
	}
	return t.s.rdb.HSet(ctx, t.s.tableKey(t.name), key, b).Err()
}

func (t *redisTable) Delete(ctx context.Context, key string) (bool, error) {
	n, err := t.s.rdb.HDel(ctx, t.s.tableKey(t.name), key).Result()
	return n > 0, err
}

func (t *redisTable) Keys(ctx context.Context) ([]string, error) {
	return t.s.rdb.HKeys(ctx, t.s.tableKey(t.name)).Result()
}
