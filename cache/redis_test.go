package cache

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

var errHDel = errors.New("hdel refused")

// failHDel fails every HDEL sent by the client.
type failHDel struct{}

func (failHDel) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (failHDel) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if cmd.Name() == "hdel" {
			cmd.SetErr(errHDel)
			return errHDel
		}
		return next(ctx, cmd)
	}
}

func (failHDel) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestRedisUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(RedisConfig{Client: client, CloseClient: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	table, err := s.Open(ctx, "dynamic")
	if err != nil {
		t.Fatal(err)
	}
	mr.HSet(s.tableKey("dynamic"), "garbled", "\xc1")
	mr.HSet(s.tableKey("dynamic"), "stuck", "\xc1")

	if _, ok, err := table.Get(ctx, "garbled"); ok || err != nil {
		t.Fatalf("Get returned %v, %v", ok, err)
	}
	if mr.HGet(s.tableKey("dynamic"), "garbled") != "" {
		t.Fatal("Undecodable entry kept")
	}

	client.AddHook(failHDel{})
	if _, ok, err := table.Get(ctx, "stuck"); ok || !errors.Is(err, errHDel) {
		t.Fatalf("Get with a failing drop returned %v, %v", ok, err)
	}
}
