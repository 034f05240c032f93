package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, prefix string) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(Config{Addr: mr.Addr(), Prefix: prefix})
}

type resourceFixture struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func TestCache_SetGet_RoundTrips(t *testing.T) {
	c := newTestCache(t, "driver:cluster-1")
	ctx := context.Background()

	want := []resourceFixture{{Kind: "Deployment", Name: "worker"}}
	require.NoError(t, c.Set(ctx, "resources:a-1", want, 0))

	var got []resourceFixture
	require.NoError(t, c.Get(ctx, "resources:a-1", &got))
	require.Equal(t, want, got)
}

func TestCache_Get_MissReturnsRedisNil(t *testing.T) {
	c := newTestCache(t, "")
	var got resourceFixture
	err := c.Get(context.Background(), "does-not-exist", &got)
	require.Error(t, err)
	require.True(t, errors.Is(err, redis.Nil))
}

func TestCache_Delete_RemovesKey(t *testing.T) {
	c := newTestCache(t, "")
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", resourceFixture{Kind: "Deployment"}, 0))
	require.NoError(t, c.Delete(ctx, "k"))

	var got resourceFixture
	err := c.Get(ctx, "k", &got)
	require.True(t, errors.Is(err, redis.Nil))
}

func TestCache_DifferentPrefixesDoNotCollide(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	a := New(Config{Addr: mr.Addr(), Prefix: "a"})
	b := New(Config{Addr: mr.Addr(), Prefix: "b"})
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "same-key", resourceFixture{Name: "from-a"}, 0))

	var got resourceFixture
	err = b.Get(ctx, "same-key", &got)
	require.True(t, errors.Is(err, redis.Nil))
}

func TestCache_TTLExpires(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := New(Config{Addr: mr.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", resourceFixture{Name: "short-lived"}, 50*time.Millisecond))
	mr.FastForward(100 * time.Millisecond)

	var got resourceFixture
	err = c.Get(ctx, "k", &got)
	require.True(t, errors.Is(err, redis.Nil))
}
