package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/cache"
	"github.com/koopa0/shortlink/internal/testutils"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "resolve:/abc123", cache.Key("resolve", "/abc123"))
	assert.Equal(t, "stats:/api/v1/links/abc123/stats", cache.Key("stats", "/api/v1/links/abc123/stats"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "resolve:/abc123", true},
		{"resolve:*", "resolve:/abc123", true},
		{"resolve:*", "stats:/abc123", false},
		{"*:/abc123", "resolve:/abc123", true},
		{"*:/abc123", "resolve:/abc1234", false},
		{"resolve:/abc12?", "resolve:/abc123", true},
		{"resolve:/abc12?", "resolve:/abc12", false},
		{"resolve:/a*3", "resolve:/abc123", true},
		{"resolve:/a*3", "resolve:/abc124", false},
		{"", "", true},
		{"", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, cache.Match(tt.pattern, tt.key))
		})
	}
}

// runContract 兩種後端共用的行為測試
func runContract(t *testing.T, c cache.Cache) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		_, err := c.Get(ctx, cache.Key("resolve", "/missing"))
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("set then get", func(t *testing.T) {
		key := cache.Key("resolve", "/abc123")
		require.NoError(t, c.Set(ctx, key, []byte(`{"outcome":"redirect"}`), time.Minute))

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"outcome":"redirect"}`, string(got))
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		assert.Error(t, c.Set(ctx, "k", []byte("v"), 0))
	})

	t.Run("delete", func(t *testing.T) {
		a, b := cache.Key("resolve", "/del1"), cache.Key("resolve", "/del2")
		require.NoError(t, c.Set(ctx, a, []byte("1"), time.Minute))
		require.NoError(t, c.Set(ctx, b, []byte("2"), time.Minute))

		n, err := c.Delete(ctx, a, b, cache.Key("resolve", "/never-set"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = c.Get(ctx, a)
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("delete matching", func(t *testing.T) {
		for _, code := range []string{"/m1", "/m2", "/m3"} {
			require.NoError(t, c.Set(ctx, cache.Key("resolve", code), []byte("x"), time.Minute))
		}
		require.NoError(t, c.Set(ctx, cache.Key("stats", "/m1"), []byte("x"), time.Minute))

		n, err := c.DeleteMatching(ctx, "resolve:/m*")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		_, err = c.Get(ctx, cache.Key("stats", "/m1"))
		assert.NoError(t, err, "keys of other operations must survive")

		// 冪等：第二次沒有東西可刪
		n, err = c.DeleteMatching(ctx, "resolve:/m*")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestMemory(t *testing.T) {
	runContract(t, cache.NewMemory(time.Minute))
}

func TestMemory_Expiry(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, c.Set(ctx, "k", value, time.Minute))
	value[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestRedis(t *testing.T) {
	env := testutils.SetupRedis(t)
	runContract(t, cache.NewRedis(env.RedisClient, "shortlink:"))
}

func TestRedis_PrefixIsolation(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	ours := cache.NewRedis(env.RedisClient, "shortlink:")
	theirs := cache.NewRedis(env.RedisClient, "other:")

	require.NoError(t, ours.Set(ctx, "resolve:/abc123", []byte("a"), time.Minute))
	require.NoError(t, theirs.Set(ctx, "resolve:/abc123", []byte("b"), time.Minute))

	n, err := ours.DeleteMatching(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := theirs.Get(ctx, "resolve:/abc123")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestRedis_Unavailable(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	c := cache.NewRedis(env.RedisClient, "shortlink:")
	require.NoError(t, env.RedisClient.Close())

	_, err := c.Get(ctx, "resolve:/abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrUnavailable))
	assert.False(t, errors.Is(err, cache.ErrMiss))
}
