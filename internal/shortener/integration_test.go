package shortener_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/cache"
	"github.com/koopa0/shortlink/internal/shortener"
	"github.com/koopa0/shortlink/internal/storage"
	"github.com/koopa0/shortlink/internal/testutils"
)

const itPrefix = "it:"

// TestService_PostgresRedis 以真正的 PostgreSQL 與 Redis 跑完整的解析與失效流程
func TestService_PostgresRedis(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := storage.NewPostgres(env.PostgresPool)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	newService := func(t *testing.T) (*shortener.Service, *shortener.ClickAccountant) {
		env.ResetTestData(t)

		clicks := shortener.NewClickAccountant(store, shortener.ClickOptions{
			BatchSize:     20,
			FlushInterval: 10 * time.Millisecond,
		}, env.Logger)
		t.Cleanup(clicks.Shutdown)

		svc := shortener.New(store, cache.NewRedis(env.RedisClient, itPrefix), clicks, node, env.Logger, shortener.Options{
			CacheTTL:    time.Minute,
			NegativeTTL: 10 * time.Second,
		})
		return svc, clicks
	}

	cached := func(t *testing.T, code string) bool {
		t.Helper()
		n, err := env.RedisClient.Exists(ctx, itPrefix+shortener.ResolveKey(code)).Result()
		require.NoError(t, err)
		return n == 1
	}

	t.Run("redirect is cached in redis", func(t *testing.T) {
		svc, _ := newService(t)

		_, err := svc.Create(ctx, shortener.CreateInput{OriginalURL: "https://example.com/page", Alias: "promo1"})
		require.NoError(t, err)
		assert.False(t, cached(t, "promo1"))

		url, err := svc.Resolve(ctx, "promo1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/page", url)
		assert.True(t, cached(t, "promo1"))

		ttl, err := env.RedisClient.TTL(ctx, itPrefix+shortener.ResolveKey("promo1")).Result()
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("update drops the cached entry", func(t *testing.T) {
		svc, _ := newService(t)
		owner := int64(9)

		_, err := svc.Create(ctx, shortener.CreateInput{OriginalURL: "https://old.example.com", Alias: "abc123", OwnerID: &owner})
		require.NoError(t, err)
		_, err = svc.Resolve(ctx, "abc123")
		require.NoError(t, err)
		require.True(t, cached(t, "abc123"))

		newURL := "https://new.example.com"
		_, err = svc.Update(ctx, "abc123", shortener.UpdateInput{OriginalURL: &newURL}, owner)
		require.NoError(t, err)
		assert.False(t, cached(t, "abc123"))

		url, err := svc.Resolve(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, newURL, url)
	})

	t.Run("negative entry cleared by create", func(t *testing.T) {
		svc, _ := newService(t)

		_, err := svc.Resolve(ctx, "later1")
		require.ErrorIs(t, err, shortener.ErrNotFound)
		require.True(t, cached(t, "later1"))

		_, err = svc.Create(ctx, shortener.CreateInput{OriginalURL: "https://example.com/later", Alias: "later1"})
		require.NoError(t, err)

		url, err := svc.Resolve(ctx, "later1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/later", url)
	})

	t.Run("concurrent clicks are all counted", func(t *testing.T) {
		svc, clicks := newService(t)

		_, err := svc.Create(ctx, shortener.CreateInput{OriginalURL: "https://example.com/hot", Alias: "hot123"})
		require.NoError(t, err)

		const n = 50
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Resolve(ctx, "hot123")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		clicks.Shutdown()

		st, err := svc.Stats(ctx, "hot123")
		require.NoError(t, err)
		assert.Equal(t, int64(n), st.Clicks)
	})
}
