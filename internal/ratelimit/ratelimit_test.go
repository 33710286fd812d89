package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/testutils"
)

func TestLocal_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(3, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(2-i), d.Remaining)
		now = now.Add(10 * time.Second)
	}

	d, err := l.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// 其他 key 不受影響
	d, _ = l.Allow(ctx, "ip:5.6.7.8")
	assert.True(t, d.Allowed)

	// 第一個請求滑出視窗
	now = now.Add(30 * time.Second)
	d, _ = l.Allow(ctx, "ip:1.2.3.4")
	assert.True(t, d.Allowed)
}

func TestLocal_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(10, time.Minute)
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "a")
	now = now.Add(30 * time.Second)
	_, _ = l.Allow(context.Background(), "b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.Prune())
	assert.Len(t, l.requests, 1)
}

func TestLocal_Concurrent(t *testing.T) {
	l := NewLocal(50, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "k")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestRedis_SlidingWindow(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	l := NewRedis(env.RedisClient, "test:", 5, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "ip:10.1.1.1")
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)

	d, err := l.Allow(ctx, "ip:10.1.1.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	keys, err := env.RedisClient.Keys(ctx, "test:ratelimit:*").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"test:ratelimit:ip:10.1.1.1"}, keys)
}

func TestRedis_WindowSlides(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	now := time.Now()
	l := NewRedis(env.RedisClient, "", 2, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, _ := l.Allow(ctx, "k")
	require.False(t, d.Allowed)

	now = now.Add(1100 * time.Millisecond)
	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// stubLimiter 返回固定結果
type stubLimiter struct {
	d   Decision
	err error
}

func (s stubLimiter) Allow(context.Context, string) (Decision, error) { return s.d, s.err }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	log := slog.New(slog.DiscardHandler)

	tests := []struct {
		name       string
		limiter    Limiter
		wantStatus int
		wantRetry  string
	}{
		{"allowed", stubLimiter{d: Decision{Allowed: true, Limit: 10, Remaining: 9}}, http.StatusCreated, ""},
		{"limited", stubLimiter{d: Decision{Limit: 10, RetryAfter: 2500 * time.Millisecond}}, http.StatusTooManyRequests, "3"},
		{"limited without hint", stubLimiter{d: Decision{Limit: 10}}, http.StatusTooManyRequests, "1"},
		{"limiter down fails open", stubLimiter{err: errors.New("dial tcp: refused")}, http.StatusCreated, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(tt.limiter, ClientIP, log)(ok)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/links", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "ip:203.0.113.7", ClientIP(req))

	// 客戶端自帶的標頭不影響 key
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "ip:203.0.113.7", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "ip:unix-socket", ClientIP(req))
}

func TestParseProxies(t *testing.T) {
	prefixes, err := ParseProxies([]string{"10.0.0.0/8", " 192.168.1.10 ", "fd00::/8"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "192.168.1.10/32", prefixes[1].String())

	_, err = ParseProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestForwardedIP(t *testing.T) {
	trusted, err := ParseProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	key := ForwardedIP(trusted)

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"direct client ignores header", "203.0.113.7:1", []string{"198.51.100.1"}, "ip:203.0.113.7"},
		{"behind proxy", "10.0.0.2:1", []string{"198.51.100.1"}, "ip:198.51.100.1"},
		{"spoofed left entries skipped", "10.0.0.2:1", []string{"1.2.3.4, 198.51.100.1"}, "ip:198.51.100.1"},
		{"proxy chain", "10.0.0.2:1", []string{"198.51.100.1, 10.0.0.9"}, "ip:198.51.100.1"},
		{"multiple header lines", "10.0.0.2:1", []string{"1.2.3.4", "198.51.100.1"}, "ip:198.51.100.1"},
		{"no header", "10.0.0.2:1", nil, "ip:10.0.0.2"},
		{"only proxies", "10.0.0.2:1", []string{"10.0.0.5"}, "ip:10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, key(req))
		})
	}
}

// 輪換 X-Forwarded-For 不能繞過以 IP 計算的限流
func TestMiddleware_IgnoresSpoofedForwardedFor(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	h := Middleware(NewLocal(2, time.Minute), ClientIP, slog.New(slog.DiscardHandler))(ok)

	codes := make([]int, 0, 4)
	for i := range 4 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/links", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}
