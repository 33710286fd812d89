package shortener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/koopa0/shortlink/internal/cache"
	"github.com/koopa0/shortlink/pkg/base62"
)

// resolveOp 是解析結果在快取中的操作名稱
const resolveOp = "resolve"

// ResolveKey 返回短碼解析結果的快取鍵，例如 "resolve:/abc123"
func ResolveKey(code string) string {
	return cache.Key(resolveOp, "/"+code)
}

// Outcome 是一次解析的結果種類
type Outcome string

const (
	OutcomeRedirect Outcome = "redirect"
	OutcomeNotFound Outcome = "not_found"
	OutcomeExpired  Outcome = "expired"
)

// resolution 是寫入快取的解析結果。
//
// Redirect 會帶上 expires_at，命中時重新比對時間，
// 快取存活得比連結久也不會把已過期的連結導出去。
type resolution struct {
	Outcome   Outcome    `json:"outcome"`
	URL       string     `json:"url,omitempty"`
	LinkID    int64      `json:"link_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ClickDispatcher 接收一次成功的重定向，非同步地記錄點擊。
//
// Dispatch 不能阻塞呼叫端，也不能因為請求取消而放棄記錄。
type ClickDispatcher interface {
	Dispatch(ctx context.Context, linkID int64, at time.Time)
}

// CacheStats 是解析器的快取命中統計
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Resolver 把短碼解析為原始網址（Cache-Aside）。
//
// 流程：
//
//	查快取 ─ 命中 ─→ Redirect（重新檢查過期）/ NotFound / Expired
//	   │
//	  未命中或快取故障
//	   ↓
//	查 Store ─→ 不存在：寫入負向快取，NotFound
//	   │     ─→ 已過期：寫入快取，Expired
//	   ↓
//	寫入快取（TTL 不超過剩餘有效時間），Redirect
//
// 每次 Redirect（不論是否命中快取）都會送出一次點擊。
// 快取故障只記錄警告，解析結果與沒有快取時相同。
type Resolver struct {
	store       codeLookup
	cache       cache.Cache
	clicks      ClickDispatcher
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewResolver 建立解析器。negativeTTL 為 0 時不快取 NotFound。
func NewResolver(store codeLookup, c cache.Cache, clicks ClickDispatcher, ttl, negativeTTL time.Duration, now func() time.Time, logger *slog.Logger) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:       store,
		cache:       c,
		clicks:      clicks,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		now:         now,
		logger:      logger,
	}
}

// Resolve 返回短碼對應的原始網址。
//
// 錯誤：
//   - ErrNotFound：短碼不存在
//   - ErrExpired：短碼存在但 expires_at <= now
//   - 其他：儲存層錯誤
func (r *Resolver) Resolve(ctx context.Context, code string) (string, error) {
	// 不可能存在的短碼不查快取也不查資料庫
	if len(code) > MaxAliasLength || !base62.IsValid(code) {
		return "", ErrNotFound
	}

	key := ResolveKey(code)

	if res, ok := r.lookup(ctx, key); ok {
		return r.fromCache(ctx, key, res)
	}

	link, err := r.store.FindByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		if r.negativeTTL > 0 {
			r.remember(ctx, key, resolution{Outcome: OutcomeNotFound}, r.negativeTTL)
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find %q: %w", code, err)
	}

	now := r.now()
	if link.ExpiredAt(now) {
		r.remember(ctx, key, resolution{Outcome: OutcomeExpired}, r.ttl)
		return "", ErrExpired
	}

	ttl := r.ttl
	if link.ExpiresAt != nil {
		if remaining := link.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	r.remember(ctx, key, resolution{
		Outcome:   OutcomeRedirect,
		URL:       link.OriginalURL,
		LinkID:    link.ID,
		ExpiresAt: link.ExpiresAt,
	}, ttl)

	r.clicks.Dispatch(ctx, link.ID, now)
	return link.OriginalURL, nil
}

// fromCache 處理命中的快取項目
func (r *Resolver) fromCache(ctx context.Context, key string, res resolution) (string, error) {
	switch res.Outcome {
	case OutcomeNotFound:
		return "", ErrNotFound
	case OutcomeExpired:
		return "", ErrExpired
	}

	now := r.now()
	if res.ExpiresAt != nil && !res.ExpiresAt.After(now) {
		r.remember(ctx, key, resolution{Outcome: OutcomeExpired}, r.ttl)
		return "", ErrExpired
	}

	r.clicks.Dispatch(ctx, res.LinkID, now)
	return res.URL, nil
}

// lookup 讀取快取，任何失敗都視為未命中
func (r *Resolver) lookup(ctx context.Context, key string) (resolution, bool) {
	var res resolution

	data, err := r.cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrMiss):
		r.misses.Add(1)
		return res, false
	case err != nil:
		r.errors.Add(1)
		r.misses.Add(1)
		r.logger.WarnContext(ctx, "cache unavailable, falling back to store", "key", key, "error", err)
		return res, false
	}

	if err := json.Unmarshal(data, &res); err != nil || res.Outcome == "" {
		r.misses.Add(1)
		r.logger.WarnContext(ctx, "discarding malformed cache entry", "key", key, "error", err)
		return res, false
	}

	r.hits.Add(1)
	return res, true
}

// remember 寫入快取，失敗只記錄警告
func (r *Resolver) remember(ctx context.Context, key string, res resolution, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal cache entry", "key", key, "error", err)
		return
	}

	if err := r.cache.Set(ctx, key, data, ttl); err != nil {
		r.errors.Add(1)
		r.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

// CacheStats 返回目前的命中統計
func (r *Resolver) CacheStats() CacheStats {
	return CacheStats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Errors: r.errors.Load(),
	}
}
