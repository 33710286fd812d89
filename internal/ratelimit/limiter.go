// Package ratelimit 限制建立短網址的請求頻率。
//
// 兩種實作都是滑動視窗：任意 window 時間內同一個 key 最多 limit 次。
//   - Redis：Sorted Set + Lua，多實例共享計數
//   - Local：行程內，沒有 Redis 時使用（單實例）
//
// Redis 不可用時中介軟體放行請求並記錄警告（可用性優先）。
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision 是一次限流判斷的結果
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // 被拒絕時，最早何時可以再試
}

// Limiter 判斷 key 的請求是否允許
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// slidingWindowScript 原子地清理、計數、寫入。
//
// KEYS[1]: Sorted Set（score 為毫秒時間戳）
// ARGV[1]: 視窗（毫秒）
// ARGV[2]: 上限
// ARGV[3]: 目前時間（毫秒）
// ARGV[4]: 本次請求的唯一 member
//
// 返回 {allowed, remaining, retry_after_ms}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// Redis 分散式滑動視窗限流器
type Redis struct {
	client redis.Cmdable
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedis 建立 Redis 限流器，key 會加上 prefix+"ratelimit:"
func NewRedis(client redis.Cmdable, prefix string, limit int64, window time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix + "ratelimit:",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow 實作 Limiter。
//
// 每次請求以 UUID 作為 member，同一毫秒內的多次請求不會互相覆蓋。
func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		l.window.Milliseconds(),
		l.limit,
		l.now().UnixMilli(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: true, Limit: l.limit}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	return Decision{
		Allowed:    res[0] == 1,
		Limit:      l.limit,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Local 行程內滑動視窗限流器，每個 key 保存視窗內的請求時間
type Local struct {
	mu       sync.Mutex
	limit    int64
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

// NewLocal 建立行程內限流器
func NewLocal(limit int64, window time.Duration) *Local {
	return &Local{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow 實作 Limiter，永不返回錯誤
func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Add(-l.window)

	// 時間遞增寫入，找到第一個仍在視窗內的請求
	reqs := l.requests[key]
	valid := len(reqs)
	for i, t := range reqs {
		if t.After(start) {
			valid = i
			break
		}
	}
	reqs = reqs[valid:]

	if int64(len(reqs)) >= l.limit {
		l.requests[key] = reqs
		return Decision{
			Limit:      l.limit,
			RetryAfter: reqs[0].Add(l.window).Sub(now),
		}, nil
	}

	reqs = append(reqs, now)
	l.requests[key] = reqs
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - int64(len(reqs)),
	}, nil
}

// Prune 移除視窗外已無請求的 key，由呼叫端定期執行
func (l *Local) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now().Add(-l.window)
	removed := 0
	for key, reqs := range l.requests {
		if len(reqs) == 0 || !reqs[len(reqs)-1].After(start) {
			delete(l.requests, key)
			removed++
		}
	}
	return removed
}
