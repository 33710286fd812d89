package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch 是每次 SCAN 建議返回的鍵數
const scanBatch = 100

// Redis 以 Redis 實作共享快取，所有實例看到相同的內容。
//
// 所有鍵都加上 prefix，避免與同一個 Redis 上的其他服務衝突，
// 也讓 DeleteMatching 不會誤刪別人的資料。
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis 建立 Redis 快取
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Get 讀取鍵值
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return data, nil
}

// Set 寫入鍵值（SET key value EX ttl）
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: non-positive ttl %v", ttl)
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Delete 刪除指定鍵
func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}

	n, err := r.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// DeleteMatching 用 SCAN + DEL 刪除符合樣式的鍵。
//
// 不使用 KEYS：KEYS 會阻塞 Redis 直到掃完整個鍵空間。
// SCAN 是漸進式的，掃描期間新寫入的鍵可能不會被刪除，
// 這與「失效後的讀取會重新載入」的語義相容。
func (r *Redis) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+pattern, scanBatch).Result()
		if err != nil {
			return deleted, unavailable(err)
		}

		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, unavailable(err)
			}
			deleted += n
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
