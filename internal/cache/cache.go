// Package cache 提供短碼解析結果的快取層。
//
// 鍵格式為 "{operation}:{request_path}"，例如 "resolve:/abc123"。
// 同一路徑在不同操作下互不干擾，失效時可以精確刪除單一鍵，
// 也可以用萬用字元（"resolve:*"）整批刪除。
//
// 快取只是加速層：任何錯誤都不應讓請求失敗，
// 呼叫端遇到 ErrUnavailable 時回源到 Link Store。
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss 鍵不存在或已過期
	ErrMiss = errors.New("cache: miss")

	// ErrUnavailable 快取後端無法使用（連線失敗、逾時 ...）
	ErrUnavailable = errors.New("cache: unavailable")
)

// Cache 是快取後端介面，由 Redis 與行程內實作。
type Cache interface {
	// Get 讀取鍵值，不存在時返回 ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 寫入鍵值，ttl 必須為正數
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 刪除指定鍵，返回實際刪除的數量
	Delete(ctx context.Context, keys ...string) (int64, error)

	// DeleteMatching 刪除符合 glob 樣式的所有鍵（支援 * 與 ?）
	DeleteMatching(ctx context.Context, pattern string) (int64, error)
}

// Key 組合快取鍵
func Key(operation, path string) string {
	return operation + ":" + path
}
