package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory 是行程內快取，適合單實例部署與測試。
//
// 多實例部署時各實例的快取互相獨立，失效只會影響本機，
// 因此正式環境應使用 Redis。
type Memory struct {
	items *gocache.Cache
}

// NewMemory 建立行程內快取，cleanup 為過期項目的清理週期
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{items: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get 讀取鍵值
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, ErrMiss
	}

	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set 寫入鍵值
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: non-positive ttl %v", ttl)
	}

	data := make([]byte, len(value))
	copy(data, value)
	m.items.Set(key, data, ttl)
	return nil
}

// Delete 刪除指定鍵
func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		if _, ok := m.items.Get(k); ok {
			n++
		}
		m.items.Delete(k)
	}
	return n, nil
}

// DeleteMatching 刪除符合 glob 樣式的鍵
func (m *Memory) DeleteMatching(_ context.Context, pattern string) (int64, error) {
	var n int64
	for k := range m.items.Items() {
		if Match(pattern, k) {
			m.items.Delete(k)
			n++
		}
	}
	return n, nil
}

// Match 以 Redis 的規則比對 glob 樣式：* 匹配任意字元（包含 '/'），? 匹配單一字元。
//
// path.Match 的 * 不跨越 '/'，無法用在 "resolve:/abc" 這種鍵上。
func Match(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0

	for sx < len(s) {
		switch {
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case starPx >= 0:
			// 回溯：讓上一個 * 多吃一個字元
			starSx++
			px, sx = starPx+1, starSx
		default:
			return false
		}
	}

	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
