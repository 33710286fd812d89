// Package storage 實作 shortener.Store：PostgreSQL（正式環境）與記憶體（開發、測試）。
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/shortlink/internal/shortener"
)

// Memory 以 map 實作的儲存，單一互斥鎖保護所有操作。
//
// 返回的記錄都是副本，呼叫端修改不會影響內部狀態。
type Memory struct {
	mu    sync.RWMutex
	links map[string]*shortener.Link // short code → link
	codes map[int64]string           // link id → short code
	stats map[int64]*shortener.Stats // link id → stats
}

// NewMemory 建立記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		links: make(map[string]*shortener.Link),
		codes: make(map[int64]string),
		stats: make(map[int64]*shortener.Stats),
	}
}

// FindByCode 以短碼查詢
func (m *Memory) FindByCode(_ context.Context, code string) (*shortener.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.links[code]
	if !ok {
		return nil, shortener.ErrNotFound
	}
	return copyLink(link), nil
}

// FindByURL 返回原始網址最新的一筆
func (m *Memory) FindByURL(_ context.Context, originalURL string) (*shortener.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *shortener.Link
	for _, link := range m.links {
		if link.OriginalURL != originalURL {
			continue
		}
		if latest == nil || newer(link, latest) {
			latest = link
		}
	}

	if latest == nil {
		return nil, shortener.ErrNotFound
	}
	return copyLink(latest), nil
}

// FindByOwner 返回擁有者的所有短網址（新到舊）
func (m *Memory) FindByOwner(_ context.Context, ownerID int64) ([]*shortener.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(func(l *shortener.Link) bool { return l.OwnedBy(ownerID) }), nil
}

// Insert 新增記錄，短碼重複時返回 ErrAliasConflict
func (m *Memory) Insert(_ context.Context, link *shortener.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[link.Code]; exists {
		return shortener.ErrAliasConflict
	}

	m.links[link.Code] = copyLink(link)
	m.codes[link.ID] = link.Code
	return nil
}

// Update 套用修改
func (m *Memory) Update(_ context.Context, code string, upd shortener.LinkUpdate) (*shortener.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.links[code]
	if !ok {
		return nil, shortener.ErrNotFound
	}

	if upd.Code != nil && *upd.Code != code {
		if _, taken := m.links[*upd.Code]; taken {
			return nil, shortener.ErrAliasConflict
		}
	}

	updated := copyLink(link)
	if upd.OriginalURL != nil {
		updated.OriginalURL = *upd.OriginalURL
	}
	if upd.ExpiresAt != nil {
		t := *upd.ExpiresAt
		updated.ExpiresAt = &t
	}
	if upd.Code != nil {
		updated.Code = *upd.Code
	}

	delete(m.links, code)
	m.links[updated.Code] = updated
	m.codes[updated.ID] = updated.Code
	return copyLink(updated), nil
}

// Delete 刪除記錄與統計
func (m *Memory) Delete(_ context.Context, code string) (*shortener.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.links[code]
	if !ok {
		return nil, shortener.ErrNotFound
	}

	delete(m.links, code)
	delete(m.codes, link.ID)
	delete(m.stats, link.ID)
	return link, nil
}

// FindExpired 返回 expires_at <= now 的記錄
func (m *Memory) FindExpired(_ context.Context, now time.Time) ([]*shortener.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(func(l *shortener.Link) bool { return l.ExpiredAt(now) }), nil
}

// DeleteExpired 在同一把鎖內找出並刪除過期記錄
func (m *Memory) DeleteExpired(_ context.Context, now time.Time) ([]*shortener.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.collect(func(l *shortener.Link) bool { return l.ExpiredAt(now) })
	for _, l := range removed {
		delete(m.links, l.Code)
		delete(m.codes, l.ID)
		delete(m.stats, l.ID)
	}
	return removed, nil
}

// GetStats 返回統計，沒有記錄時返回零值
func (m *Memory) GetStats(_ context.Context, linkID int64) (*shortener.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stats[linkID]
	if !ok {
		return &shortener.Stats{LinkID: linkID}, nil
	}
	return copyStats(st), nil
}

// IncrementClicks 增加點擊數，連結不存在時返回 ErrNotFound
func (m *Memory) IncrementClicks(_ context.Context, linkID int64, delta int64, at time.Time) (*shortener.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[linkID]; !ok {
		return nil, shortener.ErrNotFound
	}

	st, ok := m.stats[linkID]
	if !ok {
		st = &shortener.Stats{LinkID: linkID}
		m.stats[linkID] = st
	}

	st.Clicks += delta
	if st.LastClickedAt == nil || at.After(*st.LastClickedAt) {
		t := at
		st.LastClickedAt = &t
	}
	return copyStats(st), nil
}

// collect 返回符合條件的副本（新到舊），呼叫端需持有鎖
func (m *Memory) collect(match func(*shortener.Link) bool) []*shortener.Link {
	out := make([]*shortener.Link, 0)
	for _, l := range m.links {
		if match(l) {
			out = append(out, copyLink(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

func newer(a, b *shortener.Link) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func copyLink(l *shortener.Link) *shortener.Link {
	c := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.OwnerID != nil {
		id := *l.OwnerID
		c.OwnerID = &id
	}
	return &c
}

func copyStats(s *shortener.Stats) *shortener.Stats {
	c := *s
	if s.LastClickedAt != nil {
		t := *s.LastClickedAt
		c.LastClickedAt = &t
	}
	return &c
}
