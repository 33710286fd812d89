package shortener

import (
	"context"
	"time"
)

// Store 是短網址的持久化儲存，PostgreSQL 與記憶體版本都實作它。
//
// 一致性要求：
//   - 短碼唯一由儲存層保證（UNIQUE 約束），重複時返回 ErrAliasConflict
//   - IncrementClicks 必須是原子的 clicks = clicks + delta，
//     並發呼叫不能遺失任何一次增量
//   - DeleteExpired 以單一操作完成，可安全地並發執行
type Store interface {
	// FindByCode 以短碼查詢，包含已過期但尚未清理的記錄
	FindByCode(ctx context.Context, code string) (*Link, error)

	// FindByURL 返回指定原始網址最新的一筆
	FindByURL(ctx context.Context, originalURL string) (*Link, error)

	// FindByOwner 返回擁有者的所有短網址（新到舊）
	FindByOwner(ctx context.Context, ownerID int64) ([]*Link, error)

	// Insert 新增記錄
	Insert(ctx context.Context, link *Link) error

	// Update 套用修改並返回新狀態
	Update(ctx context.Context, code string, upd LinkUpdate) (*Link, error)

	// Delete 刪除記錄與其統計，返回被刪除的記錄
	Delete(ctx context.Context, code string) (*Link, error)

	// FindExpired 返回 expires_at <= now 的記錄
	FindExpired(ctx context.Context, now time.Time) ([]*Link, error)

	// DeleteExpired 刪除 expires_at <= now 的記錄並返回它們
	DeleteExpired(ctx context.Context, now time.Time) ([]*Link, error)

	// GetStats 返回統計，從未被點擊時返回零值
	GetStats(ctx context.Context, linkID int64) (*Stats, error)

	// IncrementClicks 原子地增加點擊數
	IncrementClicks(ctx context.Context, linkID int64, delta int64, at time.Time) (*Stats, error)
}
