// Package shortener 實現短網址的核心功能：建立、解析、點擊統計與過期清理。
package shortener

import (
	"errors"
	"time"
)

// Link 表示一筆短網址記錄
//
//   - ID：Snowflake ID，資料庫主鍵
//   - Code：短碼（自動產生或自訂別名），全域唯一
//   - ExpiresAt：nil 表示永不過期
//   - OwnerID：nil 表示匿名建立，任何人都不能修改
type Link struct {
	ID          int64      `json:"id"`
	Code        string     `json:"short_code"`
	OriginalURL string     `json:"original_url"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	OwnerID     *int64     `json:"owner_id,omitempty"`
}

// ExpiredAt 判斷在 now 時刻是否已過期。
//
// 邊界包含在內：expires_at == now 視為已過期。
func (l *Link) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// OwnedBy 判斷 userID 是否為擁有者
func (l *Link) OwnedBy(userID int64) bool {
	return l.OwnerID != nil && *l.OwnerID == userID
}

// Stats 點擊統計
type Stats struct {
	LinkID        int64      `json:"-"`
	Clicks        int64      `json:"clicks"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
}

// LinkStats 是對外呈現的統計資訊
type LinkStats struct {
	Code          string     `json:"short_code"`
	OriginalURL   string     `json:"original_url"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Clicks        int64      `json:"clicks"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
}

// LinkUpdate 描述一次修改，nil 欄位保持不變
type LinkUpdate struct {
	OriginalURL *string
	Code        *string
	ExpiresAt   *time.Time
}

// 錯誤定義
//
// HTTP 狀態碼映射：
//   - ErrNotFound      → 404
//   - ErrExpired       → 410
//   - ErrAliasConflict → 400
//   - ErrInvalidURL    → 400
//   - ErrInvalidAlias  → 400
//   - ErrInvalidExpiry → 400
//   - ErrForbidden     → 403
var (
	// ErrNotFound 短碼不存在
	ErrNotFound = errors.New("short code not found")

	// ErrExpired 短碼存在但已過期
	ErrExpired = errors.New("link has expired")

	// ErrAliasConflict 自訂別名（或改名目標）已被使用
	ErrAliasConflict = errors.New("alias already in use")

	// ErrInvalidURL 原始網址格式錯誤
	ErrInvalidURL = errors.New("invalid url")

	// ErrInvalidAlias 自訂別名不符合規則
	ErrInvalidAlias = errors.New("invalid alias")

	// ErrInvalidExpiry 過期時間不在未來
	ErrInvalidExpiry = errors.New("expiry must be in the future")

	// ErrForbidden 呼叫者不是擁有者
	ErrForbidden = errors.New("not the owner of this link")

	// ErrAccounting 點擊統計寫入失敗（只記錄日誌，不影響重定向）
	ErrAccounting = errors.New("click accounting failed")
)
