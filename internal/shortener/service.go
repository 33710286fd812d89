package shortener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/koopa0/shortlink/internal/cache"
)

// Options 服務參數
type Options struct {
	CacheTTL           time.Duration // 解析結果快取時間
	NegativeTTL        time.Duration // NotFound 快取時間，0 表示不快取
	Invalidation       string        // InvalidateKey 或 InvalidateWildcard
	CodeLength         int           // 自動產生的短碼長度
	RetryWarnThreshold int           // 碰撞重試超過此次數時警告

	// Now 返回目前時間，測試時可替換
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 60 * time.Second
	}
	if o.NegativeTTL < 0 {
		o.NegativeTTL = 0
	}
	if o.CodeLength <= 0 {
		o.CodeLength = 6
	}
	if o.RetryWarnThreshold <= 0 {
		o.RetryWarnThreshold = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service 短網址服務
//
// 組成：
//   - CodeGenerator：隨機短碼與別名驗證
//   - Resolver：Cache-Aside 解析，帶負向快取
//   - Invalidator：變更提交後清除快取
//   - ClickDispatcher：非同步點擊統計（行程內批次或 NATS）
type Service struct {
	store       Store
	ids         *snowflake.Node
	codes       *CodeGenerator
	resolver    *Resolver
	invalidator *Invalidator
	now         func() time.Time
	logger      *slog.Logger
}

// New 建立服務實例
func New(store Store, c cache.Cache, clicks ClickDispatcher, ids *snowflake.Node, logger *slog.Logger, opts Options) *Service {
	opts.setDefaults()

	return &Service{
		store:       store,
		ids:         ids,
		codes:       NewCodeGenerator(store, opts.CodeLength, opts.RetryWarnThreshold, logger),
		resolver:    NewResolver(store, c, clicks, opts.CacheTTL, opts.NegativeTTL, opts.Now, logger),
		invalidator: NewInvalidator(c, opts.Invalidation, logger),
		now:         opts.Now,
		logger:      logger,
	}
}

// Resolve 解析短碼，見 Resolver.Resolve
func (s *Service) Resolve(ctx context.Context, code string) (string, error) {
	return s.resolver.Resolve(ctx, code)
}

// CacheStats 返回解析快取的命中統計
func (s *Service) CacheStats() CacheStats {
	return s.resolver.CacheStats()
}

// CreateInput 建立短網址的參數
type CreateInput struct {
	OriginalURL string
	Alias       string     // 空字串表示自動產生
	ExpiresAt   *time.Time // nil 表示永不過期
	OwnerID     *int64     // nil 表示匿名
}

// Create 建立短網址。
//
// 錯誤：ErrInvalidURL、ErrInvalidAlias、ErrInvalidExpiry、ErrAliasConflict。
func (s *Service) Create(ctx context.Context, in CreateInput) (*Link, error) {
	if err := ValidateURL(in.OriginalURL); err != nil {
		return nil, err
	}

	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	link := &Link{
		ID:          s.ids.Generate().Int64(),
		OriginalURL: in.OriginalURL,
		CreatedAt:   now.UTC().Truncate(time.Microsecond),
		ExpiresAt:   normalizeTime(in.ExpiresAt),
		OwnerID:     in.OwnerID,
	}

	if in.Alias != "" {
		if err := ValidateAlias(in.Alias); err != nil {
			return nil, err
		}
		link.Code = in.Alias
		if err := s.store.Insert(ctx, link); err != nil {
			return nil, fmt.Errorf("insert alias %q: %w", in.Alias, err)
		}
	} else if err := s.insertGenerated(ctx, link); err != nil {
		return nil, err
	}

	// 清掉先前可能存在的 NotFound 快取
	s.invalidator.Invalidate(ctx, link.Code)

	s.logger.InfoContext(ctx, "link created",
		"code", link.Code,
		"link_id", link.ID,
		"custom", in.Alias != "",
	)
	return link, nil
}

// insertGenerated 產生短碼並寫入，被搶先使用時重新產生
func (s *Service) insertGenerated(ctx context.Context, link *Link) error {
	for {
		code, err := s.codes.Generate(ctx)
		if err != nil {
			return fmt.Errorf("generate code: %w", err)
		}

		link.Code = code
		err = s.store.Insert(ctx, link)
		if errors.Is(err, ErrAliasConflict) {
			s.logger.DebugContext(ctx, "generated code taken before insert, retrying", "code", code)
			continue
		}
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	}
}

// UpdateInput 修改短網址的參數，nil 欄位保持不變
type UpdateInput struct {
	OriginalURL *string
	Alias       *string
	ExpiresAt   *time.Time
}

// Update 修改短網址，只有擁有者可以修改。
//
// 改名時舊碼與新碼的快取都會失效：舊碼之後解析為 NotFound，新碼指向此連結。
func (s *Service) Update(ctx context.Context, code string, in UpdateInput, callerID int64) (*Link, error) {
	link, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !link.OwnedBy(callerID) {
		return nil, ErrForbidden
	}

	upd := LinkUpdate{ExpiresAt: normalizeTime(in.ExpiresAt)}

	if in.OriginalURL != nil {
		if err := ValidateURL(*in.OriginalURL); err != nil {
			return nil, err
		}
		upd.OriginalURL = in.OriginalURL
	}

	if in.Alias != nil && *in.Alias != code {
		if err := ValidateAlias(*in.Alias); err != nil {
			return nil, err
		}
		upd.Code = in.Alias
	}

	updated, err := s.store.Update(ctx, code, upd)
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", code, err)
	}

	s.invalidator.Invalidate(ctx, code, updated.Code)

	s.logger.InfoContext(ctx, "link updated", "code", code, "new_code", updated.Code)
	return updated, nil
}

// Delete 刪除短網址，只有擁有者可以刪除
func (s *Service) Delete(ctx context.Context, code string, callerID int64) error {
	link, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return err
	}
	if !link.OwnedBy(callerID) {
		return ErrForbidden
	}

	if _, err := s.store.Delete(ctx, code); err != nil {
		return fmt.Errorf("delete %q: %w", code, err)
	}

	s.invalidator.Invalidate(ctx, code)

	s.logger.InfoContext(ctx, "link deleted", "code", code, "link_id", link.ID)
	return nil
}

// Get 返回短網址記錄（不檢查過期）
func (s *Service) Get(ctx context.Context, code string) (*Link, error) {
	return s.store.FindByCode(ctx, code)
}

// Stats 返回短網址的點擊統計
func (s *Service) Stats(ctx context.Context, code string) (*LinkStats, error) {
	link, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	st, err := s.store.GetStats(ctx, link.ID)
	if err != nil {
		return nil, fmt.Errorf("stats %q: %w", code, err)
	}

	return &LinkStats{
		Code:          link.Code,
		OriginalURL:   link.OriginalURL,
		CreatedAt:     link.CreatedAt,
		ExpiresAt:     link.ExpiresAt,
		Clicks:        st.Clicks,
		LastClickedAt: st.LastClickedAt,
	}, nil
}

// Search 以原始網址查詢最新的短網址
func (s *Service) Search(ctx context.Context, originalURL string) (*Link, error) {
	return s.store.FindByURL(ctx, originalURL)
}

// ListByOwner 返回擁有者的所有短網址
func (s *Service) ListByOwner(ctx context.Context, ownerID int64) ([]*Link, error) {
	return s.store.FindByOwner(ctx, ownerID)
}

// normalizeTime 統一為 UTC 並截到微秒（PostgreSQL timestamptz 的精度）
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}
