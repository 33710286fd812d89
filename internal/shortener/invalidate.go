package shortener

import (
	"context"
	"log/slog"

	"github.com/koopa0/shortlink/internal/cache"
)

// 失效模式
const (
	// InvalidateKey 只刪除受影響短碼的鍵
	InvalidateKey = "key"
	// InvalidateWildcard 刪除所有解析結果（resolve:*）
	InvalidateWildcard = "wildcard"
)

// Invalidator 在資料變更後清除快取。
//
// 順序固定為：先提交到 Store，再失效快取。
// 失效失敗時變更依然成功，只記錄一筆降級警告；
// 過時的項目最多存活到 TTL 到期。
type Invalidator struct {
	cache  cache.Cache
	mode   string
	logger *slog.Logger
}

// NewInvalidator 建立失效協調器，mode 為 InvalidateKey 或 InvalidateWildcard
func NewInvalidator(c cache.Cache, mode string, logger *slog.Logger) *Invalidator {
	if mode != InvalidateWildcard {
		mode = InvalidateKey
	}
	return &Invalidator{cache: c, mode: mode, logger: logger}
}

// Invalidate 清除 codes 相關的快取項目（改名時同時傳入舊碼與新碼）
func (inv *Invalidator) Invalidate(ctx context.Context, codes ...string) {
	if len(codes) == 0 {
		return
	}

	var (
		n   int64
		err error
	)

	if inv.mode == InvalidateWildcard {
		n, err = inv.cache.DeleteMatching(ctx, resolveOp+":*")
	} else {
		keys := make([]string, 0, len(codes))
		seen := make(map[string]struct{}, len(codes))
		for _, code := range codes {
			if _, dup := seen[code]; dup || code == "" {
				continue
			}
			seen[code] = struct{}{}
			keys = append(keys, ResolveKey(code))
		}
		n, err = inv.cache.Delete(ctx, keys...)
	}

	if err != nil {
		inv.logger.WarnContext(ctx, "cache invalidation failed, stale entries may be served until ttl",
			"mode", inv.mode,
			"codes", codes,
			"error", err,
		)
		return
	}

	inv.logger.DebugContext(ctx, "cache invalidated", "mode", inv.mode, "codes", codes, "deleted", n)
}
