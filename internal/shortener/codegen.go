package shortener

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/url"
	"strings"

	"github.com/koopa0/shortlink/pkg/base62"
)

// 自訂別名長度限制
const (
	MinAliasLength = 3
	MaxAliasLength = 32
)

// 與 HTTP 路由衝突的保留字，不能作為別名或產生的短碼。
//
// search 與 expired 是 /api/v1/links/ 下的字面路由，會搶先於 {code} 匹配。
var reservedAliases = map[string]struct{}{
	"api":     {},
	"health":  {},
	"ready":   {},
	"metrics": {},
	"static":  {},
	"search":  {},
	"expired": {},
}

// IsReserved 回報 code 是否與路由保留字衝突（不分大小寫）
func IsReserved(code string) bool {
	_, ok := reservedAliases[strings.ToLower(code)]
	return ok
}

// codeLookup 是產生短碼時唯一需要的儲存能力
type codeLookup interface {
	FindByCode(ctx context.Context, code string) (*Link, error)
}

// CodeGenerator 產生隨機短碼。
//
// 每一位從 62 個字元中均勻抽取，亂數來源是 crypto/rand，
// 讓短碼無法被預測或枚舉。6 位時空間為 62^6 ≈ 568 億。
//
// 碰撞處理：產生後查詢儲存層，已被佔用就重抽，沒有次數上限；
// 超過 warnAfter 次時每次都記錄警告（表示空間接近飽和）。
type CodeGenerator struct {
	lookup    codeLookup
	length    int
	space     *big.Int
	warnAfter int
	random    io.Reader
	logger    *slog.Logger

	// candidate 產生下一個候選短碼，預設為 Random
	candidate func() (string, error)
}

// NewCodeGenerator 建立短碼產生器
func NewCodeGenerator(lookup codeLookup, length, warnAfter int, logger *slog.Logger) *CodeGenerator {
	space, ok := base62.Space(length)
	if !ok || length <= 0 {
		panic(fmt.Sprintf("shortener: unsupported code length %d", length))
	}

	g := &CodeGenerator{
		lookup:    lookup,
		length:    length,
		space:     new(big.Int).SetUint64(space),
		warnAfter: warnAfter,
		random:    rand.Reader,
		logger:    logger,
	}
	g.candidate = g.Random
	return g
}

// Random 產生一個候選短碼，不檢查是否已被使用
func (g *CodeGenerator) Random() (string, error) {
	n, err := rand.Int(g.random, g.space)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	code, ok := base62.EncodePadded(n.Uint64(), g.length)
	if !ok {
		return "", fmt.Errorf("encode %d into %d chars", n.Uint64(), g.length)
	}
	return code, nil
}

// Generate 產生一個目前未被使用的短碼。
//
// 只有 ctx 取消或儲存層錯誤會讓它返回錯誤。
// 檢查與寫入之間仍可能有其他請求搶到同一個短碼，
// 呼叫端在 Insert 返回 ErrAliasConflict 時應重新呼叫。
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := g.candidate()
		if err != nil {
			return "", err
		}
		if IsReserved(code) {
			continue
		}

		_, err = g.lookup.FindByCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}

		if attempt > g.warnAfter {
			g.logger.WarnContext(ctx, "short code collision retries above threshold",
				"attempt", attempt,
				"threshold", g.warnAfter,
				"length", g.length,
			)
		}
	}
}

// ValidateAlias 檢查自訂別名：只允許 Base62 字元、長度 3-32、不能是保留字
func ValidateAlias(alias string) error {
	if len(alias) < MinAliasLength || len(alias) > MaxAliasLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidAlias, MinAliasLength, MaxAliasLength)
	}
	if !base62.IsValid(alias) {
		return fmt.Errorf("%w: only 0-9, A-Z, a-z are allowed", ErrInvalidAlias)
	}
	if IsReserved(alias) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidAlias, alias)
	}
	return nil
}

// ValidateURL 檢查原始網址。
//
// 規則：
//   - 可被解析的絕對網址，scheme 只允許 http / https
//   - 必須有 host
//   - 拒絕 localhost 與私有 IP（SSRF 防護）
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if isPrivateOrLocalhost(u.Hostname()) {
		return fmt.Errorf("%w: private or loopback host", ErrInvalidURL)
	}
	return nil
}

// isPrivateOrLocalhost 檢查主機名是否為私有 IP 或 localhost
//
// 涵蓋 127.0.0.0/8、10/8、172.16/12、192.168/16、169.254/16（雲端 metadata）
// 與對應的 IPv6 範圍。網域名稱不做 DNS 解析。
func isPrivateOrLocalhost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
