package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// checkTimeout 限流判斷的最長等待時間，逾時視同 Redis 不可用
const checkTimeout = 100 * time.Millisecond

// KeyFunc 從請求提取限流 key
type KeyFunc func(r *http.Request) string

// ClientIP 以連線對端的 IP 作為 key。
//
// 不看 X-Forwarded-For：任何客戶端都能偽造這個標頭。
// 部署在反向代理之後時改用 ForwardedIP。
func ClientIP(r *http.Request) string {
	return "ip:" + remoteHost(r)
}

// ParseProxies 解析信任的代理位址，每一項可以是 CIDR 或單一 IP
func ParseProxies(list []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ForwardedIP 返回只信任指定代理所附加的 X-Forwarded-For 的 KeyFunc。
//
// 對端不是信任代理時等同 ClientIP。否則由右往左走訪 X-Forwarded-For，
// 略過信任代理，取第一個不受信任的位址；客戶端自己塞進標頭左側的值不會被採用。
func ForwardedIP(trusted []netip.Prefix) KeyFunc {
	isTrusted := func(s string) bool {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		peer := remoteHost(r)
		if !isTrusted(peer) {
			return "ip:" + peer
		}

		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !isTrusted(hop) {
				return "ip:" + hop
			}
		}
		return "ip:" + peer
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware 建立限流中介軟體。
//
// 超過限制返回 429 與 Retry-After；限流器錯誤時放行並記錄警告。
func Middleware(l Limiter, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)

			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			d, err := l.Allow(ctx, k)
			cancel()

			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "key", k, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

			if !d.Allowed {
				logger.InfoContext(r.Context(), "rate limited", "key", k, "retry_after", d.RetryAfter)
				writeLimited(w, d.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
}
