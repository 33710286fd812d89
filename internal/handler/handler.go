// Package handler 實現 HTTP 請求處理
//
// 路由使用 Go 1.22+ 的 net/http 方法與路徑參數：
//
//	GET    /{code}                       302 / 404 / 410
//	POST   /api/v1/links                 建立（可選登入，依 IP 限流）
//	GET    /api/v1/links/{code}          查詢記錄
//	PUT    /api/v1/links/{code}          修改（擁有者）
//	DELETE /api/v1/links/{code}          刪除（擁有者）
//	GET    /api/v1/links/{code}/stats    點擊統計
//	GET    /api/v1/links/search          以原始網址查詢
//	GET    /api/v1/links/expired         已過期未清理的記錄
//	DELETE /api/v1/links/expired         立即執行過期清理
//	GET    /api/v1/users/me/links        目前使用者的短網址
//	GET    /health, /ready
//
// 中間件鏈：recovery → request id → 請求日誌 →（auth / 限流）→ handler。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/ratelimit"
	"github.com/koopa0/shortlink/internal/shortener"
)

// LinkService 是 handler 需要的服務能力，*shortener.Service 滿足此介面
type LinkService interface {
	Resolve(ctx context.Context, code string) (string, error)
	Create(ctx context.Context, in shortener.CreateInput) (*shortener.Link, error)
	Update(ctx context.Context, code string, in shortener.UpdateInput, callerID int64) (*shortener.Link, error)
	Delete(ctx context.Context, code string, callerID int64) error
	Get(ctx context.Context, code string) (*shortener.Link, error)
	Stats(ctx context.Context, code string) (*shortener.LinkStats, error)
	Search(ctx context.Context, originalURL string) (*shortener.Link, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*shortener.Link, error)
	SweepExpired(ctx context.Context) ([]*shortener.Link, error)
	ExpiredHistory(ctx context.Context) ([]*shortener.Link, error)
	CacheStats() shortener.CacheStats
}

// Check 是一個 readiness 檢查（資料庫、Redis、NATS）
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Options 可選的依賴
type Options struct {
	BaseURL  string            // 產生 short_url 用，空字串時依請求推導
	Verifier *auth.Verifier    // nil 時所有需要登入的路由都返回 401
	Limiter  ratelimit.Limiter // nil 時建立不限流
	Checks   []Check           // /ready 依序檢查
	KeyFunc  ratelimit.KeyFunc // nil 時使用 ratelimit.ClientIP
}

// Handler HTTP 處理器
type Handler struct {
	svc    LinkService
	opts   Options
	logger *slog.Logger
}

// New 創建 Handler 實例
func New(svc LinkService, logger *slog.Logger, opts Options) *Handler {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.KeyFunc == nil {
		opts.KeyFunc = ratelimit.ClientIP
	}
	return &Handler{svc: svc, opts: opts, logger: logger}
}

// Routes 設置路由並套上全域中間件
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	optional := h.authenticate(false)
	required := h.authenticate(true)

	create := optional(http.HandlerFunc(h.create))
	if h.opts.Limiter != nil {
		create = ratelimit.Middleware(h.opts.Limiter, h.opts.KeyFunc, h.logger)(create)
	}

	// 重定向不加 /api 前綴，短網址應該儘量短
	mux.HandleFunc("GET /{code}", h.redirect)

	mux.Handle("POST /api/v1/links", create)
	mux.HandleFunc("GET /api/v1/links/{code}", h.get)
	mux.Handle("PUT /api/v1/links/{code}", required(http.HandlerFunc(h.update)))
	mux.Handle("DELETE /api/v1/links/{code}", required(http.HandlerFunc(h.remove)))
	mux.HandleFunc("GET /api/v1/links/{code}/stats", h.stats)
	mux.HandleFunc("GET /api/v1/links/search", h.search)
	mux.HandleFunc("GET /api/v1/links/expired", h.expiredHistory)
	mux.HandleFunc("DELETE /api/v1/links/expired", h.sweep)
	mux.Handle("GET /api/v1/users/me/links", required(http.HandlerFunc(h.myLinks)))

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)

	return h.recovery(h.requestID(h.logRequest(mux)))
}

// authenticate 返回 auth 中介軟體；沒有設定 Verifier 時 required 路由一律 401
func (h *Handler) authenticate(required bool) func(http.Handler) http.Handler {
	if h.opts.Verifier != nil {
		return auth.Middleware(h.opts.Verifier, required, h.logger)
	}
	return func(next http.Handler) http.Handler {
		if !required {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.errorJSON(w, "authentication is not configured", http.StatusUnauthorized)
		})
	}
}

// health 存活檢查，附帶解析快取的命中統計
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"status": "ok",
		"cache":  h.svc.CacheStats(),
	}, http.StatusOK)
}

// ready 依序執行所有依賴檢查，任一失敗返回 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.opts.Checks))
	for _, c := range h.opts.Checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", c.Name, "error", err)
			results[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}

	h.writeJSON(w, map[string]any{"checks": results}, status)
}
