package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/shortener"
)

// writeJSON 寫入 JSON 響應
func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// errorJSON 寫入錯誤響應（統一格式）
func (h *Handler) errorJSON(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, map[string]string{"error": message}, status)
}

// serviceError 把服務層錯誤映射為狀態碼
//
//	ErrNotFound                           → 404
//	ErrExpired                            → 410
//	ErrAliasConflict / ErrInvalid*        → 400
//	ErrUnauthorized                       → 401
//	ErrForbidden                          → 403
//	其他                                  → 500（不回傳細節）
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shortener.ErrNotFound):
		h.errorJSON(w, "short code not found", http.StatusNotFound)
	case errors.Is(err, shortener.ErrExpired):
		h.errorJSON(w, "link has expired", http.StatusGone)
	case errors.Is(err, shortener.ErrAliasConflict):
		h.errorJSON(w, "alias already in use", http.StatusBadRequest)
	case errors.Is(err, shortener.ErrInvalidURL),
		errors.Is(err, shortener.ErrInvalidAlias),
		errors.Is(err, shortener.ErrInvalidExpiry):
		h.errorJSON(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrUnauthorized):
		h.errorJSON(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, shortener.ErrForbidden):
		h.errorJSON(w, "only the owner can modify this link", http.StatusForbidden)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
	}
}

// shortURL 構建完整的短網址
//
// 優先使用設定的 BaseURL；沒有設定時從請求推導，
// 先看 X-Forwarded-Proto（反向代理），再看 r.TLS（直連）。
func (h *Handler) shortURL(r *http.Request, code string) string {
	if h.opts.BaseURL != "" {
		return h.opts.BaseURL + "/" + code
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + "/" + code
}
