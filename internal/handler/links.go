package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/shortener"
)

// maxBodyBytes 請求 body 上限
const maxBodyBytes = 64 << 10

// linkResponse 是短網址的對外表示
type linkResponse struct {
	*shortener.Link
	ShortURL string `json:"short_url"`
}

func (h *Handler) present(r *http.Request, link *shortener.Link) linkResponse {
	return linkResponse{Link: link, ShortURL: h.shortURL(r, link.Code)}
}

// redirect 重定向到原始網址
//
// API: GET /{code}
//
// 使用 302 而非 301：301 會被瀏覽器快取，後續點擊不經過服務，無法統計。
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	target, err := h.svc.Resolve(r.Context(), code)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// create 建立短網址
//
// API: POST /api/v1/links
// Body: {"original_url": "https://...", "custom_alias": "optional", "expires_at": "RFC3339"}
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OriginalURL string     `json:"original_url"`
		CustomAlias string     `json:"custom_alias,omitempty"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorJSON(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OriginalURL == "" {
		h.errorJSON(w, "original_url is required", http.StatusBadRequest)
		return
	}

	in := shortener.CreateInput{
		OriginalURL: req.OriginalURL,
		Alias:       req.CustomAlias,
		ExpiresAt:   req.ExpiresAt,
	}
	if id, ok := auth.UserID(r.Context()); ok {
		in.OwnerID = &id
	}

	link, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	h.writeJSON(w, h.present(r, link), http.StatusCreated)
}

// get 返回短網址記錄
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	link, err := h.svc.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, h.present(r, link), http.StatusOK)
}

// update 修改短網址（只有擁有者）
//
// API: PUT /api/v1/links/{code}
// Body: 任一欄位，省略的欄位保持不變
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		OriginalURL *string    `json:"original_url,omitempty"`
		CustomAlias *string    `json:"custom_alias,omitempty"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorJSON(w, err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.svc.Update(r.Context(), r.PathValue("code"), shortener.UpdateInput{
		OriginalURL: req.OriginalURL,
		Alias:       req.CustomAlias,
		ExpiresAt:   req.ExpiresAt,
	}, userID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	h.writeJSON(w, h.present(r, link), http.StatusOK)
}

// remove 刪除短網址（只有擁有者）
func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	if err := h.svc.Delete(r.Context(), r.PathValue("code"), userID); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stats 返回點擊統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context(), r.PathValue("code"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, st, http.StatusOK)
}

// search 以原始網址查詢最新的短網址
//
// API: GET /api/v1/links/search?original_url=https://...
func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	originalURL := r.URL.Query().Get("original_url")
	if originalURL == "" {
		h.errorJSON(w, "original_url query parameter is required", http.StatusBadRequest)
		return
	}

	link, err := h.svc.Search(r.Context(), originalURL)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, h.present(r, link), http.StatusOK)
}

// myLinks 返回目前使用者的所有短網址
func (h *Handler) myLinks(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	links, err := h.svc.ListByOwner(r.Context(), userID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, h.presentAll(r, links), http.StatusOK)
}

// expiredHistory 返回已過期但尚未清理的短網址
func (h *Handler) expiredHistory(w http.ResponseWriter, r *http.Request) {
	links, err := h.svc.ExpiredHistory(r.Context())
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, h.presentAll(r, links), http.StatusOK)
}

// sweep 立即執行過期清理
func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.SweepExpired(r.Context())
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{
		"deleted": len(removed),
		"links":   h.presentAll(r, removed),
	}, http.StatusOK)
}

func (h *Handler) presentAll(r *http.Request, links []*shortener.Link) []linkResponse {
	out := make([]linkResponse, len(links))
	for i, l := range links {
		out[i] = h.present(r, l)
	}
	return out
}

// decodeJSON 解析 body，拒絕未知欄位與多餘內容
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
