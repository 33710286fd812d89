// Package auth 驗證 Bearer JWT 並把使用者 ID 放進 context。
//
// 只負責驗證：帳號註冊與 token 簽發由其他服務處理，
// 這裡的 Sign 只供開發與測試使用。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/koopa0/shortlink/internal/logger"
)

// ErrUnauthorized token 缺少、格式錯誤、簽章不符或已過期
var ErrUnauthorized = errors.New("unauthorized")

// Claims 是 access token 的內容
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier 以 HS256 共享密鑰驗證 token
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier 建立驗證器，issuer 為空時不檢查 iss
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify 解析並驗證 token，返回 claims
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	return claims, nil
}

// Sign 簽發一個 ttl 後過期的 token
func (v *Verifier) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey struct{}

// WithUserID 把使用者 ID 放進 context
func WithUserID(ctx context.Context, userID int64) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, userID)
	return logger.WithUserID(ctx, strconv.FormatInt(userID, 10))
}

// UserID 從 context 取出使用者 ID
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey{}).(int64)
	return id, ok
}

// Middleware 驗證 Authorization: Bearer <token>。
//
// required 為 false 時沒有 Authorization 標頭的請求會以匿名身分通過；
// 帶了標頭但驗證失敗一律返回 401。
func Middleware(v *Verifier, required bool, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					writeUnauthorized(w, "missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				writeUnauthorized(w, "malformed authorization header")
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				log.InfoContext(r.Context(), "token rejected", "error", err)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="shortlink"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
