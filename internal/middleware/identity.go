// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/notifylink/internal/model"
)

const (
	// IDTokenCookieName はログインで得たIDトークンを保持するCookieの名前。
	IDTokenCookieName = "line_id_token"
	// AccessTokenCookieName はログインで得たアクセストークンを保持するCookieの名前。
	AccessTokenCookieName = "line_access_token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	subjectContextKey = contextKey("subject")
	subjectHolderKey  = contextKey("subject_holder")
)

// subjectHolder は外側のミドルウェアへsubjectを伝えるための入れ物。
type subjectHolder struct {
	subject string
}

// IdentityVerifier はIDトークンを検証してsubjectを返す。
// auth.Serviceが実装する。
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, idToken string) (string, error)
}

// NewIdentityMiddleware はCookieのIDトークンをプロバイダで検証し、
// 確認できたsubjectをリクエストコンテキストに注入するミドルウェアを返す。
// 検証できないリクエストには401を返す。
func NewIdentityMiddleware(verifier IdentityVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(IDTokenCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			subject, err := verifier.VerifyIdentity(r.Context(), cookie.Value)
			if err != nil {
				logger.Warn("IDトークンの検証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
		})
	}
}

// SubjectFromContext はリクエストコンテキストから検証済みsubjectを取得する。
func SubjectFromContext(ctx context.Context) (string, error) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	if !ok || subject == "" {
		return "", fmt.Errorf("subject not found in context")
	}
	return subject, nil
}

// ContextWithSubject はコンテキストにsubjectを注入する。
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	if h, ok := ctx.Value(subjectHolderKey).(*subjectHolder); ok {
		h.subject = subject
	}
	return context.WithValue(ctx, subjectContextKey, subject)
}
