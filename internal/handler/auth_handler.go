// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/notifylink/internal/auth"
	"github.com/hitoshi/notifylink/internal/middleware"
	"github.com/hitoshi/notifylink/internal/model"
)

// AuthServiceInterface はログインハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	StartLogin() (string, error)
	CompleteLogin(ctx context.Context, code, state string) (*auth.LoginResult, error)
	CurrentViewer(ctx context.Context, accessToken, idToken string) (*auth.Viewer, error)
	Logout(ctx context.Context, accessToken string)
}

// CookieConfig はトークンCookieとリダイレクト先の設定。
type CookieConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
	MaxAge       int // トークンCookieの有効期間（秒）
}

// setTokenCookie はHttpOnlyのトークンCookieを設定する。maxAgeが負なら削除する。
func (c CookieConfig) setTokenCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// redirectURL はBASE_URLにクエリを付けたURLを返す。
func (c CookieConfig) redirectURL(key, value string) string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// flowErrorCode はコールバック失敗時にフロントエンドへ渡すエラーコードを返す。
func flowErrorCode(err error, rejected string) string {
	var providerErr *model.ProviderError
	switch {
	case model.IsRejection(err):
		return rejected
	case errors.Is(err, model.ErrBindingNotFound):
		return model.ErrCodeBindingNotFound
	case errors.Is(err, model.ErrTransport), errors.As(err, &providerErr):
		return model.ErrCodeProviderFailed
	case errors.Is(err, model.ErrStoreUnavailable):
		return model.ErrCodeStoreUnavailable
	default:
		return "INTERNAL_ERROR"
	}
}

// AuthHandler はLINEログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  CookieConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		logger:  logger,
	}
}

// Login はログインフローを開始する。
// GET /auth/line/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	location, err := h.service.StartLogin()
	if err != nil {
		h.logger.Error("failed to start login", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	http.Redirect(w, r, location, http.StatusTemporaryRedirect)
}

// Callback はログインのコールバックを処理する。
// stateは署名で検証するため、state用のCookieは使わない。
// GET /auth/line/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.service.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		http.Redirect(w, r, h.config.redirectURL("error", flowErrorCode(err, model.ErrCodeLoginRejected)), http.StatusTemporaryRedirect)
		return
	}

	h.config.setTokenCookie(w, middleware.AccessTokenCookieName, result.AccessToken, h.config.MaxAge)
	h.config.setTokenCookie(w, middleware.IDTokenCookieName, result.IDToken, h.config.MaxAge)
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はログイン用トークンを失効させ、Cookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.AccessTokenCookieName); err == nil && cookie.Value != "" {
		h.service.Logout(r.Context(), cookie.Value)
	}

	h.config.setTokenCookie(w, middleware.AccessTokenCookieName, "", -1)
	h.config.setTokenCookie(w, middleware.IDTokenCookieName, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	access, err := r.Cookie(middleware.AccessTokenCookieName)
	if err != nil || access.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}
	id, err := r.Cookie(middleware.IDTokenCookieName)
	if err != nil || id.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	viewer, err := h.service.CurrentViewer(r.Context(), access.Value, id.Value)
	if err != nil {
		h.logger.Warn("failed to load current viewer", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewer)
}
