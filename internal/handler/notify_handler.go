package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/notifylink/internal/middleware"
	"github.com/hitoshi/notifylink/internal/model"
)

// NotifyServiceInterface は通知連携ハンドラーが必要とするサービスインターフェース。
type NotifyServiceInterface interface {
	StartNotifyBinding(ctx context.Context, subject string) (string, error)
	CompleteNotifyBinding(ctx context.Context, code, state string) (string, error)
	RevokeNotify(ctx context.Context, subject string) error
}

// NotifyHandler は通知連携のHTTPハンドラー。
type NotifyHandler struct {
	service NotifyServiceInterface
	config  CookieConfig
	logger  *slog.Logger
}

// NewNotifyHandler はNotifyHandlerを生成する。
func NewNotifyHandler(service NotifyServiceInterface, config CookieConfig, logger *slog.Logger) *NotifyHandler {
	return &NotifyHandler{service: service, config: config, logger: logger}
}

// Bind は通知連携の認可画面へリダイレクトする。本人確認済みのリクエストのみ。
// GET /notify/bind
func (h *NotifyHandler) Bind(w http.ResponseWriter, r *http.Request) {
	subject, err := middleware.SubjectFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	location, err := h.service.StartNotifyBinding(r.Context(), subject)
	if err != nil {
		h.logger.Warn("failed to start notify binding",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusTemporaryRedirect)
}

// Callback は通知連携のコールバックを処理する。subjectはstateから復元するためセッション不要。
// GET /notify/callback?code=xxx&state=yyy
func (h *NotifyHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if _, err := h.service.CompleteNotifyBinding(r.Context(), q.Get("code"), q.Get("state")); err != nil {
		http.Redirect(w, r, h.config.redirectURL("error", flowErrorCode(err, model.ErrCodeNotifyRejected)), http.StatusTemporaryRedirect)
		return
	}
	http.Redirect(w, r, h.config.redirectURL("notify", "bound"), http.StatusTemporaryRedirect)
}

// Revoke は通知連携を解除する。
// POST /notify/revoke
func (h *NotifyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	subject, err := middleware.SubjectFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	if err := h.service.RevokeNotify(r.Context(), subject); err != nil {
		h.logger.Error("failed to revoke notify binding",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
