package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hitoshi/notifylink/internal/middleware"
	"github.com/hitoshi/notifylink/internal/model"
)

type mockNotifyService struct {
	startFn    func(ctx context.Context, subject string) (string, error)
	completeFn func(ctx context.Context, code, state string) (string, error)
	revokeFn   func(ctx context.Context, subject string) error
}

func (m *mockNotifyService) StartNotifyBinding(ctx context.Context, subject string) (string, error) {
	if m.startFn != nil {
		return m.startFn(ctx, subject)
	}
	return "", nil
}

func (m *mockNotifyService) CompleteNotifyBinding(ctx context.Context, code, state string) (string, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, code, state)
	}
	return "", model.ErrFlowRejected
}

func (m *mockNotifyService) RevokeNotify(ctx context.Context, subject string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, subject)
	}
	return nil
}

func withSubject(r *http.Request, subject string) *http.Request {
	return r.WithContext(middleware.ContextWithSubject(r.Context(), subject))
}

func TestNotifyHandler_Bind_RedirectsWithSubject(t *testing.T) {
	var got string
	svc := &mockNotifyService{
		startFn: func(ctx context.Context, subject string) (string, error) {
			got = subject
			return "https://notify-bot.line.me/oauth/authorize?state=x", nil
		},
	}
	h := NewNotifyHandler(svc, testCookieConfig(), discardLogger())

	w := httptest.NewRecorder()
	h.Bind(w, withSubject(httptest.NewRequest(http.MethodGet, "/notify/bind", nil), "U1"))

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if got != "U1" {
		t.Errorf("subject = %q, want U1", got)
	}
}

func TestNotifyHandler_Bind_Errors(t *testing.T) {
	// subjectなし
	h := NewNotifyHandler(&mockNotifyService{}, testCookieConfig(), discardLogger())
	w := httptest.NewRecorder()
	h.Bind(w, httptest.NewRequest(http.MethodGet, "/notify/bind", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// ログイン情報なし
	h = NewNotifyHandler(&mockNotifyService{
		startFn: func(ctx context.Context, subject string) (string, error) {
			return "", fmt.Errorf("lookup: %w", model.ErrBindingNotFound)
		},
	}, testCookieConfig(), discardLogger())
	w = httptest.NewRecorder()
	h.Bind(w, withSubject(httptest.NewRequest(http.MethodGet, "/notify/bind", nil), "U404"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNotifyHandler_Callback(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKey   string
		wantValue string
	}{
		{"success", nil, "notify", "bound"},
		{"tampered state", fmt.Errorf("notify state rejected: %w", model.ErrInvalidSignature), "error", model.ErrCodeNotifyRejected},
		{"unknown subject", fmt.Errorf("save: %w", model.ErrBindingNotFound), "error", model.ErrCodeBindingNotFound},
		{"provider", &model.ProviderError{Operation: "token", StatusCode: 500}, "error", model.ErrCodeProviderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockNotifyService{
				completeFn: func(ctx context.Context, code, state string) (string, error) {
					if tt.err != nil {
						return "", tt.err
					}
					return "U1", nil
				},
			}
			h := NewNotifyHandler(svc, testCookieConfig(), discardLogger())

			w := httptest.NewRecorder()
			// セッションCookieなしで完結する
			h.Callback(w, httptest.NewRequest(http.MethodGet, "/notify/callback?code=c&state=s", nil))

			if w.Code != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
			}
			loc, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatalf("invalid Location: %v", err)
			}
			if got := loc.Query().Get(tt.wantKey); got != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantKey, got, tt.wantValue)
			}
		})
	}
}

func TestNotifyHandler_Revoke(t *testing.T) {
	var revoked string
	svc := &mockNotifyService{
		revokeFn: func(ctx context.Context, subject string) error {
			revoked = subject
			return nil
		},
	}
	h := NewNotifyHandler(svc, testCookieConfig(), discardLogger())

	w := httptest.NewRecorder()
	h.Revoke(w, withSubject(httptest.NewRequest(http.MethodPost, "/notify/revoke", nil), "U1"))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if revoked != "U1" {
		t.Errorf("revoked = %q, want U1", revoked)
	}
}

func TestNotifyHandler_Revoke_StoreFailure(t *testing.T) {
	svc := &mockNotifyService{
		revokeFn: func(ctx context.Context, subject string) error {
			return fmt.Errorf("clear: %w", model.ErrStoreUnavailable)
		},
	}
	h := NewNotifyHandler(svc, testCookieConfig(), discardLogger())

	w := httptest.NewRecorder()
	h.Revoke(w, withSubject(httptest.NewRequest(http.MethodPost, "/notify/revoke", nil), "U1"))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
