package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/notifylink/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	IdentityVerifier  middleware.IdentityVerifier
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// ログイン・通知連携
	AuthService   AuthServiceInterface
	NotifyService NotifyServiceInterface
	Cookies       CookieConfig

	// 運用画面（Basic認証）
	DashboardStore       DashboardStore
	Broadcaster          Broadcaster
	DashboardCredentials map[string]string

	// 監視
	HealthCheck    func(ctx context.Context) error
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// 全体のミドルウェア実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// 本人確認が必要なルートはさらに Identity → CSRF を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookies.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthCheck, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies, deps.Logger)
	notifyHandler := NewNotifyHandler(deps.NotifyService, deps.Cookies, deps.Logger)
	dashboardHandler := NewDashboardHandler(deps.DashboardStore, deps.Broadcaster, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// ログインフロー（state署名で保護されるためCSRF不要）
		r.Route("/auth", func(r chi.Router) {
			r.Get("/line/login", authHandler.Login)
			r.Get("/line/callback", authHandler.Callback)
			r.Get("/me", authHandler.Me)
			r.With(middleware.NewCSRFMiddleware(deps.CSRF)).Post("/logout", authHandler.Logout)
		})

		r.Route("/notify", func(r chi.Router) {
			r.Get("/callback", notifyHandler.Callback)

			r.Group(func(r chi.Router) {
				r.Use(middleware.NewIdentityMiddleware(deps.IdentityVerifier, deps.Logger))
				r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
				r.Get("/bind", notifyHandler.Bind)
				r.Post("/revoke", notifyHandler.Revoke)
			})
		})

		// 運用画面はBasic認証で保護し、ブラウザのCookieに依存しないためCSRF対象外とする
		r.Route("/dashboard", func(r chi.Router) {
			r.Use(chimw.BasicAuth("notifylink dashboard", deps.DashboardCredentials))
			r.Get("/subscribers", dashboardHandler.ListSubscribers)
			r.Get("/messages", dashboardHandler.ListMessages)
			r.With(deps.RateLimiter.BroadcastMiddleware()).Post("/messages", dashboardHandler.CreateMessage)
			r.Get("/messages/{id}", dashboardHandler.GetMessage)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(check func(ctx context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Error("health check failed", slog.String("error", err.Error()))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	}
}
