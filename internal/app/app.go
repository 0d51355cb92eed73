// Package app はnotifylinkプロセスの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/notifylink/internal/auth"
	"github.com/hitoshi/notifylink/internal/broadcast"
	"github.com/hitoshi/notifylink/internal/config"
	"github.com/hitoshi/notifylink/internal/database"
	"github.com/hitoshi/notifylink/internal/handler"
	"github.com/hitoshi/notifylink/internal/logger"
	"github.com/hitoshi/notifylink/internal/metrics"
	"github.com/hitoshi/notifylink/internal/middleware"
	"github.com/hitoshi/notifylink/internal/notify"
	"github.com/hitoshi/notifylink/internal/oauth"
	"github.com/hitoshi/notifylink/internal/repository"
	"github.com/hitoshi/notifylink/internal/security"
	"github.com/hitoshi/notifylink/internal/statetoken"
	"github.com/hitoshi/notifylink/internal/worker/retention"
)

// retentionInterval は保持期間ジョブの実行間隔。
const retentionInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、設定されたレベルでJSON構造化ログをセットアップする。
// 設定の読み込みに失敗した場合もエラーを出力できるよう、INFOレベルのロガーは必ず設定する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, nil, err
	}
	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// components はserveとbroadcastで共有する依存関係。
type components struct {
	db         *sql.DB
	store      *repository.SQLStore
	registry   *prometheus.Registry
	authSvc    *auth.Service
	dispatcher *broadcast.Dispatcher
}

// buildComponents はDB接続を開き、ドメインサービスを組み立てる。
// 呼び出し側はcomponents.db.Close()を呼ぶこと。
func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	// 2. リポジトリとメトリクス
	store := repository.NewSQLStore(db, database.DetectDialect(cfg.DatabaseURL))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. プロバイダとの通信
	guard := security.NewOutboundGuard(cfg.ProviderAllowPrivate)
	httpClient := guard.NewProviderClient(cfg.ProviderTimeout)
	oauthClient := oauth.NewClient(httpClient, collector, log)
	sender := notify.NewSender(httpClient, notify.DefaultEndpoint, collector, log)

	codec, err := statetoken.NewCodec([]byte(cfg.StateSigningKey), cfg.StateIssuer, time.Now)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state codec: %w", err)
	}

	// 4. ドメインサービス
	authSvc := auth.NewService(oauthClient, store, codec, sender, guard, collector, log, auth.ServiceConfig{
		Login:                   oauth.LoginProvider(cfg.LoginChannelID, cfg.LoginChannelSecret, cfg.LoginRedirectURL),
		Notify:                  oauth.NotifyProvider(cfg.NotifyClientID, cfg.NotifyClientSecret, cfg.NotifyRedirectURL),
		StateTTL:                cfg.StateTTL,
		BindConfirmationMessage: cfg.BindConfirmationMessage,
	})

	dispatcher := broadcast.NewDispatcher(store, sender, collector, log, broadcast.Config{
		MaxConcurrency: cfg.BroadcastMaxConcurrent,
		RatePerSecond:  cfg.BroadcastRatePerSec,
	})

	return &components{
		db:         db,
		store:      store,
		registry:   registry,
		authSvc:    authSvc,
		dispatcher: dispatcher,
	}, nil
}

// newRouter は組み立て済みのコンポーネントからHTTPルーターを構築する。
func newRouter(cfg *config.Config, c *components, rateLimiter *middleware.RateLimiter, log *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		IdentityVerifier:  c.authSvc,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			Logger:       log,
		},
		RateLimiter: rateLimiter,

		AuthService:   c.authSvc,
		NotifyService: c.authSvc,
		Cookies: handler.CookieConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
			MaxAge:       cfg.SessionMaxAge,
		},

		DashboardStore:       c.store,
		Broadcaster:          c.dispatcher,
		DashboardCredentials: map[string]string{cfg.DashboardUser: cfg.DashboardPassword},

		HealthCheck:    c.db.PingContext,
		MetricsHandler: metrics.Handler(c.registry),
	})
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, log *slog.Logger) error {
	c, err := buildComponents(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitBroadcast), log,
	)
	defer rateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(cfg, c, rateLimiter, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	log.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 保持期間を過ぎたメッセージを日次で削除する。保持期間が0の場合は何もせずに待機する。
func runWorker(cfg *config.Config, log *slog.Logger) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established (worker)")

	store := repository.NewSQLStore(db, database.DetectDialect(cfg.DatabaseURL))
	job := retention.NewJob(store, log, cfg.MessageRetentionDays)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		slog.Int("retention_days", cfg.MessageRetentionDays),
		slog.Duration("interval", retentionInterval),
	)
	if !job.Enabled() {
		log.Info("message retention disabled, worker idle")
	}

	job.Start(ctx, retentionInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downが0の場合はすべての未適用マイグレーションを順番に適用し、正の場合はその件数だけ戻す。
func runMigrate(cfg *config.Config, log *slog.Logger, down int) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("down", down),
	)

	var (
		status database.MigrationStatus
		err    error
	)
	if down > 0 {
		status, err = database.Rollback(cfg.DatabaseURL, down)
	} else {
		status, err = database.Migrate(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if status.Dirty {
		return fmt.Errorf("migration version %d is dirty and needs manual repair", status.Version)
	}

	log.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("changed", status.Changed),
	)
	return nil
}

// runBroadcast はCLIから1件のブロードキャストを実行し、集計結果をJSONでoutに書き出す。
func runBroadcast(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer, req broadcast.Request) error {
	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	result, err := c.dispatcher.Broadcast(ctx, req)
	if err != nil {
		return fmt.Errorf("broadcast failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write broadcast result: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリをマスクする。
// URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
