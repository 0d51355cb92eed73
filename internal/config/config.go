// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// LINE Login
	LoginChannelID     string `env:"LINE_LOGIN_CHANNEL_ID,required,notEmpty"`
	LoginChannelSecret string `env:"LINE_LOGIN_CHANNEL_SECRET,required,notEmpty"`
	LoginRedirectURL   string `env:"LINE_LOGIN_REDIRECT_URL,required,notEmpty"`

	// LINE Notify
	NotifyClientID     string `env:"LINE_NOTIFY_CLIENT_ID,required,notEmpty"`
	NotifyClientSecret string `env:"LINE_NOTIFY_CLIENT_SECRET,required,notEmpty"`
	NotifyRedirectURL  string `env:"LINE_NOTIFY_REDIRECT_URL,required,notEmpty"`

	// State token
	StateSigningKey string        `env:"STATE_SIGNING_KEY,required,notEmpty"`
	StateIssuer     string        `env:"STATE_ISSUER" envDefault:"notifylink"`
	StateTTL        time.Duration `env:"STATE_TTL" envDefault:"10m"`

	// Provider
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ProviderAllowPrivate bool          `env:"PROVIDER_ALLOW_PRIVATE" envDefault:"false"`

	// Broadcast
	BroadcastMaxConcurrent  int     `env:"BROADCAST_MAX_CONCURRENT" envDefault:"8"`
	BroadcastRatePerSec     float64 `env:"BROADCAST_RATE_PER_SEC" envDefault:"20"`
	BindConfirmationMessage string  `env:"BIND_CONFIRMATION_MESSAGE" envDefault:"通知の連携が完了しました"`
	MessageRetentionDays    int     `env:"MESSAGE_RETENTION_DAYS" envDefault:"0"`

	// Dashboard
	DashboardUser     string `env:"DASHBOARD_USER,required,notEmpty"`
	DashboardPassword string `env:"DASHBOARD_PASSWORD,required,notEmpty"`

	// Rate Limit (req/min)
	RateLimitGeneral   int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitBroadcast int `env:"RATE_LIMIT_BROADCAST" envDefault:"10"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`

	// Cookie
	SessionMaxAge int    `env:"SESSION_MAX_AGE" envDefault:"86400"`
	CookieDomain  string `env:"COOKIE_DOMAIN"`
	CookieSecure  bool   `env:"-"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、不足分をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if len(c.StateSigningKey) < 32 {
		problems = append(problems, "STATE_SIGNING_KEY must be at least 32 bytes")
	}
	if c.StateTTL <= 0 {
		problems = append(problems, "STATE_TTL must be positive")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "BASE_URL must be an absolute URL")
	}
	if c.BroadcastMaxConcurrent <= 0 {
		problems = append(problems, "BROADCAST_MAX_CONCURRENT must be positive")
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitBroadcast <= 0 {
		problems = append(problems, "RATE_LIMIT_GENERAL and RATE_LIMIT_BROADCAST must be positive")
	}
	if c.MessageRetentionDays < 0 {
		problems = append(problems, "MESSAGE_RETENTION_DAYS must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
