package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	BroadcastRate   rate.Limit    // ブロードキャストのレート（req/sec）
	BroadcastBurst  int           // ブロードキャストのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、ブロードキャスト 10 req/min。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteConfig(120, 10)
}

// PerMinuteConfig は1分あたりのリクエスト数からレート制限設定を生成する。
func PerMinuteConfig(general, broadcast int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(general) / 60.0),
		GeneralBurst:    general,
		BroadcastRate:   rate.Limit(float64(broadcast) / 60.0),
		BroadcastBurst:  broadcast,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool は同一設定のリミッターをキーごとに管理する。
type limiterPool struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterPool(r rate.Limit, burst int) *limiterPool {
	return &limiterPool{rate: r, burst: burst, limiters: make(map[string]*keyedLimiter)}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kl, ok := p.limiters[key]; ok {
		kl.lastAccess = time.Now()
		return kl.limiter
	}
	kl := &keyedLimiter{limiter: rate.NewLimiter(p.rate, p.burst), lastAccess: time.Now()}
	p.limiters[key] = kl
	return kl.limiter
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

func (p *limiterPool) evict(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, kl := range p.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(p.limiters, key)
		}
	}
}

// RateLimiter は呼び出し元ごとのレート制限を管理する。
// API全般の制限は認証前に動くためクライアントIPだけで識別する。
// ブロードキャストの制限は認証後に置かれ、検証済みsubject、Basic認証のユーザー名、クライアントIPの順で識別する。
type RateLimiter struct {
	config    RateLimiterConfig
	general   *limiterPool
	broadcast *limiterPool
	logger    *slog.Logger
	stopCh    chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:    config,
		general:   newLimiterPool(config.GeneralRate, config.GeneralBurst),
		broadcast: newLimiterPool(config.BroadcastRate, config.BroadcastBurst),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 認証ヘッダーは未検証のため参照せず、クライアントIPごとに制限する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general", ipKey)
}

// BroadcastMiddleware はブロードキャスト専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。Basic認証またはIdentityミドルウェアの後に置くこと。
func (rl *RateLimiter) BroadcastMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.broadcast, "broadcast", callerKey)
}

func (rl *RateLimiter) middleware(pool *limiterPool, limitType string, keyOf func(r *http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyOf(r)
			if !pool.get(key).Allow() {
				writeRateLimitResponse(w, pool.rate)
				rl.logger.Warn("rate limit exceeded",
					slog.String("caller", key),
					slog.String("limit_type", limitType),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// BroadcastLimiterCount は現在管理されているブロードキャストリミッターのエントリ数を返す。
func (rl *RateLimiter) BroadcastLimiterCount() int {
	return rl.broadcast.len()
}

// callerKey は認証済みリクエストの呼び出し元を識別するキーを返す。
func callerKey(r *http.Request) string {
	if subject, err := SubjectFromContext(r.Context()); err == nil {
		return "subject:" + subject
	}
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return "operator:" + user
	}
	return ipKey(r)
}

// ipKey はクライアントIPによるキーを返す。
func ipKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	now := time.Now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.broadcast.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 && !math.IsInf(float64(r), 1) {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
