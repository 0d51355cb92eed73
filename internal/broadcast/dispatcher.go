// Package broadcast は通知連携済みの全subjectへのメッセージ一斉送信を提供する。
//
// 送信は対象ごとに独立して行い、1件の失敗で他の対象の送信を中断しない。
// 結果はエラーとして返すのではなく、対象ごとの配信記録に残す。
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/notifylink/internal/metrics"
	"github.com/hitoshi/notifylink/internal/model"
	"github.com/hitoshi/notifylink/internal/notify"
)

// Store はブロードキャストに必要な永続化操作。repository.SQLStoreが実装する。
type Store interface {
	CreateMessage(ctx context.Context, msg *model.Message) (int64, error)
	ListBindings(ctx context.Context) ([]*model.Binding, error)
	UpsertDeliveryStatus(ctx context.Context, messageID int64, subject string, outcome model.DeliveryOutcome, errorDetail *string) error
}

// Sender は1件の通知送信。notify.Senderが実装する。
type Sender interface {
	Send(ctx context.Context, token string, msg notify.Message) error
}

// Request はブロードキャストの要求。
type Request struct {
	Text             string
	StickerPackageID *int64
	StickerID        *int64
}

// Result はブロードキャストの集計。対象ごとの詳細は配信記録を参照する。
type Result struct {
	MessageID int64 `json:"message_id"`
	Targets   int   `json:"targets"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
}

// Config はDispatcherの設定。
type Config struct {
	// MaxConcurrency は同時に送信する対象数の上限。0以下なら8。
	MaxConcurrency int
	// RatePerSecond はプロバイダへの送信レートの上限。0以下なら制限しない。
	RatePerSecond float64
}

// Dispatcher はブロードキャストを実行する。
type Dispatcher struct {
	store          Store
	sender         Sender
	limiter        *rate.Limiter
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(store Store, sender Sender, collector metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Dispatcher{
		store:          store,
		sender:         sender,
		limiter:        limiter,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: cfg.MaxConcurrency,
	}
}

// Broadcast はメッセージを1件作成し、通知トークンを持つ全subjectへ送信する。
// 返すエラーは本文が不正な場合と、メッセージ作成・対象取得に失敗した場合のみ。
// 一度始まった送信は呼び出し元のcontextがキャンセルされても全対象について完了させる。
func (d *Dispatcher) Broadcast(ctx context.Context, req Request) (*Result, error) {
	msg, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	work := context.WithoutCancel(ctx)

	id, err := d.store.CreateMessage(work, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	msg.ID = id

	bindings, err := d.store.ListBindings(work)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings for message %d: %w", msg.ID, err)
	}
	targets := make([]*model.Binding, 0, len(bindings))
	for _, b := range bindings {
		if b.NotifyBound() {
			targets = append(targets, b)
		}
	}

	d.logger.Info("ブロードキャストを開始します",
		slog.Int64("message_id", msg.ID),
		slog.Int("target_count", len(targets)),
	)

	result := &Result{MessageID: msg.ID, Targets: len(targets)}
	var mu sync.Mutex
	payload := notify.FromModel(msg)

	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)
	for _, target := range targets {
		g.Go(func() error {
			ok := d.deliver(work, msg.ID, target, payload)
			mu.Lock()
			if ok {
				result.Succeeded++
			} else {
				result.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	d.metrics.RecordBroadcast(len(targets), duration)
	d.logger.Info("ブロードキャストが完了しました",
		slog.Int64("message_id", msg.ID),
		slog.Int("target_count", result.Targets),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return result, nil
}

func (d *Dispatcher) prepare(req Request) (*model.Message, error) {
	// 本文は入力どおりに保存・送信する
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("message body is empty: %w", model.ErrInvalidMessage)
	}
	if (req.StickerPackageID == nil) != (req.StickerID == nil) {
		return nil, fmt.Errorf("sticker package id and sticker id must be set together: %w", model.ErrInvalidMessage)
	}
	return &model.Message{
		Text:             req.Text,
		StickerPackageID: req.StickerPackageID,
		StickerID:        req.StickerID,
	}, nil
}

// deliver は1対象への送信を行い、成功したかを返す。
// 保留の記録 → 送信 → 結果の記録 の順序は対象ごとに厳密に守る。
func (d *Dispatcher) deliver(ctx context.Context, messageID int64, target *model.Binding, payload notify.Message) bool {
	logger := d.logger.With(
		slog.Int64("message_id", messageID),
		slog.String("subject", target.Subject),
	)

	if err := d.store.UpsertDeliveryStatus(ctx, messageID, target.Subject, model.DeliveryPending, nil); err != nil {
		// 記録できない送信は行わない
		logger.Error("配信記録の作成に失敗したため送信をスキップします", slog.String("error", err.Error()))
		d.metrics.RecordDelivery("skipped")
		return false
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return d.resolve(ctx, logger, messageID, target.Subject, err)
	}
	sendErr := d.sender.Send(ctx, target.NotifyAccessToken, payload)
	return d.resolve(ctx, logger, messageID, target.Subject, sendErr)
}

func (d *Dispatcher) resolve(ctx context.Context, logger *slog.Logger, messageID int64, subject string, sendErr error) bool {
	outcome := model.DeliverySuccess
	var detail *string
	if sendErr != nil {
		outcome = model.DeliveryFailure
		msg := sendErr.Error()
		detail = &msg
		logger.Warn("通知の送信に失敗しました", slog.String("error", msg))
	}
	d.metrics.RecordDelivery(string(outcome))

	if err := d.store.UpsertDeliveryStatus(ctx, messageID, subject, outcome, detail); err != nil {
		// 保留のまま残るため、成功は確定していない扱いになる
		logger.Error("配信結果の記録に失敗しました",
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
	return sendErr == nil
}
