// Package retention は保持期間を超過したブロードキャスト記録の自動削除ジョブを提供する。
// 配信記録はメッセージのCASCADE削除で自動的に処理される。連携情報は削除しない。
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Ledger は削除に必要な永続化操作。repository.SQLStoreが実装する。
type Ledger interface {
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job は保持期間を超過したメッセージの削除ジョブ。
type Job struct {
	ledger        Ledger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 0以下なら無効
}

// NewJob は新しいJobを生成する。
func NewJob(ledger Ledger, logger *slog.Logger, retentionDays int) *Job {
	return &Job{
		ledger:        ledger,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Enabled は保持期間が設定されているかを返す。
func (j *Job) Enabled() bool {
	return j.RetentionDays > 0
}

// Run は保持期間を超過したメッセージを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	if !j.Enabled() {
		j.logger.Info("保持期間が未設定のため削除をスキップします")
		return nil
	}

	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.ledger.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("メッセージ削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to delete expired messages: %w", err)
	}

	j.logger.Info("メッセージ削除ジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("メッセージ削除ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メッセージ削除ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
