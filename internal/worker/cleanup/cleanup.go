// Package cleanup は期限切れOAuthハンドシェイクの自動削除ジョブを提供する。
// Take されずに残ったstateトークンとBlackboardセッションを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は基準時刻以前に期限切れとなったハンドシェイクを削除するインターフェース。
// repository.HandshakeRepository が満たす。
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れハンドシェイクの自動削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	purger   Purger
	logger   *slog.Logger
	now      func() time.Time
	Interval time.Duration // 実行間隔（デフォルト: 5分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger Purger, logger *slog.Logger, interval time.Duration) *CleanupJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		purger:   purger,
		logger:   logger,
		now:      time.Now,
		Interval: interval,
	}
}

// Run は期限切れハンドシェイクを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deletedCount, err := j.purger.PurgeExpired(ctx, start)
	if err != nil {
		j.logger.Error("ハンドシェイククリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ハンドシェイククリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("ハンドシェイククリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後Intervalごとにジョブを実行する。
// ctxがキャンセルされるまでブロックする。個々の実行失敗ではループを止めない。
func (j *CleanupJob) Start(ctx context.Context) {
	j.Run(ctx)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
