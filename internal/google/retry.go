package google

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	// defaultRetryBackoff は指数バックオフの初回遅延。
	defaultRetryBackoff = 500 * time.Millisecond
	// maxRetryBackoff は指数バックオフの最大遅延。
	maxRetryBackoff = 8 * time.Second
)

// RetryClass はCalendar APIのエラーをリトライ可否で分類した結果。
type RetryClass int

const (
	// RetryNever は再試行しても結果が変わらないエラー（4xxなど）。
	RetryNever RetryClass = iota
	// RetryThrottled はリクエストが処理前に拒否されたエラー（429やレート制限の403）。
	// 副作用がないため非冪等な呼び出しでも再試行できる。
	RetryThrottled
	// RetryTransient はサーバー側の一時的な障害（5xx）。
	// 処理済みの可能性があるため冪等な呼び出しのみ再試行する。
	RetryTransient
)

// ClassifyAPIError はCalendar APIのエラーを分類する。
func ClassifyAPIError(err error) RetryClass {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return RetryNever
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return RetryThrottled
	case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
		return RetryThrottled
	case apiErr.Code >= 500:
		return RetryTransient
	default:
		return RetryNever
	}
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

// CalculateBackoff はattempt回目（0始まり）の再試行前の遅延を計算する。
// initialから2倍ずつ増加し、最大8秒。
func CalculateBackoff(initial time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

// call は1回のAPI呼び出しをタイムアウト付きで実行し、一時的なエラーを指数バックオフで再試行する。
// idempotentがfalseの場合は5xxを再試行しない。
func (e *Exporter) call(ctx context.Context, idempotent bool, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		e.recordAPIError(err)

		class := ClassifyAPIError(err)
		retry := class == RetryThrottled || (class == RetryTransient && idempotent)
		if !retry || attempt >= e.maxRetries {
			return err
		}

		timer := time.NewTimer(CalculateBackoff(e.retryBackoff, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
