package hardware

import (
	"context"
	"time"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// RetryPolicy 有界重试策略
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy 5 次尝试，间隔 10ms
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Delay: 10 * time.Millisecond}

// Retry 按策略执行 fn。永久错误和上下文取消立即返回；
// 次数耗尽时返回 ErrTransportExhausted，Cause 为最后一次错误。
// 返回值 attempts 为实际尝试次数。
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) (attempts int, err error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if apperrors.IsPermanent(lastErr) {
			return attempt, lastErr
		}

		if attempt < p.Attempts && p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return p.Attempts, apperrors.Newf(apperrors.ErrTransportExhausted, "%d 次尝试后失败", p.Attempts).WithCause(lastErr)
}
