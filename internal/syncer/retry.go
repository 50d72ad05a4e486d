package syncer

import (
	"context"
	"time"

	"github.com/smysle/kkphim-sync-go/internal/kkphim"
)

// Retrier 指数退避重试策略
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable 为 nil 时使用 kkphim.IsRetryable
	Retryable func(error) bool
	// Sleep 为 nil 时使用可被 ctx 取消的定时器
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetrier 默认策略：3 次尝试，间隔 2s、4s
func DefaultRetrier() Retrier {
	return Retrier{MaxAttempts: 3, BaseDelay: time.Second}
}

// Result 重试结果，失败时不返回 error 而是带标记的结果
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Success  bool
}

// Delay 第 attempt 次失败后的等待时间：2^attempt * BaseDelay
func (r Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.BaseDelay << uint(attempt)
}

// WithRetry 执行 fn，仅对可重试错误进行重试，最多 MaxAttempts 次
func WithRetry[T any](ctx context.Context, r Retrier, fn func(ctx context.Context) (T, error)) Result[T] {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := r.Retryable
	if retryable == nil {
		retryable = kkphim.IsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var res Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		value, err := fn(ctx)
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Success = true
			return res
		}
		res.Err = err

		if !retryable(err) || attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, r.Delay(attempt)); err != nil {
			res.Err = err
			break
		}
	}

	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
