package identity

import (
	"context"
	"time"
)

const (
	// initialBackoff は再実行の初回待機時間。
	initialBackoff = 20 * time.Millisecond
	// maxBackoff は再実行の最大待機時間。
	maxBackoff = 500 * time.Millisecond
	// defaultMaxAttempts はトランザクションの既定の最大試行回数。
	defaultMaxAttempts = 3
)

// CalculateBackoff は再実行回数に基づいて指数バックオフの待機時間を計算する。
// 初回20ms、2倍ずつ増加、最大500ms。
func CalculateBackoff(retries int) time.Duration {
	delay := initialBackoff
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// sleepContext はdだけ待機する。待機中にctxがキャンセルされた場合はctx.Err()を返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
