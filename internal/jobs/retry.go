package jobs

import (
	"slices"
	"time"
)

// Стратегии backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy — политика повторов HTTP job.
type RetryPolicy struct {
	// MaxAttempts — всего попыток, включая первую (минимум 1).
	MaxAttempts int

	// Backoff — "fixed" или "exponential".
	Backoff string

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// OnStatus — HTTP-коды, при которых повторять. Пусто — 429 и 5xx.
	OnStatus []int
}

// DefaultRetryPolicy — одна попытка, без повторов.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay вычисляет задержку перед следующей попыткой.
//
//	exponential: delay = initialDelay * 2^(attempt-1), не больше maxDelay
//	fixed:       delay = initialDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	if p.Backoff != BackoffExponential {
		return min(initialDelay, maxDelay)
	}

	delay := initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// ShouldRetry определяет, стоит ли повторять попытку.
// Транспортные ошибки (status 0) повторяются всегда.
func (p RetryPolicy) ShouldRetry(status int) bool {
	if status == 0 {
		return true
	}
	if len(p.OnStatus) > 0 {
		return slices.Contains(p.OnStatus, status)
	}
	return status == 429 || status >= 500
}
