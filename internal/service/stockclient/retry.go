package stockclient

import (
	"errors"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/go-resiliency/retrier"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Backoffs возвращает паузы между попытками: MaxAttempts-1 значений,
// экспоненциально растущих и ограниченных MaxDelay.
func (c RetryConfig) Backoffs() []time.Duration {
	if c.MaxAttempts <= 1 {
		return nil
	}

	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	out := make([]time.Duration, 0, c.MaxAttempts-1)
	delay := c.InitialDelay
	for i := 1; i < c.MaxAttempts; i++ {
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			delay = c.MaxDelay
		}
		out = append(out, delay)
		delay = time.Duration(float64(delay) * factor)
	}
	return out
}

// transientError помечает сбой, который имеет смысл повторить: сеть, 5xx, таймаут попытки.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// transientClassifier повторяет только временные сбои. Открытый breaker не повторяется.
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.Is(err, breaker.ErrBreakerOpen):
		return retrier.Fail
	case isTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}
