package stockclient

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/breaker"
)

// consecutiveBreaker открывается только после серии сбоев подряд.
// breaker.Breaker в состоянии Closed не сбрасывает счётчик ошибок на успехе,
// поэтому после успешной попытки счётчик обнуляется заменой на свежий breaker.
type consecutiveBreaker struct {
	errorThreshold   int
	successThreshold int
	cooldown         time.Duration

	mu      sync.Mutex
	current *breaker.Breaker
	// failing: с момента последней замены был хотя бы один сбой.
	failing bool
}

func newConsecutiveBreaker(errorThreshold, successThreshold int, cooldown time.Duration) *consecutiveBreaker {
	return &consecutiveBreaker{
		errorThreshold:   errorThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		current:          breaker.New(errorThreshold, successThreshold, cooldown),
	}
}

// Run выполняет work через текущий breaker; ошибка breaker.ErrBreakerOpen
// означает, что work не вызывался.
func (b *consecutiveBreaker) Run(work func() error) error {
	b.mu.Lock()
	cb := b.current
	b.mu.Unlock()

	state := cb.GetState()
	err := cb.Run(work)

	switch {
	case errors.Is(err, breaker.ErrBreakerOpen):
	case err != nil:
		b.mu.Lock()
		if b.current == cb {
			b.failing = true
		}
		b.mu.Unlock()
	case state == breaker.Closed:
		b.mu.Lock()
		if b.current == cb && b.failing && cb.GetState() == breaker.Closed {
			b.current = breaker.New(b.errorThreshold, b.successThreshold, b.cooldown)
			b.failing = false
		}
		b.mu.Unlock()
	}
	return err
}

// State отдаёт состояние текущего breaker.
func (b *consecutiveBreaker) State() breaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.GetState()
}
