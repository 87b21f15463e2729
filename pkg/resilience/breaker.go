// Package resilience provides a small circuit breaker for store edges where
// a full-featured breaker is overkill. The LLM edge uses sony/gobreaker.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker trips after consecutive failures and probes again after a cooldown.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a breaker. A failureThreshold of 0 means 5; a zero
// cooldown means 30 seconds.
func NewBreaker(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) > b.cooldown {
		b.state = HalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == Open {
		return ErrOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == HalfOpen || b.failures >= b.failureThreshold {
			b.state = Open
		}
		return err
	}
	b.failures = 0
	b.state = Closed
	return nil
}
