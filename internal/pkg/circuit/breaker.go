// Package circuit pauses a symbol's cycle loop after consecutive failures.
package circuit

import (
	"sync"
	"time"

	"gptbot/internal/logger"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Status is a point-in-time view for health endpoints.
type Status struct {
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
}

// Breaker opens after threshold consecutive failed cycles and lets a single
// trial cycle through once cooldown has passed. One failed trial re-opens it.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	lastErr  string
	openedAt time.Time
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, state: Closed, nowFn: time.Now}
}

// Allow reports whether the next cycle may run.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if b.nowFn().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.setState(HalfOpen)
	return true
}

// Observe feeds one cycle result. nil closes the breaker.
func (b *Breaker) Observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.lastErr = ""
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}
	b.failures++
	b.lastErr = err.Error()
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.openedAt = b.nowFn()
		if b.state != Open {
			b.setState(Open)
		}
	}
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state, Failures: b.failures, LastError: b.lastErr}
	if b.state == Open {
		st.RetryAt = b.openedAt.Add(b.cooldown)
	}
	return st
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	logger.WithFields(logger.Fields{
		"breaker":  b.name,
		"failures": b.failures,
		"cooldown": b.cooldown.String(),
	}).Warnf("circuit %s -> %s", from, to)
}
