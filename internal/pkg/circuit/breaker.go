package circuit

import (
	"sync"
	"time"

	"brokerd/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once cooldown has elapsed since the last failure.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	lastFailure   time.Time
	name          string
	now           func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now != nil {
		cb.now = now
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var change *stateChange
	allowed := true
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			change = cb.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change *stateChange
	switch cb.state {
	case StateHalfOpen:
		change = cb.transition(StateClosed)
		cb.failures = 0
	case StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	cb.notify(change)
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var change *stateChange
	cb.failures++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			change = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		change = cb.transition(StateOpen)
	}
	cb.mu.Unlock()
	cb.notify(change)
}

type stateChange struct {
	from, to State
	failures int
	handler  func(name string, from, to State)
}

// transition runs under cb.mu; the change is announced by notify once the
// lock is released so handlers may call back into the breaker.
func (cb *CircuitBreaker) transition(to State) *stateChange {
	from := cb.state
	cb.state = to
	return &stateChange{from: from, to: to, failures: cb.failures, handler: cb.onStateChange}
}

func (cb *CircuitBreaker) notify(c *stateChange) {
	if c == nil {
		return
	}
	if c.handler != nil {
		c.handler(cb.name, c.from, c.to)
		return
	}
	logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, cooldown=%s)",
		cb.name, c.from, c.to, c.failures, cb.threshold, cb.cooldown)
}
