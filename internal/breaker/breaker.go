// Package breaker implements the consecutive-failure circuit breaker
// reused by two independent subsystems in spec §4.5 ("an admission-control
// circuit breaker (§4.8) short-circuits Collecting when open") and §4.8
// ("consecutive_failures >= threshold opens the breaker for reset_time;
// during open state the loop sleeps").
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current posture.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

// Config controls the breaker's trip threshold and cooldown.
type Config struct {
	Threshold int
	ResetTime time.Duration
}

// DefaultConfig returns the spec's defaults: threshold 10, reset 5 min.
func DefaultConfig() Config {
	return Config{Threshold: 10, ResetTime: 5 * time.Minute}
}

// Breaker counts consecutive failures and opens once Threshold is reached,
// staying open until ResetTime has elapsed since it tripped.
type Breaker struct {
	mu                 sync.Mutex
	cfg                Config
	consecutiveFailures int
	state              State
	openedAt           time.Time
}

// New constructs a closed Breaker.
func New(cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.ResetTime <= 0 {
		cfg.ResetTime = d.ResetTime
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether an operation may proceed: true if Closed, or if
// Open but ResetTime has elapsed (a half-open probe is implicitly granted
// to the next caller).
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return true
	}
	if now.Sub(b.openedAt) >= b.cfg.ResetTime {
		return true
	}
	return false
}

// RecordSuccess resets the failure streak and closes the breaker if it was
// open (a successful probe closes it again).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.state = Closed
}

// RecordFailure increments the failure streak, opening the breaker once
// Threshold is reached.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = now
	}
}

// CurrentState reports whether the breaker is currently Open or Closed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak, for telemetry.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
