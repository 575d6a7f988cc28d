// Package breaker implements a per-endpoint circuit breaker. After a run of
// consecutive failures the breaker opens and rejects calls outright until a
// cooldown elapses; the breaker then goes half-open, and the next recorded
// outcome decides whether it closes or re-opens.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's admission state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker gates calls to a single upstream. The failure counter is cumulative
// across closed-state successes; it resets only on the HALF_OPEN → CLOSED
// transition.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	now func() time.Time
}

// New returns a closed breaker. threshold below 1 defaults to 3; cooldown at
// or below zero defaults to 5 minutes.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrOpen without touching the upstream; once the cooldown has elapsed the
// next Allow moves to half-open and admits the call. While half-open, Allow
// admits every call until Success or Failure changes the state; it does not
// limit half-open admission to one call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return nil
	case Open:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = HalfOpen
			log.Info().Msg("circuit breaker moved to HALF_OPEN")
			return nil
		}
		return ErrOpen
	}
	return nil
}

// Success records a successful call. A half-open success closes the breaker
// and clears the failure counter.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Closed
		b.failures = 0
		log.Info().Msg("circuit breaker moved to CLOSED")
	}
}

// Failure records a failed call. Reaching the threshold opens the breaker; a
// half-open failure re-opens it with the cooldown restarted.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.threshold {
		if b.state != Open {
			log.Warn().Int("failures", b.failures).Msg("circuit breaker opened")
		}
		b.state = Open
	}
}

// State returns the current admission state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
