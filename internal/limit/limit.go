// Package limit provides a sliding-window rate limiter for outbound API
// calls. One Limiter guards one upstream endpoint; callers block in Acquire
// until an admission slot frees up inside the trailing window.
package limit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Limiter admits at most MaxCalls acquisitions within any trailing Window.
// Concurrent acquires serialize correctly; a caller whose context is
// cancelled while waiting returns the context error without consuming a slot.
type Limiter struct {
	maxCalls int
	window   time.Duration

	mu    sync.Mutex
	calls []time.Time

	// now is overridable for tests.
	now func() time.Time
}

// New returns a limiter admitting maxCalls per window. maxCalls below 1 is
// treated as 1.
func New(maxCalls int, window time.Duration) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Limiter{maxCalls: maxCalls, window: window, now: time.Now}
}

// Acquire blocks until the call may proceed, then records the admission.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		log.Debug().Dur("wait", wait).Msg("rate limit reached, waiting")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops admissions older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
