// Package retry maps (error class, attempt count) to the next action as a
// pure function of policy constants.
package retry

import (
	"math/rand"
	"time"

	"publishq/internal/domain"
)

// Policy holds the backoff constants. The zero value is unusable; use Default
// or fill every field.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// AuthParkDelay is how long an auth-expired item waits before the next
	// probe; re-authorization usually arrives as an explicit reschedule long
	// before it elapses.
	AuthParkDelay time.Duration

	// Jitter returns a random duration in [0, max). Overridable in tests;
	// nil means math/rand.
	Jitter func(max time.Duration) time.Duration
}

func Default() Policy {
	return Policy{
		BaseDelay:     time.Minute,
		MaxDelay:      time.Hour,
		MaxAttempts:   5,
		AuthParkDelay: 6 * time.Hour,
	}
}

// NextDelay is the backoff before attempt+1, given that attempt (1-based)
// just failed: min(maxDelay, base*2^(attempt-1)) plus jitter in [0, base).
// Jitter avoids synchronized retry storms when many items fail at once.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + p.jitter(p.BaseDelay)
}

// Exhausted reports whether no further attempts are allowed after attempt.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Action is what the dispatcher should do with a concluded failed attempt.
type Action struct {
	Status        domain.Status
	NextAttemptAt time.Time
	Reauth        bool
}

// Decide maps a failure class and the attempt that just failed to the item's
// next state. Attempt exhaustion overrides a class's own retryability.
func (p Policy) Decide(class domain.ErrorClass, attempt int, now time.Time) Action {
	if !class.Retryable() || p.Exhausted(attempt) {
		return Action{Status: domain.StatusFailedTerminal}
	}
	if class == domain.ClassPlatformAuthExpired {
		return Action{
			Status:        domain.StatusFailedRetryable,
			NextAttemptAt: now.Add(p.AuthParkDelay),
			Reauth:        true,
		}
	}
	return Action{
		Status:        domain.StatusFailedRetryable,
		NextAttemptAt: now.Add(p.NextDelay(attempt)),
	}
}

func (p Policy) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return time.Duration(rand.Int63n(int64(max)))
}
