// Package ratelimit gates publish attempts per (platform, account) with lazily
// refilled token buckets. Refill is computed from elapsed time inside
// x/time/rate, never by a background timer, so buckets cannot drift.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Key identifies one bucket.
type Key struct {
	Platform   string
	AccountRef string
}

// Limit is a bucket shape: capacity tokens, refilled at RefillPerSec.
type Limit struct {
	Capacity     int
	RefillPerSec float64
}

// ParseLimit parses the "capacity/windowSeconds" admin-override form, e.g.
// "300/10800" for 300 posts per three hours.
func ParseLimit(s string) (Limit, error) {
	capStr, winStr, ok := strings.Cut(s, "/")
	if !ok {
		return Limit{}, fmt.Errorf("rate limit %q: want capacity/windowSeconds", s)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
	if err != nil || capacity <= 0 {
		return Limit{}, fmt.Errorf("rate limit %q: bad capacity", s)
	}
	window, err := strconv.Atoi(strings.TrimSpace(winStr))
	if err != nil || window <= 0 {
		return Limit{}, fmt.Errorf("rate limit %q: bad window", s)
	}
	return Limit{Capacity: capacity, RefillPerSec: float64(capacity) / float64(window)}, nil
}

// DefaultLimits mirrors published per-account platform limits. Admin overrides
// replace entries wholesale; accounts on the same platform share a shape but
// never a bucket.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"twitter":   {Capacity: 300, RefillPerSec: 300.0 / (3 * 3600)},
		"facebook":  {Capacity: 50, RefillPerSec: 50.0 / (24 * 3600)},
		"instagram": {Capacity: 25, RefillPerSec: 25.0 / (24 * 3600)},
		"linkedin":  {Capacity: 150, RefillPerSec: 150.0 / (24 * 3600)},
	}
}

// Decision is the limiter's answer for one attempt. A denied decision carries
// the instant at which one token will have accrued.
type Decision struct {
	Granted bool
	RetryAt time.Time
}

// Limiter is shared by all dispatcher workers; every Acquire is a single
// atomic read-modify-write on the bucket.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	fallback Limit
	buckets  map[Key]*rate.Limiter
}

func New(limits map[string]Limit, fallback Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	if fallback.Capacity == 0 {
		fallback = Limit{Capacity: 10, RefillPerSec: 10.0 / 3600}
	}
	return &Limiter{limits: limits, fallback: fallback, buckets: make(map[Key]*rate.Limiter)}
}

// Acquire takes one token from the key's bucket, or reports when to retry.
// Buckets start full on first sight of a key.
func (l *Limiter) Acquire(key Key, now time.Time) Decision {
	b := l.bucket(key)
	res := b.ReserveN(now, 1)
	if !res.OK() {
		// capacity < 1 can't ever grant; misconfiguration, deny for a minute
		return Decision{RetryAt: now.Add(time.Minute)}
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return Decision{Granted: true}
	}
	res.CancelAt(now)
	return Decision{RetryAt: now.Add(delay)}
}

func (l *Limiter) bucket(key Key) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	lim, ok := l.limits[key.Platform]
	if !ok {
		lim = l.fallback
	}
	b := rate.NewLimiter(rate.Limit(lim.RefillPerSec), lim.Capacity)
	l.buckets[key] = b
	return b
}

// Known reports whether a platform has a configured bucket shape; unknown
// platforms are rejected at the API boundary, not silently given the fallback.
func (l *Limiter) Known(platform string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.limits[platform]
	return ok
}
