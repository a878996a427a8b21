package domain

import "time"

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusClaimed         Status = "CLAIMED"
	StatusPublishing      Status = "PUBLISHING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedTerminal  Status = "FAILED_TERMINAL"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal || s == StatusCancelled
}

// Claimable reports whether a dispatcher worker may claim an item in this
// state. FAILED_RETRYABLE items are waiting for their next attempt and become
// claimable again once their next-attempt time arrives.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailedRetryable
}

// ScheduledItem is one (content, destination) pairing held until its publish
// instant. All times are UTC; the caller's local time and timezone are
// normalized once at creation and never recomputed.
type ScheduledItem struct {
	ID             string
	UserID         string
	ContentRef     string
	Platform       string
	AccountRef     string
	ScheduledAt    time.Time
	Status         Status
	Attempt        int
	MaxAttempts    int
	NextAttemptAt  time.Time
	ClaimToken     string
	ClaimedBy      string
	ClaimExpiresAt *time.Time
	PriorityWeight int64
	LastErrorClass ErrorClass
	LastError      string
	ReauthRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PublishResult is an immutable record appended when a publish attempt
// concludes, success or failure. Never mutated.
type PublishResult struct {
	ItemID         string
	Attempt        int
	Success        bool
	PlatformPostID string
	ErrorClass     ErrorClass
	Error          string
	ConcludedAt    time.Time
}

// Recurrence materializes a ScheduledItem per platform target each time its
// cron expression fires, evaluated in the rule's own timezone.
type Recurrence struct {
	ID         string
	UserID     string
	Name       string
	CronExpr   string
	Timezone   string
	ContentRef string
	AccountRef string
	Platforms  []string
	Enabled    bool
	LastRun    *time.Time
	NextRun    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
