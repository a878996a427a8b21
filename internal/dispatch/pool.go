// Package dispatch runs the sweep loop that moves due items through the
// claim/lease protocol and into the publish executor. N workers may run the
// same loop concurrently, in one process or many; correctness rests on the
// store's compare-and-set transitions, not on mutual exclusion of the sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"publishq/internal/domain"
	"publishq/internal/notify"
	"publishq/internal/publish"
	"publishq/internal/queue"
	"publishq/internal/ratelimit"
	"publishq/internal/retry"
)

// Executor issues exactly one publish attempt and reports its normalized
// conclusion.
type Executor interface {
	Publish(ctx context.Context, item domain.ScheduledItem) publish.Result
}

type Config struct {
	Workers      int
	SweepEvery   time.Duration
	Lease        time.Duration
	FetchLimit   int
	WorkerPrefix string
}

type Pool struct {
	repo    queue.Repository
	limiter *ratelimit.Limiter
	exec    Executor
	policy  retry.Policy
	events  notify.Emitter
	log     zerolog.Logger
	cfg     Config

	// now is split out for tests; sweeps always run on UTC instants.
	now func() time.Time
}

func NewPool(repo queue.Repository, limiter *ratelimit.Limiter, exec Executor, policy retry.Policy, events notify.Emitter, log zerolog.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 32
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	return &Pool{
		repo:    repo,
		limiter: limiter,
		exec:    exec,
		policy:  policy,
		events:  events,
		log:     log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	t := time.NewTicker(p.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Sweep(ctx, p.now(), workerID)
		}
	}
}

// Sweep performs one pass: reclaim expired claims, fetch due items, and try
// to process each. Claim races lost to other workers are skipped silently.
func (p *Pool) Sweep(ctx context.Context, now time.Time, workerID string) {
	if n, err := p.repo.ReclaimExpired(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("reclaim expired claims")
	} else if n > 0 {
		p.log.Info().Int("reclaimed", n).Str("worker", workerID).Msg("reclaimed expired claims")
	}

	items, err := p.repo.FetchDue(ctx, p.cfg.FetchLimit, now)
	if err != nil {
		p.log.Error().Err(err).Msg("fetch due items")
		return
	}
	for _, it := range items {
		p.process(ctx, it, workerID, now)
	}
}

func (p *Pool) process(ctx context.Context, it domain.ScheduledItem, workerID string, now time.Time) {
	token, ok, err := p.repo.TryClaim(ctx, it.ID, workerID, p.cfg.Lease, now)
	if err != nil {
		p.log.Error().Err(err).Str("item", it.ID).Msg("claim item")
		return
	}
	if !ok {
		// another worker got there first
		return
	}
	if err := p.repo.MarkPublishing(ctx, it.ID, token, now); err != nil {
		p.claimError(err, it.ID, "mark publishing")
		return
	}

	key := ratelimit.Key{Platform: it.Platform, AccountRef: it.AccountRef}
	dec := p.limiter.Acquire(key, now)
	if !dec.Granted {
		// no token: park until one accrues, attempt is not consumed
		err := p.repo.RecordOutcome(ctx, queue.Outcome{
			ID:            it.ID,
			ClaimToken:    token,
			Status:        domain.StatusPending,
			ErrorClass:    domain.ClassRateLimited,
			Error:         fmt.Sprintf("rate limit for %s/%s, retry at %s", it.Platform, it.AccountRef, dec.RetryAt.Format(time.RFC3339)),
			NextAttemptAt: dec.RetryAt,
		}, p.now())
		if err != nil {
			p.claimError(err, it.ID, "defer rate-limited item")
		}
		return
	}

	attempt, err := p.repo.BeginAttempt(ctx, it.ID, token, now)
	if err != nil {
		p.claimError(err, it.ID, "begin attempt")
		return
	}
	it.Attempt = attempt

	// the attempt may not outlive the claim lease
	execCtx, cancel := context.WithDeadline(ctx, now.Add(p.cfg.Lease))
	res := p.exec.Publish(execCtx, it)
	cancel()
	done := p.now()

	if res.Success {
		err := p.repo.RecordOutcome(ctx, queue.Outcome{
			ID:         it.ID,
			ClaimToken: token,
			Status:     domain.StatusSucceeded,
			Result: &domain.PublishResult{
				ItemID:         it.ID,
				Attempt:        attempt,
				Success:        true,
				PlatformPostID: res.PlatformPostID,
				ConcludedAt:    done,
			},
		}, done)
		if err != nil {
			p.claimError(err, it.ID, "record success")
			return
		}
		p.events.Emit(ctx, notify.Event{
			Type: notify.EventPublished, ItemID: it.ID, UserID: it.UserID,
			Platform: it.Platform, AccountRef: it.AccountRef,
			Attempt: attempt, PostID: res.PlatformPostID, At: done,
		})
		return
	}

	act := p.policy.Decide(res.Class, attempt, done)
	if res.RetryAfterHint != nil && act.Status == domain.StatusFailedRetryable && res.RetryAfterHint.After(act.NextAttemptAt) {
		act.NextAttemptAt = *res.RetryAfterHint
	}
	err = p.repo.RecordOutcome(ctx, queue.Outcome{
		ID:             it.ID,
		ClaimToken:     token,
		Status:         act.Status,
		ErrorClass:     res.Class,
		Error:          res.Err,
		NextAttemptAt:  act.NextAttemptAt,
		ReauthRequired: act.Reauth,
		Result: &domain.PublishResult{
			ItemID:      it.ID,
			Attempt:     attempt,
			ErrorClass:  res.Class,
			Error:       res.Err,
			ConcludedAt: done,
		},
	}, done)
	if err != nil {
		p.claimError(err, it.ID, "record failure")
		return
	}
	p.log.Warn().Str("item", it.ID).Str("class", string(res.Class)).
		Int("attempt", attempt).Str("status", string(act.Status)).Msg("publish attempt failed")
	if act.Status == domain.StatusFailedTerminal {
		p.events.Emit(ctx, notify.Event{
			Type: notify.EventPublishFailed, ItemID: it.ID, UserID: it.UserID,
			Platform: it.Platform, AccountRef: it.AccountRef,
			Attempt: attempt, Error: res.Err, At: done,
		})
	}
}

// claimError logs a lost claim at debug (expected, benign: the reclaiming
// worker's outcome is authoritative) and anything else as a real error.
func (p *Pool) claimError(err error, itemID, op string) {
	if errors.Is(err, domain.ErrClaimLost) {
		p.log.Debug().Str("item", itemID).Str("op", op).Msg("claim lost, outcome discarded")
		return
	}
	p.log.Error().Err(err).Str("item", itemID).Str("op", op).Msg("dispatch store error")
}
