// Package recur materializes scheduled items from recurring publication
// rules. Cron expressions are evaluated in each rule's own timezone; the
// items they emit carry plain UTC instants like any one-shot schedule.
package recur

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"publishq/internal/domain"
	"publishq/internal/queue"
)

type Service struct {
	repo     queue.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo queue.Repository, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurrence service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// ProcessDue enqueues items for every rule whose next run has arrived and
// advances the rule's run times.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	rules, err := s.repo.DueRecurrences(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due recurrences")
		return
	}

	for _, rule := range rules {
		if err := s.fire(ctx, rule, now); err != nil {
			log.Error().Err(err).Str("recurrence_id", rule.ID).Msg("failed to fire recurrence")
		}
	}
}

func (s *Service) fire(ctx context.Context, rule domain.Recurrence, now time.Time) error {
	nextRun, err := NextRunTime(rule.CronExpr, rule.Timezone, now)
	if err != nil {
		// bad expression or timezone: disable rather than fire every sweep
		rule.Enabled = false
		log.Error().Err(err).Str("recurrence_id", rule.ID).Msg("disabling invalid recurrence")
		return s.repo.UpdateRecurrence(ctx, rule, now)
	}

	for _, platform := range rule.Platforms {
		item := domain.ScheduledItem{
			UserID:      rule.UserID,
			ContentRef:  rule.ContentRef,
			Platform:    platform,
			AccountRef:  rule.AccountRef,
			ScheduledAt: now,
		}
		itemID, err := s.repo.Enqueue(ctx, item, now)
		if err != nil {
			log.Error().Err(err).Str("recurrence_id", rule.ID).Str("platform", platform).Msg("failed to enqueue recurring item")
			continue
		}
		log.Info().
			Str("recurrence_id", rule.ID).
			Str("recurrence_name", rule.Name).
			Str("item_id", itemID).
			Str("platform", platform).
			Time("next_run", nextRun).
			Msg("recurring item enqueued")
	}

	return s.repo.MarkRecurrenceRun(ctx, rule.ID, now, nextRun)
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime evaluates expr in the named IANA timezone and returns the next
// firing after from, as a UTC instant.
func NextRunTime(expr, timezone string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, domain.Validationf("timezone", "unknown timezone %q", timezone)
	}
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from.In(loc)).UTC(), nil
}
