package router

import (
	"context"
	"fmt"
	"time"

	"stillpoint/internal/schedule"
	"stillpoint/internal/types"
)

// introStaggerDays spaces the one-off intro nudges so a new user gets one
// feature introduction per day instead of four at once.
const introStaggerDays = 1

// recurringSeedDedupeWindow absorbs duplicate concurrent seeding runs. It is
// deliberately shorter than any recurrence interval so it never suppresses a
// legitimate repeat.
const recurringSeedDedupeWindow = 6 * time.Hour

// Service is the batch driver: it drains due queue items through the
// Processor and seeds engagement schedules for recently active users.
type Service struct {
	queue     QueueStore
	users     UserDirectory
	seeder    Seeder
	processor *Processor
	trigger   types.QueueTrigger
	metrics   types.MetricsRecorder
	clock     types.Clock
	logger    types.Logger
}

// NewService creates a Service. trigger and metrics may be nil.
func NewService(queue QueueStore, users UserDirectory, seeder Seeder, processor *Processor, trigger types.QueueTrigger, metrics types.MetricsRecorder, clock types.Clock, logger types.Logger) *Service {
	return &Service{
		queue:     queue,
		users:     users,
		seeder:    seeder,
		processor: processor,
		trigger:   trigger,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// ProcessQueueBatch drains up to limit due items, oldest-scheduled first,
// sequentially. Kill switches are checked before any store read. Items are
// processed one at a time so per-recipient guard transactions stay
// uncontended; batch latency scales linearly with limit.
//
// Deferred items (category disabled) are counted in Processed but excluded
// from the three outcome tallies.
func (s *Service) ProcessQueueBatch(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.BatchResult, error) {
	if !cfg.Enabled || !cfg.ProcessingEnabled {
		return &types.BatchResult{Paused: true}, nil
	}

	start := s.clock.Now()
	items, err := s.queue.ListDue(ctx, start, limit)
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{}
	for _, item := range items {
		outcome, _, err := s.processor.Process(ctx, item, cfg)
		if err != nil {
			return nil, fmt.Errorf("processing item %s: %w", item.ID, err)
		}
		result.Processed++
		switch outcome {
		case types.OutcomeSent:
			result.Sent++
		case types.OutcomeFailed:
			result.Failed++
		case types.OutcomeSkipped:
			result.Skipped++
		case types.OutcomeDeferred:
			// Left pending; not attributed to any tally.
		}
	}

	if s.metrics != nil {
		s.metrics.RecordBatch(ctx, result.Processed, s.clock.Now().Sub(start))
	}
	s.logger.Info("queue batch processed",
		"processed", result.Processed,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)

	s.maybeTriggerContinuation(ctx, len(items), limit, cfg)
	return result, nil
}

// maybeTriggerContinuation requests a follow-up run when the batch drained
// its full limit and more due items remain. Gated by the auto-cron kill
// switch; best effort, never fails the batch that already completed.
func (s *Service) maybeTriggerContinuation(ctx context.Context, drained, limit int, cfg *types.RouterConfig) {
	if s.trigger == nil || !cfg.AutoCronEnabled || limit <= 0 || drained < limit {
		return
	}
	remaining, err := s.queue.CountDue(ctx, s.clock.Now())
	if err != nil {
		s.logger.Warn("failed to count remaining due items", "error", err)
		return
	}
	if remaining == 0 {
		return
	}
	if err := s.trigger.TriggerProcessing(ctx, "queue_backlog"); err != nil {
		s.logger.Warn("failed to trigger continuation run",
			"error", err,
			"remaining", remaining,
		)
		return
	}
	s.logger.Info("continuation run triggered", "remaining", remaining)
}

// EnsureEngagementSchedulesForRecentUsers scans the most recently
// token-updated users and seeds each un-latched user with intro items
// (one-off, staggered across days) and recurring items (one per feature,
// carrying its rule, local time, and the user's timezone offset). Each
// user's seeding is all-or-nothing: the inserts and the latch commit in one
// transaction.
func (s *Service) EnsureEngagementSchedulesForRecentUsers(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.SeedResult, error) {
	if !cfg.Enabled || !cfg.Engagement.Enabled {
		return &types.SeedResult{Disabled: true}, nil
	}

	users, err := s.users.ListRecentTokenUpdated(ctx, limit)
	if err != nil {
		return nil, err
	}

	result := &types.SeedResult{Scanned: len(users)}
	for _, u := range users {
		if u.IntroSeedState != types.SeedStateSeeded {
			items := s.buildIntroItems(u, cfg)
			inserted, err := s.seeder.SeedIntro(ctx, u.ID, items)
			if err != nil {
				return nil, fmt.Errorf("seeding intro for user %s: %w", u.ID, err)
			}
			result.Scheduled += inserted
		}
		if u.RecurringSeedState != types.SeedStateSeeded {
			items := s.buildRecurringItems(u, cfg)
			inserted, err := s.seeder.SeedRecurring(ctx, u.ID, items)
			if err != nil {
				return nil, fmt.Errorf("seeding recurring for user %s: %w", u.ID, err)
			}
			result.Scheduled += inserted
		}
	}

	s.logger.Info("engagement seeding completed",
		"scanned", result.Scanned,
		"scheduled", result.Scheduled,
	)
	return result, nil
}

// buildIntroItems creates the one-off introduction items for a user, one
// per feature, each at the feature's configured local time and staggered by
// one additional day per feature so introductions arrive spread out.
func (s *Service) buildIntroItems(u *types.UserRecord, cfg *types.RouterConfig) []*types.QueueItem {
	now := s.clock.Now()
	items := make([]*types.QueueItem, 0, len(types.AllFeatures))
	for i, feature := range types.AllFeatures {
		at, ok := cfg.Engagement.Schedule[feature]
		if !ok {
			continue
		}
		tmpl := cfg.Engagement.Templates.Intro[feature]
		scheduledAt := schedule.NextDailyLocal(now, u.TimezoneOffsetMinutes, at.Hour, at.Minute).
			Add(time.Duration(i*introStaggerDays) * 24 * time.Hour)

		items = append(items, &types.QueueItem{
			ID:          fmt.Sprintf("intro_%s_%s", u.ID, feature),
			Category:    types.CategoryEngagement,
			Type:        fmt.Sprintf("engagement_%s", feature),
			Title:       tmpl.Title,
			Body:        tmpl.Body,
			RecipientID: u.ID,
			Data:        types.DataPayload{"feature": string(feature), "variant": "intro"},
			Status:      types.QueueStatusPending,
			ScheduledAt: scheduledAt,
		})
	}
	return items
}

// buildRecurringItems creates one self-rescheduling item per feature,
// carrying the feature's recurrence rule and the user's offset. The short
// dedupe window absorbs duplicate concurrent scheduler runs, not daily
// repeats.
func (s *Service) buildRecurringItems(u *types.UserRecord, cfg *types.RouterConfig) []*types.QueueItem {
	now := s.clock.Now()
	items := make([]*types.QueueItem, 0, len(types.AllFeatures))
	for _, feature := range types.AllFeatures {
		at, ok := cfg.Engagement.Schedule[feature]
		if !ok {
			continue
		}
		rule := cfg.Engagement.RecurringRules[feature]
		tmpl := cfg.Engagement.Templates.Recurring[feature]
		rec := &types.Recurrence{
			Kind:                  rule.Kind,
			IntervalDays:          rule.IntervalDays,
			Weekdays:              rule.Weekdays,
			Hour:                  at.Hour,
			Minute:                at.Minute,
			TimezoneOffsetMinutes: u.TimezoneOffsetMinutes,
		}

		items = append(items, &types.QueueItem{
			ID:             fmt.Sprintf("recurring_%s_%s", u.ID, feature),
			Category:       types.CategoryEngagement,
			Type:           fmt.Sprintf("engagement_%s", feature),
			Title:          tmpl.Title,
			Body:           tmpl.Body,
			RecipientID:    u.ID,
			Data:           types.DataPayload{"feature": string(feature), "variant": "recurring"},
			Status:         types.QueueStatusPending,
			ScheduledAt:    schedule.Next(now, *rec),
			DedupeKey:      fmt.Sprintf("recurring_%s_%s", u.ID, feature),
			DedupeWindowMS: recurringSeedDedupeWindow.Milliseconds(),
			Recurrence:     rec,
		})
	}
	return items
}

// GetItem fetches a single queue item by id.
func (s *Service) GetItem(ctx context.Context, id string) (*types.QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// RemoveItem deletes a queue item entirely. Admin action.
func (s *Service) RemoveItem(ctx context.Context, id string) error {
	return s.queue.Delete(ctx, id)
}
