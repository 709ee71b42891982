package db

import (
	"context"

	"stillpoint/internal/types"
)

// EngagementSeeder performs the per-user seeding writes atomically: the
// batch of intro or recurring queue items is inserted and the user's
// one-way seed latch set in a single transaction, so a crash mid-seed never
// leaves a user half-seeded with the latch already set.
type EngagementSeeder struct {
	runner *TxRunner
}

// NewEngagementSeeder creates an EngagementSeeder using the given TxRunner.
func NewEngagementSeeder(runner *TxRunner) *EngagementSeeder {
	return &EngagementSeeder{runner: runner}
}

// SeedIntro inserts the user's intro items and latches intro_seed_state.
// Returns the number of items actually inserted (existing deterministic ids
// are skipped, keeping re-runs idempotent).
func (s *EngagementSeeder) SeedIntro(ctx context.Context, userID string, items []*types.QueueItem) (int, error) {
	return s.seed(ctx, userID, items, func(ctx context.Context, users *UserRepository) error {
		return users.SetIntroSeeded(ctx, userID)
	})
}

// SeedRecurring inserts the user's recurring items and latches
// recurring_seed_state.
func (s *EngagementSeeder) SeedRecurring(ctx context.Context, userID string, items []*types.QueueItem) (int, error) {
	return s.seed(ctx, userID, items, func(ctx context.Context, users *UserRepository) error {
		return users.SetRecurringSeeded(ctx, userID)
	})
}

func (s *EngagementSeeder) seed(ctx context.Context, userID string, items []*types.QueueItem, latch func(context.Context, *UserRepository) error) (int, error) {
	inserted := 0
	err := s.runner.RunInTx(ctx, func(txCtx context.Context, tx DBTX) error {
		queue := NewQueueRepository(tx)
		users := NewUserRepository(tx)
		for _, item := range items {
			ok, insErr := queue.InsertIfNotExists(txCtx, item)
			if insErr != nil {
				return insErr
			}
			if ok {
				inserted++
			}
		}
		return latch(txCtx, users)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
