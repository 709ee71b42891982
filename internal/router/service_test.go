package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stillpoint/internal/schedule"
	"stillpoint/internal/types"
)

// newTestService wires a Service (and its Processor) over fresh mocks.
func newTestService() (*Service, *mockQueueStore, *mockUserDirectory, *mockSeeder, *mockTrigger) {
	queue := newMockQueueStore()
	guard := &mockGuardStore{}
	users := &mockUserDirectory{}
	transport := &mockTransport{}
	seeder := newMockSeeder()
	trigger := &mockTrigger{}
	clock := fixedClock{now: testNow}
	processor := NewProcessor(queue, guard, users, transport, clock, noopLogger{}, nil)
	svc := NewService(queue, users, seeder, processor, trigger, nil, clock, noopLogger{})
	return svc, queue, users, seeder, trigger
}

func TestProcessQueueBatchPausedByKillSwitch(t *testing.T) {
	svc, queue, _, _, _ := newTestService()
	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		t.Fatal("store must not be read while processing is paused")
		return nil, nil
	}

	cfg := DefaultConfig()
	cfg.ProcessingEnabled = false

	result, err := svc.ProcessQueueBatch(context.Background(), 50, cfg)
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.Zero(t, result.Processed)
}

func TestProcessQueueBatchTallies(t *testing.T) {
	svc, queue, _, _, _ := newTestService()

	sendable := connectItem()
	sendable.ID = "ok"

	blocked := connectItem()
	blocked.ID = "blocked"
	blocked.SenderID = "user-blocked"

	poison := connectItem()
	poison.ID = "poison"
	poison.Body = ""

	deferred := connectItem()
	deferred.ID = "deferred"
	deferred.Category = types.CategoryEngagement
	deferred.Type = "engagement_water"
	deferred.SenderID = ""

	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		return []*types.QueueItem{sendable, blocked, poison, deferred}, nil
	}

	cfg := DefaultConfig()
	cfg.Connect.BlockedSenders = []string{"user-blocked"}
	cfg.Engagement.Enabled = false

	result, err := svc.ProcessQueueBatch(context.Background(), 50, cfg)
	require.NoError(t, err)

	// Deferred counts toward Processed but not toward any outcome tally.
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)

	assert.Equal(t, []string{"ok"}, queue.sent)
	assert.Equal(t, types.SkipReasonBlockedSender, queue.skipped["blocked"])
	assert.Contains(t, queue.failed["poison"], "missing required fields")
	assert.Empty(t, queue.skipped["deferred"])
}

func TestProcessQueueBatchTriggersContinuation(t *testing.T) {
	svc, queue, _, _, trigger := newTestService()

	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		a := connectItem()
		a.ID = "a"
		b := connectItem()
		b.ID = "b"
		return []*types.QueueItem{a, b}, nil
	}
	queue.countDueFn = func(ctx context.Context, now time.Time) (int, error) {
		return 5, nil
	}

	_, err := svc.ProcessQueueBatch(context.Background(), 2, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"queue_backlog"}, trigger.reasons)
}

func TestProcessQueueBatchNoContinuationWhenDrainedBelowLimit(t *testing.T) {
	svc, queue, _, _, trigger := newTestService()

	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		return []*types.QueueItem{connectItem()}, nil
	}
	queue.countDueFn = func(ctx context.Context, now time.Time) (int, error) {
		t.Fatal("count must not run when the batch was not full")
		return 0, nil
	}

	_, err := svc.ProcessQueueBatch(context.Background(), 10, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, trigger.reasons)
}

func TestProcessQueueBatchNoContinuationWhenQueueEmpty(t *testing.T) {
	svc, queue, _, _, trigger := newTestService()

	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		return []*types.QueueItem{connectItem()}, nil
	}
	queue.countDueFn = func(ctx context.Context, now time.Time) (int, error) {
		return 0, nil
	}

	_, err := svc.ProcessQueueBatch(context.Background(), 1, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, trigger.reasons)
}

func TestProcessQueueBatchNoContinuationWhenAutoCronDisabled(t *testing.T) {
	svc, queue, _, _, trigger := newTestService()

	queue.listDueFn = func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
		return []*types.QueueItem{connectItem()}, nil
	}
	queue.countDueFn = func(ctx context.Context, now time.Time) (int, error) {
		return 5, nil
	}

	cfg := DefaultConfig()
	cfg.AutoCronEnabled = false

	_, err := svc.ProcessQueueBatch(context.Background(), 1, cfg)
	require.NoError(t, err)
	assert.Empty(t, trigger.reasons)
}

func TestSeedingDisabledByKillSwitch(t *testing.T) {
	svc, _, users, _, _ := newTestService()
	users.listRecentFn = func(ctx context.Context, limit int) ([]*types.UserRecord, error) {
		t.Fatal("store must not be read while engagement is disabled")
		return nil, nil
	}

	cfg := DefaultConfig()
	cfg.Engagement.Enabled = false

	result, err := svc.EnsureEngagementSchedulesForRecentUsers(context.Background(), 100, cfg)
	require.NoError(t, err)
	assert.True(t, result.Disabled)
}

func TestSeedingSkipsLatchedUsers(t *testing.T) {
	svc, _, users, seeder, _ := newTestService()
	users.listRecentFn = func(ctx context.Context, limit int) ([]*types.UserRecord, error) {
		return []*types.UserRecord{{
			ID:                 "user-done",
			IntroSeedState:     types.SeedStateSeeded,
			RecurringSeedState: types.SeedStateSeeded,
		}}, nil
	}

	result, err := svc.EnsureEngagementSchedulesForRecentUsers(context.Background(), 100, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Zero(t, result.Scheduled)
	assert.Empty(t, seeder.introItems)
	assert.Empty(t, seeder.recurringItems)
}

func TestSeedingBuildsIntroItems(t *testing.T) {
	svc, _, users, seeder, _ := newTestService()
	users.listRecentFn = func(ctx context.Context, limit int) ([]*types.UserRecord, error) {
		return []*types.UserRecord{{
			ID:                    "user-new",
			TimezoneOffsetMinutes: -300,
			IntroSeedState:        types.SeedStateUnseeded,
			RecurringSeedState:    types.SeedStateSeeded,
		}}, nil
	}

	result, err := svc.EnsureEngagementSchedulesForRecentUsers(context.Background(), 100, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scheduled)

	items := seeder.introItems["user-new"]
	require.Len(t, items, 4)

	cfg := DefaultConfig()
	for i, feature := range types.AllFeatures {
		item := items[i]
		assert.Equal(t, fmt.Sprintf("intro_user-new_%s", feature), item.ID)
		assert.Equal(t, types.CategoryEngagement, item.Category)
		assert.Equal(t, fmt.Sprintf("engagement_%s", feature), item.Type)
		assert.Equal(t, "user-new", item.RecipientID)
		assert.Equal(t, "intro", item.Data["variant"])
		assert.Nil(t, item.Recurrence)
		assert.True(t, item.ScheduledAt.After(testNow))

		// Staggered: feature i lands i days after its next local send time.
		at := cfg.Engagement.Schedule[feature]
		expected := schedule.NextDailyLocal(testNow, -300, at.Hour, at.Minute).
			Add(time.Duration(i) * 24 * time.Hour)
		assert.Equal(t, expected, item.ScheduledAt, "feature %s", feature)
	}
}

func TestSeedingBuildsRecurringItems(t *testing.T) {
	svc, _, users, seeder, _ := newTestService()
	users.listRecentFn = func(ctx context.Context, limit int) ([]*types.UserRecord, error) {
		return []*types.UserRecord{{
			ID:                    "user-new",
			TimezoneOffsetMinutes: 60,
			IntroSeedState:        types.SeedStateSeeded,
			RecurringSeedState:    types.SeedStateUnseeded,
		}}, nil
	}

	result, err := svc.EnsureEngagementSchedulesForRecentUsers(context.Background(), 100, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scheduled)

	items := seeder.recurringItems["user-new"]
	require.Len(t, items, 4)

	byFeature := map[string]*types.QueueItem{}
	for _, item := range items {
		byFeature[item.Data["feature"].(string)] = item
	}

	water := byFeature["water"]
	require.NotNil(t, water)
	assert.Equal(t, "recurring_user-new_water", water.ID)
	assert.Equal(t, "recurring_user-new_water", water.DedupeKey)
	assert.Equal(t, recurringSeedDedupeWindow.Milliseconds(), water.DedupeWindowMS)
	require.NotNil(t, water.Recurrence)
	assert.Equal(t, types.RecurDaily, water.Recurrence.Kind)
	assert.Equal(t, 10, water.Recurrence.Hour)
	assert.Equal(t, 60, water.Recurrence.TimezoneOffsetMinutes)
	assert.True(t, water.ScheduledAt.After(testNow))

	move := byFeature["move"]
	require.NotNil(t, move)
	assert.Equal(t, types.RecurEveryNDays, move.Recurrence.Kind)
	assert.Equal(t, 2, move.Recurrence.IntervalDays)

	reflect := byFeature["reflect"]
	require.NotNil(t, reflect)
	assert.Equal(t, types.RecurWeekdays, reflect.Recurrence.Kind)
	assert.Equal(t, []int{0, 3}, reflect.Recurrence.Weekdays)
}
