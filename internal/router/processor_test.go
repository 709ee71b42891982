package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stillpoint/internal/types"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// newTestProcessor wires a Processor over fresh mocks.
func newTestProcessor() (*Processor, *mockQueueStore, *mockGuardStore, *mockUserDirectory, *mockTransport) {
	queue := newMockQueueStore()
	guard := &mockGuardStore{}
	users := &mockUserDirectory{}
	transport := &mockTransport{}
	p := NewProcessor(queue, guard, users, transport, fixedClock{now: testNow}, noopLogger{}, nil)
	return p, queue, guard, users, transport
}

// connectItem returns a valid pending connect item.
func connectItem() *types.QueueItem {
	return &types.QueueItem{
		ID:          "item-1",
		Category:    types.CategoryConnect,
		Type:        "connect_comment",
		Title:       "New comment",
		Body:        "Sam commented on your reflection",
		RecipientID: "user-a",
		SenderID:    "user-b",
		Status:      types.QueueStatusPending,
		ScheduledAt: testNow.Add(-time.Minute),
	}
}

func TestProcessDefersWhenCategoryDisabled(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()
	cfg := DefaultConfig()
	cfg.Connect.Enabled = false

	outcome, _, err := p.Process(context.Background(), connectItem(), cfg)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeferred, outcome)

	// The item must be left untouched so a later run picks it up.
	assert.Empty(t, queue.sent)
	assert.Empty(t, queue.failed)
	assert.Empty(t, queue.skipped)
	assert.Zero(t, transport.sentCount)
}

func TestProcessDefersDisabledEngagement(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()
	cfg := DefaultConfig()
	cfg.Engagement.Enabled = false

	item := connectItem()
	item.Category = types.CategoryEngagement
	item.Type = "engagement_water"
	item.SenderID = ""

	outcome, _, err := p.Process(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeferred, outcome)
	assert.Empty(t, queue.skipped)
}

func TestProcessSkipsBlockedSender(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()
	cfg := DefaultConfig()
	cfg.Connect.BlockedSenders = []string{"user-b"}

	outcome, _, err := p.Process(context.Background(), connectItem(), cfg)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, outcome)
	assert.Equal(t, types.SkipReasonBlockedSender, queue.skipped["item-1"])
	assert.Zero(t, transport.sentCount)
}

func TestProcessBlockedSenderWinsOverMissingFields(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()
	cfg := DefaultConfig()
	cfg.Connect.BlockedSenders = []string{"user-b"}

	// An item that is both blocked and malformed takes the blocked-sender
	// path; the field check never runs.
	item := connectItem()
	item.Title = ""
	item.Body = ""

	outcome, _, err := p.Process(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, outcome)
	assert.Equal(t, types.SkipReasonBlockedSender, queue.skipped["item-1"])
	assert.Empty(t, queue.failed)
	assert.Zero(t, transport.sentCount)
}

func TestProcessFailsMissingRequiredFields(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()

	item := connectItem()
	item.Title = ""
	item.Body = ""

	outcome, msg, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Contains(t, msg, "title")
	assert.Contains(t, msg, "body")
	assert.Contains(t, queue.failed["item-1"], "missing required fields")
	assert.Zero(t, transport.sentCount)
}

func TestProcessSkipsDedupeHit(t *testing.T) {
	p, queue, guard, _, transport := newTestProcessor()
	guard.checkDedupeFn = func(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
		return false, nil
	}

	item := connectItem()
	item.DedupeKey = "dk-1"
	item.DedupeWindowMS = 60_000

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, outcome)
	assert.Equal(t, types.SkipReasonDeduped, queue.skipped["item-1"])
	assert.Zero(t, transport.sentCount)
}

func TestProcessSkipsRateLimited(t *testing.T) {
	p, queue, guard, _, transport := newTestProcessor()
	guard.rateLimitFn = func(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
		assert.Equal(t, "user-b", senderID)
		assert.Equal(t, "user-a", recipientID)
		assert.Equal(t, "connect_comment", notifType)
		assert.Equal(t, 60*time.Second, cooldown)
		return false, 30 * time.Second, nil
	}

	outcome, _, err := p.Process(context.Background(), connectItem(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, outcome)
	assert.Equal(t, types.SkipReasonRateLimited, queue.skipped["item-1"])
	assert.Equal(t, int64(30_000), queue.retryAfter["item-1"])
	assert.Zero(t, transport.sentCount)
}

func TestProcessRateLimitOnlyForConnectPrefix(t *testing.T) {
	p, _, guard, _, transport := newTestProcessor()
	guard.rateLimitFn = func(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
		t.Fatal("rate limit must not be consulted for non connect_ types")
		return false, 0, nil
	}

	item := connectItem()
	item.Category = types.CategoryEngagement
	item.Type = "engagement_water"

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, outcome)
	assert.Equal(t, 1, transport.sentCount)
}

func TestProcessFailsWhenRecipientHasNoToken(t *testing.T) {
	p, queue, _, users, transport := newTestProcessor()
	users.getTokenFn = func(ctx context.Context, userID string) (string, error) {
		return "", nil
	}

	outcome, msg, err := p.Process(context.Background(), connectItem(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Equal(t, "Recipient has no FCM token", msg)
	assert.Equal(t, "Recipient has no FCM token", queue.failed["item-1"])
	assert.Zero(t, transport.sentCount)
}

func TestProcessClearsUnregisteredToken(t *testing.T) {
	p, queue, _, users, transport := newTestProcessor()
	transport.sendFn = func(ctx context.Context, msg types.PushMessage) (string, error) {
		return "", &types.PushError{Code: "NotRegistered", Message: "token is dead", Unregistered: true}
	}

	outcome, _, err := p.Process(context.Background(), connectItem(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Equal(t, []string{"user-a"}, users.clearedTokens)
	assert.Equal(t, "token is dead", queue.failed["item-1"])
	assert.Equal(t, "NotRegistered", queue.failedCode["item-1"])
}

func TestProcessTypedRejectionDoesNotClearToken(t *testing.T) {
	p, queue, _, users, transport := newTestProcessor()
	transport.sendFn = func(ctx context.Context, msg types.PushMessage) (string, error) {
		return "", &types.PushError{Code: "InvalidMessage", Message: "bad payload"}
	}

	outcome, _, err := p.Process(context.Background(), connectItem(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Empty(t, users.clearedTokens)
	assert.Equal(t, "bad payload", queue.failed["item-1"])
}

func TestProcessPropagatesInfrastructureError(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()
	transport.sendFn = func(ctx context.Context, msg types.PushMessage) (string, error) {
		return "", errors.New("connection refused")
	}

	_, _, err := p.Process(context.Background(), connectItem(), DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push transport")

	// No per-item state was written; the whole run is the failure unit.
	assert.Empty(t, queue.failed)
	assert.Empty(t, queue.sent)
}

func TestProcessSendsOneShotItem(t *testing.T) {
	p, queue, guard, _, transport := newTestProcessor()

	item := connectItem()
	item.DedupeKey = "dk-1"
	item.DedupeWindowMS = 60_000

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, outcome)
	assert.Equal(t, []string{"item-1"}, queue.sent)
	assert.Equal(t, 1, transport.sentCount)

	// Dedupe record is written after the successful send.
	assert.Equal(t, []string{"dk-1"}, guard.recordedDedupe)

	// Delivered payload carries the flattened routing data.
	assert.Equal(t, "token-user-a", transport.lastMsg.Token)
	assert.Equal(t, "connect_comment", transport.lastMsg.Data["type"])
	assert.Equal(t, "user-b", transport.lastMsg.Data["sender_id"])
}

func TestProcessReschedulesRecurringItem(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()

	occurrences := 3
	item := connectItem()
	item.Category = types.CategoryEngagement
	item.Type = "engagement_water"
	item.Recurrence = &types.Recurrence{
		Kind:        types.RecurDaily,
		Hour:        10,
		Minute:      0,
		Occurrences: &occurrences,
	}

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, outcome)

	// Not terminal: rescheduled with one occurrence consumed.
	assert.Empty(t, queue.sent)
	next, ok := queue.resched["item-1"]
	require.True(t, ok)
	assert.True(t, next.After(testNow))
	require.NotNil(t, queue.reschedRec["item-1"].Occurrences)
	assert.Equal(t, 2, *queue.reschedRec["item-1"].Occurrences)
}

func TestProcessRecurrenceExhaustsOccurrences(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()

	occurrences := 1
	item := connectItem()
	item.Recurrence = &types.Recurrence{
		Kind:        types.RecurDaily,
		Hour:        9,
		Occurrences: &occurrences,
	}

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, outcome)
	assert.Equal(t, []string{"item-1"}, queue.sent)
	assert.Empty(t, queue.resched)
}

func TestProcessRecurrenceStopsAtEndDate(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()

	endAt := testNow.Add(2 * time.Hour) // before the next daily occurrence
	item := connectItem()
	item.Recurrence = &types.Recurrence{
		Kind:  types.RecurDaily,
		Hour:  9,
		EndAt: &endAt,
	}

	outcome, _, err := p.Process(context.Background(), item, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, outcome)
	assert.Equal(t, []string{"item-1"}, queue.sent)
	assert.Empty(t, queue.resched)
}

func TestProcessByIDPausedByKillSwitch(t *testing.T) {
	p, _, _, _, _ := newTestProcessor()
	cfg := DefaultConfig()
	cfg.ProcessingEnabled = false

	result, err := p.ProcessByID(context.Background(), "item-1", false, cfg)
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.False(t, result.OK)
}

func TestProcessByIDRejectsTerminalItem(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()
	queue.getFn = func(ctx context.Context, id string) (*types.QueueItem, error) {
		item := connectItem()
		item.Status = types.QueueStatusSent
		return item, nil
	}

	_, err := p.ProcessByID(context.Background(), "item-1", false, DefaultConfig())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictItemNotPending, appErr.Code)
}

func TestProcessByIDRejectsNotDueWithoutForce(t *testing.T) {
	p, queue, _, _, _ := newTestProcessor()
	queue.getFn = func(ctx context.Context, id string) (*types.QueueItem, error) {
		item := connectItem()
		item.ScheduledAt = testNow.Add(time.Hour)
		return item, nil
	}

	_, err := p.ProcessByID(context.Background(), "item-1", false, DefaultConfig())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictItemNotDue, appErr.Code)
}

func TestProcessByIDForceBypassesDueCheck(t *testing.T) {
	p, queue, _, _, transport := newTestProcessor()
	queue.getFn = func(ctx context.Context, id string) (*types.QueueItem, error) {
		item := connectItem()
		item.ScheduledAt = testNow.Add(time.Hour)
		return item, nil
	}

	result, err := p.ProcessByID(context.Background(), "item-1", true, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, types.OutcomeSent, result.Outcome)
	assert.Equal(t, 1, transport.sentCount)
}

func TestFlattenDataStringifiesNonStrings(t *testing.T) {
	item := connectItem()
	item.Data = types.DataPayload{
		"thread_id": "t-9",
		"depth":     3,
		"pinned":    true,
	}

	got := flattenData(item)
	assert.Equal(t, "t-9", got["thread_id"])
	assert.Equal(t, "3", got["depth"])
	assert.Equal(t, "true", got["pinned"])
	assert.Equal(t, "connect_comment", got["type"])
}
