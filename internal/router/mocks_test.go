package router

import (
	"context"
	"sync"
	"time"

	"stillpoint/internal/types"
)

// =============================================================================
// Shared mock implementations for the router package tests
// =============================================================================

// fixedClock returns a constant instant.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Info(string, ...any)      {}
func (noopLogger) Error(string, ...any)     {}
func (noopLogger) Warn(string, ...any)      {}
func (noopLogger) With(...any) types.Logger { return noopLogger{} }

// mockQueueStore implements QueueStore with overridable functions and
// records every state transition for inspection.
type mockQueueStore struct {
	mu sync.Mutex

	insertFn       func(ctx context.Context, item *types.QueueItem) (bool, error)
	getFn          func(ctx context.Context, id string) (*types.QueueItem, error)
	listDueFn      func(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error)
	countDueFn     func(ctx context.Context, now time.Time) (int, error)
	markSentFn     func(ctx context.Context, id string, sentAt time.Time) error
	markFailedFn   func(ctx context.Context, id string, errMsg, errCode string) error
	markSkippedFn  func(ctx context.Context, id string, reason types.SkipReason, retryAfterMS int64) error
	rescheduleFn   func(ctx context.Context, id string, nextAt, sentAt time.Time, rec *types.Recurrence) error
	deleteFn       func(ctx context.Context, id string) error
	deleteByCampFn func(ctx context.Context, campaignID string, limit int) (int64, error)
	listTerminalFn func(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueueItem, error)
	deleteByIDsFn  func(ctx context.Context, ids []string) (int64, error)

	inserted   []*types.QueueItem
	sent       []string
	failed     map[string]string // id -> error message
	failedCode map[string]string // id -> error code
	skipped    map[string]types.SkipReason
	retryAfter map[string]int64
	resched    map[string]time.Time
	reschedRec map[string]*types.Recurrence
	deleted    []string
}

func newMockQueueStore() *mockQueueStore {
	return &mockQueueStore{
		failed:     map[string]string{},
		failedCode: map[string]string{},
		skipped:    map[string]types.SkipReason{},
		retryAfter: map[string]int64{},
		resched:    map[string]time.Time{},
		reschedRec: map[string]*types.Recurrence{},
	}
}

func (m *mockQueueStore) InsertIfNotExists(ctx context.Context, item *types.QueueItem) (bool, error) {
	m.mu.Lock()
	m.inserted = append(m.inserted, item)
	m.mu.Unlock()
	if m.insertFn != nil {
		return m.insertFn(ctx, item)
	}
	return true, nil
}

func (m *mockQueueStore) Get(ctx context.Context, id string) (*types.QueueItem, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundItem, "not found", nil)
}

func (m *mockQueueStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
	if m.listDueFn != nil {
		return m.listDueFn(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockQueueStore) CountDue(ctx context.Context, now time.Time) (int, error) {
	if m.countDueFn != nil {
		return m.countDueFn(ctx, now)
	}
	return 0, nil
}

func (m *mockQueueStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	m.mu.Lock()
	m.sent = append(m.sent, id)
	m.mu.Unlock()
	if m.markSentFn != nil {
		return m.markSentFn(ctx, id, sentAt)
	}
	return nil
}

func (m *mockQueueStore) MarkFailed(ctx context.Context, id string, errMsg, errCode string) error {
	m.mu.Lock()
	m.failed[id] = errMsg
	m.failedCode[id] = errCode
	m.mu.Unlock()
	if m.markFailedFn != nil {
		return m.markFailedFn(ctx, id, errMsg, errCode)
	}
	return nil
}

func (m *mockQueueStore) MarkSkipped(ctx context.Context, id string, reason types.SkipReason, retryAfterMS int64) error {
	m.mu.Lock()
	m.skipped[id] = reason
	m.retryAfter[id] = retryAfterMS
	m.mu.Unlock()
	if m.markSkippedFn != nil {
		return m.markSkippedFn(ctx, id, reason, retryAfterMS)
	}
	return nil
}

func (m *mockQueueStore) Reschedule(ctx context.Context, id string, nextAt, sentAt time.Time, rec *types.Recurrence) error {
	m.mu.Lock()
	m.resched[id] = nextAt
	m.reschedRec[id] = rec
	m.mu.Unlock()
	if m.rescheduleFn != nil {
		return m.rescheduleFn(ctx, id, nextAt, sentAt, rec)
	}
	return nil
}

func (m *mockQueueStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, id)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockQueueStore) DeletePendingByCampaign(ctx context.Context, campaignID string, limit int) (int64, error) {
	if m.deleteByCampFn != nil {
		return m.deleteByCampFn(ctx, campaignID, limit)
	}
	return 0, nil
}

func (m *mockQueueStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueueItem, error) {
	if m.listTerminalFn != nil {
		return m.listTerminalFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (m *mockQueueStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if m.deleteByIDsFn != nil {
		return m.deleteByIDsFn(ctx, ids)
	}
	return int64(len(ids)), nil
}

// mockGuardStore implements GuardStore.
type mockGuardStore struct {
	rateLimitFn    func(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error)
	checkDedupeFn  func(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error)
	recordDedupeFn func(ctx context.Context, key string, sentAt time.Time) error

	recordedDedupe []string
}

func (m *mockGuardStore) CheckAndRecordRateLimit(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
	if m.rateLimitFn != nil {
		return m.rateLimitFn(ctx, senderID, recipientID, notifType, cooldown, now)
	}
	return true, 0, nil
}

func (m *mockGuardStore) CheckDedupe(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	if m.checkDedupeFn != nil {
		return m.checkDedupeFn(ctx, key, window, now)
	}
	return true, nil
}

func (m *mockGuardStore) RecordDedupe(ctx context.Context, key string, sentAt time.Time) error {
	m.recordedDedupe = append(m.recordedDedupe, key)
	if m.recordDedupeFn != nil {
		return m.recordDedupeFn(ctx, key, sentAt)
	}
	return nil
}

// mockUserDirectory implements UserDirectory.
type mockUserDirectory struct {
	getTokenFn   func(ctx context.Context, userID string) (string, error)
	getOffsetFn  func(ctx context.Context, userID string) (int, error)
	listRecentFn func(ctx context.Context, limit int) ([]*types.UserRecord, error)
	listIDsFn    func(ctx context.Context, cursor string, limit int) ([]string, error)

	clearedTokens []string
}

func (m *mockUserDirectory) GetToken(ctx context.Context, userID string) (string, error) {
	if m.getTokenFn != nil {
		return m.getTokenFn(ctx, userID)
	}
	return "token-" + userID, nil
}

func (m *mockUserDirectory) ClearToken(ctx context.Context, userID string) error {
	m.clearedTokens = append(m.clearedTokens, userID)
	return nil
}

func (m *mockUserDirectory) GetTimezoneOffsetMinutes(ctx context.Context, userID string) (int, error) {
	if m.getOffsetFn != nil {
		return m.getOffsetFn(ctx, userID)
	}
	return 0, nil
}

func (m *mockUserDirectory) ListRecentTokenUpdated(ctx context.Context, limit int) ([]*types.UserRecord, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockUserDirectory) ListIDsAfter(ctx context.Context, cursor string, limit int) ([]string, error) {
	if m.listIDsFn != nil {
		return m.listIDsFn(ctx, cursor, limit)
	}
	return nil, nil
}

// mockTransport implements types.PushTransport.
type mockTransport struct {
	sendFn func(ctx context.Context, msg types.PushMessage) (string, error)

	mu        sync.Mutex
	sentCount int
	lastMsg   types.PushMessage
}

func (m *mockTransport) Send(ctx context.Context, msg types.PushMessage) (string, error) {
	m.mu.Lock()
	m.sentCount++
	m.lastMsg = msg
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return "msg-id", nil
}

// mockSeeder implements Seeder and records items per user.
type mockSeeder struct {
	introFn     func(ctx context.Context, userID string, items []*types.QueueItem) (int, error)
	recurringFn func(ctx context.Context, userID string, items []*types.QueueItem) (int, error)

	introItems     map[string][]*types.QueueItem
	recurringItems map[string][]*types.QueueItem
}

func newMockSeeder() *mockSeeder {
	return &mockSeeder{
		introItems:     map[string][]*types.QueueItem{},
		recurringItems: map[string][]*types.QueueItem{},
	}
}

func (m *mockSeeder) SeedIntro(ctx context.Context, userID string, items []*types.QueueItem) (int, error) {
	m.introItems[userID] = items
	if m.introFn != nil {
		return m.introFn(ctx, userID, items)
	}
	return len(items), nil
}

func (m *mockSeeder) SeedRecurring(ctx context.Context, userID string, items []*types.QueueItem) (int, error) {
	m.recurringItems[userID] = items
	if m.recurringFn != nil {
		return m.recurringFn(ctx, userID, items)
	}
	return len(items), nil
}

// mockTrigger implements types.QueueTrigger.
type mockTrigger struct {
	triggerFn func(ctx context.Context, reason string) error

	reasons []string
}

func (m *mockTrigger) TriggerProcessing(ctx context.Context, reason string) error {
	m.reasons = append(m.reasons, reason)
	if m.triggerFn != nil {
		return m.triggerFn(ctx, reason)
	}
	return nil
}

// mockBroadcastStore implements BroadcastStore over an in-memory campaign.
type mockBroadcastStore struct {
	mu        sync.Mutex
	campaigns map[string]*types.BroadcastCampaign

	createFn func(ctx context.Context, c *types.BroadcastCampaign) error
}

func newMockBroadcastStore() *mockBroadcastStore {
	return &mockBroadcastStore{campaigns: map[string]*types.BroadcastCampaign{}}
}

func (m *mockBroadcastStore) Get(ctx context.Context, id string) (*types.BroadcastCampaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "not found", nil)
	}
	cp := *c
	return &cp, nil
}

func (m *mockBroadcastStore) Create(ctx context.Context, c *types.BroadcastCampaign) error {
	if m.createFn != nil {
		return m.createFn(ctx, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *mockBroadcastStore) AdvanceCursor(ctx context.Context, id string, cursor string, enqueuedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundCampaign, "not found", nil)
	}
	if cursor <= c.Cursor {
		return types.NewAppError(types.ErrCodeConflictCampaignState, "stale cursor", nil)
	}
	c.Cursor = cursor
	c.TotalEnqueued += enqueuedDelta
	return nil
}

func (m *mockBroadcastStore) TransitionStatus(ctx context.Context, id string, from, to types.CampaignStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundCampaign, "not found", nil)
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.Error = errMsg
	return true, nil
}

func (m *mockBroadcastStore) ListByStatus(ctx context.Context, status types.CampaignStatus, limit int) ([]*types.BroadcastCampaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.BroadcastCampaign
	for _, c := range m.campaigns {
		if c.Status == status && len(out) < limit {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockConfigStore implements ConfigStore over an in-memory document.
type mockConfigStore struct {
	doc   map[string]any
	found bool

	getErr  error
	saveErr error
	saved   []map[string]any
}

func (m *mockConfigStore) GetDocument(ctx context.Context) (map[string]any, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	return m.doc, m.found, nil
}

func (m *mockConfigStore) SavePatch(ctx context.Context, patch map[string]any) error {
	m.saved = append(m.saved, patch)
	return m.saveErr
}

// mockArchiveStore implements ArchiveStore.
type mockArchiveStore struct {
	saveFn func(ctx context.Context, key string, blob []byte, itemCount int) error

	keys   []string
	blobs  [][]byte
	counts []int
}

func (m *mockArchiveStore) SaveArchive(ctx context.Context, key string, blob []byte, itemCount int) error {
	m.keys = append(m.keys, key)
	m.blobs = append(m.blobs, blob)
	m.counts = append(m.counts, itemCount)
	if m.saveFn != nil {
		return m.saveFn(ctx, key, blob, itemCount)
	}
	return nil
}
