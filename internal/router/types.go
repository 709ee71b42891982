// Package router implements the notification routing engine: the queue item
// state machine, batch draining, engagement seeding, broadcast expansion,
// and the policy configuration document. All durable state lives behind the
// narrow store interfaces below, implemented by the db package.
package router

import (
	"context"
	"time"

	"stillpoint/internal/types"
)

// QueueStore is the durable queue the engine drains and writes back to.
type QueueStore interface {
	InsertIfNotExists(ctx context.Context, item *types.QueueItem) (bool, error)
	Get(ctx context.Context, id string) (*types.QueueItem, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error)
	CountDue(ctx context.Context, now time.Time) (int, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, errCode string) error
	MarkSkipped(ctx context.Context, id string, reason types.SkipReason, retryAfterMS int64) error
	Reschedule(ctx context.Context, id string, nextAt, sentAt time.Time, rec *types.Recurrence) error
	Delete(ctx context.Context, id string) error
	DeletePendingByCampaign(ctx context.Context, campaignID string, limit int) (int64, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueueItem, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// GuardStore is the transactional rate-limit check-and-set plus the dedupe
// window records.
type GuardStore interface {
	CheckAndRecordRateLimit(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error)
	CheckDedupe(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error)
	RecordDedupe(ctx context.Context, key string, sentAt time.Time) error
}

// UserDirectory is the slice of the user store the engine reads: tokens,
// timezone offsets, seeding candidates, and recipient paging.
type UserDirectory interface {
	GetToken(ctx context.Context, userID string) (string, error)
	ClearToken(ctx context.Context, userID string) error
	GetTimezoneOffsetMinutes(ctx context.Context, userID string) (int, error)
	ListRecentTokenUpdated(ctx context.Context, limit int) ([]*types.UserRecord, error)
	ListIDsAfter(ctx context.Context, cursor string, limit int) ([]string, error)
}

// Seeder performs the all-or-nothing per-user seeding writes: a batch of
// queue item inserts plus the one-way seed latch, in one transaction.
type Seeder interface {
	SeedIntro(ctx context.Context, userID string, items []*types.QueueItem) (int, error)
	SeedRecurring(ctx context.Context, userID string, items []*types.QueueItem) (int, error)
}

// BroadcastStore is the campaign record store the expander drives.
type BroadcastStore interface {
	Get(ctx context.Context, id string) (*types.BroadcastCampaign, error)
	Create(ctx context.Context, c *types.BroadcastCampaign) error
	AdvanceCursor(ctx context.Context, id string, cursor string, enqueuedDelta int) error
	TransitionStatus(ctx context.Context, id string, from, to types.CampaignStatus, errMsg string) (bool, error)
	ListByStatus(ctx context.Context, status types.CampaignStatus, limit int) ([]*types.BroadcastCampaign, error)
}

// ConfigStore persists the partial router config document.
type ConfigStore interface {
	GetDocument(ctx context.Context) (map[string]any, bool, error)
	SavePatch(ctx context.Context, patch map[string]any) error
}

// ArchiveStore receives compressed bundles of retired queue items.
type ArchiveStore interface {
	SaveArchive(ctx context.Context, key string, blob []byte, itemCount int) error
}
