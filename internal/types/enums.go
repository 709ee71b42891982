package types

// Category groups queue items by routing domain. Connect notifications are
// social (user-to-user), engagement notifications are platform nudges, and
// admin notifications are composed directly by operators.
type Category string

const (
	CategoryConnect    Category = "connect"
	CategoryEngagement Category = "engagement"
	CategoryAdmin      Category = "admin"
)

// ConnectTypePrefix marks notification types that are subject to the
// per-(sender, recipient, type) cooldown check.
const ConnectTypePrefix = "connect_"

// QueueStatus enumerates all valid states for a queue item occurrence.
// These values MUST match the CHECK constraint on the queue_items table.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
	QueueStatusSkipped QueueStatus = "skipped"
)

// SkipReason records why an item was suppressed rather than delivered.
// Suppressions reflect policy, not malfunction, and are deliberately
// distinguished from failures.
type SkipReason string

const (
	SkipReasonBlockedSender SkipReason = "blocked_sender"
	SkipReasonDeduped       SkipReason = "deduped"
	SkipReasonRateLimited   SkipReason = "rate_limited"
)

// Outcome categorizes the result of processing one queue item.
// OutcomeDeferred means the item was left untouched in pending (category
// kill switch) and is excluded from batch tallies.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
)

// CampaignStatus represents the lifecycle state of a broadcast campaign.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// RecurrenceKind identifies how a recurring item computes its next occurrence.
type RecurrenceKind string

const (
	RecurDaily      RecurrenceKind = "daily"
	RecurEveryNDays RecurrenceKind = "every_n_days"
	RecurWeekdays   RecurrenceKind = "weekdays"
)

// SeedState is a per-user one-time latch. Once seeded, a user is never
// re-seeded even if configuration changes; new templates and schedules only
// affect not-yet-seeded users.
type SeedState string

const (
	SeedStateUnseeded SeedState = "unseeded"
	SeedStateSeeded   SeedState = "seeded"
)

// Feature identifies a wellness nudge feature with its own schedule,
// recurrence rule, and message templates.
type Feature string

const (
	FeatureWater   Feature = "water"
	FeatureBreathe Feature = "breathe"
	FeatureMove    Feature = "move"
	FeatureReflect Feature = "reflect"
)

// AllFeatures lists every engagement feature in seeding order. The order
// determines which intro nudge a brand-new user receives first.
var AllFeatures = []Feature{FeatureWater, FeatureBreathe, FeatureMove, FeatureReflect}
