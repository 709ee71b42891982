package types

import "time"

// DataPayload is the free-form data attached to a queue item. Values may be
// any JSON-encodable type; they are flattened to strings at delivery time
// because the push transport only accepts a string map.
type DataPayload map[string]any

// Recurrence describes how a queue item reschedules itself after each
// successful send. A nil Recurrence on a QueueItem means one-shot.
type Recurrence struct {
	Kind RecurrenceKind `json:"kind"`

	// IntervalDays applies to RecurEveryNDays. Values < 1 are treated as 1.
	IntervalDays int `json:"interval_days,omitempty"`

	// Weekdays applies to RecurWeekdays: allowed local weekdays, 0=Sun..6=Sat.
	// An empty set falls back to daily behavior.
	Weekdays []int `json:"weekdays,omitempty"`

	// Occurrences is the remaining send budget. Nil means unlimited. The
	// counter is decremented after each successful send; at zero the item
	// terminates as sent instead of rescheduling.
	Occurrences *int `json:"occurrences,omitempty"`

	// EndAt bounds the series. A computed next occurrence past EndAt
	// terminates the item as sent.
	EndAt *time.Time `json:"end_at,omitempty"`

	// Local send time and recipient timezone offset captured at enqueue
	// time. Offsets can be negative or exceed a day.
	Hour                  int `json:"hour"`
	Minute                int `json:"minute"`
	TimezoneOffsetMinutes int `json:"timezone_offset_minutes"`
}

// QueueItem is one scheduled or sent notification occurrence. Identities are
// often deterministically derived (intro_<user>_<feature>,
// recurring_<user>_<feature>, bc_<campaign>_<user>) so enqueueing is
// idempotent: the identity is the write key.
type QueueItem struct {
	ID          string      `json:"id"`
	Category    Category    `json:"category"`
	Type        string      `json:"type"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	RecipientID string      `json:"recipient_id"`
	SenderID    string      `json:"sender_id,omitempty"`
	SenderName  string      `json:"sender_name,omitempty"`
	Data        DataPayload `json:"data,omitempty"`

	Status      QueueStatus `json:"status"`
	ScheduledAt time.Time   `json:"scheduled_at"`

	DedupeKey      string `json:"dedupe_key,omitempty"`
	DedupeWindowMS int64  `json:"dedupe_window_ms,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`
	LastSentAt *time.Time  `json:"last_sent_at,omitempty"`

	// Terminal-state diagnostics. Error/ErrorCode are set on failed items,
	// SkipReason on skipped items, RetryAfterMS on rate-limited skips.
	Error        string     `json:"error,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	SkipReason   SkipReason `json:"skip_reason,omitempty"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`

	// CampaignID links items created by the broadcast expander back to
	// their campaign, so a purge can find them.
	CampaignID string `json:"campaign_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BroadcastCampaign is a send-to-all job that the expander fans out into
// individual queue items in bounded, resumable pages.
type BroadcastCampaign struct {
	ID       string         `json:"id"`
	Status   CampaignStatus `json:"status"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Type     string         `json:"type"`
	Category Category       `json:"category"`
	Data     DataPayload    `json:"data,omitempty"`

	ScheduledAt time.Time   `json:"scheduled_at"`
	Recurrence  *Recurrence `json:"recurrence,omitempty"`

	BatchSize int `json:"batch_size"`

	// Cursor is the last recipient id processed; it only ever advances.
	// Re-running a page is safe because item identities are deterministic.
	Cursor        string `json:"cursor,omitempty"`
	TotalEnqueued int    `json:"total_enqueued"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserRecord is the slice of the user directory this engine reads: the push
// token, the recipient's timezone offset, and the two one-time seed latches.
type UserRecord struct {
	ID                    string     `json:"id"`
	PushToken             string     `json:"push_token,omitempty"`
	TimezoneOffsetMinutes int        `json:"timezone_offset_minutes"`
	TokenUpdatedAt        *time.Time `json:"token_updated_at,omitempty"`
	IntroSeedState        SeedState  `json:"intro_seed_state"`
	RecurringSeedState    SeedState  `json:"recurring_seed_state"`
}

// ---------------------------------------------------------------------------
// Router configuration document
// ---------------------------------------------------------------------------

// LocalTime is a wall-clock send time in the recipient's local timezone.
type LocalTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// RecurringRule is a per-feature recurrence policy from the config document.
type RecurringRule struct {
	Kind         RecurrenceKind `json:"kind"`
	IntervalDays int            `json:"interval_days,omitempty"`
	Weekdays     []int          `json:"weekdays,omitempty"`
}

// MessageTemplate is a title/body pair for a feature nudge.
type MessageTemplate struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ConnectConfig holds policy for user-to-user notifications.
type ConnectConfig struct {
	Enabled bool `json:"enabled"`

	// RateLimitsMS maps a notification type (connect_comment, connect_like,
	// ...) to its cooldown in milliseconds. Zero or negative disables the
	// check for that type.
	RateLimitsMS map[string]int64 `json:"rate_limits_ms"`

	BlockedSenders []string `json:"blocked_senders"`
}

// TemplateSet holds the intro (first-time) and recurring template variants
// per feature.
type TemplateSet struct {
	Intro     map[Feature]MessageTemplate `json:"intro"`
	Recurring map[Feature]MessageTemplate `json:"recurring"`
}

// EngagementConfig holds policy for platform nudge notifications.
type EngagementConfig struct {
	Enabled        bool                      `json:"enabled"`
	Schedule       map[Feature]LocalTime     `json:"schedule"`
	RecurringRules map[Feature]RecurringRule `json:"recurring_rules"`
	Templates      TemplateSet               `json:"templates"`
}

// RouterConfig is the process-wide policy document. It is persisted as a
// single JSONB row and loaded fresh per invocation; Load deep-merges the
// persisted partial onto compiled-in defaults so older documents never
// produce missing fields downstream.
type RouterConfig struct {
	// Enabled is the global kill switch. ProcessingEnabled halts queue
	// draining specifically; AutoCronEnabled gates the self-continuation
	// trigger. All three default to true.
	Enabled           bool `json:"enabled"`
	ProcessingEnabled bool `json:"processing_enabled"`
	AutoCronEnabled   bool `json:"auto_cron_enabled"`

	Connect    ConnectConfig    `json:"connect"`
	Engagement EngagementConfig `json:"engagement"`
}

// IsBlockedSender reports whether senderID appears in the blocked list.
func (c *RouterConfig) IsBlockedSender(senderID string) bool {
	for _, id := range c.Connect.BlockedSenders {
		if id == senderID {
			return true
		}
	}
	return false
}

// CooldownFor returns the configured cooldown for a notification type, or
// zero when none is configured.
func (c *RouterConfig) CooldownFor(notifType string) time.Duration {
	ms, ok := c.Connect.RateLimitsMS[notifType]
	if !ok || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Operation results
// ---------------------------------------------------------------------------

// BatchResult reports one queue batch run. Deferred items (category kill
// switch) are excluded from all three outcome tallies.
type BatchResult struct {
	Processed int  `json:"processed"`
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Paused    bool `json:"paused"`
}

// ItemResult reports a single-item processing call.
type ItemResult struct {
	OK      bool    `json:"ok"`
	Paused  bool    `json:"paused"`
	Outcome Outcome `json:"outcome,omitempty"`
	Message string  `json:"message,omitempty"`
}

// SeedResult reports an engagement seeding run. Disabled is true when the
// engagement category or the global switch was off.
type SeedResult struct {
	Scanned   int  `json:"scanned"`
	Scheduled int  `json:"scheduled"`
	Disabled  bool `json:"disabled"`
}

// ExpandResult reports one broadcast expansion page.
type ExpandResult struct {
	Enqueued  int    `json:"enqueued"`
	Cursor    string `json:"cursor,omitempty"`
	Completed bool   `json:"completed"`
}

// PurgeResult reports a broadcast purge or retention purge.
type PurgeResult struct {
	Removed int `json:"removed"`
}
