package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stillpoint/internal/types"
)

// GuardRepository provides the transactional rate-limit check-and-set and
// the dedupe window records. Rate-limit rows are keyed by
// (sender_id, recipient_id, notif_type); dedupe rows by a caller-supplied
// key.
type GuardRepository struct {
	db DBTX
}

// NewGuardRepository creates a new GuardRepository backed by the given
// database connection (pool or transaction).
func NewGuardRepository(db DBTX) *GuardRepository {
	return &GuardRepository{db: db}
}

// CheckAndRecordRateLimit atomically checks whether a send of notifType from
// sender to recipient is outside the cooldown, and if so records the new
// last-fired timestamp. A cooldown of zero or less skips the check entirely
// and writes nothing.
//
// SQL pattern:
//
//	INSERT INTO rate_limits (sender_id, recipient_id, notif_type, last_fired_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (sender_id, recipient_id, notif_type) DO UPDATE
//	  SET last_fired_at = EXCLUDED.last_fired_at
//	  WHERE rate_limits.last_fired_at <= $5
//
// The cutoff ($5 = now - cooldown) is computed as a time.Time in Go to avoid
// PostgreSQL interval parsing incompatibilities with Go's duration format.
// RowsAffected is 1 when the INSERT succeeded (no prior send) or the
// conditional UPDATE matched (cooldown elapsed); it is 0 when a send inside
// the cooldown already holds the row, in which case no timestamp is written.
// Concurrent calls for the same key cannot both observe allowed: the row
// write is the decision.
//
// On denial, retryAfter is computed from the stored timestamp.
func (r *GuardRepository) CheckAndRecordRateLimit(ctx context.Context, senderID, recipientID, notifType string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
	if cooldown <= 0 {
		return true, 0, nil
	}

	cutoff := now.Add(-cooldown)
	tag, err := r.db.Exec(ctx,
		`INSERT INTO rate_limits (sender_id, recipient_id, notif_type, last_fired_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sender_id, recipient_id, notif_type) DO UPDATE
		   SET last_fired_at = EXCLUDED.last_fired_at
		   WHERE rate_limits.last_fired_at <= $5`,
		senderID, recipientID, notifType, now, cutoff)
	if err != nil {
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to check rate limit", err)
	}
	if tag.RowsAffected() > 0 {
		return true, 0, nil
	}

	var lastFired time.Time
	err = r.db.QueryRow(ctx,
		`SELECT last_fired_at FROM rate_limits
		 WHERE sender_id = $1 AND recipient_id = $2 AND notif_type = $3`,
		senderID, recipientID, notifType,
	).Scan(&lastFired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The holding row was deleted between the upsert and this read.
			// Treat as denied with a full-cooldown hint rather than racing.
			return false, cooldown, nil
		}
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read rate limit record", err)
	}

	retryAfter := lastFired.Add(cooldown).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// CheckDedupe reports whether a send with the given key may proceed: true
// when no record exists or the existing record is older than the window.
// This check is deliberately non-transactional relative to RecordDedupe,
// which the caller invokes only after a successful delivery.
func (r *GuardRepository) CheckDedupe(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	if key == "" || window <= 0 {
		return true, nil
	}

	var sentAt time.Time
	err := r.db.QueryRow(ctx,
		`SELECT sent_at FROM dedupe_records WHERE key = $1`, key,
	).Scan(&sentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read dedupe record", err)
	}
	return now.Sub(sentAt) > window, nil
}

// RecordDedupe upserts the dedupe record for key with the given send time.
// Called after a successful delivery, never before.
func (r *GuardRepository) RecordDedupe(ctx context.Context, key string, sentAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO dedupe_records (key, sent_at)
		 VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET sent_at = EXCLUDED.sent_at`,
		key, sentAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dedupe entry", err)
	}
	return nil
}

// DeleteDedupeBefore removes dedupe records older than the cutoff. Used by
// the retention task; records only matter inside their window.
func (r *GuardRepository) DeleteDedupeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM dedupe_records WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old dedupe records", err)
	}
	return tag.RowsAffected(), nil
}
