package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stillpoint/internal/types"
)

// queueColumns is the canonical column list for queue_items, shared by every
// SELECT so scanQueueItem stays in sync with the queries.
const queueColumns = `id, category, type, title, body, recipient_id, sender_id, sender_name,
	data, status, scheduled_at, dedupe_key, dedupe_window_ms, recurrence,
	last_sent_at, error, error_code, skip_reason, retry_after_ms, campaign_id,
	created_at, updated_at`

// QueueRepository provides data access for the queue_items table. Item
// identities are the write key: inserting an item whose deterministic id
// already exists is a no-op, which makes enqueueing idempotent.
type QueueRepository struct {
	db DBTX
}

// NewQueueRepository creates a new QueueRepository backed by the given
// database connection (pool or transaction).
func NewQueueRepository(db DBTX) *QueueRepository {
	return &QueueRepository{db: db}
}

// InsertIfNotExists inserts a queue item, doing nothing if an item with the
// same id already exists. Returns true if a row was actually inserted.
func (r *QueueRepository) InsertIfNotExists(ctx context.Context, item *types.QueueItem) (bool, error) {
	status := item.Status
	if status == "" {
		status = types.QueueStatusPending
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO queue_items
		 (id, category, type, title, body, recipient_id, sender_id, sender_name,
		  data, status, scheduled_at, dedupe_key, dedupe_window_ms, recurrence,
		  campaign_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         COALESCE($16, NOW()), NOW())
		 ON CONFLICT (id) DO NOTHING`,
		item.ID,
		string(item.Category),
		item.Type,
		item.Title,
		item.Body,
		item.RecipientID,
		nilIfEmpty(item.SenderID),
		nilIfEmpty(item.SenderName),
		item.Data,
		string(status),
		item.ScheduledAt,
		nilIfEmpty(item.DedupeKey),
		item.DedupeWindowMS,
		item.Recurrence,
		nilIfEmpty(item.CampaignID),
		nilIfZeroTime(item.CreatedAt),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert queue item", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a single queue item by id.
func (r *QueueRepository) Get(ctx context.Context, id string) (*types.QueueItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get queue item", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get queue item", err)
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundItem, "queue item not found", pgx.ErrNoRows)
	}
	item, err := scanQueueItem(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue item", err)
	}
	return item, nil
}

// ListDue returns up to limit pending items whose scheduled_at has passed,
// oldest-due first. Ordering is the batch fairness guarantee: items that
// have waited longest are processed first.
func (r *QueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_items
		 WHERE status = 'pending' AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due queue items", err)
	}
	defer rows.Close()

	var items []*types.QueueItem
	for rows.Next() {
		item, scanErr := scanQueueItem(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue item row", scanErr)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating queue item rows", err)
	}
	return items, nil
}

// CountDue returns how many pending items are currently due. Used by the
// batch driver to decide whether a continuation run is needed.
func (r *QueueRepository) CountDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = 'pending' AND scheduled_at <= $1`,
		now,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count due queue items", err)
	}
	return n, nil
}

// MarkSent transitions an item to the terminal sent state.
func (r *QueueRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return r.mark(ctx, id,
		`UPDATE queue_items
		 SET status = 'sent', last_sent_at = $2, updated_at = NOW()
		 WHERE id = $1`,
		id, sentAt)
}

// MarkFailed transitions an item to the terminal failed state with the
// diagnostic error text and optional code. Failed items are never retried
// automatically; an operator must re-send or remove them.
func (r *QueueRepository) MarkFailed(ctx context.Context, id string, errMsg string, errCode string) error {
	return r.mark(ctx, id,
		`UPDATE queue_items
		 SET status = 'failed', error = $2, error_code = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, errMsg, nilIfEmpty(errCode))
}

// MarkSkipped transitions an item to the terminal skipped state with a
// policy reason. retryAfterMS is stored for rate-limited skips and is zero
// otherwise.
func (r *QueueRepository) MarkSkipped(ctx context.Context, id string, reason types.SkipReason, retryAfterMS int64) error {
	return r.mark(ctx, id,
		`UPDATE queue_items
		 SET status = 'skipped', skip_reason = $2, retry_after_ms = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, string(reason), retryAfterMS)
}

// Reschedule returns a recurring item to pending with a freshly computed
// scheduled_at, records the send that just happened, and persists the
// updated recurrence descriptor (decremented occurrence counter).
func (r *QueueRepository) Reschedule(ctx context.Context, id string, nextAt, sentAt time.Time, rec *types.Recurrence) error {
	return r.mark(ctx, id,
		`UPDATE queue_items
		 SET status = 'pending', scheduled_at = $2, last_sent_at = $3,
		     recurrence = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, nextAt, sentAt, rec)
}

// Delete removes a queue item entirely. Used by the admin remove action.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete queue item", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundItem, "queue item not found", nil)
	}
	return nil
}

// DeletePendingByCampaign removes not-yet-sent items belonging to a
// campaign, bounded by limit for safety. Returns the number removed.
func (r *QueueRepository) DeletePendingByCampaign(ctx context.Context, campaignID string, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM queue_items
		 WHERE id IN (
			SELECT id FROM queue_items
			WHERE campaign_id = $1 AND status = 'pending'
			LIMIT $2
		 )`,
		campaignID, limit)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge campaign queue items", err)
	}
	return tag.RowsAffected(), nil
}

// ListTerminalBefore returns terminal (sent/failed/skipped) items last
// touched before the cutoff, for retention archiving.
func (r *QueueRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueueItem, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_items
		 WHERE status IN ('sent', 'failed', 'skipped') AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list terminal queue items", err)
	}
	defer rows.Close()

	var items []*types.QueueItem
	for rows.Next() {
		item, scanErr := scanQueueItem(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue item row", scanErr)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating queue item rows", err)
	}
	return items, nil
}

// DeleteByIDs removes the given items. Returns the number deleted.
func (r *QueueRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM queue_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete queue items", err)
	}
	return tag.RowsAffected(), nil
}

// mark runs a single-row UPDATE and maps zero affected rows to not-found.
func (r *QueueRepository) mark(ctx context.Context, id string, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update queue item", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundItem, "queue item not found: "+id, nil)
	}
	return nil
}

// scanQueueItem scans a single queue_items row. Handles nullable columns
// using pointer types; JSONB columns are read as raw bytes and unmarshaled.
func scanQueueItem(rows pgx.Rows) (*types.QueueItem, error) {
	var (
		item           types.QueueItem
		category       string
		senderID       *string
		senderName     *string
		dataJSON       []byte
		status         string
		dedupeKey      *string
		recurrenceJSON []byte
		lastSentAt     *time.Time
		errText        *string
		errCode        *string
		skipReason     *string
		campaignID     *string
	)

	err := rows.Scan(
		&item.ID,
		&category,
		&item.Type,
		&item.Title,
		&item.Body,
		&item.RecipientID,
		&senderID,
		&senderName,
		&dataJSON,
		&status,
		&item.ScheduledAt,
		&dedupeKey,
		&item.DedupeWindowMS,
		&recurrenceJSON,
		&lastSentAt,
		&errText,
		&errCode,
		&skipReason,
		&item.RetryAfterMS,
		&campaignID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Category = types.Category(category)
	item.Status = types.QueueStatus(status)
	if senderID != nil {
		item.SenderID = *senderID
	}
	if senderName != nil {
		item.SenderName = *senderName
	}
	if dedupeKey != nil {
		item.DedupeKey = *dedupeKey
	}
	item.LastSentAt = lastSentAt
	if errText != nil {
		item.Error = *errText
	}
	if errCode != nil {
		item.ErrorCode = *errCode
	}
	if skipReason != nil {
		item.SkipReason = types.SkipReason(*skipReason)
	}
	if campaignID != nil {
		item.CampaignID = *campaignID
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &item.Data); err != nil {
			return nil, errors.New("queue item data payload is not valid JSON")
		}
	}
	if len(recurrenceJSON) > 0 {
		var rec types.Recurrence
		if err := json.Unmarshal(recurrenceJSON, &rec); err != nil {
			return nil, errors.New("queue item recurrence is not valid JSON")
		}
		item.Recurrence = &rec
	}

	return &item, nil
}
