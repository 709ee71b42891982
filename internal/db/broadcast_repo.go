package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stillpoint/internal/types"
)

// BroadcastRepository provides data access for the broadcast_campaigns
// table. The cursor column only ever advances; status transitions are
// guarded by conditional updates so concurrent admin actions cannot revive a
// terminal campaign.
type BroadcastRepository struct {
	db DBTX
}

// NewBroadcastRepository creates a new BroadcastRepository backed by the
// given database connection (pool or transaction).
func NewBroadcastRepository(db DBTX) *BroadcastRepository {
	return &BroadcastRepository{db: db}
}

// Create inserts a new campaign. The caller sets the id (uuid).
func (r *BroadcastRepository) Create(ctx context.Context, c *types.BroadcastCampaign) error {
	status := c.Status
	if status == "" {
		status = types.CampaignPending
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO broadcast_campaigns
		 (id, status, title, body, type, category, data, scheduled_at,
		  recurrence, batch_size, cursor, total_enqueued, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', 0,
		         COALESCE($11, NOW()), NOW())`,
		c.ID,
		string(status),
		c.Title,
		c.Body,
		c.Type,
		string(c.Category),
		c.Data,
		c.ScheduledAt,
		c.Recurrence,
		c.BatchSize,
		nilIfZeroTime(c.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create broadcast campaign", err)
	}
	return nil
}

// Get retrieves a campaign by id.
func (r *BroadcastRepository) Get(ctx context.Context, id string) (*types.BroadcastCampaign, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, status, title, body, type, category, data, scheduled_at,
		        recurrence, batch_size, cursor, total_enqueued, error,
		        created_at, updated_at
		 FROM broadcast_campaigns WHERE id = $1`, id)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get broadcast campaign", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get broadcast campaign", err)
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "broadcast campaign not found", pgx.ErrNoRows)
	}
	c, err := scanCampaign(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan broadcast campaign", err)
	}
	return c, nil
}

// AdvanceCursor persists expansion progress: the new cursor position and the
// number of items enqueued by the page just processed. The WHERE clause
// keeps the cursor monotonic even if a stale expander run writes late.
func (r *BroadcastRepository) AdvanceCursor(ctx context.Context, id string, cursor string, enqueuedDelta int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE broadcast_campaigns
		 SET cursor = $2, total_enqueued = total_enqueued + $3, updated_at = NOW()
		 WHERE id = $1 AND cursor < $2`,
		id, cursor, enqueuedDelta)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance campaign cursor", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictCampaignState,
			"campaign cursor did not advance (stale page or missing campaign)", nil)
	}
	return nil
}

// TransitionStatus moves a campaign from one status to another, optionally
// recording an error message. Returns false when the campaign was not in the
// expected from status, so callers can surface a conflict instead of
// silently clobbering concurrent transitions.
func (r *BroadcastRepository) TransitionStatus(ctx context.Context, id string, from, to types.CampaignStatus, errMsg string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE broadcast_campaigns
		 SET status = $3, error = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), nilIfEmpty(errMsg))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition campaign status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByStatus returns up to limit campaigns in the given status, oldest
// first. The expander uses this to find pending campaigns to work on.
func (r *BroadcastRepository) ListByStatus(ctx context.Context, status types.CampaignStatus, limit int) ([]*types.BroadcastCampaign, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, status, title, body, type, category, data, scheduled_at,
		        recurrence, batch_size, cursor, total_enqueued, error,
		        created_at, updated_at
		 FROM broadcast_campaigns
		 WHERE status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list broadcast campaigns", err)
	}
	defer rows.Close()

	var campaigns []*types.BroadcastCampaign
	for rows.Next() {
		c, scanErr := scanCampaign(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan broadcast campaign row", scanErr)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating broadcast campaign rows", err)
	}
	return campaigns, nil
}

// scanCampaign scans a single broadcast_campaigns row.
func scanCampaign(rows pgx.Rows) (*types.BroadcastCampaign, error) {
	var (
		c              types.BroadcastCampaign
		status         string
		category       string
		dataJSON       []byte
		recurrenceJSON []byte
		errText        *string
		scheduledAt    time.Time
	)
	err := rows.Scan(
		&c.ID,
		&status,
		&c.Title,
		&c.Body,
		&c.Type,
		&category,
		&dataJSON,
		&scheduledAt,
		&recurrenceJSON,
		&c.BatchSize,
		&c.Cursor,
		&c.TotalEnqueued,
		&errText,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = types.CampaignStatus(status)
	c.Category = types.Category(category)
	c.ScheduledAt = scheduledAt
	if errText != nil {
		c.Error = *errText
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &c.Data); err != nil {
			return nil, errors.New("campaign data payload is not valid JSON")
		}
	}
	if len(recurrenceJSON) > 0 {
		var rec types.Recurrence
		if err := json.Unmarshal(recurrenceJSON, &rec); err != nil {
			return nil, errors.New("campaign recurrence is not valid JSON")
		}
		c.Recurrence = &rec
	}
	return &c, nil
}
