package router

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stillpoint/internal/types"
)

// expandConcurrency bounds the parallel item inserts within one page.
// Inserts are idempotent (deterministic ids), so parallelism is safe.
const expandConcurrency = 8

// defaultPageSize applies when a campaign does not set a batch size.
const defaultPageSize = 100

// Expander turns a pending broadcast campaign into individual queue items,
// one bounded page of recipients per call, resumable via the campaign
// cursor. Item identities are bc_<campaign>_<user>, so re-running a page
// before the cursor advanced never double-enqueues.
type Expander struct {
	queue      QueueStore
	users      UserDirectory
	broadcasts BroadcastStore
	clock      types.Clock
	logger     types.Logger
}

// NewExpander creates an Expander.
func NewExpander(queue QueueStore, users UserDirectory, broadcasts BroadcastStore, clock types.Clock, logger types.Logger) *Expander {
	return &Expander{
		queue:      queue,
		users:      users,
		broadcasts: broadcasts,
		clock:      clock,
		logger:     logger,
	}
}

// CreateCampaign registers a new broadcast campaign in pending status and
// returns its generated id. Expansion happens separately via Expand.
func (e *Expander) CreateCampaign(ctx context.Context, c *types.BroadcastCampaign) (string, error) {
	if c.Title == "" || c.Body == "" || c.Type == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField,
			"campaign requires title, body, and type", nil)
	}
	if c.Category == "" {
		c.Category = types.CategoryAdmin
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultPageSize
	}
	if c.ScheduledAt.IsZero() {
		c.ScheduledAt = e.clock.Now()
	}
	c.ID = uuid.New().String()
	c.Status = types.CampaignPending
	if err := e.broadcasts.Create(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// GetCampaign returns a campaign by id.
func (e *Expander) GetCampaign(ctx context.Context, campaignID string) (*types.BroadcastCampaign, error) {
	return e.broadcasts.Get(ctx, campaignID)
}

// Expand processes one recipient page of a pending campaign: enqueues one
// item per recipient, advances the cursor, and marks the campaign completed
// when a short page comes back.
func (e *Expander) Expand(ctx context.Context, campaignID string) (*types.ExpandResult, error) {
	c, err := e.broadcasts.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != types.CampaignPending {
		return nil, types.NewAppError(types.ErrCodeConflictCampaignState,
			fmt.Sprintf("campaign is %s, not pending", c.Status), nil)
	}

	pageSize := c.BatchSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	ids, err := e.users.ListIDsAfter(ctx, c.Cursor, pageSize)
	if err != nil {
		return nil, err
	}

	var enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expandConcurrency)
	for _, userID := range ids {
		userID := userID
		g.Go(func() error {
			inserted, insErr := e.queue.InsertIfNotExists(gctx, e.buildItem(c, userID))
			if insErr != nil {
				return insErr
			}
			if inserted {
				enqueued.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("expanding campaign %s: %w", campaignID, err)
	}

	result := &types.ExpandResult{Enqueued: int(enqueued.Load()), Cursor: c.Cursor}
	if len(ids) > 0 {
		newCursor := ids[len(ids)-1]
		if err := e.broadcasts.AdvanceCursor(ctx, campaignID, newCursor, result.Enqueued); err != nil {
			return nil, err
		}
		result.Cursor = newCursor
	}

	if len(ids) < pageSize {
		ok, err := e.broadcasts.TransitionStatus(ctx, campaignID, types.CampaignPending, types.CampaignCompleted, "")
		if err != nil {
			return nil, err
		}
		result.Completed = ok
	}

	e.logger.Info("broadcast page expanded",
		"campaign_id", campaignID,
		"enqueued", result.Enqueued,
		"cursor", result.Cursor,
		"completed", result.Completed,
	)
	return result, nil
}

// Cancel halts a pending campaign. Already-enqueued items stay pending;
// use Purge to remove them.
func (e *Expander) Cancel(ctx context.Context, campaignID string) error {
	ok, err := e.broadcasts.TransitionStatus(ctx, campaignID, types.CampaignPending, types.CampaignCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		return types.NewAppError(types.ErrCodeConflictCampaignState,
			"campaign is not pending and cannot be cancelled", nil)
	}
	return nil
}

// Resume returns a cancelled campaign to pending so expansion continues
// from the stored cursor.
func (e *Expander) Resume(ctx context.Context, campaignID string) error {
	ok, err := e.broadcasts.TransitionStatus(ctx, campaignID, types.CampaignCancelled, types.CampaignPending, "")
	if err != nil {
		return err
	}
	if !ok {
		return types.NewAppError(types.ErrCodeConflictCampaignState,
			"campaign is not cancelled and cannot be resumed", nil)
	}
	return nil
}

// Purge removes not-yet-sent items belonging to a campaign, bounded by
// limit, so an in-flight broadcast can be halted without waiting for full
// expansion.
func (e *Expander) Purge(ctx context.Context, campaignID string, limit int) (*types.PurgeResult, error) {
	removed, err := e.queue.DeletePendingByCampaign(ctx, campaignID, limit)
	if err != nil {
		return nil, err
	}
	e.logger.Info("broadcast purge completed", "campaign_id", campaignID, "removed", removed)
	return &types.PurgeResult{Removed: int(removed)}, nil
}

// buildItem derives the per-recipient queue item for a campaign.
func (e *Expander) buildItem(c *types.BroadcastCampaign, userID string) *types.QueueItem {
	scheduledAt := c.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = e.clock.Now()
	}
	var rec *types.Recurrence
	if c.Recurrence != nil {
		cp := *c.Recurrence
		rec = &cp
	}
	return &types.QueueItem{
		ID:          fmt.Sprintf("bc_%s_%s", c.ID, userID),
		Category:    c.Category,
		Type:        c.Type,
		Title:       c.Title,
		Body:        c.Body,
		RecipientID: userID,
		Data:        c.Data,
		Status:      types.QueueStatusPending,
		ScheduledAt: scheduledAt,
		Recurrence:  rec,
		CampaignID:  c.ID,
	}
}
