package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stillpoint/internal/schedule"
	"stillpoint/internal/types"
)

// errNoToken is the exact failure text recorded when the recipient has no
// push token. Tokens rotate and expire, so this is an expected failure mode
// for the item, not for the system.
const errNoToken = "Recipient has no FCM token"

// Processor runs the per-item state machine: pending -> sent, failed,
// skipped, or pending again with a new scheduled_at for recurring items.
// Policy outcomes are written to the item; only infrastructure errors
// (store or transport unreachable) are returned, so the batch driver can
// distinguish "some items failed" from "the whole run failed".
type Processor struct {
	queue     QueueStore
	guard     GuardStore
	users     UserDirectory
	transport types.PushTransport
	clock     types.Clock
	logger    types.Logger
	metrics   types.MetricsRecorder
}

// NewProcessor creates a Processor. metrics may be nil.
func NewProcessor(queue QueueStore, guard GuardStore, users UserDirectory, transport types.PushTransport, clock types.Clock, logger types.Logger, metrics types.MetricsRecorder) *Processor {
	return &Processor{
		queue:     queue,
		guard:     guard,
		users:     users,
		transport: transport,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Process applies the ordered policy gates to one queue item and attempts
// delivery. The first matching gate wins; remaining gates are skipped.
// Returned message is the human-readable detail for the outcome.
func (p *Processor) Process(ctx context.Context, item *types.QueueItem, cfg *types.RouterConfig) (types.Outcome, string, error) {
	// Gate 1: category kill switch. The item is left untouched in pending
	// (deferred, not skipped) so a later run picks it up once policy flips.
	if (item.Category == types.CategoryConnect && !cfg.Connect.Enabled) ||
		(item.Category == types.CategoryEngagement && !cfg.Engagement.Enabled) {
		return types.OutcomeDeferred, "category processing disabled", nil
	}

	// Gate 2: blocked sender, connect only.
	if item.Category == types.CategoryConnect && item.SenderID != "" && cfg.IsBlockedSender(item.SenderID) {
		if err := p.queue.MarkSkipped(ctx, item.ID, types.SkipReasonBlockedSender, 0); err != nil {
			return "", "", err
		}
		p.recordOutcome(ctx, item.Category, types.OutcomeSkipped)
		return types.OutcomeSkipped, "sender is blocked", nil
	}

	// Gate 3: required fields. A poison item, never retried automatically.
	if missing := missingRequiredFields(item); len(missing) > 0 {
		msg := "missing required fields: " + strings.Join(missing, ", ")
		if err := p.queue.MarkFailed(ctx, item.ID, msg, ""); err != nil {
			return "", "", err
		}
		p.recordOutcome(ctx, item.Category, types.OutcomeFailed)
		return types.OutcomeFailed, msg, nil
	}

	now := p.clock.Now()

	// Gate 4: dedupe window.
	if item.DedupeKey != "" && item.DedupeWindowMS > 0 {
		window := time.Duration(item.DedupeWindowMS) * time.Millisecond
		allowed, err := p.guard.CheckDedupe(ctx, item.DedupeKey, window, now)
		if err != nil {
			return "", "", err
		}
		if !allowed {
			if err := p.queue.MarkSkipped(ctx, item.ID, types.SkipReasonDeduped, 0); err != nil {
				return "", "", err
			}
			p.recordOutcome(ctx, item.Category, types.OutcomeSkipped)
			return types.OutcomeSkipped, "duplicate send within dedupe window", nil
		}
	}

	// Gate 5: rate limit, only for connect_-prefixed types with a sender
	// and a configured positive cooldown.
	if strings.HasPrefix(item.Type, types.ConnectTypePrefix) && item.SenderID != "" {
		if cooldown := cfg.CooldownFor(item.Type); cooldown > 0 {
			allowed, retryAfter, err := p.guard.CheckAndRecordRateLimit(ctx,
				item.SenderID, item.RecipientID, item.Type, cooldown, now)
			if err != nil {
				return "", "", err
			}
			if !allowed {
				if err := p.queue.MarkSkipped(ctx, item.ID, types.SkipReasonRateLimited, retryAfter.Milliseconds()); err != nil {
					return "", "", err
				}
				p.recordOutcome(ctx, item.Category, types.OutcomeSkipped)
				return types.OutcomeSkipped,
					fmt.Sprintf("rate limited, retry after %dms", retryAfter.Milliseconds()), nil
			}
		}
	}

	// Gate 6: recipient token lookup.
	token, err := p.users.GetToken(ctx, item.RecipientID)
	if err != nil {
		return "", "", err
	}
	if token == "" {
		if err := p.queue.MarkFailed(ctx, item.ID, errNoToken, ""); err != nil {
			return "", "", err
		}
		p.recordOutcome(ctx, item.Category, types.OutcomeFailed)
		return types.OutcomeFailed, errNoToken, nil
	}

	// Gate 7: delivery.
	msg := types.PushMessage{
		Token: token,
		Title: item.Title,
		Body:  item.Body,
		Data:  flattenData(item),
	}
	start := p.clock.Now()
	_, sendErr := p.transport.Send(ctx, msg)
	if p.metrics != nil {
		p.metrics.RecordPushLatency(ctx, p.clock.Now().Sub(start))
	}
	if sendErr != nil {
		var pushErr *types.PushError
		if !errors.As(sendErr, &pushErr) {
			// Untyped transport errors mean the transport itself is in
			// trouble; propagate so the whole run fails visibly.
			return "", "", fmt.Errorf("push transport: %w", sendErr)
		}
		if pushErr.Unregistered {
			// Self-healing: clear the dead token so future sends for this
			// recipient fail fast at gate 6 instead of hitting the transport.
			if err := p.users.ClearToken(ctx, item.RecipientID); err != nil {
				return "", "", err
			}
			p.logger.Info("cleared unregistered push token", "recipient_id", item.RecipientID)
		}
		if err := p.queue.MarkFailed(ctx, item.ID, pushErr.Message, pushErr.Code); err != nil {
			return "", "", err
		}
		p.recordOutcome(ctx, item.Category, types.OutcomeFailed)
		return types.OutcomeFailed, pushErr.Message, nil
	}

	// Delivered. Write the dedupe record now, post-success per the guard
	// contract, then resolve recurrence.
	sentAt := p.clock.Now()
	if item.DedupeKey != "" && item.DedupeWindowMS > 0 {
		if err := p.guard.RecordDedupe(ctx, item.DedupeKey, sentAt); err != nil {
			return "", "", err
		}
	}

	if err := p.resolveRecurrence(ctx, item, sentAt); err != nil {
		return "", "", err
	}
	p.recordOutcome(ctx, item.Category, types.OutcomeSent)
	return types.OutcomeSent, "", nil
}

// ProcessByID runs the state machine for a single item. The item must be
// pending (the idempotency guard against re-processing terminal items).
// With force, the due-time check is bypassed; all other gates still apply.
func (p *Processor) ProcessByID(ctx context.Context, id string, force bool, cfg *types.RouterConfig) (*types.ItemResult, error) {
	if !cfg.Enabled || !cfg.ProcessingEnabled {
		return &types.ItemResult{Paused: true}, nil
	}

	item, err := p.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != types.QueueStatusPending {
		return nil, types.NewAppError(types.ErrCodeConflictItemNotPending,
			fmt.Sprintf("queue item is %s, not pending", item.Status), nil)
	}
	if !force && item.ScheduledAt.After(p.clock.Now()) {
		return nil, types.NewAppError(types.ErrCodeConflictItemNotDue,
			"queue item is not yet due; pass force to send immediately", nil)
	}

	outcome, message, err := p.Process(ctx, item, cfg)
	if err != nil {
		return nil, err
	}
	return &types.ItemResult{OK: true, Outcome: outcome, Message: message}, nil
}

// resolveRecurrence decides the post-send state: terminal sent for one-shot
// items and exhausted series, otherwise pending with the next occurrence.
func (p *Processor) resolveRecurrence(ctx context.Context, item *types.QueueItem, sentAt time.Time) error {
	if item.Recurrence == nil {
		return p.queue.MarkSent(ctx, item.ID, sentAt)
	}

	rec := *item.Recurrence
	if rec.Occurrences != nil {
		remaining := *rec.Occurrences - 1
		rec.Occurrences = &remaining
	}
	next := schedule.Next(sentAt, rec)

	exhausted := (rec.Occurrences != nil && *rec.Occurrences <= 0) ||
		(rec.EndAt != nil && next.After(*rec.EndAt))
	if exhausted {
		return p.queue.MarkSent(ctx, item.ID, sentAt)
	}
	return p.queue.Reschedule(ctx, item.ID, next, sentAt, &rec)
}

func (p *Processor) recordOutcome(ctx context.Context, category types.Category, outcome types.Outcome) {
	if p.metrics != nil {
		p.metrics.RecordOutcome(ctx, category, outcome)
	}
}

// missingRequiredFields returns the names of empty required fields.
func missingRequiredFields(item *types.QueueItem) []string {
	var missing []string
	if item.Type == "" {
		missing = append(missing, "type")
	}
	if item.Title == "" {
		missing = append(missing, "title")
	}
	if item.Body == "" {
		missing = append(missing, "body")
	}
	if item.RecipientID == "" {
		missing = append(missing, "recipient_id")
	}
	return missing
}

// flattenData converts the item's free-form data payload into the
// string-only map the transport accepts. Non-string values are
// JSON-stringified. The routing type is always included so the client can
// navigate on tap.
func flattenData(item *types.QueueItem) map[string]string {
	out := make(map[string]string, len(item.Data)+2)
	for k, v := range item.Data {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = string(raw)
	}
	out["type"] = item.Type
	if item.SenderID != "" {
		out["sender_id"] = item.SenderID
	}
	return out
}
