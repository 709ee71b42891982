// Package queue provides the SQS-based continuation trigger: when a batch
// run drains its full limit and due items remain, the engine enqueues a
// message that re-invokes the cron worker instead of waiting for the next
// scheduled tick.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"stillpoint/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ContinuationMessage is the payload the cron worker receives when a
// backlog run is requested.
type ContinuationMessage struct {
	TraceID     string    `json:"trace_id"`
	Task        string    `json:"task"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Compile-time assertion that ProcessingTrigger implements QueueTrigger.
var _ types.QueueTrigger = (*ProcessingTrigger)(nil)

// ProcessingTrigger enqueues continuation messages to the cron worker's
// queue.
type ProcessingTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewProcessingTrigger creates a ProcessingTrigger for the given queue URL.
func NewProcessingTrigger(client SQSSender, queueURL string, logger *slog.Logger) *ProcessingTrigger {
	return &ProcessingTrigger{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// TriggerProcessing sends one continuation message. The caller gates this
// on the auto-cron kill switch; the trigger itself is unconditional.
func (t *ProcessingTrigger) TriggerProcessing(ctx context.Context, reason string) error {
	msg := ContinuationMessage{
		TraceID:     uuid.New().String(),
		Task:        "process_queue",
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal continuation message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send continuation message to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "continuation message sent",
		"queue_url", t.queueURL,
		"trace_id", msg.TraceID,
		"reason", reason,
	)
	return nil
}
