package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the engine.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// PushMessage is the payload handed to the push transport. Data must already
// be flattened to strings; the transport does no conversion.
type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// PushError is a typed transport rejection. Unregistered marks tokens the
// transport reports as invalid or expired, so the caller can clear the
// recipient's stored token.
type PushError struct {
	Code         string
	Message      string
	Unregistered bool
}

// Error implements the error interface.
func (e *PushError) Error() string {
	return e.Code + ": " + e.Message
}

// PushTransport delivers one message to one device token. A *PushError
// return means the transport rejected the message (a permanent item
// failure); any other error is infrastructure trouble and propagates out of
// the batch entirely.
type PushTransport interface {
	Send(ctx context.Context, msg PushMessage) (messageID string, err error)
}

// QueueTrigger requests a follow-up queue-processing run, used when a batch
// drains its full limit and more due items remain.
type QueueTrigger interface {
	TriggerProcessing(ctx context.Context, reason string) error
}

// MetricsRecorder records delivery outcomes for observability. Implementations
// must never fail the caller; errors are logged and swallowed.
type MetricsRecorder interface {
	RecordOutcome(ctx context.Context, category Category, outcome Outcome)
	RecordBatch(ctx context.Context, size int, duration time.Duration)
	RecordPushLatency(ctx context.Context, d time.Duration)
}
