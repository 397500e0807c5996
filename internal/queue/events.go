package queue

import (
	"context"
	"log/slog"
)

// Event names a business event emitted by the queue.
type Event string

const (
	EventIngested       Event = "message_ingested"
	EventDuplicate      Event = "message_duplicate"
	EventCanceledSender Event = "message_from_canceled_sender"
	EventClaimed        Event = "message_claimed"
	EventCompleted      Event = "message_completed"
	EventFailed         Event = "message_failed"
	EventRequeued       Event = "message_requeued"
	EventExpired        Event = "message_expired"
	EventUserCanceled   Event = "user_canceled"
)

// EventRecorder receives counts of business events. Implementations must be
// safe for concurrent use and must not block for long.
type EventRecorder interface {
	Record(ctx context.Context, event Event, count int64, attrs ...any)
}

// LogRecorder writes events as structured log records.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a recorder writing to logger, or to slog.Default when nil.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, event Event, count int64, attrs ...any) {
	if count == 0 {
		return
	}
	args := append([]any{"event", string(event), "count", count}, attrs...)
	r.logger.InfoContext(ctx, "queue event", args...)
}
