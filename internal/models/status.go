package models

import "fmt"

// MessageStatus is the lifecycle state of an ingested message.
type MessageStatus string

const (
	// StatusPending is the initial state; the message waits to be claimed.
	StatusPending MessageStatus = "pending"
	// StatusProcessing means a worker holds a claim on the message.
	StatusProcessing MessageStatus = "processing"
	// StatusCompleted is the worker's successful terminal result.
	StatusCompleted MessageStatus = "completed"
	// StatusFailed is the worker's unsuccessful terminal result.
	StatusFailed MessageStatus = "failed"
	// StatusExpired marks a message retired for age.
	StatusExpired MessageStatus = "expired"
	// StatusCanceledByUser marks a message whose sender opted out.
	StatusCanceledByUser MessageStatus = "canceled_by_user"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []MessageStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
	StatusCanceledByUser,
}

// transitions is the complete table of legal status changes.
var transitions = map[MessageStatus][]MessageStatus{
	StatusPending:    {StatusProcessing, StatusExpired, StatusCanceledByUser},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending, StatusExpired, StatusCanceledByUser},
}


// IsValid reports whether s is a known status.
func (s MessageStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s MessageStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return s.IsValid() && !ok
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf lists, in lifecycle order, the statuses that may move to to.
// Store writes use it as their status guard.
func SourcesOf(to MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ParseStatus converts a raw string into a MessageStatus.
func ParseStatus(raw string) (MessageStatus, error) {
	s := MessageStatus(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// Diagnostic reasons written by the background sweeps and the cascade.
const (
	ReasonExpiredPendingTimeout    = "expired_pending_timeout"
	ReasonExpiredProcessingTimeout = "expired_processing_timeout"
	ReasonExpiredAfterPending      = "expired_after_pending"
	ReasonRequeuedLeaseTimeout     = "requeued: lease timeout"
	ReasonSenderCanceled           = "sender_canceled"
)

// ExpiryReason derives the diagnostic reason for expiring a message that is
// currently in status with the given number of prior requeues.
func ExpiryReason(status MessageStatus, requeueCount int) string {
	switch {
	case status == StatusProcessing:
		return ReasonExpiredProcessingTimeout
	case requeueCount > 0:
		return ReasonExpiredAfterPending
	default:
		return ReasonExpiredPendingTimeout
	}
}
