package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

var (
	// ErrDuplicateContent matches every DuplicateError.
	ErrDuplicateContent = errors.New("duplicate content within spam window")
	// ErrStaleOutcome matches every StaleOutcomeError.
	ErrStaleOutcome = errors.New("message is no longer processing")
	// ErrMessageNotFound is returned when no message has the given message_id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMissingIdentity is returned when a cancellation names neither user id nor username.
	ErrMissingIdentity = models.ErrMissingIdentity
	// ErrInvalidClaimCount is returned for a Claim with max_count <= 0.
	ErrInvalidClaimCount = fmt.Errorf("%w: max_count must be positive", models.ErrValidation)
	// ErrSweepInProgress is returned when a sweep is triggered while the same sweep runs.
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// DuplicateError reports that the sender already posted the same content to
// the same group within the spam window.
type DuplicateError struct {
	SenderUserID int64
	GroupID      int64
	Window       time.Duration
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("sender %d already posted this content to group %d within %s", e.SenderUserID, e.GroupID, e.Window)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateContent
}

// StaleOutcomeError reports an outcome for a message that has already moved
// on. Current is the status the message holds now.
type StaleOutcomeError struct {
	MessageID int64
	Current   models.MessageStatus
}

func (e *StaleOutcomeError) Error() string {
	return fmt.Sprintf("outcome for message %d rejected: status is %s", e.MessageID, e.Current)
}

func (e *StaleOutcomeError) Is(target error) bool {
	return target == ErrStaleOutcome
}

// PartialError reports a multi-step operation that stopped part way. Done
// describes the steps that were applied before Err occurred.
type PartialError struct {
	Op   string
	Done string
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s partially applied (%s): %v", e.Op, e.Done, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
