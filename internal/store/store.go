// Package store provides storage backends for LFGQueue.
//
// Every mutation a store performs is a conditional update: the filter carries
// the status (and, for claims, the version) the caller observed, so two
// uncoordinated writers can never silently overwrite each other's transition.
// A write whose filter no longer matches reports false or a zero count; it is
// not an error.
package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

var (
	// ErrDuplicateMessageID is returned when a message_id is inserted twice.
	ErrDuplicateMessageID = errors.New("message_id already exists")
	// ErrInvalidOutcome is returned when a terminal write names a non-outcome status.
	ErrInvalidOutcome = errors.New("outcome must be completed or failed")
)

// Paging bounds for ListMessages.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps the row offset well inside int64 on every platform.
	MaxPage = math.MaxInt32
)

// BulkResult reports a multi-document update: how many documents matched the
// filter and how many were actually changed.
type BulkResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// OutcomeUpdate carries the fields a worker writes with its terminal result.
type OutcomeUpdate struct {
	Status  models.MessageStatus
	IsValid *bool
	IsLFG   bool
	Reason  string
	// ExpectedVersion, when non-zero, additionally pins the write to the claim
	// that produced it.
	ExpectedVersion int64
}

// ExpiredMessage identifies a message retired by ExpireStale and why.
type ExpiredMessage struct {
	MessageID int64  `db:"message_id"`
	Reason    string `db:"reason"`
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	Statuses       []models.MessageStatus
	GroupID        *int64
	SenderUserID   *int64
	SenderUsername string
	IsLFG          *bool
	From           *time.Time
	To             *time.Time
	Page           int
	PageSize       int
}

// Normalize applies paging defaults and bounds.
func (f MessageFilter) Normalize() MessageFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	f.SenderUsername = models.NormalizeUsername(f.SenderUsername)
	return f
}

// Offset is the number of rows before the requested page. Call it on a
// normalized filter.
func (f MessageFilter) Offset() int64 {
	if f.Page < 1 {
		return 0
	}
	return int64(f.Page-1) * int64(f.PageSize)
}

// MessagePage is one page of ListMessages results.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// MessageRepo is the status store for queued messages.
type MessageRepo interface {
	// InsertMessage stores m and sets its ID. Returns ErrDuplicateMessageID
	// when m.MessageID is taken.
	InsertMessage(ctx context.Context, m *models.Message) error

	// GetMessage looks a message up by its external id. Returns nil, nil when absent.
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)

	// ListMessages returns one filtered page, newest message_date first.
	ListMessages(ctx context.Context, filter MessageFilter) (MessagePage, error)

	// CountByStatus returns the number of messages in each status.
	CountByStatus(ctx context.Context) (models.StatusCounts, error)

	// FindClaimCandidates returns up to limit pending messages whose
	// message_date is not before notBefore, oldest first.
	FindClaimCandidates(ctx context.Context, notBefore time.Time, limit int) ([]models.Message, error)

	// ClaimMessage moves one message from pending to processing if it is
	// still pending at the given version. Reports whether this caller won.
	ClaimMessage(ctx context.Context, id, version int64, now time.Time) (bool, error)

	// CompleteMessage writes a terminal outcome if the message is still processing.
	CompleteMessage(ctx context.Context, messageID int64, update OutcomeUpdate, now time.Time) (bool, error)

	// RequeueStale returns processing messages last updated before staleBefore
	// to pending and reports how many moved.
	RequeueStale(ctx context.Context, staleBefore time.Time, reason string, now time.Time) (int64, error)

	// ExpireStale expires up to limit pending or processing messages whose
	// message_date is before cutoff, deriving each reason from the prior state.
	ExpireStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) ([]ExpiredMessage, error)

	// HasRecentDuplicate reports whether the sender already posted content to
	// the group with a message_date at or after since.
	HasRecentDuplicate(ctx context.Context, senderUserID, groupID int64, content string, since time.Time) (bool, error)

	// CancelSenderMessages moves the sender's pending and processing messages
	// to canceled_by_user.
	CancelSenderMessages(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error)
}

// ListingRepo stores listings derived from classified messages.
type ListingRepo interface {
	// CreateListing inserts l unless a listing for the same message exists.
	// Reports whether a row was created.
	CreateListing(ctx context.Context, l *models.Listing) (bool, error)

	// DeactivateSenderListings marks the sender's active listings inactive.
	// Matched counts all of the sender's listings; Modified counts the ones
	// that were active.
	DeactivateSenderListings(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error)

	// ListListings returns listings, newest first.
	ListListings(ctx context.Context, activeOnly bool) ([]models.Listing, error)
}

// CancellationRepo stores user opt-outs.
type CancellationRepo interface {
	RecordCancellation(ctx context.Context, c *models.Cancellation) error
	IsSenderCanceled(ctx context.Context, id models.SenderIdentity) (bool, error)
}

// Store is the full storage surface used by the queue service.
type Store interface {
	MessageRepo
	ListingRepo
	CancellationRepo
	Ping(ctx context.Context) error
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for Postgres connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend from the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return s, nil
}
