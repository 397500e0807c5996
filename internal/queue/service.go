// Package queue implements the message claim, lease and recovery lifecycle on
// top of a store.Store.
//
// The package holds no shared mutable queue state. Every transition is a
// conditional write in the store, so any number of Service values (in one
// process or many) may operate on the same store concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/store"
)

// Default configuration values.
const (
	DefaultExpiryAfter     = 5 * time.Minute
	DefaultLeaseTimeout    = 2 * time.Minute
	DefaultSpamWindow      = 60 * time.Minute
	DefaultClaimHardCap    = 100
	DefaultExpiryBatchSize = 500
)

// claimRounds bounds how many times Claim refetches candidates after losing
// races to other claimants.
const claimRounds = 3

// Config holds the queue's timing and sizing parameters.
type Config struct {
	ExpiryAfter     time.Duration // pending/processing messages older than this expire
	LeaseTimeout    time.Duration // processing messages idle longer than this are requeued
	SpamWindow      time.Duration // trailing duplicate-suppression window
	ClaimHardCap    int           // upper bound on a single Claim
	ExpiryBatchSize int           // max messages expired per store statement
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryAfter:     DefaultExpiryAfter,
		LeaseTimeout:    DefaultLeaseTimeout,
		SpamWindow:      DefaultSpamWindow,
		ClaimHardCap:    DefaultClaimHardCap,
		ExpiryBatchSize: DefaultExpiryBatchSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpiryAfter <= 0 {
		c.ExpiryAfter = d.ExpiryAfter
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.SpamWindow <= 0 {
		c.SpamWindow = d.SpamWindow
	}
	if c.ClaimHardCap <= 0 {
		c.ClaimHardCap = d.ClaimHardCap
	}
	if c.ExpiryBatchSize <= 0 {
		c.ExpiryBatchSize = d.ExpiryBatchSize
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now as the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecorder sets the business event recorder.
func WithRecorder(r EventRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.events = r
		}
	}
}

// CascadeResult reports what a cancellation cascade changed.
type CascadeResult struct {
	Messages store.BulkResult `json:"messages"`
	Listings store.BulkResult `json:"listings"`
}

// Service is the queue's synchronous surface: ingestion, claiming, outcome
// reporting, cancellation and read access. It also owns the two sweepers.
type Service struct {
	store      store.Store
	cfg        Config
	now        func() time.Time
	events     EventRecorder
	spam       *SpamGuard
	requeuer   *Requeuer
	reconciler *Reconciler
}

// NewService creates a queue service over st. Zero config fields take defaults.
func NewService(st store.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		events: NewLogRecorder(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.spam = NewSpamGuard(st, s.cfg.SpamWindow, s.now)
	s.requeuer = newRequeuer(st, s.cfg.LeaseTimeout, s.now, s.events)
	s.reconciler = newReconciler(st, s.cfg.ExpiryAfter, s.cfg.ExpiryBatchSize, s.now, s.events)
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Requeuer returns the stuck-claim sweeper.
func (s *Service) Requeuer() *Requeuer {
	return s.requeuer
}

// Reconciler returns the expiry sweeper.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// Sweepers returns both sweepers in a stable order.
func (s *Service) Sweepers() []Sweeper {
	return []Sweeper{s.requeuer, s.reconciler}
}

// Sweeper looks a sweeper up by name.
func (s *Service) Sweeper(name string) (Sweeper, bool) {
	for _, sw := range s.Sweepers() {
		if sw.Name() == name {
			return sw, true
		}
	}
	return nil, false
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ingest validates req and stores it. A duplicate within the spam window is
// rejected with a DuplicateError. A message from a sender who has opted out
// is stored directly as canceled_by_user.
func (s *Service) Ingest(ctx context.Context, req models.IngestRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	dup, err := s.spam.CheckDuplicate(ctx, req.Sender.UserID, req.Group.ID, req.Content)
	if err != nil {
		return nil, err
	}
	if dup {
		slog.Debug("Service.Ingest: duplicate content rejected", "message_id", req.MessageID, "sender_user_id", req.Sender.UserID, "group_id", req.Group.ID)
		s.events.Record(ctx, EventDuplicate, 1, "group_id", req.Group.ID)
		return nil, &DuplicateError{SenderUserID: req.Sender.UserID, GroupID: req.Group.ID, Window: s.cfg.SpamWindow}
	}

	canceled, err := s.store.IsSenderCanceled(ctx, models.SenderIdentity{UserID: req.Sender.UserID, Username: req.Sender.Username})
	if err != nil {
		return nil, fmt.Errorf("cancellation lookup for sender %d: %w", req.Sender.UserID, err)
	}

	status := models.StatusPending
	if canceled {
		status = models.StatusCanceledByUser
	}
	m := req.ToMessage(status)
	if canceled {
		m.Reason = models.ReasonSenderCanceled
	}
	now := s.now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := s.store.InsertMessage(ctx, &m); err != nil {
		return nil, err
	}

	if canceled {
		slog.Info("Service.Ingest: sender canceled, stored as canceled", "message_id", m.MessageID, "sender_user_id", m.SenderUserID)
		s.events.Record(ctx, EventCanceledSender, 1, "group_id", m.GroupID)
	} else {
		slog.Debug("Service.Ingest: message queued", "message_id", m.MessageID, "group_id", m.GroupID)
		s.events.Record(ctx, EventIngested, 1, "group_id", m.GroupID)
	}
	return &m, nil
}

// Claim hands out up to maxCount pending messages, oldest message_date first,
// moving each to processing. maxCount is clamped to the hard cap. Messages
// older than the expiry window are left for the reconciler.
//
// Each message is claimed with its own conditional write, so concurrent
// callers never receive the same message. Losing a race is not an error; the
// result may hold fewer than maxCount messages.
func (s *Service) Claim(ctx context.Context, maxCount int) ([]models.Message, error) {
	if maxCount <= 0 {
		return nil, ErrInvalidClaimCount
	}
	if maxCount > s.cfg.ClaimHardCap {
		maxCount = s.cfg.ClaimHardCap
	}

	now := s.now().UTC()
	notBefore := now.Add(-s.cfg.ExpiryAfter)
	claimed := make([]models.Message, 0, maxCount)
	lost := 0

rounds:
	for round := 0; round < claimRounds && len(claimed) < maxCount; round++ {
		want := maxCount - len(claimed)
		candidates, err := s.store.FindClaimCandidates(ctx, notBefore, want)
		if err != nil {
			if len(claimed) > 0 {
				slog.Warn("Service.Claim: candidate scan failed, returning partial claim", "error", err, "claimed", len(claimed))
				break
			}
			return nil, fmt.Errorf("find claim candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			ok, err := s.store.ClaimMessage(ctx, c.ID, c.Version, now)
			if err != nil {
				if len(claimed) > 0 {
					slog.Warn("Service.Claim: claim write failed, returning partial claim", "error", err, "message_id", c.MessageID, "claimed", len(claimed))
					break rounds
				}
				return nil, fmt.Errorf("claim message %d: %w", c.MessageID, err)
			}
			if !ok {
				lost++
				continue
			}
			c.Status = models.StatusProcessing
			c.Version++
			claimedAt := now
			c.ClaimedAt = &claimedAt
			c.UpdatedAt = now
			claimed = append(claimed, c)
		}

		if len(candidates) < want {
			// The scan returned everything eligible.
			break
		}
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].MessageDate.Before(claimed[j].MessageDate)
	})

	if len(claimed) > 0 || lost > 0 {
		slog.Debug("Service.Claim: claim finished", "requested", maxCount, "claimed", len(claimed), "lost", lost)
	}
	s.events.Record(ctx, EventClaimed, int64(len(claimed)))
	return claimed, nil
}

// ReportOutcome records a worker's terminal verdict. The write only applies
// while the message is processing (and, when report.Version is set, still at
// that claim's version); otherwise a StaleOutcomeError carries the current
// status. A completed, valid LFG outcome also creates an active listing.
func (s *Service) ReportOutcome(ctx context.Context, messageID int64, report models.OutcomeReport) (*models.Message, error) {
	if messageID <= 0 {
		return nil, fmt.Errorf("%w: message_id must be positive", models.ErrValidation)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}

	update := store.OutcomeUpdate{
		Status:          report.Outcome,
		IsValid:         report.IsValid,
		IsLFG:           report.IsLFG,
		Reason:          report.Reason,
		ExpectedVersion: report.Version,
	}
	ok, err := s.store.CompleteMessage(ctx, messageID, update, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("report outcome for message %d: %w", messageID, err)
	}

	current, getErr := s.store.GetMessage(ctx, messageID)
	if !ok {
		if getErr != nil {
			return nil, fmt.Errorf("load message %d: %w", messageID, getErr)
		}
		if current == nil {
			return nil, ErrMessageNotFound
		}
		slog.Warn("Service.ReportOutcome: late outcome ignored", "message_id", messageID, "outcome", report.Outcome, "current_status", current.Status)
		return nil, &StaleOutcomeError{MessageID: messageID, Current: current.Status}
	}

	event := EventCompleted
	if report.Outcome == models.StatusFailed {
		event = EventFailed
	}
	s.events.Record(ctx, event, 1)

	if getErr != nil || current == nil {
		if getErr == nil {
			getErr = ErrMessageNotFound
		}
		return nil, &PartialError{Op: "report outcome", Done: "outcome recorded", Err: getErr}
	}

	if report.Outcome == models.StatusCompleted && report.IsValid != nil && *report.IsValid && report.IsLFG {
		listing := models.NewListing(*current)
		if _, err := s.store.CreateListing(ctx, &listing); err != nil {
			slog.Error("Service.ReportOutcome: listing creation failed", "error", err, "message_id", messageID)
			return current, &PartialError{Op: "report outcome", Done: "outcome recorded", Err: fmt.Errorf("create listing: %w", err)}
		}
		if err := s.retractCanceledListing(ctx, *current); err != nil {
			return current, &PartialError{Op: "report outcome", Done: "outcome recorded, listing created", Err: err}
		}
	}
	return current, nil
}

// retractCanceledListing deactivates the sender's listings if the sender
// opted out. It runs after the listing insert: a cancellation recorded
// before this check is seen here, and one recorded after it is followed by a
// cascade that sees the listing.
func (s *Service) retractCanceledListing(ctx context.Context, m models.Message) error {
	id := models.SenderIdentity{UserID: m.SenderUserID, Username: m.SenderUsername}.Normalize()
	canceled, err := s.store.IsSenderCanceled(ctx, id)
	if err != nil {
		slog.Error("Service.ReportOutcome: cancellation lookup failed", "error", err, "message_id", m.MessageID)
		return fmt.Errorf("cancellation lookup for sender %d: %w", m.SenderUserID, err)
	}
	if !canceled {
		return nil
	}
	res, err := s.store.DeactivateSenderListings(ctx, id, s.now().UTC())
	if err != nil {
		slog.Error("Service.ReportOutcome: listing retraction failed", "error", err, "message_id", m.MessageID)
		return fmt.Errorf("deactivate listings: %w", err)
	}
	slog.Info("Service.ReportOutcome: sender canceled, listing retracted",
		"message_id", m.MessageID, "user_id", id.UserID, "listings_modified", res.Modified)
	return nil
}

// Cancel runs the cancellation cascade for a sender: in-flight messages move
// to canceled_by_user and active listings are deactivated. Running it again
// changes nothing further.
func (s *Service) Cancel(ctx context.Context, id models.SenderIdentity) (CascadeResult, error) {
	var res CascadeResult
	id = id.Normalize()
	if id.IsZero() {
		return res, ErrMissingIdentity
	}

	now := s.now().UTC()
	msgs, err := s.store.CancelSenderMessages(ctx, id, now)
	if err != nil {
		slog.Error("Service.Cancel: message cascade failed", "error", err, "user_id", id.UserID, "username", id.Username)
		return res, fmt.Errorf("cancel sender messages: %w", err)
	}
	res.Messages = msgs

	listings, err := s.store.DeactivateSenderListings(ctx, id, now)
	if err != nil {
		slog.Error("Service.Cancel: listing cascade failed", "error", err, "user_id", id.UserID, "username", id.Username, "messages_modified", msgs.Modified)
		return res, &PartialError{
			Op:   "cancel",
			Done: fmt.Sprintf("%d messages canceled", msgs.Modified),
			Err:  fmt.Errorf("deactivate listings: %w", err),
		}
	}
	res.Listings = listings

	slog.Info("Service.Cancel: cascade applied",
		"user_id", id.UserID, "username", id.Username,
		"messages_matched", res.Messages.Matched, "messages_modified", res.Messages.Modified,
		"listings_matched", res.Listings.Matched, "listings_modified", res.Listings.Modified)
	s.events.Record(ctx, EventUserCanceled, res.Messages.Modified, "listings_modified", res.Listings.Modified)
	return res, nil
}

// CancelUser records the opt-out, so later ingestion sees it, and then runs
// the cascade.
func (s *Service) CancelUser(ctx context.Context, req models.CancelRequest) (CascadeResult, error) {
	if err := req.Validate(); err != nil {
		return CascadeResult{}, err
	}
	c := models.Cancellation{
		UserID:     req.UserID,
		Username:   req.Username,
		Reason:     req.Reason,
		CanceledAt: s.now().UTC(),
	}
	if err := s.store.RecordCancellation(ctx, &c); err != nil {
		return CascadeResult{}, fmt.Errorf("record cancellation: %w", err)
	}

	res, err := s.Cancel(ctx, req.SenderIdentity)
	if err != nil {
		var partial *PartialError
		if errors.As(err, &partial) {
			return res, err
		}
		return res, &PartialError{Op: "cancel user", Done: "cancellation recorded", Err: err}
	}
	return res, nil
}

// Get returns the message with the given message_id.
func (s *Service) Get(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", messageID, err)
	}
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// List returns one filtered page of messages.
func (s *Service) List(ctx context.Context, filter store.MessageFilter) (store.MessagePage, error) {
	return s.store.ListMessages(ctx, filter)
}

// Listings returns listings, optionally only the active ones.
func (s *Service) Listings(ctx context.Context, activeOnly bool) ([]models.Listing, error) {
	return s.store.ListListings(ctx, activeOnly)
}

// Stats returns message counts per status.
func (s *Service) Stats(ctx context.Context) (models.StatusCounts, error) {
	return s.store.CountByStatus(ctx)
}
