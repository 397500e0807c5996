package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory. Each method holds
// the lock for its whole read-check-write, which gives it the same
// per-document conditional semantics as the SQL stores.
type InMemoryStore struct {
	mu            sync.Mutex
	nextID        int64
	messages      map[int64]*models.Message // keyed by storage id
	byMessageID   map[int64]int64
	listings      []*models.Listing
	cancellations []models.Cancellation
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:    make(map[int64]*models.Message),
		byMessageID: make(map[int64]int64),
	}
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byMessageID[m.MessageID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateMessageID, m.MessageID)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	m.SenderUsername = models.NormalizeUsername(m.SenderUsername)

	s.nextID++
	m.ID = s.nextID
	stored := *m
	normalizeMessageTimes(&stored)
	s.messages[stored.ID] = &stored
	s.byMessageID[stored.MessageID] = stored.ID
	return nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMessageID[messageID]
	if !ok {
		return nil, nil
	}
	m := *s.messages[id]
	return &m, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, filter MessageFilter) (MessagePage, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Message
	for _, m := range s.messages {
		if matchesFilter(m, filter) {
			matched = append(matched, *m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].MessageDate.Equal(matched[j].MessageDate) {
			return matched[i].MessageDate.After(matched[j].MessageDate)
		}
		return matched[i].ID > matched[j].ID
	})

	page := MessagePage{Total: int64(len(matched)), Page: filter.Page, PageSize: filter.PageSize, Messages: []models.Message{}}
	if start := filter.Offset(); start < int64(len(matched)) {
		end := start + int64(filter.PageSize)
		if end > int64(len(matched)) {
			end = int64(len(matched))
		}
		page.Messages = matched[start:end]
	}
	return page, nil
}

func (s *InMemoryStore) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(models.StatusCounts, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, m := range s.messages {
		counts[m.Status]++
	}
	return counts, nil
}

func (s *InMemoryStore) FindClaimCandidates(ctx context.Context, notBefore time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.Message
	for _, m := range s.messages {
		if m.Status == models.StatusPending && !m.MessageDate.Before(notBefore) {
			candidates = append(candidates, *m)
		}
	}
	sortOldestFirst(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *InMemoryStore) ClaimMessage(ctx context.Context, id, version int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || !models.CanTransition(m.Status, models.StatusProcessing) || m.Version != version {
		return false, nil
	}
	now = now.UTC()
	m.Status = models.StatusProcessing
	m.Version++
	m.ClaimedAt = &now
	m.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) CompleteMessage(ctx context.Context, messageID int64, update OutcomeUpdate, now time.Time) (bool, error) {
	if update.Status != models.StatusCompleted && update.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: got %q", ErrInvalidOutcome, update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMessageID[messageID]
	if !ok {
		return false, nil
	}
	m := s.messages[id]
	if !models.CanTransition(m.Status, update.Status) {
		return false, nil
	}
	if update.ExpectedVersion > 0 && m.Version != update.ExpectedVersion {
		return false, nil
	}
	m.Status = update.Status
	m.IsValid = copyBool(update.IsValid)
	m.IsLFG = update.IsLFG
	m.Reason = update.Reason
	m.Version++
	m.UpdatedAt = now.UTC()
	return true, nil
}

func (s *InMemoryStore) RequeueStale(ctx context.Context, staleBefore time.Time, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if !models.CanTransition(m.Status, models.StatusPending) || !m.UpdatedAt.Before(staleBefore) {
			continue
		}
		m.Status = models.StatusPending
		m.Reason = reason
		m.RequeueCount++
		m.Version++
		m.ClaimedAt = nil
		m.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (s *InMemoryStore) ExpireStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) ([]ExpiredMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var aged []*models.Message
	for _, m := range s.messages {
		if models.CanTransition(m.Status, models.StatusExpired) && m.MessageDate.Before(cutoff) {
			aged = append(aged, m)
		}
	}
	sort.Slice(aged, func(i, j int) bool {
		if !aged[i].MessageDate.Equal(aged[j].MessageDate) {
			return aged[i].MessageDate.Before(aged[j].MessageDate)
		}
		return aged[i].ID < aged[j].ID
	})
	if len(aged) > limit {
		aged = aged[:limit]
	}

	expired := make([]ExpiredMessage, 0, len(aged))
	for _, m := range aged {
		m.Reason = models.ExpiryReason(m.Status, m.RequeueCount)
		m.Status = models.StatusExpired
		m.Version++
		m.ClaimedAt = nil
		m.UpdatedAt = now.UTC()
		expired = append(expired, ExpiredMessage{MessageID: m.MessageID, Reason: m.Reason})
	}
	return expired, nil
}

func (s *InMemoryStore) HasRecentDuplicate(ctx context.Context, senderUserID, groupID int64, content string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.SenderUserID == senderUserID && m.GroupID == groupID && m.Content == content && !m.MessageDate.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) CancelSenderMessages(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error) {
	id = id.Normalize()
	if id.IsZero() {
		return BulkResult{}, models.ErrMissingIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	for _, m := range s.messages {
		if !models.CanTransition(m.Status, models.StatusCanceledByUser) || !matchesSender(id, m.SenderUserID, m.SenderUsername) {
			continue
		}
		m.Status = models.StatusCanceledByUser
		m.Reason = models.ReasonSenderCanceled
		m.Version++
		m.ClaimedAt = nil
		m.UpdatedAt = now.UTC()
		res.Matched++
		res.Modified++
	}
	return res, nil
}

func (s *InMemoryStore) CreateListing(ctx context.Context, l *models.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.listings {
		if existing.MessageID == l.MessageID {
			return false, nil
		}
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	l.SenderUsername = models.NormalizeUsername(l.SenderUsername)
	l.ID = int64(len(s.listings) + 1)
	stored := *l
	s.listings = append(s.listings, &stored)
	return true, nil
}

func (s *InMemoryStore) DeactivateSenderListings(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error) {
	id = id.Normalize()
	if id.IsZero() {
		return BulkResult{}, models.ErrMissingIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	for _, l := range s.listings {
		if !matchesSender(id, l.SenderUserID, l.SenderUsername) {
			continue
		}
		res.Matched++
		if l.Active {
			l.Active = false
			l.UpdatedAt = now.UTC()
			res.Modified++
		}
	}
	return res, nil
}

func (s *InMemoryStore) ListListings(ctx context.Context, activeOnly bool) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Listing{}
	for i := len(s.listings) - 1; i >= 0; i-- {
		if activeOnly && !s.listings[i].Active {
			continue
		}
		out = append(out, *s.listings[i])
	}
	return out, nil
}

func (s *InMemoryStore) RecordCancellation(ctx context.Context, c *models.Cancellation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CanceledAt.IsZero() {
		c.CanceledAt = time.Now().UTC()
	}
	c.Username = models.NormalizeUsername(c.Username)
	c.ID = int64(len(s.cancellations) + 1)
	s.cancellations = append(s.cancellations, *c)
	return nil
}

func (s *InMemoryStore) IsSenderCanceled(ctx context.Context, id models.SenderIdentity) (bool, error) {
	id = id.Normalize()
	if id.IsZero() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cancellations {
		if matchesSender(id, c.UserID, c.Username) {
			return true, nil
		}
	}
	return false, nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func matchesSender(id models.SenderIdentity, userID int64, username string) bool {
	if id.UserID != 0 && id.UserID == userID {
		return true
	}
	return id.Username != "" && id.Username == username
}

func matchesFilter(m *models.Message, f MessageFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if m.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.GroupID != nil && m.GroupID != *f.GroupID {
		return false
	}
	if f.SenderUserID != nil && m.SenderUserID != *f.SenderUserID {
		return false
	}
	if f.SenderUsername != "" && m.SenderUsername != f.SenderUsername {
		return false
	}
	if f.IsLFG != nil && m.IsLFG != *f.IsLFG {
		return false
	}
	if f.From != nil && m.MessageDate.Before(*f.From) {
		return false
	}
	if f.To != nil && !m.MessageDate.Before(*f.To) {
		return false
	}
	return true
}

func sortOldestFirst(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].MessageDate.Equal(msgs[j].MessageDate) {
			return msgs[i].MessageDate.Before(msgs[j].MessageDate)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
