package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// duplicateFinder is the slice of the store the spam guard needs.
type duplicateFinder interface {
	HasRecentDuplicate(ctx context.Context, senderUserID, groupID int64, content string, since time.Time) (bool, error)
}

// SpamGuard suppresses repeated (sender, group, content) submissions within a
// trailing window. It is a point check, not a uniqueness constraint: two
// concurrent duplicates may both pass.
type SpamGuard struct {
	repo   duplicateFinder
	window time.Duration
	now    func() time.Time
}

// NewSpamGuard creates a guard over repo with the given trailing window.
func NewSpamGuard(repo duplicateFinder, window time.Duration, now func() time.Time) *SpamGuard {
	if now == nil {
		now = time.Now
	}
	return &SpamGuard{repo: repo, window: window, now: now}
}

// Window returns the trailing window the guard checks.
func (g *SpamGuard) Window() time.Duration {
	return g.window
}

// CheckDuplicate reports whether the sender already posted content to group
// with a message_date inside the window.
func (g *SpamGuard) CheckDuplicate(ctx context.Context, senderUserID, groupID int64, content string) (bool, error) {
	since := g.now().Add(-g.window)
	dup, err := g.repo.HasRecentDuplicate(ctx, senderUserID, groupID, strings.TrimSpace(content), since)
	if err != nil {
		return false, fmt.Errorf("spam check for sender %d: %w", senderUserID, err)
	}
	return dup, nil
}
