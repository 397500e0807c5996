package store

import (
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

// utc normalizes timestamps before they are written or compared. SQLite
// compares the stored text form, so every value must share one offset.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// utcPtr is utc for nullable columns.
func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// normalizeMessageTimes converts scanned timestamps to UTC.
func normalizeMessageTimes(m *models.Message) {
	m.MessageDate = m.MessageDate.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if m.ClaimedAt != nil {
		t := m.ClaimedAt.UTC()
		m.ClaimedAt = &t
	}
}

// statusStrings converts statuses to plain strings for driver arguments.
func statusStrings(statuses []models.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
