package models

import "time"

// Listing is an active "looking for group" post derived from a completed message.
type Listing struct {
	ID             int64     `json:"id" db:"id"`
	MessageID      int64     `json:"message_id" db:"message_id"`
	SenderUserID   int64     `json:"sender_user_id" db:"sender_user_id"`
	SenderUsername string    `json:"sender_username,omitempty" db:"sender_username"`
	GroupID        int64     `json:"group_id" db:"group_id"`
	Content        string    `json:"content" db:"content"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// NewListing builds an active listing for a classified message.
func NewListing(m Message) Listing {
	return Listing{
		MessageID:      m.MessageID,
		SenderUserID:   m.SenderUserID,
		SenderUsername: m.SenderUsername,
		GroupID:        m.GroupID,
		Content:        m.Content,
		Active:         true,
	}
}

// SenderIdentity selects a sender by external user id, username, or both.
type SenderIdentity struct {
	UserID   int64  `json:"user_id,omitempty" validate:"gte=0"`
	Username string `json:"username,omitempty" validate:"max=64"`
}

// Normalize returns a copy with the username normalized.
func (id SenderIdentity) Normalize() SenderIdentity {
	id.Username = NormalizeUsername(id.Username)
	return id
}

// IsZero reports whether neither identity field is set.
func (id SenderIdentity) IsZero() bool {
	return id.UserID == 0 && NormalizeUsername(id.Username) == ""
}

// Cancellation records a user's opt-out.
type Cancellation struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"user_id,omitempty" db:"user_id"`
	Username   string    `json:"username,omitempty" db:"username"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	CanceledAt time.Time `json:"canceled_at" db:"canceled_at"`
}

// CancelRequest is the payload for opting a user out.
type CancelRequest struct {
	SenderIdentity
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

// Validate checks that at least one identity field is present.
func (r *CancelRequest) Validate() error {
	r.SenderIdentity = r.SenderIdentity.Normalize()
	if r.IsZero() {
		return ErrMissingIdentity
	}
	return validateStruct(r)
}
