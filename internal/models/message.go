package models

import (
	"strings"
	"time"
)

// Sender describes the author of a chat message.
type Sender struct {
	UserID      int64  `json:"user_id" validate:"gt=0"`
	Username    string `json:"username,omitempty" validate:"max=64"`
	DisplayName string `json:"display_name,omitempty" validate:"max=256"`
}

// Group describes the chat a message was posted in.
type Group struct {
	ID    int64  `json:"id" validate:"ne=0"`
	Title string `json:"title,omitempty" validate:"max=256"`
}

// Message is the unit of work handed to classification workers.
type Message struct {
	ID                int64         `json:"id" db:"id"`
	MessageID         int64         `json:"message_id" db:"message_id"`
	MessageDate       time.Time     `json:"message_date" db:"message_date"`
	SenderUserID      int64         `json:"sender_user_id" db:"sender_user_id"`
	SenderUsername    string        `json:"sender_username,omitempty" db:"sender_username"`
	SenderDisplayName string        `json:"sender_display_name,omitempty" db:"sender_display_name"`
	GroupID           int64         `json:"group_id" db:"group_id"`
	GroupTitle        string        `json:"group_title,omitempty" db:"group_title"`
	Content           string        `json:"content" db:"content"`
	Status            MessageStatus `json:"status" db:"status"`
	IsValid           *bool         `json:"is_valid,omitempty" db:"is_valid"`
	IsLFG             bool          `json:"is_lfg" db:"is_lfg"`
	Reason            string        `json:"reason,omitempty" db:"reason"`
	RequeueCount      int           `json:"requeue_count" db:"requeue_count"`
	Version           int64         `json:"version" db:"version"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// IngestRequest is the payload accepted for a newly observed chat message.
type IngestRequest struct {
	MessageID   int64     `json:"message_id" validate:"gt=0"`
	MessageDate time.Time `json:"message_date" validate:"required"`
	Sender      Sender    `json:"sender"`
	Group       Group     `json:"group"`
	Content     string    `json:"content" validate:"required,max=4096"`
}

// Validate checks the request and normalizes its free-text fields in place.
func (r *IngestRequest) Validate() error {
	r.Content = strings.TrimSpace(r.Content)
	r.Sender.Username = NormalizeUsername(r.Sender.Username)
	r.Sender.DisplayName = strings.TrimSpace(r.Sender.DisplayName)
	r.Group.Title = strings.TrimSpace(r.Group.Title)
	return validateStruct(r)
}

// ToMessage builds the stored form of the request with the given status.
func (r IngestRequest) ToMessage(status MessageStatus) Message {
	return Message{
		MessageID:         r.MessageID,
		MessageDate:       r.MessageDate.UTC(),
		SenderUserID:      r.Sender.UserID,
		SenderUsername:    r.Sender.Username,
		SenderDisplayName: r.Sender.DisplayName,
		GroupID:           r.Group.ID,
		GroupTitle:        r.Group.Title,
		Content:           r.Content,
		Status:            status,
	}
}

// OutcomeReport is a worker's terminal verdict for a claimed message.
type OutcomeReport struct {
	Outcome MessageStatus `json:"outcome" validate:"required,oneof=completed failed"`
	IsValid *bool         `json:"is_valid,omitempty"`
	IsLFG   bool          `json:"is_lfg"`
	Reason  string        `json:"reason,omitempty" validate:"max=1024"`
	// Version, when set, is the message version returned by Claim. A report
	// carrying it only applies to that claim.
	Version int64         `json:"version,omitempty" validate:"gte=0"`
}

// Validate checks that the report carries a known terminal outcome.
func (o *OutcomeReport) Validate() error {
	o.Reason = strings.TrimSpace(o.Reason)
	return validateStruct(o)
}

// NormalizeUsername strips a leading "@" and lower-cases the handle.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}
