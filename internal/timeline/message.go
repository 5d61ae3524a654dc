package timeline

import (
	"time"

	"campus-chat/internal/models"
)

// Status tracks an entry through optimistic send and confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Message is one row of a room timeline. Pending rows have no ID yet and
// are keyed by CorrelationID.
type Message struct {
	ID            string
	CorrelationID string
	RoomID        string
	SenderID      string
	SenderName    string
	Content       string
	Media         *models.MediaRef
	Timestamp     time.Time
	Deleted       bool
	Status        Status
	Err           error
}

// Key is the identity used for equality: the server id once known, the
// correlation id before that.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// FromEnvelope builds a confirmed message from a chat envelope.
func FromEnvelope(env models.Envelope) Message {
	return Message{
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		RoomID:        env.RoomID,
		SenderID:      env.SenderID,
		SenderName:    env.SenderName,
		Content:       env.Content,
		Media:         env.Media,
		Timestamp:     env.Timestamp,
		Deleted:       env.Deleted,
		Status:        StatusConfirmed,
	}
}
