package models

import "time"

// Message represents a persisted room message.
type Message struct {
	ID         int64     `db:"id" json:"id"`
	ClientID   string    `db:"client_id" json:"client_id,omitempty"`
	RoomID     string    `db:"room_id" json:"room_id"`
	SenderID   string    `db:"sender_id" json:"sender_id"`
	SenderName string    `db:"sender_name" json:"sender_name"`
	Content    string    `db:"content" json:"content"`
	MediaURL   string    `db:"media_url" json:"media_url,omitempty"`
	MediaType  string    `db:"media_type" json:"media_type,omitempty"`
	Deleted    bool      `db:"deleted" json:"deleted"`
	CreatedAt  time.Time `db:"created_at" json:"timestamp"`
}

// MessageEvent is broadcasted through websockets. The message fields are
// flattened next to the type discriminator.
type MessageEvent struct {
	Type string `json:"type"`
	Message
}

// MessagePage is the response body of the history endpoint.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
