package models

import (
	"encoding/json"
	"time"
)

// Kind classifies a normalized inbound frame.
type Kind string

const (
	KindChat        Kind = "chat-message"
	KindVoiceSignal Kind = "voice-signal"
	KindPresence    Kind = "presence"
)

// MediaRef points at an attachment uploaded out of band.
type MediaRef struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Envelope is the canonical shape of every inbound realtime frame,
// whatever field naming the sender used.
type Envelope struct {
	Kind          Kind
	Type          string
	ID            string
	CorrelationID string
	RoomID        string
	SenderID      string
	SenderName    string
	TargetID      string
	Content       string
	Media         *MediaRef
	Timestamp     time.Time
	Deleted       bool
	Members       []string
	Payload       json.RawMessage
}
