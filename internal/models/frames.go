package models

import (
	"encoding/json"
	"time"
)

// Frame types exchanged over the duplex channel.
const (
	FrameChatSend       = "chat-send"
	FrameMessage        = "message"
	FrameMessageDeleted = "message-deleted"
	FrameJoinRoom       = "join-room"
	FrameLeaveRoom      = "leave-room"
	FrameJoinVoice      = "join-voice"
	FrameLeaveVoice     = "leave-voice"
	FrameVoiceMembers   = "voice-members"
	FrameVoiceJoined    = "voice-joined"
	FrameVoiceLeft      = "voice-left"
	FrameVoiceSignal    = "voice-signal"
	FrameSeen           = "seen"
	FrameError          = "error"
)

// ChatSendFrame is sent by a client to post a message.
type ChatSendFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	ClientID  string `json:"clientId"`
}

// RoomFrame subscribes to or unsubscribes from a room.
type RoomFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// VoiceMembershipFrame announces joining or leaving a voice channel.
type VoiceMembershipFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// VoiceMembersFrame lists the members of a voice channel.
type VoiceMembersFrame struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"room_id"`
	UserID  string   `json:"user_id,omitempty"`
	Members []string `json:"members,omitempty"`
}

// VoiceSignalFrame carries an offer, answer or candidate to one peer.
type VoiceSignalFrame struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId"`
	SenderID string          `json:"senderId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SeenFrame is a read receipt.
type SeenFrame struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a rejected client frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
