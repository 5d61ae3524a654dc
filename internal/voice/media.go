// Package voice runs a full-mesh voice/video channel: one negotiated media
// session per remote member, brokered by voice-signal frames over the relay.
package voice

import "context"

// TrackKind is the media type of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// SDPType is the role of a session description.
type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPRollback SDPType = "rollback"
)

// SessionDescription is an offer or answer.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is one trickled ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnectionState mirrors the peer connection state of the media stack.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// Track is a local device track. Stop releases the device.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
	Stopped() bool
}

// RemoteTrack describes media received from a peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// Sender is an outbound slot on a peer connection.
type Sender interface {
	Kind() TrackKind
	Track() Track
	ReplaceTrack(track Track) error
}

// PeerConnection is the negotiated connection to one remote peer.
type PeerConnection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c Candidate) error
	AddTrack(track Track) (Sender, error)
	Senders() []Sender
	OnICECandidate(fn func(Candidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// PeerFactory opens peer connections.
type PeerFactory interface {
	NewPeerConnection(peerID string) (PeerConnection, error)
}

// MediaDevices hands out local capture tracks.
type MediaDevices interface {
	Open(ctx context.Context, kind TrackKind) (Track, error)
}

// Signaler sends frames to the relay.
type Signaler interface {
	Send(v any) error
}
