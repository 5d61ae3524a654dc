package voice

import "errors"

var (
	// ErrDeviceAcquisition means a capture device could not be opened.
	ErrDeviceAcquisition = errors.New("voice: device acquisition failed")
	// ErrNegotiation means an offer, answer or candidate could not be applied.
	ErrNegotiation = errors.New("voice: negotiation failed")
	ErrNotJoined   = errors.New("voice: not in a channel")
	// ErrAnnounce means the relay was not told about a join.
	ErrAnnounce = errors.New("voice: announcement not sent")
)
