package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame marks an inbound frame that could not be normalized.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTransport marks a failure of the duplex connection itself.
	ErrTransport = errors.New("signaling transport error")
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)
)
