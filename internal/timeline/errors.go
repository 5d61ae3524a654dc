package timeline

import "errors"

var (
	// ErrSendTimeout marks an optimistic send that was never acknowledged.
	ErrSendTimeout = errors.New("message not acknowledged in time")
	// ErrNoActiveRoom is returned when sending with no room open.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrEmptyMessage is returned for a send without text or media.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotRetryable is returned when retrying an entry that has not failed.
	ErrNotRetryable = errors.New("message is not in a failed state")
)
