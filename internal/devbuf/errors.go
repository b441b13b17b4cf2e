package devbuf

import "errors"

var (
	// ErrShortBuffer is returned when a host slice cannot hold the content
	// of a transfer.
	ErrShortBuffer = errors.New("devbuf: host buffer too short")

	// ErrNoHostAccess is returned by host views when the device memory is
	// not addressable from the CPU.
	ErrNoHostAccess = errors.New("devbuf: device memory is not host accessible")

	// ErrWindowBounds is returned when a window does not fit its parent.
	ErrWindowBounds = errors.New("devbuf: window out of bounds")
)
