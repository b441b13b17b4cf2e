package device

import "errors"

var (
	// ErrAllocFailed is returned when the device cannot satisfy an
	// allocation. Callers treat it as fatal; allocations are never retried.
	ErrAllocFailed = errors.New("device: allocation failed")

	// ErrInvalidPointer is returned when an address does not fall inside a
	// live allocation.
	ErrInvalidPointer = errors.New("device: invalid pointer")

	// ErrDoubleFree is returned when an allocation is freed twice.
	ErrDoubleFree = errors.New("device: double free")

	// ErrOutOfRange is returned when a transfer runs past the end of an
	// allocation.
	ErrOutOfRange = errors.New("device: access out of range")

	// ErrInvalidSize is returned for negative sizes and pitches smaller
	// than the row width.
	ErrInvalidSize = errors.New("device: invalid size")

	// ErrUsage is returned when an allocation is requested with invalid
	// usage flags or accessed in a way its usage flags do not allow.
	ErrUsage = errors.New("device: usage not allowed")
)
