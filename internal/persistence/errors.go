package persistence

import "errors"

var (
	// ErrQuotaExceeded is returned when a write would exceed the substrate capacity.
	ErrQuotaExceeded = errors.New("persistence: quota exceeded")
	// ErrUnavailable is returned when the substrate cannot be reached.
	ErrUnavailable = errors.New("persistence: unavailable")
	// ErrEmptyKey is returned when an operation is attempted with a blank key.
	ErrEmptyKey = errors.New("persistence: empty key")
)
