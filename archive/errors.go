package archive

import "errors"

var (
	// ErrNotFound is returned when no transcript exists for the execution id.
	ErrNotFound = errors.New("transcript not found")
)
