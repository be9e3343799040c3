package session

import "errors"

var (
	ErrDestroyed     = errors.New("session: destroyed")
	ErrEmptyMessage  = errors.New("session: message text is empty")
	ErrInvalidRating = errors.New("session: rating must be between 1 and 5")
	ErrNoTransport   = errors.New("session: transport is required")
)
