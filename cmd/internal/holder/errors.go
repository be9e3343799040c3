package holder

import "errors"

var (
	ErrTrackerDestroyed = errors.New("holder: tracker destroyed")
	ErrMessagesLoading  = errors.New("holder: messages are already loading")
	ErrInvalidLimit     = errors.New("holder: limit must be positive")
	ErrUnknownMessage   = errors.New("holder: message is not tracked")
)
