package history

import "time"

const (
	// Upper bound on a single page read from storage.
	maxPageSize = 1000

	// Cadence of since-revision polling when the server does not push revisions.
	pollInterval = 60 * time.Second

	// Retry delay after a failed poll.
	pollRetryDelay = 5 * time.Second
)
