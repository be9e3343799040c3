package loop

import "time"

// Server paths.
const (
	PathAction  = "/l/v/m/action"
	PathDelta   = "/l/v/m/delta"
	PathHistory = "/l/v/m/history"
)

const (
	// Max bytes read from one response body.
	maxResponseBytes = 8 << 20 // 8 MiB

	// Consecutive non-accepted responses before the loop gives up.
	maxConsecutiveErrors = 5
	// Cap, in backoff units, of the sleep after a transport failure.
	maxTransportBackoff = 5
)

const (
	defaultBackoffUnit = time.Second

	// provided-auth-token-not-found handling.
	tokenNotFoundRetries = 5
	tokenNotFoundDelay   = time.Second

	// Action loop wait for authorization.
	authPollInterval = 100 * time.Millisecond

	defaultPlatform = "go"
)

// acceptedStatus lists the HTTP codes whose body is handed to the caller.
var acceptedStatus = map[int]struct{}{
	200: {},
	400: {},
	403: {},
	413: {},
	415: {},
}

func accepted(code int) bool {
	_, ok := acceptedStatus[code]
	return ok
}
