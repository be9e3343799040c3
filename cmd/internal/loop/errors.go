package loop

import (
	"errors"
	"fmt"

	"chatsync/cmd/internal/wire"
)

var (
	// ErrServerNotAvailable ends a loop after too many consecutive
	// non-accepted responses.
	ErrServerNotAvailable = errors.New("loop: server not available")
	// ErrInterrupted is returned when Stop is observed mid-request. It is benign.
	ErrInterrupted = errors.New("loop: interrupted")
	// ErrStopped is returned when work is handed to a stopped loop.
	ErrStopped = errors.New("loop: stopped")
	// ErrIncorrectServerAnswer marks a response that breaks the protocol.
	ErrIncorrectServerAnswer = errors.New("loop: incorrect server answer")

	ErrReinitRequired        = errors.New("loop: reinit required")
	ErrProvidedTokenNotFound = errors.New("loop: provided auth token not found")
	ErrVisitorRejected       = errors.New("loop: visitor rejected by server")
)

// Action errors.
var (
	ErrChatNotFound       = errors.New("action: chat not found")
	ErrFileSizeExceeded   = errors.New("action: file size exceeded")
	ErrFileTypeNotAllowed = errors.New("action: file type not allowed")
	ErrMaxLengthExceeded  = errors.New("action: max message length exceeded")
	ErrMessageEmpty       = errors.New("action: message empty")
	ErrMessageNotFound    = errors.New("action: message not found")
	ErrNotAllowed         = errors.New("action: not allowed")
	ErrSentTooManyTimes   = errors.New("action: sent too many times")
	ErrNoRatingPermission = errors.New("action: rating disabled")
	ErrOperatorNotFound   = errors.New("action: operator not found")
	ErrWrongArgument      = errors.New("action: wrong argument value")
	ErrUnknownAction      = errors.New("action: unknown error")
)

var actionCodes = map[string]error{
	wire.ErrCodeChatNotFound:        ErrChatNotFound,
	wire.ErrCodeFileSizeExceeded:    ErrFileSizeExceeded,
	wire.ErrCodeFileTypeNotAllowed:  ErrFileTypeNotAllowed,
	wire.ErrCodeFileUploadForbidden: ErrNotAllowed,
	wire.ErrCodeMaxLengthExceeded:   ErrMaxLengthExceeded,
	wire.ErrCodeMessageEmpty:        ErrMessageEmpty,
	wire.ErrCodeMessageNotFound:     ErrMessageNotFound,
	wire.ErrCodeNotAllowed:          ErrNotAllowed,
	wire.ErrCodeSentTooManyTimes:    ErrSentTooManyTimes,
	wire.ErrCodeNoRatingPermission:  ErrNoRatingPermission,
	wire.ErrCodeOperatorNotFound:    ErrOperatorNotFound,
	wire.ErrCodeWrongArgumentValue:  ErrWrongArgument,
}

// ServerError is an error code returned in a delta or action response body.
type ServerError struct {
	Path string
	Code string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %q on %s", e.Code, e.Path)
}

func (e *ServerError) Unwrap() error {
	switch {
	case e.Code == wire.ErrCodeReinitRequired:
		return ErrReinitRequired
	case e.Code == wire.ErrCodeProvidedAuthTokenMissing:
		return ErrProvidedTokenNotFound
	case wire.IsFatal(e.Code):
		return ErrVisitorRejected
	}
	return nil
}

// ActionError is delivered to the callback of a failed action.
type ActionError struct {
	Action string
	Code   string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.Action, e.Code)
}

func (e *ActionError) Unwrap() error {
	if err, ok := actionCodes[e.Code]; ok {
		return err
	}
	if e.Code == wire.ErrCodeReinitRequired {
		return ErrReinitRequired
	}
	return ErrUnknownAction
}

// known reports a code the caller is expected to handle.
func (e *ActionError) known() bool {
	_, ok := actionCodes[e.Code]
	return ok || e.Code == wire.ErrCodeReinitRequired
}
