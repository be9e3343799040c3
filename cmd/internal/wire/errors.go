package wire

import "github.com/tidwall/gjson"

// Server error codes found in the "error" field of a response body.
const (
	ErrCodeAccountBlocked           = "account-blocked"
	ErrCodeOperatorNotInChat        = "operator-not-in-chat"
	ErrCodeProvidedAuthTokenMissing = "provided-auth-token-not-found"
	ErrCodeProvidedVisitorExpired   = "provided-visitor-expired"
	ErrCodeReinitRequired           = "reinit-required"
	ErrCodeServerNotReady           = "server-not-ready"
	ErrCodeVisitorBanned            = "visitor-banned"
	ErrCodeWrongVisitorHash         = "wrong-provided-visitor-hash-value"

	// Action-level codes.
	ErrCodeChatNotFound        = "chat-not-found"
	ErrCodeFileSizeExceeded    = "file-size-exceeded"
	ErrCodeFileTypeNotAllowed  = "file-type-not-allowed"
	ErrCodeMaxLengthExceeded   = "max-message-length-exceeded"
	ErrCodeMessageEmpty        = "message-empty"
	ErrCodeMessageNotFound     = "message-not-found"
	ErrCodeNotAllowed          = "not-allowed"
	ErrCodeSentTooManyTimes    = "sent-too-many-times"
	ErrCodeNoRatingPermission  = "rate-disabled"
	ErrCodeOperatorNotFound    = "operator-not-found"
	ErrCodeWrongArgumentValue  = "wrong-argument-value"
	ErrCodeFileUploadForbidden = "uploading-file-forbidden"
)

// FatalErrorCodes end the session: the server will not accept this visitor again.
var FatalErrorCodes = map[string]struct{}{
	ErrCodeAccountBlocked:         {},
	ErrCodeVisitorBanned:          {},
	ErrCodeWrongVisitorHash:       {},
	ErrCodeProvidedVisitorExpired: {},
}

// IsFatal reports whether code ends the session.
func IsFatal(code string) bool {
	_, ok := FatalErrorCodes[code]
	return ok
}

// PeekError returns the top-level "error" string of a JSON body, if any.
func PeekError(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "error").String()
}

// PeekRevision returns the top-level "revision" of a delta response.
func PeekRevision(body []byte) (int64, bool) {
	r := gjson.GetBytes(body, "revision")
	if !r.Exists() || r.Type == gjson.Null {
		return 0, false
	}
	return r.Int(), true
}

// PeekResult returns the top-level "result" of an action response.
func PeekResult(body []byte) string {
	return gjson.GetBytes(body, "result").String()
}
