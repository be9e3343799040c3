// Package wire holds the JSON items exchanged with the chat backend over the
// long-poll channel: messages, chats, deltas, full updates and responses.
package wire

import (
	"bytes"
	"encoding/json"
)

// Message kinds as sent by the server.
const (
	KindActionRequest = "action_request"
	KindContactsReq   = "cont_req"
	KindContacts      = "contacts"
	KindFileOperator  = "file_operator"
	KindFileVisitor   = "file_visitor"
	KindForOperator   = "for_operator"
	KindInfo          = "info"
	KindKeyboard      = "keyboard"
	KindOperator      = "operator"
	KindOperatorBusy  = "operator_busy"
	KindSticker       = "sticker"
	KindVisitor       = "visitor"
)

// MessageItem is a message in its wire representation.
//
// Time is carried either as ts_m (microseconds) or ts (fractional seconds);
// ts_m wins when both are present.
type MessageItem struct {
	ID           string          `json:"id"`
	ClientSideID string          `json:"clientSideId,omitempty"`
	ChatID       string          `json:"chatId,omitempty"`
	Kind         string          `json:"kind"`
	AuthorID     *int64          `json:"authorId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Avatar       string          `json:"avatar,omitempty"`
	Text         string          `json:"text,omitempty"`
	TSMicros     int64           `json:"ts_m,omitempty"`
	TSSeconds    float64         `json:"ts,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
	Read         bool            `json:"read,omitempty"`
	CanBeEdited  bool            `json:"canBeEdited,omitempty"`
}

// TimeMicros returns the server timestamp in microseconds.
func (m *MessageItem) TimeMicros() int64 {
	if m == nil {
		return 0
	}
	if m.TSMicros != 0 {
		return m.TSMicros
	}
	return int64(m.TSSeconds * 1e6)
}

// ClientID returns the client-side id, falling back to the server id for
// messages the visitor never composed (operator and system messages).
func (m *MessageItem) ClientID() string {
	if m == nil {
		return ""
	}
	if m.ClientSideID != "" {
		return m.ClientSideID
	}
	return m.ID
}

// Equal reports wire-level equality. It is used to suppress duplicate adds.
func (m *MessageItem) Equal(o *MessageItem) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.ID != o.ID || m.ClientSideID != o.ClientSideID || m.ChatID != o.ChatID {
		return false
	}
	if m.Kind != o.Kind || m.Name != o.Name || m.Avatar != o.Avatar || m.Text != o.Text {
		return false
	}
	if m.TimeMicros() != o.TimeMicros() {
		return false
	}
	if m.Deleted != o.Deleted || m.Read != o.Read || m.CanBeEdited != o.CanBeEdited {
		return false
	}
	if (m.AuthorID == nil) != (o.AuthorID == nil) {
		return false
	}
	if m.AuthorID != nil && *m.AuthorID != *o.AuthorID {
		return false
	}
	return bytes.Equal(m.Data, o.Data)
}

// IsFile reports whether the message carries an attachment.
func (m *MessageItem) IsFile() bool {
	return m != nil && (m.Kind == KindFileOperator || m.Kind == KindFileVisitor)
}
