// Package message defines the domain message shared by the current chat,
// the history store and the tracker, together with its lifecycle.
//
// A message moves through three phases and never back:
//
//	Live           current chat only, no durable id yet
//	PendingHistory still in the current chat, also stored in history
//	Historified    history only
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type is the kind of a domain message.
type Type string

const (
	TypeActionRequest    Type = "action_request"
	TypeFileFromOperator Type = "file_from_operator"
	TypeFileFromVisitor  Type = "file_from_visitor"
	TypeInfo             Type = "info"
	TypeKeyboard         Type = "keyboard"
	TypeOperator         Type = "operator"
	TypeOperatorBusy     Type = "operator_busy"
	TypeSticker          Type = "sticker"
	TypeVisitor          Type = "visitor"
)

// Source tells where a message is resolved from.
type Source int

const (
	SourceCurrentChat Source = iota
	SourceHistory
)

func (s Source) String() string {
	if s == SourceHistory {
		return "history"
	}
	return "current_chat"
}

// Phase is the lifecycle state of a message.
type Phase int

const (
	PhaseLive Phase = iota
	PhasePendingHistory
	PhaseHistorified
)

func (p Phase) String() string {
	switch p {
	case PhaseLive:
		return "live"
	case PhasePendingHistory:
		return "pending_history"
	case PhaseHistorified:
		return "historified"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SendStatus applies to visitor messages composed locally.
type SendStatus int

const (
	SendStatusSent SendStatus = iota
	SendStatusSending
	SendStatusFailed
)

// Attachment describes the file of a file message.
type Attachment struct {
	FileName    string
	ContentType string
	Size        int64
	GUID        string
	URL         string
}

// Message is the domain message. Pointers are handed to listeners; a
// message that changes identity or source is replaced by a new pointer.
type Message struct {
	// ID is the client-side id, stable for the whole life of the message.
	ID string
	// CurrentChatID is the server id while the message lives in the current chat.
	CurrentChatID string
	HistoryID     *HistoryID
	Phase         Phase

	Type        Type
	OperatorID  string
	SenderName  string
	AvatarURL   string
	Text        string
	RawText     string
	Data        json.RawMessage
	Attachment  *Attachment
	TimeMicros  int64
	Read        bool
	CanBeEdited bool
	SendStatus  SendStatus
}

// Source derives the resolution source from the phase.
func (m *Message) Source() Source {
	if m.Phase == PhaseHistorified {
		return SourceHistory
	}
	return SourceCurrentChat
}

// HasHistory reports whether the message is resolvable as history.
func (m *Message) HasHistory() bool { return m != nil && m.HistoryID != nil }

// AttachHistory records that the live message is now also stored in history.
// It is the only Live -> PendingHistory edge; attaching the same id again is a no-op.
func (m *Message) AttachHistory(id HistoryID) bool {
	switch m.Phase {
	case PhaseLive:
		m.HistoryID = &id
		m.Phase = PhasePendingHistory
		return true
	case PhasePendingHistory:
		return m.HistoryID != nil && m.HistoryID.Equal(id)
	default:
		return false
	}
}

// Historify is the only PendingHistory -> Historified edge.
func (m *Message) Historify() bool {
	if m.Phase != PhasePendingHistory || m.HistoryID == nil {
		return false
	}
	m.Phase = PhaseHistorified
	return true
}

// HistoryCopy returns a Historified copy of a message that carries a history id,
// leaving m untouched. It returns nil when m has no history id.
func (m *Message) HistoryCopy() *Message {
	if m == nil || m.HistoryID == nil {
		return nil
	}
	cp := m.Clone()
	cp.Phase = PhaseHistorified
	cp.CurrentChatID = ""
	cp.SendStatus = SendStatusSent
	return cp
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.HistoryID != nil {
		id := *m.HistoryID
		cp.HistoryID = &id
	}
	if m.Data != nil {
		cp.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	return &cp
}

// SameIdentity compares client-side ids.
func (m *Message) SameIdentity(o *Message) bool {
	return m != nil && o != nil && m.ID == o.ID
}

// Equal compares every observable field. A difference is what makes a
// "changed" notification worth sending.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID == o.ID &&
		m.OperatorID == o.OperatorID &&
		m.RawText == o.RawText &&
		m.AvatarURL == o.AvatarURL &&
		m.SenderName == o.SenderName &&
		m.Text == o.Text &&
		m.TimeMicros == o.TimeMicros &&
		m.Type == o.Type &&
		m.Read == o.Read &&
		m.CanBeEdited == o.CanBeEdited &&
		bytes.Equal(m.Data, o.Data)
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	if m.HistoryID != nil {
		return fmt.Sprintf("%s(%s,%s)", m.ID, m.Phase, m.HistoryID)
	}
	return fmt.Sprintf("%s(%s)", m.ID, m.Phase)
}
