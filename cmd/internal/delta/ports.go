package delta

import (
	"encoding/json"

	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"
)

// Holder is the part of the message holder the callback drives.
type Holder interface {
	Receiving(newChat, prevChat *wire.ChatItem, msgs []*message.Message)
	ReceiveNew(m *message.Message)
	Changed(m *message.Message)
	DeletedMessage(serverID string)
	UpdateReadBeforeTimestamp(tsMicros int64)
}

// Poller mirrors current chat changes into history.
type Poller interface {
	RequestHistory(revision wire.Revision)
	InsertMessage(item *wire.MessageItem)
	DeleteMessage(dbID string)
}

// Stream receives the chat side channels. Calls happen on the completion
// executor and must not block.
type Stream interface {
	ChatChanged(prev, cur *wire.ChatItem)
	ChatStateChanged(prev, cur string)
	OperatorChanged(prev, cur *wire.OperatorItem)
	OperatorTypingChanged(typing bool)
	UnreadByOperatorSinceChanged(tsMicros int64)
	UnreadByVisitorChanged(count int, sinceMicros int64)
	OperatorRated(r wire.RatingItem)
	VisitSessionStateChanged(prev, cur string)
	VisitSessionChanged(raw json.RawMessage)
	DepartmentsChanged(deps []wire.DepartmentItem)
	SurveyChanged(raw json.RawMessage)
	OnlineStatusChanged(status string)
	HelloMessage(descr string)
}

// NopStream ignores every notification. Embed it to implement a subset.
type NopStream struct{}

func (NopStream) ChatChanged(_, _ *wire.ChatItem) {}
func (NopStream) ChatStateChanged(_, _ string) {}
func (NopStream) OperatorChanged(_, _ *wire.OperatorItem) {}
func (NopStream) OperatorTypingChanged(bool) {}
func (NopStream) UnreadByOperatorSinceChanged(int64) {}
func (NopStream) UnreadByVisitorChanged(int, int64) {}
func (NopStream) OperatorRated(wire.RatingItem) {}
func (NopStream) VisitSessionStateChanged(_, _ string) {}
func (NopStream) VisitSessionChanged(json.RawMessage) {}
func (NopStream) DepartmentsChanged([]wire.DepartmentItem) {}
func (NopStream) SurveyChanged(json.RawMessage) {}
func (NopStream) OnlineStatusChanged(string) {}
func (NopStream) HelloMessage(string) {}
