package loop

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"chatsync/cmd/internal/wire"
)

// Action is one queued request of the action loop. Each kind carries its own
// result callback; callbacks run on the completion executor and may be nil.
type Action interface {
	// Name is the server action name, or the path for history queries.
	Name() string
	request() Request
	complete(body []byte, err error)
}

// Action names.
const (
	ActionSendMessage   = "chat.message"
	ActionDeleteMessage = "chat.delete_message"
	ActionStartChat     = "chat.start"
	ActionCloseChat     = "chat.close"
	ActionRateOperator  = "chat.operator_rate_select"
	ActionVisitorTyping = "chat.visitor_typing"
	ActionReadByVisitor = "chat.read_by_visitor"
	ActionSetPushToken  = "set_push_token"
)

func actionRequest(name string, v url.Values) Request {
	if v == nil {
		v = url.Values{}
	}
	v.Set("action", name)
	return Request{Method: http.MethodPost, Path: PathAction, Params: v}
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SendMessage posts a visitor message. ClientSideID links the echo that comes
// back through the delta stream to the queued message.
type SendMessage struct {
	ClientSideID string
	Text         string
	// Data is an optional JSON object attached to the message.
	Data         string
	HintQuestion *bool
	Done         func(error)
}

func (a *SendMessage) Name() string { return ActionSendMessage }

func (a *SendMessage) request() Request {
	v := url.Values{}
	v.Set("client-side-id", a.ClientSideID)
	v.Set("message", a.Text)
	setIf(v, "data", a.Data)
	if a.HintQuestion != nil {
		v.Set("hint_question", flag(*a.HintQuestion))
	}
	return actionRequest(a.Name(), v)
}

func (a *SendMessage) complete(_ []byte, err error) { finish(a.Done, err) }

// DeleteMessage deletes a visitor message.
type DeleteMessage struct {
	ClientSideID string
	Done         func(error)
}

func (a *DeleteMessage) Name() string { return ActionDeleteMessage }

func (a *DeleteMessage) request() Request {
	v := url.Values{}
	v.Set("client-side-id", a.ClientSideID)
	return actionRequest(a.Name(), v)
}

func (a *DeleteMessage) complete(_ []byte, err error) { finish(a.Done, err) }

type StartChat struct {
	ClientSideID  string
	FirstQuestion string
	DepartmentKey string
	Done          func(error)
}

func (a *StartChat) Name() string { return ActionStartChat }

func (a *StartChat) request() Request {
	v := url.Values{}
	v.Set("client-side-id", a.ClientSideID)
	v.Set("force-online", "1")
	setIf(v, "first-question", a.FirstQuestion)
	setIf(v, "department-key", a.DepartmentKey)
	return actionRequest(a.Name(), v)
}

func (a *StartChat) complete(_ []byte, err error) { finish(a.Done, err) }

type CloseChat struct {
	Done func(error)
}

func (a *CloseChat) Name() string { return ActionCloseChat }
func (a *CloseChat) request() Request { return actionRequest(a.Name(), nil) }
func (a *CloseChat) complete(_ []byte, err error) { finish(a.Done, err) }

// RateOperator rates an operator from 1 to 5. An empty OperatorID rates the
// operator of the current chat.
type RateOperator struct {
	OperatorID string
	Rating     int
	Done       func(error)
}

func (a *RateOperator) Name() string { return ActionRateOperator }

func (a *RateOperator) request() Request {
	v := url.Values{}
	v.Set("rate", strconv.Itoa(a.Rating))
	setIf(v, "operator-id", a.OperatorID)
	return actionRequest(a.Name(), v)
}

func (a *RateOperator) complete(_ []byte, err error) { finish(a.Done, err) }

// SetVisitorTyping reports the typing state and the message draft.
type SetVisitorTyping struct {
	Typing      bool
	Draft       string
	DeleteDraft bool
	Done        func(error)
}

func (a *SetVisitorTyping) Name() string { return ActionVisitorTyping }

func (a *SetVisitorTyping) request() Request {
	v := url.Values{}
	v.Set("typing", flag(a.Typing))
	v.Set("del-message-draft", flag(a.DeleteDraft))
	setIf(v, "message-draft", a.Draft)
	return actionRequest(a.Name(), v)
}

func (a *SetVisitorTyping) complete(_ []byte, err error) { finish(a.Done, err) }

type ReadByVisitor struct {
	Done func(error)
}

func (a *ReadByVisitor) Name() string { return ActionReadByVisitor }
func (a *ReadByVisitor) request() Request { return actionRequest(a.Name(), nil) }
func (a *ReadByVisitor) complete(_ []byte, err error) { finish(a.Done, err) }

type SetPushToken struct {
	Token string
	Done  func(error)
}

func (a *SetPushToken) Name() string { return ActionSetPushToken }

func (a *SetPushToken) request() Request {
	v := url.Values{}
	v.Set("push-token", a.Token)
	return actionRequest(a.Name(), v)
}

func (a *SetPushToken) complete(_ []byte, err error) { finish(a.Done, err) }

// HistoryBefore queries history older than BeforeMicros.
type HistoryBefore struct {
	BeforeMicros int64
	Done         func(*wire.HistoryData, error)
}

func (a *HistoryBefore) Name() string { return PathHistory }

func (a *HistoryBefore) request() Request {
	v := url.Values{}
	v.Set("before-ts", strconv.FormatInt(a.BeforeMicros, 10))
	return Request{Method: http.MethodGet, Path: PathHistory, Params: v}
}

func (a *HistoryBefore) complete(body []byte, err error) { completeHistory(a.Done, body, err) }

// HistorySince queries history changes after revision Since; empty means
// from the beginning.
type HistorySince struct {
	Since wire.Revision
	Done  func(*wire.HistoryData, error)
}

func (a *HistorySince) Name() string { return PathHistory }

func (a *HistorySince) request() Request {
	v := url.Values{}
	setIf(v, "since", string(a.Since))
	return Request{Method: http.MethodGet, Path: PathHistory, Params: v}
}

func (a *HistorySince) complete(body []byte, err error) { completeHistory(a.Done, body, err) }

func completeHistory(done func(*wire.HistoryData, error), body []byte, err error) {
	if done == nil {
		return
	}
	if err != nil {
		done(nil, err)
		return
	}
	var hr wire.HistoryResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		done(nil, fmt.Errorf("history response: %w", err))
		return
	}
	if hr.Data == nil {
		hr.Data = &wire.HistoryData{}
	}
	done(hr.Data, nil)
}
