package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Delta object types.
const (
	DeltaChat                      = "CHAT"
	DeltaChatID                    = "CHAT_ID"
	DeltaChatMessage               = "CHAT_MESSAGE"
	DeltaChatMessageRead           = "CHAT_MESSAGE_READ"
	DeltaChatOperator              = "CHAT_OPERATOR"
	DeltaChatOperatorTyping        = "CHAT_OPERATOR_TYPING"
	DeltaChatReadByVisitor         = "CHAT_READ_BY_VISITOR"
	DeltaChatState                 = "CHAT_STATE"
	DeltaChatUnreadByOperatorSince = "CHAT_UNREAD_BY_OPERATOR_SINCE_TS"
	DeltaDepartmentList            = "DEPARTMENT_LIST"
	DeltaHistoryRevision           = "HISTORY_REVISION"
	DeltaOperatorRate              = "OPERATOR_RATE"
	DeltaSurvey                    = "SURVEY"
	DeltaUnreadByVisitor           = "UNREAD_BY_VISITOR"
	DeltaVisitSession              = "VISIT_SESSION"
	DeltaVisitSessionState         = "VISIT_SESSION_STATE"
)

// Delta events.
const (
	EventAdd    = "add"
	EventUpdate = "upd"
	EventDelete = "del"
)

// KnownDeltaTypes lists the object types the client interprets.
// Anything else is skipped for forward compatibility.
var KnownDeltaTypes = map[string]struct{}{
	DeltaChat:                      {},
	DeltaChatID:                    {},
	DeltaChatMessage:               {},
	DeltaChatMessageRead:           {},
	DeltaChatOperator:              {},
	DeltaChatOperatorTyping:        {},
	DeltaChatReadByVisitor:         {},
	DeltaChatState:                 {},
	DeltaChatUnreadByOperatorSince: {},
	DeltaDepartmentList:            {},
	DeltaHistoryRevision:           {},
	DeltaOperatorRate:              {},
	DeltaSurvey:                    {},
	DeltaUnreadByVisitor:           {},
	DeltaVisitSession:              {},
	DeltaVisitSessionState:         {},
}

// DeltaItem is one incremental change.
type DeltaItem struct {
	ObjectType string          `json:"objectType"`
	Event      string          `json:"event"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope, not the payload.
func (d DeltaItem) Validate() error {
	if d.ObjectType == "" {
		return errors.New("missing objectType")
	}
	switch d.Event {
	case EventAdd, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("unsupported event: %q", d.Event)
	}
	return nil
}

// Known reports whether the client interprets this object type.
func (d DeltaItem) Known() bool {
	_, ok := KnownDeltaTypes[d.ObjectType]
	return ok
}

// HasData reports whether the delta carries a non-null payload.
func (d DeltaItem) HasData() bool {
	s := strings.TrimSpace(string(d.Data))
	return s != "" && s != "null"
}

// Decode unmarshals the payload into v.
func (d DeltaItem) Decode(v any) error {
	if !d.HasData() {
		return fmt.Errorf("%s/%s: empty data", d.ObjectType, d.Event)
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("%s/%s: %w", d.ObjectType, d.Event, err)
	}
	return nil
}

// Revision is the opaque history revision. The server sends it either as a
// string or as a number; both decode to the same value.
type Revision string

func (r *Revision) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*r = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		v, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		*r = Revision(v)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("revision: %w", err)
	}
	*r = Revision(s)
	return nil
}

// HistoryRevisionItem is the payload of a HISTORY_REVISION delta.
type HistoryRevisionItem struct {
	Revision Revision `json:"revision"`
}

// UnreadByVisitorItem is the payload of an UNREAD_BY_VISITOR delta.
type UnreadByVisitorItem struct {
	MsgCnt  int     `json:"msgCnt"`
	SinceTS float64 `json:"sinceTs"`
}

// DepartmentItem is one entry of the department list.
type DepartmentItem struct {
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	OnlineStatus string            `json:"onlineStatus,omitempty"`
	Order        int               `json:"order,omitempty"`
	Localized    map[string]string `json:"localeToName,omitempty"`
	Logo         string            `json:"logo,omitempty"`
}

// FullUpdate is the snapshot carried by an init response.
type FullUpdate struct {
	AuthToken             string           `json:"authToken,omitempty"`
	PageID                string           `json:"pageId,omitempty"`
	VisitSessionID        string           `json:"visitSessionId,omitempty"`
	Visitor               json.RawMessage  `json:"visitor,omitempty"`
	Chat                  *ChatItem        `json:"chat,omitempty"`
	State                 string           `json:"state,omitempty"`
	HistoryRevision       *Revision        `json:"historyRevision,omitempty"`
	Departments           []DepartmentItem `json:"departments,omitempty"`
	Survey                json.RawMessage  `json:"survey,omitempty"`
	OnlineStatus          string           `json:"onlineStatus,omitempty"`
	HintsEnabled          bool             `json:"hintsEnabled,omitempty"`
	ShowHelloMessage      *bool            `json:"showHelloMessage,omitempty"`
	ChatStartAfterMessage *bool            `json:"chatStartAfterMessage,omitempty"`
	HelloMessageDescr     string           `json:"helloMessageDescr,omitempty"`
}

// DeltaResponse is the body of an init or delta long-poll response.
type DeltaResponse struct {
	Revision   *int64      `json:"revision,omitempty"`
	FullUpdate *FullUpdate `json:"fullUpdate,omitempty"`
	DeltaList  []DeltaItem `json:"deltaList,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// HistoryResponse is the body of both history queries.
type HistoryResponse struct {
	Data  *HistoryData `json:"data,omitempty"`
	Error string       `json:"error,omitempty"`
}

// HistoryData is the payload of a history response.
type HistoryData struct {
	Messages []*MessageItem `json:"messages"`
	HasMore  bool           `json:"hasMore"`
	Revision Revision       `json:"revision,omitempty"`
}
