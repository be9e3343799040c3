package wire

import "strconv"

// Chat states.
const (
	ChatStateChatting          = "chatting"
	ChatStateChattingWithRobot = "chatting_with_robot"
	ChatStateClosed            = "closed"
	ChatStateClosedByOperator  = "closed_by_operator"
	ChatStateClosedByVisitor   = "closed_by_visitor"
	ChatStateInvitation        = "invitation"
	ChatStateQueue             = "queue"
	ChatStateUnknown           = "unknown"
)

// IsClosedState reports whether a chat in this state has no active operator.
// Unrecognised states count as unknown.
func IsClosedState(state string) bool {
	switch state {
	case ChatStateChatting, ChatStateChattingWithRobot, ChatStateInvitation, ChatStateQueue:
		return false
	default:
		return true
	}
}

// OperatorItem describes the operator attached to a chat.
type OperatorItem struct {
	ID         int64  `json:"id"`
	FullName   string `json:"fullname,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Title      string `json:"title,omitempty"`
	Department string `json:"departmentKey,omitempty"`
}

// RatingItem is a visitor rating of an operator.
type RatingItem struct {
	OperatorID int64 `json:"operatorId"`
	Rating     int   `json:"rating"`
}

// ChatItem is the wire snapshot of the current chat.
//
// A nil *ChatItem means there is no chat. The operator fields are only
// written through SetState and SetOperator so that a closed chat never
// keeps an operator.
type ChatItem struct {
	ID                      string                 `json:"id"`
	ClientSideID            string                 `json:"clientSideId,omitempty"`
	State                   string                 `json:"state"`
	Category                string                 `json:"category,omitempty"`
	Subcategory             string                 `json:"subcategory,omitempty"`
	Subject                 string                 `json:"subject,omitempty"`
	CreationTS              float64                `json:"creationTs,omitempty"`
	ModificationTS          float64                `json:"modificationTs,omitempty"`
	Offline                 bool                   `json:"offline,omitempty"`
	Messages                []*MessageItem         `json:"messages"`
	Operator                *OperatorItem          `json:"operator,omitempty"`
	OperatorTyping          bool                   `json:"operatorTyping,omitempty"`
	VisitorTyping           bool                   `json:"visitorTyping,omitempty"`
	ReadByVisitor           bool                   `json:"readByVisitor,omitempty"`
	OperatorIDToRate        map[string]*RatingItem `json:"operatorIdToRate,omitempty"`
	UnreadByOperatorSinceTS float64                `json:"unreadByOperatorSinceTs,omitempty"`
	UnreadByVisitorSinceTS  float64                `json:"unreadByVisitorSinceTs,omitempty"`
	UnreadByVisitorMsgCnt   int                    `json:"unreadByVisitorMsgCnt,omitempty"`
}

// SameChat compares chat identity, which is the (id, clientSideId) pair.
func SameChat(a, b *ChatItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.ClientSideID == b.ClientSideID
}

// Normalize enforces the closed-chat invariant on a chat that arrived in one piece.
func (c *ChatItem) Normalize() {
	if c == nil {
		return
	}
	if c.State == "" {
		c.State = ChatStateUnknown
	}
	if IsClosedState(c.State) {
		c.Operator = nil
		c.OperatorTyping = false
	}
}

// SetState moves the chat to state, dropping the operator when the chat closes.
func (c *ChatItem) SetState(state string) {
	c.State = state
	if IsClosedState(state) {
		c.Operator = nil
		c.OperatorTyping = false
	}
}

// SetOperator attaches op unless the chat is closed.
func (c *ChatItem) SetOperator(op *OperatorItem) {
	if op != nil && IsClosedState(c.State) {
		return
	}
	c.Operator = op
	if op == nil {
		c.OperatorTyping = false
	}
}

// SetOperatorTyping sets the typing flag; a chat without operator never types.
func (c *ChatItem) SetOperatorTyping(typing bool) {
	c.OperatorTyping = typing && c.Operator != nil
}

// ClearUnreadByVisitor resets the visitor unread counters.
func (c *ChatItem) ClearUnreadByVisitor() {
	c.UnreadByVisitorMsgCnt = 0
	c.UnreadByVisitorSinceTS = 0
}

// SetRating records the rating given to operatorID.
func (c *ChatItem) SetRating(r *RatingItem) {
	if r == nil {
		return
	}
	if c.OperatorIDToRate == nil {
		c.OperatorIDToRate = make(map[string]*RatingItem)
	}
	c.OperatorIDToRate[strconv.FormatInt(r.OperatorID, 10)] = r
}

// MessageIndex returns the index of the message with server id id, or -1.
func (c *ChatItem) MessageIndex(id string) int {
	if c == nil {
		return -1
	}
	for i, m := range c.Messages {
		if m != nil && m.ID == id {
			return i
		}
	}
	return -1
}

// HasMessage reports whether an identical message is already in the chat.
func (c *ChatItem) HasMessage(m *MessageItem) bool {
	if c == nil {
		return false
	}
	for _, have := range c.Messages {
		if have.Equal(m) {
			return true
		}
	}
	return false
}
