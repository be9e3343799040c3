package session

import (
	"encoding/json"
	"sync"

	"chatsync/cmd/internal/delta"
	"chatsync/cmd/internal/wire"
)

// Stream is the visitor-facing view of the chat side channels: state,
// operator, typing, unread counters, visit session, departments, survey and
// online status.
//
// Getters are safe from any goroutine. Listeners run on the completion
// executor and must not block.
type Stream struct {
	mu sync.Mutex

	chatState      string
	operator       *wire.OperatorItem
	operatorTyping bool
	unreadSince    int64
	unreadCount    int
	lastRating     map[int64]int
	visitState     string
	departments    []wire.DepartmentItem
	survey         json.RawMessage
	onlineStatus   string

	onChatState    func(prev, cur string)
	onOperator     func(prev, cur *wire.OperatorItem)
	onTyping       func(typing bool)
	onUnreadByOp   func(tsMicros int64)
	onUnreadByVis  func(count int)
	onRated        func(r wire.RatingItem)
	onVisitState   func(prev, cur string)
	onVisitSession func(raw json.RawMessage)
	onDepartments  func(deps []wire.DepartmentItem)
	onSurvey       func(raw json.RawMessage)
	onOnline       func(status string)
	onHello        func(descr string)
}

var _ delta.Stream = (*Stream)(nil)

func newStream() *Stream {
	return &Stream{
		chatState:    wire.ChatStateUnknown,
		visitState:   "unknown",
		onlineStatus: "unknown",
		unreadSince:  -1,
		lastRating:   make(map[int64]int),
	}
}

func (s *Stream) ChatState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatState
}

// Operator returns a copy of the current operator, nil when none.
func (s *Stream) Operator() *wire.OperatorItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operator == nil {
		return nil
	}
	op := *s.operator
	return &op
}

func (s *Stream) OperatorTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorTyping
}

// UnreadByOperatorSince returns the timestamp in microseconds of the first
// message the operator has not read, or -1.
func (s *Stream) UnreadByOperatorSince() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadSince
}

func (s *Stream) UnreadByVisitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadCount
}

// LastOperatorRating returns the rating the visitor gave operatorID, or 0.
func (s *Stream) LastOperatorRating(operatorID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRating[operatorID]
}

func (s *Stream) VisitSessionState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitState
}

func (s *Stream) Departments() []wire.DepartmentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.DepartmentItem(nil), s.departments...)
}

func (s *Stream) Survey() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.survey...)
}

func (s *Stream) OnlineStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineStatus
}

func (s *Stream) SetChatStateListener(f func(prev, cur string)) {
	s.mu.Lock()
	s.onChatState = f
	s.mu.Unlock()
}

func (s *Stream) SetOperatorListener(f func(prev, cur *wire.OperatorItem)) {
	s.mu.Lock()
	s.onOperator = f
	s.mu.Unlock()
}

func (s *Stream) SetOperatorTypingListener(f func(typing bool)) {
	s.mu.Lock()
	s.onTyping = f
	s.mu.Unlock()
}

func (s *Stream) SetUnreadByOperatorListener(f func(tsMicros int64)) {
	s.mu.Lock()
	s.onUnreadByOp = f
	s.mu.Unlock()
}

func (s *Stream) SetUnreadByVisitorListener(f func(count int)) {
	s.mu.Lock()
	s.onUnreadByVis = f
	s.mu.Unlock()
}

func (s *Stream) SetOperatorRatedListener(f func(r wire.RatingItem)) {
	s.mu.Lock()
	s.onRated = f
	s.mu.Unlock()
}

func (s *Stream) SetVisitSessionStateListener(f func(prev, cur string)) {
	s.mu.Lock()
	s.onVisitState = f
	s.mu.Unlock()
}

func (s *Stream) SetVisitSessionListener(f func(raw json.RawMessage)) {
	s.mu.Lock()
	s.onVisitSession = f
	s.mu.Unlock()
}

func (s *Stream) SetDepartmentListListener(f func(deps []wire.DepartmentItem)) {
	s.mu.Lock()
	s.onDepartments = f
	s.mu.Unlock()
}

func (s *Stream) SetSurveyListener(f func(raw json.RawMessage)) {
	s.mu.Lock()
	s.onSurvey = f
	s.mu.Unlock()
}

func (s *Stream) SetOnlineStatusListener(f func(status string)) {
	s.mu.Lock()
	s.onOnline = f
	s.mu.Unlock()
}

// SetHelloMessageListener receives the greeting to show in an empty chat.
func (s *Stream) SetHelloMessageListener(f func(descr string)) {
	s.mu.Lock()
	s.onHello = f
	s.mu.Unlock()
}

// ChatChanged is covered by the finer grained notifications.
func (s *Stream) ChatChanged(_, _ *wire.ChatItem) {}

func (s *Stream) ChatStateChanged(prev, cur string) {
	s.mu.Lock()
	s.chatState = cur
	f := s.onChatState
	s.mu.Unlock()
	if f != nil {
		f(prev, cur)
	}
}

func (s *Stream) OperatorChanged(prev, cur *wire.OperatorItem) {
	s.mu.Lock()
	s.operator = cur
	f := s.onOperator
	s.mu.Unlock()
	if f != nil {
		f(prev, cur)
	}
}

func (s *Stream) OperatorTypingChanged(typing bool) {
	s.mu.Lock()
	s.operatorTyping = typing
	f := s.onTyping
	s.mu.Unlock()
	if f != nil {
		f(typing)
	}
}

func (s *Stream) UnreadByOperatorSinceChanged(tsMicros int64) {
	s.mu.Lock()
	s.unreadSince = tsMicros
	f := s.onUnreadByOp
	s.mu.Unlock()
	if f != nil {
		f(tsMicros)
	}
}

func (s *Stream) UnreadByVisitorChanged(count int, _ int64) {
	s.mu.Lock()
	s.unreadCount = count
	f := s.onUnreadByVis
	s.mu.Unlock()
	if f != nil {
		f(count)
	}
}

func (s *Stream) OperatorRated(r wire.RatingItem) {
	s.mu.Lock()
	s.lastRating[r.OperatorID] = r.Rating
	f := s.onRated
	s.mu.Unlock()
	if f != nil {
		f(r)
	}
}

func (s *Stream) VisitSessionStateChanged(prev, cur string) {
	s.mu.Lock()
	s.visitState = cur
	f := s.onVisitState
	s.mu.Unlock()
	if f != nil {
		f(prev, cur)
	}
}

func (s *Stream) VisitSessionChanged(raw json.RawMessage) {
	s.mu.Lock()
	f := s.onVisitSession
	s.mu.Unlock()
	if f != nil {
		f(raw)
	}
}

func (s *Stream) DepartmentsChanged(deps []wire.DepartmentItem) {
	s.mu.Lock()
	s.departments = deps
	f := s.onDepartments
	s.mu.Unlock()
	if f != nil {
		f(deps)
	}
}

func (s *Stream) SurveyChanged(raw json.RawMessage) {
	s.mu.Lock()
	s.survey = raw
	f := s.onSurvey
	s.mu.Unlock()
	if f != nil {
		f(raw)
	}
}

func (s *Stream) OnlineStatusChanged(status string) {
	s.mu.Lock()
	changed := s.onlineStatus != status
	s.onlineStatus = status
	f := s.onOnline
	s.mu.Unlock()
	if changed && f != nil {
		f(status)
	}
}

func (s *Stream) HelloMessage(descr string) {
	s.mu.Lock()
	f := s.onHello
	s.mu.Unlock()
	if f != nil {
		f(descr)
	}
}
