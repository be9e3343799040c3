// Package delta applies the delta stream to the current chat snapshot and
// forwards the outcome to the message holder, the history poller and the
// chat stream.
package delta

import (
	"log/slog"

	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"

	"github.com/tidwall/gjson"
)

// Options configures a Callback. Holder is required.
type Options struct {
	Holder Holder
	// Poller may be nil when history is not mirrored.
	Poller Poller
	Stream Stream
	Mapper message.Mapper
	Logger *slog.Logger
}

// Callback owns the chat snapshot rebuilt from full updates and deltas.
//
// It is confined to the completion executor, the same one the holder runs on.
type Callback struct {
	holder Holder
	poller Poller
	stream Stream
	mapper message.Mapper
	log    *slog.Logger

	chat       *wire.ChatItem
	visitState string
	readBefore int64
}

// New builds a Callback with an empty snapshot.
func New(opts Options) *Callback {
	if opts.Stream == nil {
		opts.Stream = NopStream{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Callback{
		holder:     opts.Holder,
		poller:     opts.Poller,
		stream:     opts.Stream,
		mapper:     opts.Mapper,
		log:        opts.Logger,
		readBefore: -1,
	}
}

// Chat returns the current snapshot, nil when there is no chat.
func (c *Callback) Chat() *wire.ChatItem { return c.chat }

// VisitSessionState returns the last reported visit session state.
func (c *Callback) VisitSessionState() string { return c.visitState }

// ProcessFullUpdate replaces the snapshot with the one carried by an init
// response.
func (c *Callback) ProcessFullUpdate(fu *wire.FullUpdate) {
	if fu == nil {
		return
	}

	if fu.State != "" {
		c.setVisitState(fu.State)
	}
	if fu.Departments != nil {
		c.stream.DepartmentsChanged(fu.Departments)
	}
	if len(fu.Survey) > 0 {
		c.stream.SurveyChanged(fu.Survey)
	}
	if fu.OnlineStatus != "" {
		c.stream.OnlineStatusChanged(fu.OnlineStatus)
	}

	before := viewOf(c.chat)
	next := fu.Chat
	next.Normalize()
	prev := c.chat
	c.chat = next
	c.stream.ChatChanged(prev, next)
	c.publish(before)

	var msgs []*message.Message
	if next != nil {
		msgs = c.mapper.CurrentChatAll(next.Messages)
	}
	c.holder.Receiving(next, prev, msgs)

	if isSet(fu.ShowHelloMessage) && isSet(fu.ChatStartAfterMessage) &&
		fu.HelloMessageDescr != "" && (next == nil || len(next.Messages) == 0) {
		c.stream.HelloMessage(fu.HelloMessageDescr)
	}

	if fu.HistoryRevision != nil && c.poller != nil {
		c.poller.RequestHistory(*fu.HistoryRevision)
	}

	if next == nil {
		c.readBefore = -1
		c.holder.UpdateReadBeforeTimestamp(-1)
		return
	}
	var maxRead int64 = -1
	for _, it := range next.Messages {
		if readByOperator(it) && it.TimeMicros() > maxRead {
			maxRead = it.TimeMicros()
		}
	}
	if maxRead >= 0 {
		c.readBefore = maxRead
		c.holder.UpdateReadBeforeTimestamp(maxRead)
	}
}

// ProcessDeltaList applies deltas in order. Malformed items are logged and
// skipped; unknown object types are ignored.
func (c *Callback) ProcessDeltaList(list []wire.DeltaItem) {
	for _, d := range list {
		if err := d.Validate(); err != nil {
			c.log.Warn("delta.invalid", "object_type", d.ObjectType, "err", err)
			continue
		}
		if !d.Known() {
			c.log.Debug("delta.unknown", "object_type", d.ObjectType, "event", d.Event)
			continue
		}
		before := viewOf(c.chat)
		if err := c.apply(d); err != nil {
			c.log.Warn("delta.apply.failed", "object_type", d.ObjectType, "event", d.Event, "id", d.ID, "err", err)
		}
		c.publish(before)
	}
}

func (c *Callback) apply(d wire.DeltaItem) error {
	switch d.ObjectType {
	case wire.DeltaChat:
		return c.applyChat(d)
	case wire.DeltaChatMessage:
		return c.applyMessage(d)
	case wire.DeltaChatMessageRead:
		return c.applyMessageRead(d)
	case wire.DeltaHistoryRevision:
		var rev wire.HistoryRevisionItem
		if err := d.Decode(&rev); err != nil {
			return err
		}
		if c.poller != nil {
			c.poller.RequestHistory(rev.Revision)
		}
		return nil
	case wire.DeltaDepartmentList:
		var deps []wire.DepartmentItem
		if d.HasData() {
			if err := d.Decode(&deps); err != nil {
				return err
			}
		}
		c.stream.DepartmentsChanged(deps)
		return nil
	case wire.DeltaSurvey:
		if d.Event == wire.EventDelete || !d.HasData() {
			c.stream.SurveyChanged(nil)
			return nil
		}
		c.stream.SurveyChanged(d.Data)
		return nil
	case wire.DeltaVisitSessionState:
		var state string
		if err := d.Decode(&state); err != nil {
			return err
		}
		c.setVisitState(state)
		return nil
	case wire.DeltaVisitSession:
		c.stream.VisitSessionChanged(d.Data)
		return nil
	}

	// The remaining types patch an existing chat.
	if c.chat == nil {
		c.log.Debug("delta.no_chat", "object_type", d.ObjectType, "event", d.Event)
		return nil
	}

	switch d.ObjectType {
	case wire.DeltaChatState:
		var state string
		if err := d.Decode(&state); err != nil {
			return err
		}
		c.chat.SetState(state)
	case wire.DeltaChatOperator:
		if d.Event != wire.EventUpdate || !d.HasData() {
			c.chat.SetOperator(nil)
			return nil
		}
		var op wire.OperatorItem
		if err := d.Decode(&op); err != nil {
			return err
		}
		c.chat.SetOperator(&op)
	case wire.DeltaChatOperatorTyping:
		var typing bool
		if err := d.Decode(&typing); err != nil {
			return err
		}
		c.chat.SetOperatorTyping(typing)
	case wire.DeltaChatReadByVisitor:
		var read bool
		if err := d.Decode(&read); err != nil {
			return err
		}
		c.chat.ReadByVisitor = read
		if read {
			c.chat.ClearUnreadByVisitor()
		}
	case wire.DeltaChatUnreadByOperatorSince:
		var ts float64
		if d.HasData() {
			if err := d.Decode(&ts); err != nil {
				return err
			}
		}
		c.chat.UnreadByOperatorSinceTS = ts
	case wire.DeltaUnreadByVisitor:
		if !d.HasData() {
			c.chat.ClearUnreadByVisitor()
			return nil
		}
		var u wire.UnreadByVisitorItem
		if err := d.Decode(&u); err != nil {
			return err
		}
		c.chat.UnreadByVisitorMsgCnt = u.MsgCnt
		c.chat.UnreadByVisitorSinceTS = u.SinceTS
	case wire.DeltaOperatorRate:
		if d.Event != wire.EventUpdate {
			return nil
		}
		var r wire.RatingItem
		if err := d.Decode(&r); err != nil {
			return err
		}
		c.chat.SetRating(&r)
		c.stream.OperatorRated(r)
	case wire.DeltaChatID:
		res := gjson.ParseBytes(d.Data)
		id := res.String()
		if res.IsObject() {
			id = res.Get("id").String()
		}
		if id != "" {
			c.chat.ID = id
		}
	}
	return nil
}

func (c *Callback) applyChat(d wire.DeltaItem) error {
	prev := c.chat
	if d.Event != wire.EventUpdate || !d.HasData() {
		c.chat = nil
		c.stream.ChatChanged(prev, nil)
		c.holder.Receiving(nil, prev, nil)
		return nil
	}

	var next wire.ChatItem
	if err := d.Decode(&next); err != nil {
		return err
	}
	next.Normalize()
	c.chat = &next
	c.stream.ChatChanged(prev, c.chat)
	c.holder.Receiving(c.chat, prev, c.mapper.CurrentChatAll(next.Messages))
	if c.poller != nil {
		for _, it := range next.Messages {
			c.poller.InsertMessage(it)
		}
	}
	return nil
}

func (c *Callback) applyMessage(d wire.DeltaItem) error {
	switch d.Event {
	case wire.EventDelete:
		if i := c.chat.MessageIndex(d.ID); i >= 0 {
			c.chat.Messages = append(c.chat.Messages[:i], c.chat.Messages[i+1:]...)
		}
		c.holder.DeletedMessage(d.ID)
		if c.poller != nil {
			c.poller.DeleteMessage(d.ID)
		}
		return nil

	case wire.EventAdd:
		var it wire.MessageItem
		if err := d.Decode(&it); err != nil {
			return err
		}
		if c.chat.HasMessage(&it) {
			return nil
		}
		c.chat.Messages = append(c.chat.Messages, &it)
		if m := c.mapper.CurrentChat(&it); m != nil {
			c.holder.ReceiveNew(m)
		}
		if c.poller != nil {
			c.poller.InsertMessage(&it)
		}
		return nil

	default:
		var it wire.MessageItem
		if err := d.Decode(&it); err != nil {
			return err
		}
		if i := c.chat.MessageIndex(it.ID); i >= 0 {
			c.chat.Messages[i] = &it
		} else {
			c.log.Warn("delta.message.update_unknown", "id", it.ID)
		}
		if m := c.mapper.CurrentChat(&it); m != nil {
			c.holder.Changed(m)
		}
		if c.poller != nil {
			c.poller.InsertMessage(&it)
		}
		return nil
	}
}

func (c *Callback) applyMessageRead(d wire.DeltaItem) error {
	if c.chat == nil {
		return nil
	}
	read := true
	if d.HasData() {
		if err := d.Decode(&read); err != nil {
			return err
		}
	}
	i := c.chat.MessageIndex(d.ID)
	if i < 0 {
		return nil
	}
	cp := *c.chat.Messages[i]
	cp.Read = read
	c.chat.Messages[i] = &cp

	if m := c.mapper.CurrentChat(&cp); m != nil {
		c.holder.Changed(m)
	}
	if readByOperator(&cp) && cp.TimeMicros() > c.readBefore {
		c.readBefore = cp.TimeMicros()
		c.holder.UpdateReadBeforeTimestamp(c.readBefore)
	}
	return nil
}

func (c *Callback) setVisitState(state string) {
	if state == c.visitState {
		return
	}
	prev := c.visitState
	c.visitState = state
	c.stream.VisitSessionStateChanged(prev, state)
}

// view is the part of the snapshot the stream is told about.
type view struct {
	state         string
	operator      *wire.OperatorItem
	typing        bool
	unreadOpSince float64
	unreadCnt     int
	unreadSince   float64
}

func viewOf(ch *wire.ChatItem) view {
	if ch == nil {
		return view{state: wire.ChatStateUnknown}
	}
	v := view{
		state:         ch.State,
		typing:        ch.OperatorTyping,
		unreadOpSince: ch.UnreadByOperatorSinceTS,
		unreadCnt:     ch.UnreadByVisitorMsgCnt,
		unreadSince:   ch.UnreadByVisitorSinceTS,
	}
	if ch.Operator != nil {
		op := *ch.Operator
		v.operator = &op
	}
	return v
}

func (c *Callback) publish(before view) {
	after := viewOf(c.chat)
	if before.state != after.state {
		c.stream.ChatStateChanged(before.state, after.state)
	}
	if !sameOperator(before.operator, after.operator) {
		c.stream.OperatorChanged(before.operator, after.operator)
	}
	if before.typing != after.typing {
		c.stream.OperatorTypingChanged(after.typing)
	}
	if before.unreadOpSince != after.unreadOpSince {
		c.stream.UnreadByOperatorSinceChanged(secondsToMicros(after.unreadOpSince))
	}
	if before.unreadCnt != after.unreadCnt || before.unreadSince != after.unreadSince {
		c.stream.UnreadByVisitorChanged(after.unreadCnt, secondsToMicros(after.unreadSince))
	}
}

func sameOperator(a, b *wire.OperatorItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// readByOperator reports a visitor message the operator has seen.
func readByOperator(it *wire.MessageItem) bool {
	return it != nil && it.Read && (it.Kind == wire.KindVisitor || it.Kind == wire.KindFileVisitor)
}

func secondsToMicros(ts float64) int64 {
	if ts <= 0 {
		return 0
	}
	return int64(ts * 1e6)
}

func isSet(b *bool) bool { return b != nil && *b }
