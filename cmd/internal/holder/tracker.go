package holder

import (
	"sync"

	"chatsync/cmd/internal/message"
)

// Tracker pages the merged timeline backwards and reports live changes of
// the part already handed out to its Listener.
//
// The public methods may be called from any goroutine; the work and every
// listener call happen on the holder's completion executor.
type Tracker struct {
	h        *Holder
	listener Listener

	// guarded by mu; read by the public methods.
	mu        sync.Mutex
	destroyed bool
	loading   bool

	// completion-executor state.
	head            *message.Message
	idToHistory     map[string]*message.Message
	allSourcesEnded bool
	cached          *cachedRequest
}

type cachedRequest struct {
	limit int
	done  Reply
}

func newTracker(h *Holder, l Listener) *Tracker {
	if l == nil {
		l = ListenerFuncs{}
	}
	return &Tracker{
		h:           h,
		listener:    l,
		idToHistory: make(map[string]*message.Message),
	}
}

// GetLastMessages loads the newest limit messages. While the first history
// batch is still pending and the current chat is empty, the request is
// parked and answered when one of them arrives.
func (t *Tracker) GetLastMessages(limit int, done Reply) error {
	if err := t.begin(limit); err != nil {
		return err
	}
	t.h.completion.Execute(func() { t.last(limit, done) })
	return nil
}

// GetNextMessages loads up to limit messages older than the oldest one
// handed out so far.
func (t *Tracker) GetNextMessages(limit int, done Reply) error {
	if err := t.begin(limit); err != nil {
		return err
	}
	t.h.completion.Execute(func() {
		if t.isDestroyed() {
			return
		}
		if t.head == nil {
			t.last(limit, done)
			return
		}
		t.h.GetMessagesBy(t.head, limit, t.receive(limit, done))
	})
	return nil
}

// GetAllMessages replies with the whole timeline without moving the head.
func (t *Tracker) GetAllMessages(done Reply) error {
	if t.isDestroyed() {
		return ErrTrackerDestroyed
	}
	t.h.completion.Execute(func() {
		if t.isDestroyed() {
			return
		}
		t.h.allMessages(done)
	})
	return nil
}

// ResetTo forgets everything older than msg; the next GetNextMessages pages
// from msg.
func (t *Tracker) ResetTo(msg *message.Message) error {
	if msg == nil {
		return ErrUnknownMessage
	}
	if t.isDestroyed() {
		return ErrTrackerDestroyed
	}
	t.h.completion.Execute(func() {
		if t.isDestroyed() {
			return
		}
		if t.head != msg {
			t.h.rewindLocal()
		}
		t.head = msg
		t.allSourcesEnded = false
		for id, m := range t.idToHistory {
			if m.TimeMicros < msg.TimeMicros {
				delete(t.idToHistory, id)
			}
		}
	})
	return nil
}

// Destroy detaches the tracker. Pending replies are dropped.
func (t *Tracker) Destroy() {
	if !t.markDestroyed() {
		return
	}
	t.h.completion.Execute(func() {
		t.cached = nil
		t.h.dropTracker(t)
	})
}

// destroy runs on the completion executor when the holder replaces t.
func (t *Tracker) destroy() {
	t.markDestroyed()
	t.cached = nil
}

func (t *Tracker) markDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return false
	}
	t.destroyed = true
	return true
}

func (t *Tracker) isDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *Tracker) begin(limit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.destroyed:
		return ErrTrackerDestroyed
	case t.loading:
		return ErrMessagesLoading
	case limit <= 0:
		return ErrInvalidLimit
	}
	t.loading = true
	return nil
}

func (t *Tracker) last(limit int, done Reply) {
	if t.isDestroyed() {
		return
	}
	t.head = nil
	t.allSourcesEnded = false
	t.idToHistory = make(map[string]*message.Message)
	t.h.rewindLocal()
	if len(t.h.currentChat) == 0 && !t.h.firstHistoryUpdateReceived {
		t.cached = &cachedRequest{limit: limit, done: done}
		return
	}
	t.h.latestMessages(limit, t.receive(limit, done))
}

func (t *Tracker) serveCached() {
	c := t.cached
	if c == nil {
		return
	}
	t.cached = nil
	t.h.latestMessages(c.limit, t.receive(c.limit, c.done))
}

// receive wraps done with the head and map bookkeeping.
func (t *Tracker) receive(limit int, done Reply) Reply {
	return func(msgs []*message.Message, err error) {
		t.mu.Lock()
		t.loading = false
		destroyed := t.destroyed
		t.mu.Unlock()
		if destroyed {
			return
		}
		if err != nil {
			done(nil, err)
			return
		}

		if t.head != nil {
			kept := msgs[:0:0]
			for _, m := range msgs {
				if m.TimeMicros < t.head.TimeMicros {
					kept = append(kept, m)
				}
			}
			msgs = kept
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		if len(msgs) == 0 {
			t.allSourcesEnded = true
		} else {
			t.head = msgs[0]
			for _, m := range msgs {
				if m.HistoryID != nil {
					t.idToHistory[m.HistoryID.DBID] = m
				}
			}
		}
		done(msgs, nil)
	}
}

func (t *Tracker) visible(m *message.Message) bool {
	return t.head != nil && m != nil && m.TimeMicros >= t.head.TimeMicros
}

func (t *Tracker) active() bool { return !t.isDestroyed() }

// addedNew handles a message appended to the current chat.
func (t *Tracker) addedNew(m *message.Message) {
	if !t.active() {
		return
	}
	if t.head == nil {
		if t.cached != nil {
			t.serveCached()
			return
		}
		if !t.allSourcesEnded {
			return
		}
		t.head = m
		t.listener.Added(m, t.firstToSend())
		return
	}
	if m.TimeMicros < t.head.TimeMicros {
		return
	}
	if hm, ok := t.idToHistory[m.CurrentChatID]; ok && hm.Source() == message.SourceHistory {
		m.AttachHistory(*hm.HistoryID)
		t.idToHistory[m.CurrentChatID] = m
		t.listener.Changed(hm, m)
		return
	}
	t.listener.Added(m, t.firstToSend())
}

// addedHistory handles a history row inserted by a merge-on-write batch.
func (t *Tracker) addedHistory(hm *message.Message, before *message.HistoryID) {
	if !t.active() {
		return
	}
	if t.head == nil {
		if !t.allSourcesEnded {
			return
		}
		t.head = hm
	} else if hm.TimeMicros < t.head.TimeMicros {
		return
	}

	t.idToHistory[hm.HistoryID.DBID] = hm
	t.listener.Added(hm, t.resolveBefore(hm, before))
}

func (t *Tracker) resolveBefore(hm *message.Message, before *message.HistoryID) *message.Message {
	if before != nil {
		if m, ok := t.idToHistory[before.DBID]; ok {
			return m
		}
		if i := t.h.indexByServerID(before.DBID); i >= 0 {
			return t.h.currentChat[i]
		}
	}
	return t.h.firstAfter(hm.TimeMicros)
}

func (t *Tracker) changedHistory(hm *message.Message) {
	if !t.active() {
		return
	}
	old, ok := t.idToHistory[hm.HistoryID.DBID]
	if !ok || old.Source() == message.SourceCurrentChat {
		return
	}
	if old.Equal(hm) {
		return
	}
	t.idToHistory[hm.HistoryID.DBID] = hm
	if t.head == old {
		t.head = hm
	}
	t.listener.Changed(old, hm)
}

func (t *Tracker) deletedHistory(dbID string) {
	if !t.active() {
		return
	}
	old, ok := t.idToHistory[dbID]
	if !ok || old.Source() == message.SourceCurrentChat {
		return
	}
	delete(t.idToHistory, dbID)
	if t.head == old {
		t.head = t.nextAfter(old)
	}
	t.listener.Removed(old)
}

func (t *Tracker) nextAfter(old *message.Message) *message.Message {
	var next *message.Message
	for _, m := range t.idToHistory {
		if m.TimeMicros > old.TimeMicros && (next == nil || m.TimeMicros < next.TimeMicros) {
			next = m
		}
	}
	if next != nil {
		return next
	}
	if len(t.h.currentChat) > 0 {
		return t.h.currentChat[0]
	}
	return nil
}

func (t *Tracker) endedHistoryBatch() {
	if !t.active() {
		return
	}
	t.serveCached()
}

// historified reports a current chat message replaced by its history
// equivalent: one Changed, never a remove and add pair.
func (t *Tracker) historified(from, to *message.Message) {
	if !t.active() {
		return
	}
	if to.HistoryID != nil {
		t.idToHistory[to.HistoryID.DBID] = to
	}
	if t.head == from {
		t.head = to
	}
	if t.visible(to) {
		t.listener.Changed(from, to)
	}
}

// shadowed records that a current chat message is now also stored in history.
func (t *Tracker) shadowed(m *message.Message) {
	if !t.active() || m.HistoryID == nil {
		return
	}
	t.idToHistory[m.HistoryID.DBID] = m
}

func (t *Tracker) changed(from, to *message.Message) {
	if !t.active() {
		return
	}
	if to.HistoryID != nil {
		if cur, ok := t.idToHistory[to.HistoryID.DBID]; !ok || cur == from {
			t.idToHistory[to.HistoryID.DBID] = to
		}
	}
	wasVisible := t.visible(from)
	if t.head == from {
		t.head = to
	}
	if wasVisible {
		t.listener.Changed(from, to)
	}
}

func (t *Tracker) deletedCurrent(old, next *message.Message) {
	if !t.active() {
		return
	}
	if old.HistoryID != nil && t.idToHistory[old.HistoryID.DBID] == old {
		delete(t.idToHistory, old.HistoryID.DBID)
	}
	wasVisible := t.visible(old)
	if t.head == old {
		t.head = next
	}
	if wasVisible {
		t.listener.Removed(old)
	}
}

func (t *Tracker) sendingAdded(m *message.Message) {
	if t.active() {
		t.listener.Added(m, nil)
	}
}

func (t *Tracker) sendingRemoved(m *message.Message) {
	if t.active() {
		t.listener.Removed(m)
	}
}

func (t *Tracker) sendingChanged(from, to *message.Message) {
	if t.active() {
		t.listener.Changed(from, to)
	}
}

func (t *Tracker) cleared() {
	if !t.active() {
		return
	}
	t.head = nil
	t.allSourcesEnded = false
	t.idToHistory = make(map[string]*message.Message)
	t.listener.RemovedAll()
}

func (t *Tracker) firstToSend() *message.Message {
	if len(t.h.toSend) > 0 {
		return t.h.toSend[0]
	}
	return nil
}
