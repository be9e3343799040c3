package holder

import "chatsync/cmd/internal/message"

// Listener observes the timeline of a Tracker. Every call happens on the
// completion executor of the owning Holder.
type Listener interface {
	// Added inserts msg right before `before`; a nil before appends at the end.
	Added(msg, before *message.Message)
	Removed(msg *message.Message)
	RemovedAll()
	// Changed replaces from with to at the same position.
	Changed(from, to *message.Message)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops.
type ListenerFuncs struct {
	OnAdded      func(msg, before *message.Message)
	OnRemoved    func(msg *message.Message)
	OnRemovedAll func()
	OnChanged    func(from, to *message.Message)
}

func (l ListenerFuncs) Added(msg, before *message.Message) {
	if l.OnAdded != nil {
		l.OnAdded(msg, before)
	}
}

func (l ListenerFuncs) Removed(msg *message.Message) {
	if l.OnRemoved != nil {
		l.OnRemoved(msg)
	}
}

func (l ListenerFuncs) RemovedAll() {
	if l.OnRemovedAll != nil {
		l.OnRemovedAll()
	}
}

func (l ListenerFuncs) Changed(from, to *message.Message) {
	if l.OnChanged != nil {
		l.OnChanged(from, to)
	}
}
