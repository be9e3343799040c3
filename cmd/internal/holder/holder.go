// Package holder reconciles the current chat delivered by the delta stream
// with the persisted history and exposes the merged timeline to trackers.
//
// Threading model:
//   - Every Holder method, and every Tracker callback, runs on the completion
//     executor. Callers outside it must post through Holder.Completion.
//   - Storage and remote I/O runs on the worker executor; results are posted
//     back to the completion executor before any state is touched.
package holder

import (
	"context"
	"log/slog"
	"time"

	"chatsync/cmd/internal/exec"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"
)

// Reply receives the result of a paging query on the completion executor.
type Reply func(msgs []*message.Message, err error)

// Options configures a Holder. Storage is required.
type Options struct {
	Storage history.Storage
	// Remote pages history from the server once local storage is exhausted.
	// Nil means local history is all there is.
	Remote     history.RemoteProvider
	Worker     exec.Executor
	Completion exec.Executor
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// Holder owns the current chat, the send queue and the tracker.
type Holder struct {
	ctx        context.Context
	log        *slog.Logger
	storage    history.Storage
	remote     history.RemoteProvider
	worker     exec.Executor
	completion exec.Executor
	metrics    *Metrics
	now        func() time.Time

	currentChat []*message.Message
	// Messages below lastChatIndex belong to a previous chat and wait for
	// their history equivalent.
	lastChatIndex int
	toSend        []*message.Message

	tracker *Tracker

	reachedEndOfLocal          bool
	reachedEndOfRemote         bool
	firstHistoryUpdateReceived bool
}

// New builds a Holder. ctx bounds every storage and remote call.
func New(ctx context.Context, opts Options) *Holder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Worker == nil {
		opts.Worker = exec.Immediate{}
	}
	if opts.Completion == nil {
		opts.Completion = exec.Immediate{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Storage == nil {
		opts.Storage = history.NewMemoryStorage()
	}
	return &Holder{
		ctx:                ctx,
		log:                opts.Logger,
		storage:            opts.Storage,
		remote:             opts.Remote,
		worker:             opts.Worker,
		completion:         opts.Completion,
		metrics:            opts.Metrics,
		now:                opts.Now,
		reachedEndOfRemote: opts.Remote == nil,
	}
}

// Completion returns the executor all holder state is confined to.
func (h *Holder) Completion() exec.Executor { return h.completion }

// onWorker runs task on the worker and posts the closure it returns to the
// completion executor.
func (h *Holder) onWorker(task func(ctx context.Context) func()) {
	h.worker.Execute(func() {
		done := task(h.ctx)
		if done != nil {
			h.completion.Execute(done)
		}
	})
}

// NewTracker replaces the current tracker, destroying the previous one.
func (h *Holder) NewTracker(l Listener) *Tracker {
	if h.tracker != nil {
		h.tracker.destroy()
	}
	h.tracker = newTracker(h, l)
	return h.tracker
}

func (h *Holder) dropTracker(t *Tracker) {
	if h.tracker == t {
		h.tracker = nil
	}
}

// CurrentChatMessages returns a snapshot of the current chat slice.
func (h *Holder) CurrentChatMessages() []*message.Message {
	return append([]*message.Message(nil), h.currentChat...)
}

// MessagesToSend returns a snapshot of the send queue.
func (h *Holder) MessagesToSend() []*message.Message {
	return append([]*message.Message(nil), h.toSend...)
}

// Receiving reconciles the current chat after a full update.
func (h *Holder) Receiving(newChat, prevChat *wire.ChatItem, msgs []*message.Message) {
	defer h.recordSizes()

	switch {
	case len(h.currentChat) == 0:
		for _, m := range dedupe(msgs) {
			h.ReceiveNew(m)
		}
	case newChat == nil:
		h.historifyCurrentChat()
	case !wire.SameChat(prevChat, newChat):
		h.historifyCurrentChat()
		for _, m := range dedupe(msgs) {
			h.ReceiveNew(m)
		}
	default:
		h.merge(dedupe(msgs))
	}
}

// merge reconciles the messages of the same chat from lastChatIndex on.
func (h *Holder) merge(msgs []*message.Message) {
	present := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		present[m.ID] = struct{}{}
	}
	for i := len(h.currentChat) - 1; i >= h.lastChatIndex; i-- {
		if _, ok := present[h.currentChat[i].ID]; !ok {
			h.removeAt(i)
		}
	}
	for _, m := range msgs {
		if i := h.indexByID(m.ID); i >= 0 {
			if !h.currentChat[i].Equal(m) {
				h.replaceAt(i, m)
			}
			continue
		}
		h.ReceiveNew(m)
	}
}

// historifyCurrentChat moves every message with a history equivalent out of
// the current chat. The remaining ones form the previous-chat prefix.
func (h *Holder) historifyCurrentChat() {
	kept := make([]*message.Message, 0, len(h.currentChat))
	for _, p := range h.currentChat {
		if p.Phase != message.PhasePendingHistory {
			kept = append(kept, p)
			continue
		}
		hm := p.HistoryCopy()
		p.Historify()
		if h.tracker != nil {
			h.tracker.historified(p, hm)
		}
	}
	h.currentChat = kept
	h.lastChatIndex = len(kept)
}

// ReceiveNew appends a message delivered by the current chat.
func (h *Holder) ReceiveNew(m *message.Message) {
	if m == nil {
		return
	}
	defer h.recordSizes()

	if i := h.indexByID(m.ID); i >= 0 {
		old := h.currentChat[i]
		if old.Equal(m) && old.CurrentChatID == m.CurrentChatID {
			return
		}
		h.replaceAt(i, m)
		return
	}
	if i := h.toSendIndex(m.ID); i >= 0 {
		sent := h.toSend[i]
		h.toSend = append(h.toSend[:i], h.toSend[i+1:]...)
		h.currentChat = append(h.currentChat, m)
		if h.tracker != nil {
			h.tracker.sendingChanged(sent, m)
		}
		return
	}
	h.currentChat = append(h.currentChat, m)
	if h.tracker != nil {
		h.tracker.addedNew(m)
	}
}

// Changed applies an update of a current chat message.
func (h *Holder) Changed(m *message.Message) {
	if m == nil {
		return
	}
	i := h.indexByServerID(m.CurrentChatID)
	if i < 0 {
		i = h.indexByID(m.ID)
	}
	if i < 0 {
		h.log.Warn("holder.changed.unknown_message", "message_id", m.ID, "server_id", m.CurrentChatID)
		return
	}
	h.replaceAt(i, m)
}

// DeletedMessage removes a current chat message by server id.
func (h *Holder) DeletedMessage(serverID string) {
	i := h.indexByServerID(serverID)
	if i < 0 {
		h.log.Debug("holder.deleted.unknown_message", "server_id", serverID)
		return
	}
	h.removeAt(i)
	h.recordSizes()
}

// Sending queues a visitor message until its echo arrives.
func (h *Holder) Sending(m *message.Message) {
	if m == nil || h.toSendIndex(m.ID) >= 0 {
		return
	}
	h.toSend = append(h.toSend, m)
	if h.tracker != nil {
		h.tracker.sendingAdded(m)
	}
	h.recordSizes()
}

// SendingCancelled drops a queued message.
func (h *Holder) SendingCancelled(id string) {
	i := h.toSendIndex(id)
	if i < 0 {
		return
	}
	m := h.toSend[i]
	h.toSend = append(h.toSend[:i], h.toSend[i+1:]...)
	if h.tracker != nil {
		h.tracker.sendingRemoved(m)
	}
	h.recordSizes()
}

// SendingFailed marks a queued message as failed.
func (h *Holder) SendingFailed(id string) {
	i := h.toSendIndex(id)
	if i < 0 {
		return
	}
	old := h.toSend[i]
	failed := old.Clone()
	failed.SendStatus = message.SendStatusFailed
	h.toSend[i] = failed
	if h.tracker != nil {
		h.tracker.sendingChanged(old, failed)
	}
}

// ReceiveHistoryUpdate persists a history batch and maps the storage events
// onto the timeline. done runs on the completion executor.
func (h *Holder) ReceiveHistoryUpdate(msgs []*message.Message, deleted []string, done func()) {
	h.onWorker(func(ctx context.Context) func() {
		events, err := h.storage.ReceiveHistoryUpdate(ctx, msgs, deleted)
		return func() {
			if err != nil {
				h.log.Warn("history.update.failed", "count", len(msgs), "deleted", len(deleted), "err", err)
			}
			for _, ev := range events {
				h.metrics.historyEvent(ev.Kind.String())
				h.applyEvent(ev)
			}
			if done != nil {
				done()
			}
		}
	})
}

func (h *Holder) applyEvent(ev history.Event) {
	switch ev.Kind {
	case history.EventAdded:
		if h.tryMergeWithLastChat(ev.Message) {
			return
		}
		if h.tracker != nil {
			h.tracker.addedHistory(ev.Message, ev.Before)
		}
	case history.EventChanged:
		if h.tryMergeWithLastChat(ev.Message) {
			return
		}
		if h.tracker != nil {
			h.tracker.changedHistory(ev.Message)
		}
	case history.EventDeleted:
		if h.tracker != nil {
			h.tracker.deletedHistory(ev.DeletedID)
		}
	case history.EventEndOfBatch:
		h.firstHistoryUpdateReceived = true
		if h.tracker != nil {
			h.tracker.endedHistoryBatch()
		}
	}
}

// tryMergeWithLastChat links a history message to its current chat
// counterpart. It reports whether a counterpart exists.
func (h *Holder) tryMergeWithLastChat(hm *message.Message) bool {
	if hm == nil || hm.HistoryID == nil {
		return false
	}
	i := h.counterpartIndex(hm)
	if i < 0 {
		return false
	}

	p := h.currentChat[i]
	if !p.AttachHistory(*hm.HistoryID) {
		h.log.Warn("holder.merge.history_id_conflict", "message_id", p.ID, "history_id", hm.HistoryID.String())
	}

	if i < h.lastChatIndex {
		p.Historify()
		h.currentChat = append(h.currentChat[:i], h.currentChat[i+1:]...)
		h.lastChatIndex--
		if h.tracker != nil {
			h.tracker.historified(p, hm)
		}
		h.recordSizes()
		return true
	}

	if h.tracker != nil {
		h.tracker.shadowed(p)
	}
	return true
}

// counterpartIndex returns the index of the current chat message hm is the
// history equivalent of, or -1.
func (h *Holder) counterpartIndex(hm *message.Message) int {
	for i, p := range h.currentChat {
		if p.ID == hm.ID || (p.CurrentChatID != "" && p.CurrentChatID == hm.HistoryID.DBID) {
			return i
		}
	}
	return -1
}

// GetMessagesBy replies with up to limit messages older than before.
func (h *Holder) GetMessagesBy(before *message.Message, limit int, reply Reply) {
	if before == nil {
		h.latestMessages(limit, reply)
		return
	}

	if before.Source() == message.SourceHistory {
		h.historyBefore(*before.HistoryID, limit, reply)
		return
	}

	idx := h.indexByID(before.ID)
	switch {
	case idx < 0:
		h.log.Warn("holder.get_messages.stale_reference", "message_id", before.ID)
		reply(nil, nil)
	case idx == 0 && h.currentChat[0].HistoryID == nil:
		h.latestHistory(limit, reply)
	case idx == 0:
		h.historyBefore(*h.currentChat[0].HistoryID, limit, reply)
	default:
		start := idx - limit
		if start < 0 {
			start = 0
		}
		reply(append([]*message.Message(nil), h.currentChat[start:idx]...), nil)
	}
}

// withoutCurrentChat filters out history rows that are still shown as
// current chat messages.
func (h *Holder) withoutCurrentChat(msgs []*message.Message) []*message.Message {
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.HistoryID != nil && h.counterpartIndex(m) >= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// latestHistory serves the page before the first current chat message when
// that message has no history id yet: the newest stored history, minus rows
// the current chat already shows. Storage that has nothing to offer falls
// back to the before-id search.
func (h *Holder) latestHistory(limit int, reply Reply) {
	firstTS := h.currentChat[0].TimeMicros
	want := limit + len(h.currentChat)
	h.onWorker(func(ctx context.Context) func() {
		msgs, err := h.storage.GetLatestHistory(ctx, want)
		return func() {
			if err != nil {
				reply(nil, err)
				return
			}
			out := h.withoutCurrentChat(msgs)
			if len(out) > 0 {
				if len(out) > limit {
					out = out[len(out)-limit:]
				}
				reply(out, nil)
				return
			}
			bound := message.HistoryID{TimeMicros: firstTS}
			if len(msgs) > 0 {
				bound = *msgs[0].HistoryID
			}
			h.historyBefore(bound, limit, func(page []*message.Message, err error) {
				reply(h.withoutCurrentChat(page), err)
			})
		}
	})
}

func (h *Holder) latestMessages(limit int, reply Reply) {
	if n := len(h.currentChat); n > 0 {
		start := n - limit
		if start < 0 {
			start = 0
		}
		reply(append([]*message.Message(nil), h.currentChat[start:]...), nil)
		return
	}

	h.onWorker(func(ctx context.Context) func() {
		msgs, err := h.storage.GetLatestHistory(ctx, limit)
		return func() {
			if err != nil || len(msgs) > 0 {
				reply(msgs, err)
				return
			}
			h.reachedEndOfLocal = true
			if h.reachedEndOfRemote {
				reply(nil, nil)
				return
			}
			h.remoteBefore(h.now().UnixMicro(), limit, reply)
		}
	})
}

func (h *Holder) historyBefore(id message.HistoryID, limit int, reply Reply) {
	if h.reachedEndOfLocal {
		if h.reachedEndOfRemote {
			reply(nil, nil)
			return
		}
		h.remoteBefore(id.TimeMicros, limit, reply)
		return
	}

	h.onWorker(func(ctx context.Context) func() {
		msgs, err := h.storage.GetHistoryBefore(ctx, id, limit)
		return func() {
			if err != nil {
				reply(nil, err)
				return
			}
			if len(msgs) == 0 {
				h.reachedEndOfLocal = true
				h.historyBefore(id, limit, reply)
				return
			}
			reply(msgs, nil)
		}
	})
}

func (h *Holder) remoteBefore(beforeMicros int64, limit int, reply Reply) {
	h.onWorker(func(ctx context.Context) func() {
		msgs, hasMore, err := h.remote.RequestHistoryBefore(ctx, beforeMicros)
		if err != nil {
			return func() { reply(nil, err) }
		}
		if serr := h.storage.ReceiveHistoryBefore(ctx, msgs, hasMore); serr != nil {
			h.log.Warn("history.before.persist_failed", "count", len(msgs), "err", serr)
		}
		return func() {
			if !hasMore {
				h.reachedEndOfRemote = true
			}
			if len(msgs) > limit {
				// The older rows are stored; the next page reads them locally.
				msgs = msgs[len(msgs)-limit:]
				h.reachedEndOfLocal = false
			}
			reply(msgs, nil)
		}
	})
}

// allMessages replies with the full persisted history merged with the
// current chat; a current chat message wins over its history equivalent.
func (h *Holder) allMessages(reply Reply) {
	h.onWorker(func(ctx context.Context) func() {
		stored, err := h.storage.GetFullHistory(ctx)
		return func() {
			if err != nil {
				reply(nil, err)
				return
			}
			inCurrent := make(map[string]struct{}, len(h.currentChat)*2)
			for _, m := range h.currentChat {
				inCurrent[m.ID] = struct{}{}
				if m.CurrentChatID != "" {
					inCurrent[m.CurrentChatID] = struct{}{}
				}
			}
			out := make([]*message.Message, 0, len(stored)+len(h.currentChat))
			for _, m := range stored {
				if _, ok := inCurrent[m.ID]; ok {
					continue
				}
				if _, ok := inCurrent[m.HistoryID.DBID]; ok {
					continue
				}
				out = append(out, m)
			}
			out = append(out, h.currentChat...)
			message.SortByTime(out)
			reply(out, nil)
		}
	})
}

// rewindLocal makes the next history page read local storage again.
func (h *Holder) rewindLocal() { h.reachedEndOfLocal = false }

// SetEndOfHistoryReached records that storage holds the whole remote history.
func (h *Holder) SetEndOfHistoryReached() {
	h.reachedEndOfRemote = true
	h.onWorker(func(ctx context.Context) func() {
		if err := h.storage.SetReachedHistoryEnd(ctx, true); err != nil {
			h.log.Warn("history.set_end.failed", "err", err)
		}
		return nil
	})
}

// UpdateReadBeforeTimestamp forwards the operator read marker to storage.
func (h *Holder) UpdateReadBeforeTimestamp(ts int64) {
	h.onWorker(func(ctx context.Context) func() {
		if err := h.storage.UpdateReadBeforeTimestamp(ctx, ts); err != nil {
			h.log.Warn("history.read_before.failed", "ts", ts, "err", err)
		}
		return nil
	})
}

// ClearHistory wipes storage and resets the paging state and the tracker.
func (h *Holder) ClearHistory() {
	h.onWorker(func(ctx context.Context) func() {
		err := h.storage.ClearHistory(ctx)
		return func() {
			if err != nil {
				h.log.Warn("history.clear.failed", "err", err)
				return
			}
			h.reachedEndOfLocal = false
			h.reachedEndOfRemote = h.remote == nil
			h.firstHistoryUpdateReceived = false
			if h.tracker != nil {
				h.tracker.cleared()
			}
		}
	})
}

func (h *Holder) replaceAt(i int, m *message.Message) {
	old := h.currentChat[i]
	if old.HistoryID != nil && m.HistoryID == nil {
		m.AttachHistory(*old.HistoryID)
	}
	h.currentChat[i] = m
	if h.tracker != nil {
		h.tracker.changed(old, m)
	}
}

func (h *Holder) removeAt(i int) {
	old := h.currentChat[i]
	h.currentChat = append(h.currentChat[:i], h.currentChat[i+1:]...)
	if i < h.lastChatIndex {
		h.lastChatIndex--
	}
	var next *message.Message
	if i < len(h.currentChat) {
		next = h.currentChat[i]
	}
	if h.tracker != nil {
		h.tracker.deletedCurrent(old, next)
	}
}

func (h *Holder) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range h.currentChat {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (h *Holder) indexByServerID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range h.currentChat {
		if m.CurrentChatID == id {
			return i
		}
	}
	return -1
}

func (h *Holder) toSendIndex(id string) int {
	for i, m := range h.toSend {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// firstAfter returns the oldest current chat or queued message newer than ts.
func (h *Holder) firstAfter(ts int64) *message.Message {
	for _, m := range h.currentChat {
		if m.TimeMicros > ts {
			return m
		}
	}
	if len(h.toSend) > 0 {
		return h.toSend[0]
	}
	return nil
}

func (h *Holder) recordSizes() {
	h.metrics.sizes(len(h.currentChat), len(h.toSend))
}

func dedupe(msgs []*message.Message) []*message.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
