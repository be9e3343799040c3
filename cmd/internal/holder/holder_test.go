package holder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events  []string
	changed [][2]*message.Message
}

func (r *recorder) Added(msg, before *message.Message) {
	b := "end"
	if before != nil {
		b = before.ID
	}
	r.events = append(r.events, fmt.Sprintf("added %s before %s", msg.ID, b))
}

func (r *recorder) Removed(msg *message.Message) {
	r.events = append(r.events, "removed "+msg.ID)
}

func (r *recorder) RemovedAll() {
	r.events = append(r.events, "removed all")
}

func (r *recorder) Changed(from, to *message.Message) {
	r.events = append(r.events, fmt.Sprintf("changed %s", from.ID))
	r.changed = append(r.changed, [2]*message.Message{from, to})
}

func live(id, serverID string, ts int64) *message.Message {
	return &message.Message{
		ID:            id,
		CurrentChatID: serverID,
		Phase:         message.PhaseLive,
		Type:          message.TypeOperator,
		Text:          "text " + id,
		TimeMicros:    ts,
	}
}

func hist(id, dbID string, ts int64) *message.Message {
	return &message.Message{
		ID:         id,
		HistoryID:  &message.HistoryID{DBID: dbID, TimeMicros: ts},
		Phase:      message.PhaseHistorified,
		Type:       message.TypeOperator,
		Text:       "text " + id,
		TimeMicros: ts,
	}
}

func chat(id string) *wire.ChatItem { return &wire.ChatItem{ID: id, State: wire.ChatStateChatting} }

func ids(msgs []*message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func newTestHolder(t *testing.T, remote history.RemoteProvider) (*Holder, *history.MemoryStorage) {
	t.Helper()
	st := history.NewMemoryStorage()
	h := New(context.Background(), Options{Storage: st, Remote: remote})
	return h, st
}

// fetch runs a paging call; with immediate executors the reply is synchronous.
func fetch(t *testing.T, call func(Reply)) []*message.Message {
	t.Helper()
	var (
		got    []*message.Message
		called bool
	)
	call(func(msgs []*message.Message, err error) {
		require.NoError(t, err)
		got = msgs
		called = true
	})
	require.True(t, called, "reply was not delivered")
	return got
}

func TestHolder_SameClientIDEchoChangesInPlace(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	h.Receiving(chat("c1"), nil, []*message.Message{live("A", "s1", 10)})
	got := fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(10, r)) })
	require.Equal(t, []string{"A"}, ids(got))

	h.ReceiveNew(live("A", "s2", 20))

	assert.Equal(t, []string{"changed A"}, rec.events)
	cur := h.CurrentChatMessages()
	require.Len(t, cur, 1)
	assert.Equal(t, "s2", cur[0].CurrentChatID)
	assert.Equal(t, int64(20), cur[0].TimeMicros)
}

func TestHolder_IdentityUniqueness(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	h.NewTracker(&recorder{})

	assertUnique := func(step string) {
		t.Helper()
		seen := map[string]bool{}
		for _, m := range h.CurrentChatMessages() {
			require.Falsef(t, seen[m.ID], "%s: duplicate client id %s", step, m.ID)
			seen[m.ID] = true
		}
	}

	h.Receiving(chat("c1"), nil, []*message.Message{live("a", "s1", 10), live("b", "s2", 20), live("a", "s1", 10)})
	assertUnique("full update with duplicates")

	h.ReceiveNew(live("b", "s2", 21))
	assertUnique("re-add of b")

	h.ReceiveNew(live("c", "s3", 30))
	h.Changed(live("c", "s3", 31))
	assertUnique("update of c")

	h.DeletedMessage("s1")
	h.ReceiveNew(live("a", "s4", 40))
	assertUnique("re-add of deleted a")

	h.Receiving(chat("c1"), chat("c1"), []*message.Message{live("b", "s2", 21), live("d", "s5", 50), live("d", "s5", 50)})
	assertUnique("merge")
	assert.Equal(t, []string{"b", "d"}, ids(h.CurrentChatMessages()))
}

func TestHolder_HistorifyEmitsSingleChange(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	m1 := live("m1", "s1", 10)
	h.Receiving(chat("c1"), nil, []*message.Message{m1})
	fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(10, r)) })

	done := false
	h.ReceiveHistoryUpdate([]*message.Message{hist("m1", "s1", 10)}, nil, func() { done = true })
	require.True(t, done)
	require.Empty(t, rec.events, "shadowing a current message is silent")
	require.Equal(t, message.PhasePendingHistory, m1.Phase)

	h.Receiving(chat("c2"), chat("c1"), []*message.Message{live("m2", "s2", 20)})

	assert.Equal(t, []string{"changed m1", "added m2 before end"}, rec.events)
	require.Len(t, rec.changed, 1)
	from, to := rec.changed[0][0], rec.changed[0][1]
	assert.Same(t, m1, from)
	assert.Equal(t, message.PhaseHistorified, to.Phase)
	assert.Empty(t, to.CurrentChatID)
	assert.Equal(t, []string{"m2"}, ids(h.CurrentChatMessages()))
	assert.Same(t, to, tr.idToHistory["s1"], "history map must hold the equivalent")
}

func TestHolder_PreviousChatMergedWhenHistoryArrives(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	m1 := live("m1", "s1", 10)
	h.Receiving(chat("c1"), nil, []*message.Message{m1})
	fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(10, r)) })

	// The chat changes before m1 reached history: m1 stays as previous-chat prefix.
	h.Receiving(chat("c2"), chat("c1"), []*message.Message{live("m2", "s2", 20)})
	require.Equal(t, []string{"m1", "m2"}, ids(h.CurrentChatMessages()))
	require.Equal(t, 1, h.lastChatIndex)
	rec.events = nil

	h.ReceiveHistoryUpdate([]*message.Message{hist("m1", "s1", 10)}, nil, nil)

	assert.Equal(t, []string{"changed m1"}, rec.events)
	assert.Equal(t, []string{"m2"}, ids(h.CurrentChatMessages()))
	assert.Equal(t, 0, h.lastChatIndex)
}

func TestHolder_SendQueue(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	h.NewTracker(rec)

	out := message.NewOutgoing("cs-1", "hello", testNow)
	h.Sending(out)
	h.Sending(out)
	require.Len(t, h.MessagesToSend(), 1)

	echo := live("cs-1", "s9", out.TimeMicros+1)
	echo.Type = message.TypeVisitor
	h.ReceiveNew(echo)

	assert.Empty(t, h.MessagesToSend())
	assert.Equal(t, []string{"cs-1"}, ids(h.CurrentChatMessages()))
	assert.Equal(t, []string{"added cs-1 before end", "changed cs-1"}, rec.events)

	rec.events = nil
	h.Sending(message.NewOutgoing("cs-2", "again", testNow))
	h.SendingFailed("cs-2")
	require.Equal(t, message.SendStatusFailed, h.MessagesToSend()[0].SendStatus)
	h.SendingCancelled("cs-2")
	assert.Empty(t, h.MessagesToSend())
	assert.Equal(t, []string{"added cs-2 before end", "changed cs-2", "removed cs-2"}, rec.events)
}

func TestHolder_DeletedMessage(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	h.Receiving(chat("c1"), nil, []*message.Message{live("a", "s1", 10), live("b", "s2", 20)})
	fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(10, r)) })

	h.DeletedMessage("s1")
	h.DeletedMessage("unknown")

	assert.Equal(t, []string{"removed a"}, rec.events)
	assert.Equal(t, []string{"b"}, ids(h.CurrentChatMessages()))
	assert.Equal(t, "b", tr.head.ID)
}

func TestHolder_HistoryAddedAfterLoad(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	h.Receiving(chat("c1"), nil, []*message.Message{live("a", "s1", 10), live("b", "s2", 30)})
	fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(10, r)) })

	h.ReceiveHistoryUpdate([]*message.Message{hist("old", "h0", 5), hist("x", "h1", 20)}, nil, nil)

	// "old" predates the loaded window and stays for paging.
	assert.Equal(t, []string{"added x before b"}, rec.events)

	rec.events = nil
	h.ReceiveHistoryUpdate([]*message.Message{hist("x", "h1", 20)}, nil, nil)
	assert.Empty(t, rec.events, "an unchanged replay is silent")

	changed := hist("x", "h1", 20)
	changed.Text = "edited"
	h.ReceiveHistoryUpdate([]*message.Message{changed}, nil, nil)
	assert.Equal(t, []string{"changed x"}, rec.events)

	rec.events = nil
	h.ReceiveHistoryUpdate(nil, []string{"h1"}, nil)
	assert.Equal(t, []string{"removed x"}, rec.events)
}

func TestTracker_CachedRequestServedByFirstBatch(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	tr := h.NewTracker(&recorder{})

	var got []*message.Message
	replied := false
	require.NoError(t, tr.GetLastMessages(10, func(msgs []*message.Message, err error) {
		require.NoError(t, err)
		got, replied = msgs, true
	}))
	require.False(t, replied, "request must wait for the first history batch")
	assert.ErrorIs(t, tr.GetNextMessages(10, func([]*message.Message, error) {}), ErrMessagesLoading)

	h.ReceiveHistoryUpdate([]*message.Message{hist("a", "h1", 10), hist("b", "h2", 20)}, nil, nil)

	require.True(t, replied)
	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestTracker_CachedRequestServedByNewMessage(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	rec := &recorder{}
	tr := h.NewTracker(rec)

	var got []*message.Message
	require.NoError(t, tr.GetLastMessages(10, func(msgs []*message.Message, err error) {
		got = msgs
	}))
	h.ReceiveNew(live("a", "s1", 10))

	assert.Equal(t, []string{"a"}, ids(got))
	assert.Empty(t, rec.events)
}

func TestTracker_Guards(t *testing.T) {
	h, _ := newTestHolder(t, nil)
	tr := h.NewTracker(&recorder{})

	assert.ErrorIs(t, tr.GetLastMessages(0, func([]*message.Message, error) {}), ErrInvalidLimit)
	assert.ErrorIs(t, tr.ResetTo(nil), ErrUnknownMessage)

	tr.Destroy()
	assert.ErrorIs(t, tr.GetLastMessages(1, func([]*message.Message, error) {}), ErrTrackerDestroyed)
	assert.ErrorIs(t, tr.GetAllMessages(func([]*message.Message, error) {}), ErrTrackerDestroyed)
	assert.Nil(t, h.tracker)

	// A replaced tracker is destroyed too.
	first := h.NewTracker(&recorder{})
	h.NewTracker(&recorder{})
	assert.ErrorIs(t, first.GetNextMessages(1, func([]*message.Message, error) {}), ErrTrackerDestroyed)
}

func TestHolder_PagingStitchesLocalHistory(t *testing.T) {
	h, st := newTestHolder(t, nil)
	require.NoError(t, st.ReceiveHistoryBefore(context.Background(),
		[]*message.Message{hist("h1", "d1", 10), hist("h2", "d2", 20), hist("h3", "d3", 30)}, false))
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50), live("c2", "s2", 60)})

	all := walk(t, h, 2)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3", "c1", "c2"}, all)
	assert.Len(t, all, 5)
}

type fakeRemote struct {
	pages map[int64][]*message.Message
	more  map[int64]bool
	calls []int64
}

func (f *fakeRemote) RequestHistoryBefore(_ context.Context, beforeMicros int64) ([]*message.Message, bool, error) {
	f.calls = append(f.calls, beforeMicros)
	return f.pages[beforeMicros], f.more[beforeMicros], nil
}

func TestHolder_PagingFallsBackToRemote(t *testing.T) {
	remote := &fakeRemote{
		pages: map[int64][]*message.Message{
			30: {hist("h1", "d1", 10), hist("h2", "d2", 20)},
		},
		more: map[int64]bool{},
	}
	h, st := newTestHolder(t, remote)
	require.NoError(t, st.ReceiveHistoryBefore(context.Background(), []*message.Message{hist("h3", "d3", 30)}, true))
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50), live("c2", "s2", 60)})

	all := walk(t, h, 2)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3", "c1", "c2"}, all)
	assert.Len(t, all, 5)
	assert.Equal(t, []int64{30}, remote.calls)
	assert.Equal(t, 3, st.Len(), "remote pages are persisted locally")
}

func TestTracker_PagesWholeTimeline(t *testing.T) {
	h, st := newTestHolder(t, nil)
	require.NoError(t, st.ReceiveHistoryBefore(context.Background(),
		[]*message.Message{hist("h1", "d1", 10), hist("h2", "d2", 20)}, false))
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50)})
	tr := h.NewTracker(&recorder{})

	var seen []string
	seen = append(seen, ids(fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(1, r)) }))...)
	for i := 0; i < 5; i++ {
		page := fetch(t, func(r Reply) { require.NoError(t, tr.GetNextMessages(1, r)) })
		if len(page) == 0 {
			break
		}
		seen = append(seen, ids(page)...)
	}
	assert.Equal(t, []string{"c1", "h2", "h1"}, seen)
}

func TestTracker_GetAllMessagesPrefersCurrentChat(t *testing.T) {
	h, st := newTestHolder(t, nil)
	_, err := st.ReceiveHistoryUpdate(context.Background(),
		[]*message.Message{hist("h1", "d1", 10), hist("c1", "s1", 50)}, nil)
	require.NoError(t, err)
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50)})
	tr := h.NewTracker(&recorder{})

	got := fetch(t, func(r Reply) { require.NoError(t, tr.GetAllMessages(r)) })
	require.Equal(t, []string{"h1", "c1"}, ids(got))
	assert.Equal(t, message.SourceCurrentChat, got[1].Source())
}

func TestHolder_ClearHistoryResetsTracker(t *testing.T) {
	h, st := newTestHolder(t, nil)
	rec := &recorder{}
	h.NewTracker(rec)
	_, err := st.ReceiveHistoryUpdate(context.Background(), []*message.Message{hist("h1", "d1", 10)}, nil)
	require.NoError(t, err)

	h.ClearHistory()

	assert.Equal(t, 0, st.Len())
	assert.Equal(t, []string{"removed all"}, rec.events)
}

func TestHolder_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := history.NewMemoryStorage()
	h := New(context.Background(), Options{Storage: st, Metrics: NewMetrics(reg)})

	h.ReceiveHistoryUpdate([]*message.Message{hist("a", "d1", 10)}, nil, nil)
	h.Receiving(chat("c1"), nil, []*message.Message{live("b", "s1", 20)})

	m := h.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.historyEvents.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.historyEvents.WithLabelValues("end_of_batch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.currentChat))
}

// walk pages backward from the newest message, feeding each page's oldest
// message into the next call.
func walk(t *testing.T, h *Holder, limit int) []string {
	t.Helper()
	var (
		out    []string
		before *message.Message
	)
	for i := 0; i < 20; i++ {
		page := fetch(t, func(r Reply) { h.GetMessagesBy(before, limit, r) })
		if len(page) == 0 {
			return out
		}
		for j := len(page) - 1; j >= 0; j-- {
			out = append(out, page[j].ID)
		}
		before = page[0]
	}
	t.Fatalf("paging did not terminate: %v", out)
	return nil
}

// trackerWalk pages the tracker from the newest message until an empty page.
func trackerWalk(t *testing.T, tr *Tracker, limit int) []string {
	t.Helper()
	var out []string
	page := fetch(t, func(r Reply) { require.NoError(t, tr.GetLastMessages(limit, r)) })
	for i := 0; i < 20; i++ {
		if len(page) == 0 {
			return out
		}
		for j := len(page) - 1; j >= 0; j-- {
			out = append(out, page[j].ID)
		}
		page = fetch(t, func(r Reply) { require.NoError(t, tr.GetNextMessages(limit, r)) })
	}
	t.Fatalf("paging did not terminate: %v", out)
	return nil
}

func TestHolder_PagingKeepsRowsTrimmedFromRemotePage(t *testing.T) {
	remote := &fakeRemote{
		pages: map[int64][]*message.Message{
			50: {hist("h1", "d1", 10), hist("h2", "d2", 20), hist("h3", "d3", 30)},
		},
		more: map[int64]bool{},
	}
	h, st := newTestHolder(t, remote)
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50)})

	all := walk(t, h, 2)
	assert.Equal(t, []string{"c1", "h3", "h2", "h1"}, all)
	assert.Equal(t, []int64{50}, remote.calls)
	assert.Equal(t, 3, st.Len())
}

func TestTracker_SecondWalkReadsStoredHistory(t *testing.T) {
	remote := &fakeRemote{
		pages: map[int64][]*message.Message{
			50: {hist("h1", "d1", 10), hist("h2", "d2", 20)},
			10: nil,
		},
		more: map[int64]bool{50: true},
	}
	h, st := newTestHolder(t, remote)
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50)})
	tr := h.NewTracker(&recorder{})

	assert.Equal(t, []string{"c1", "h2", "h1"}, trackerWalk(t, tr, 5))
	assert.Equal(t, []string{"c1", "h2", "h1"}, trackerWalk(t, tr, 5), "the second walk is served from storage")
	assert.Equal(t, []int64{50, 10}, remote.calls)
	assert.Equal(t, 2, st.Len())

	// Walk to the end once more, then rewind to the newest message.
	trackerWalk(t, tr, 5)
	c1 := h.CurrentChatMessages()[0]
	require.NoError(t, tr.ResetTo(c1))
	page := fetch(t, func(r Reply) { require.NoError(t, tr.GetNextMessages(5, r)) })
	assert.Equal(t, []string{"h1", "h2"}, ids(page))
	assert.Equal(t, []int64{50, 10}, remote.calls)
}

func TestHolder_FirstCurrentMessageWithoutHistoryPagesLatestStored(t *testing.T) {
	h, st := newTestHolder(t, nil)
	_, err := st.ReceiveHistoryUpdate(context.Background(),
		[]*message.Message{hist("h1", "d1", 10), hist("c1", "s1", 50), hist("h9", "d9", 90)}, nil)
	require.NoError(t, err)
	h.Receiving(chat("c1"), nil, []*message.Message{live("c1", "s1", 50)})

	first := h.CurrentChatMessages()[0]
	got := fetch(t, func(r Reply) { h.GetMessagesBy(first, 10, r) })
	assert.Equal(t, []string{"h1", "h9"}, ids(got))

	cur := h.CurrentChatMessages()
	require.Len(t, cur, 1, "paging does not touch the current chat")
	assert.Equal(t, message.PhaseLive, cur[0].Phase)
	assert.Nil(t, cur[0].HistoryID)
}
