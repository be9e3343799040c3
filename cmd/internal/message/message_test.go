package message

import (
	"encoding/json"
	"testing"
	"time"

	"chatsync/cmd/internal/wire"
)

func TestPhaseTransitions_OneWay(t *testing.T) {
	t.Parallel()

	m := &Message{ID: "a", TimeMicros: 10}
	if m.Historify() {
		t.Fatalf("live message must not historify without a history id")
	}

	id := HistoryID{DBID: "srv-a", TimeMicros: 10}
	if !m.AttachHistory(id) {
		t.Fatalf("attach history on live message failed")
	}
	if m.Phase != PhasePendingHistory || m.Source() != SourceCurrentChat {
		t.Fatalf("after attach: phase=%s source=%s", m.Phase, m.Source())
	}
	if !m.AttachHistory(id) {
		t.Fatalf("re-attaching the same id must be a no-op success")
	}
	if m.AttachHistory(HistoryID{DBID: "other", TimeMicros: 11}) {
		t.Fatalf("attaching a different id must fail")
	}

	if !m.Historify() {
		t.Fatalf("historify pending message failed")
	}
	if m.Source() != SourceHistory {
		t.Fatalf("source=%s want history", m.Source())
	}
	if m.Historify() || m.AttachHistory(id) {
		t.Fatalf("historified is terminal")
	}
}

func TestHistoryCopy_LeavesOriginal(t *testing.T) {
	t.Parallel()

	m := &Message{ID: "a", Data: json.RawMessage(`{"x":1}`)}
	if m.HistoryCopy() != nil {
		t.Fatalf("no history id, expected nil copy")
	}
	m.AttachHistory(HistoryID{DBID: "s", TimeMicros: 1})

	cp := m.HistoryCopy()
	if cp == m {
		t.Fatalf("copy must be a new pointer")
	}
	if cp.Phase != PhaseHistorified || m.Phase != PhasePendingHistory {
		t.Fatalf("copy phase=%s original phase=%s", cp.Phase, m.Phase)
	}
	cp.Data[0] = '['
	if string(m.Data) != `{"x":1}` {
		t.Fatalf("data shared between copy and original")
	}
	if !cp.Equal(m) {
		t.Fatalf("history copy must be field-equal to the original")
	}
}

func TestEqual_ObservableFields(t *testing.T) {
	t.Parallel()

	a := &Message{ID: "a", Text: "hi", TimeMicros: 1}
	b := a.Clone()
	b.Phase = PhaseHistorified
	if !a.Equal(b) {
		t.Fatalf("phase is not an observable field")
	}
	b.Read = true
	if a.Equal(b) {
		t.Fatalf("read flag must be compared")
	}
}

func TestMapper_SkipsHiddenKinds(t *testing.T) {
	t.Parallel()

	mp := NewMapper("https://chat.example.com/")
	for _, kind := range []string{wire.KindContactsReq, wire.KindContacts, wire.KindForOperator, "", "future_kind"} {
		if got := mp.CurrentChat(&wire.MessageItem{ID: "1", Kind: kind}); got != nil {
			t.Fatalf("kind %q: expected nil, got %v", kind, got)
		}
	}
}

func TestMapper_CurrentChatAndHistory(t *testing.T) {
	t.Parallel()

	author := int64(42)
	item := &wire.MessageItem{
		ID:           "srv-1",
		ClientSideID: "cli-1",
		Kind:         wire.KindOperator,
		AuthorID:     &author,
		Name:         "Olga",
		Avatar:       "/avatars/o.png",
		Text:         "hello",
		TSMicros:     1_000,
	}
	mp := NewMapper("https://chat.example.com")

	cur := mp.CurrentChat(item)
	if cur.ID != "cli-1" || cur.CurrentChatID != "srv-1" || cur.HistoryID != nil || cur.Phase != PhaseLive {
		t.Fatalf("current chat mapping: %+v", cur)
	}
	if cur.OperatorID != "42" || cur.AvatarURL != "https://chat.example.com/avatars/o.png" {
		t.Fatalf("operator=%q avatar=%q", cur.OperatorID, cur.AvatarURL)
	}

	hist := mp.History(item)
	if hist.HistoryID == nil || !hist.HistoryID.Equal(HistoryID{DBID: "srv-1", TimeMicros: 1_000}) {
		t.Fatalf("history id: %v", hist.HistoryID)
	}
	if hist.Source() != SourceHistory {
		t.Fatalf("history mapping source=%s", hist.Source())
	}
}

func TestMapper_FileNeedsAttachment(t *testing.T) {
	t.Parallel()

	mp := NewMapper("https://chat.example.com")
	if got := mp.CurrentChat(&wire.MessageItem{ID: "1", Kind: wire.KindFileVisitor, Text: "not json"}); got != nil {
		t.Fatalf("file without attachment must be skipped")
	}

	got := mp.CurrentChat(&wire.MessageItem{
		ID:   "2",
		Kind: wire.KindFileOperator,
		Text: `{"filename":"cat.png","guid":"g1","size":12,"content_type":"image/png"}`,
	})
	if got == nil || got.Attachment == nil {
		t.Fatalf("expected attachment")
	}
	if got.Text != "cat.png" || got.RawText == "" {
		t.Fatalf("text=%q raw=%q", got.Text, got.RawText)
	}
	if got.Attachment.URL != "https://chat.example.com/l/v/m/download/g1/cat.png" {
		t.Fatalf("url=%q", got.Attachment.URL)
	}
}

func TestNewClientSideID_SortsByTime(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	a, err := NewClientSideID(now)
	if err != nil {
		t.Fatalf("id a: %v", err)
	}
	b, err := NewClientSideID(now.Add(time.Second))
	if err != nil {
		t.Fatalf("id b: %v", err)
	}
	if len(a) != 26 || !(a < b) {
		t.Fatalf("ids not sortable: %q %q", a, b)
	}
}

func TestSortByTime(t *testing.T) {
	t.Parallel()

	msgs := []*Message{{ID: "c", TimeMicros: 3}, {ID: "a", TimeMicros: 1}, {ID: "b", TimeMicros: 2}}
	SortByTime(msgs)
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].ID != want {
			t.Fatalf("msgs[%d]=%s want %s", i, msgs[i].ID, want)
		}
	}
}
