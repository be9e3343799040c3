package history

import (
	"context"
	"path/filepath"
	"testing"

	"chatsync/cmd/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hm(dbID string, ts int64) *message.Message {
	return &message.Message{
		ID:         "c-" + dbID,
		HistoryID:  &message.HistoryID{DBID: dbID, TimeMicros: ts},
		Phase:      message.PhaseHistorified,
		Type:       message.TypeOperator,
		Text:       "text " + dbID,
		TimeMicros: ts,
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func dbIDs(msgs []*message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.HistoryID.DBID)
	}
	return out
}

type storageFactory func(t *testing.T) Storage

func storageFactories() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"pebble": func(t *testing.T) Storage {
			st, err := OpenPebbleStorage(filepath.Join(t.TempDir(), "history"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestStorage_Contract(t *testing.T) {
	for name, factory := range storageFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			runStorageContract(t, factory)
		})
	}
}

func runStorageContract(t *testing.T, newStore storageFactory) {
	ctx := context.Background()

	t.Run("replay yields changed", func(t *testing.T) {
		st := newStore(t)
		batch := []*message.Message{hm("a", 100), hm("b", 200)}

		events, err := st.ReceiveHistoryUpdate(ctx, batch, nil)
		require.NoError(t, err)
		assert.Equal(t, []EventKind{EventAdded, EventAdded, EventEndOfBatch}, kinds(events))

		events, err = st.ReceiveHistoryUpdate(ctx, batch, nil)
		require.NoError(t, err)
		assert.Equal(t, []EventKind{EventChanged, EventChanged, EventEndOfBatch}, kinds(events))

		all, err := st.GetFullHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, dbIDs(all))
	})

	t.Run("history before excludes newer rows", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.ReceiveHistoryBefore(ctx, []*message.Message{hm("m100", 100), hm("m90", 90)}, false))

		got, err := st.GetHistoryBefore(ctx, message.HistoryID{DBID: "x", TimeMicros: 95}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m90"}, dbIDs(got))
	})

	t.Run("added carries the next newer id", func(t *testing.T) {
		st := newStore(t)
		events, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100), hm("c", 300)}, nil)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Nil(t, events[0].Before)
		assert.Nil(t, events[1].Before)

		events, err = st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("b", 200)}, nil)
		require.NoError(t, err)
		require.Equal(t, []EventKind{EventAdded, EventEndOfBatch}, kinds(events))
		require.NotNil(t, events[0].Before)
		assert.Equal(t, message.HistoryID{DBID: "c", TimeMicros: 300}, *events[0].Before)
	})

	t.Run("updates below the low-water mark are skipped until the end is reached", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("b", 200)}, nil)
		require.NoError(t, err)

		events, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []EventKind{EventEndOfBatch}, kinds(events))

		require.NoError(t, st.SetReachedHistoryEnd(ctx, true))
		events, err = st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
		require.NoError(t, err)
		require.Equal(t, []EventKind{EventAdded, EventEndOfBatch}, kinds(events))
		require.NotNil(t, events[0].Before)
		assert.Equal(t, "b", events[0].Before.DBID)
	})

	t.Run("deletes follow inserts", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("y", 100)}, nil)
		require.NoError(t, err)

		events, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("x", 150)}, []string{"y", "missing"})
		require.NoError(t, err)
		require.Equal(t, []EventKind{EventAdded, EventDeleted, EventEndOfBatch}, kinds(events))
		assert.Equal(t, "y", events[1].DeletedID)

		all, err := st.GetFullHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, dbIDs(all))
	})

	t.Run("read before timestamp", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100), hm("b", 200)}, nil)
		require.NoError(t, err)

		all, err := st.GetFullHistory(ctx)
		require.NoError(t, err)
		assert.True(t, all[0].Read)
		assert.True(t, all[1].Read)

		require.NoError(t, st.UpdateReadBeforeTimestamp(ctx, 150))
		all, err = st.GetFullHistory(ctx)
		require.NoError(t, err)
		assert.True(t, all[0].Read)
		assert.False(t, all[1].Read)
	})

	t.Run("latest history pages from the end", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100), hm("b", 200), hm("c", 300)}, nil)
		require.NoError(t, err)

		got, err := st.GetLatestHistory(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, dbIDs(got))
		for _, m := range got {
			assert.Equal(t, message.PhaseHistorified, m.Phase)
			assert.Empty(t, m.CurrentChatID)
		}

		got, err = st.GetLatestHistory(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("clear", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
		require.NoError(t, err)
		require.NoError(t, st.ClearHistory(ctx))

		all, err := st.GetFullHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		events, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []EventKind{EventAdded, EventEndOfBatch}, kinds(events))
	})

	t.Run("rejects messages without history id", func(t *testing.T) {
		st := newStore(t)
		_, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{{ID: "live"}}, nil)
		assert.ErrorIs(t, err, ErrNoHistoryID)
	})
}

func TestPebbleStorage_WipesOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history")

	st, err := OpenPebbleStorage(path)
	require.NoError(t, err)
	_, err = st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
	require.NoError(t, err)
	require.NoError(t, st.SetRevision(ctx, "r7"))
	require.NoError(t, st.metaSet(metaKeyVersion, "1"))
	require.NoError(t, st.Close())

	st, err = OpenPebbleStorage(path)
	require.NoError(t, err)
	defer st.Close()

	all, err := st.GetFullHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPebbleStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history")

	st, err := OpenPebbleStorage(path)
	require.NoError(t, err)
	_, err = st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("b", 200)}, nil)
	require.NoError(t, err)
	require.NoError(t, st.SetRevision(ctx, "r1"))
	require.NoError(t, st.Close())

	st, err = OpenPebbleStorage(path)
	require.NoError(t, err)
	defer st.Close()

	rev, err := st.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", rev)

	// The low-water mark survives: older updates stay with the backfill path.
	events, err := st.ReceiveHistoryUpdate(ctx, []*message.Message{hm("a", 100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventEndOfBatch}, kinds(events))
}

func TestMemoryMeta(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMeta()

	rev, err := m.Revision(ctx)
	require.NoError(t, err)
	assert.Empty(t, rev)

	require.NoError(t, m.SetRevision(ctx, "42"))
	require.NoError(t, m.SetHistoryEnded(ctx, true))

	rev, _ = m.Revision(ctx)
	ended, _ := m.HistoryEnded(ctx)
	assert.Equal(t, "42", rev)
	assert.True(t, ended)
}
