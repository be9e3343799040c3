// Package history persists historical messages and keeps them in sync with
// the server: the Storage merge-on-write contract and its memory, Postgres
// and Pebble implementations, the remote before-timestamp provider, and the
// since-revision poller.
package history

import (
	"context"
	"errors"

	"chatsync/cmd/internal/message"
)

// StorageMajorVersion is bumped whenever the persisted layout changes.
// A store opened with a different stored version is wiped.
const StorageMajorVersion = 3

var (
	// ErrNilStore is returned by methods called on a nil or closed store.
	ErrNilStore = errors.New("history: nil store")
	// ErrNoHistoryID is returned when a message to persist lacks a history id.
	ErrNoHistoryID = errors.New("history: message has no history id")
)

// EventKind classifies a ReceiveHistoryUpdate outcome.
type EventKind int

const (
	EventAdded EventKind = iota
	EventChanged
	EventDeleted
	EventEndOfBatch
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventDeleted:
		return "deleted"
	case EventEndOfBatch:
		return "end_of_batch"
	default:
		return "unknown"
	}
}

// Event is one outcome of a merge-on-write batch.
//
// Added carries Before, the history id of the next newer stored message
// (nil when the added message is the newest). Deleted carries DeletedID.
type Event struct {
	Kind      EventKind
	Message   *message.Message
	Before    *message.HistoryID
	DeletedID string
}

// Storage is the durable store of history messages.
//
// Requirements:
//   - At most one row per history id.
//   - Reads return messages ascending by time, as fresh copies.
//   - ReceiveHistoryUpdate returns added/changed events in input order,
//     then deleted events, then exactly one EventEndOfBatch.
//   - Replaying a ReceiveHistoryUpdate call yields changed, never added.
type Storage interface {
	MajorVersion() int

	GetLatestHistory(ctx context.Context, limit int) ([]*message.Message, error)
	GetHistoryBefore(ctx context.Context, id message.HistoryID, limit int) ([]*message.Message, error)
	GetFullHistory(ctx context.Context) ([]*message.Message, error)

	ReceiveHistoryBefore(ctx context.Context, msgs []*message.Message, hasMore bool) error
	ReceiveHistoryUpdate(ctx context.Context, msgs []*message.Message, idsToDelete []string) ([]Event, error)

	ClearHistory(ctx context.Context) error
	SetReachedHistoryEnd(ctx context.Context, reached bool) error
	UpdateReadBeforeTimestamp(ctx context.Context, ts int64) error

	Close() error
}

// MetaStorage keeps the history sync bookkeeping across restarts.
type MetaStorage interface {
	Revision(ctx context.Context) (string, error)
	SetRevision(ctx context.Context, revision string) error
	HistoryEnded(ctx context.Context) (bool, error)
	SetHistoryEnded(ctx context.Context, ended bool) error
}

// lowWaterMark tracks the oldest timestamp covered by storage. Messages older
// than it are skipped by ReceiveHistoryUpdate: the backfill path owns them.
type lowWaterMark struct {
	firstKnown int64 // -1 until something is stored
	reachedEnd bool
}

func newLowWaterMark() lowWaterMark { return lowWaterMark{firstKnown: -1} }

// skip reports whether an update for a message at ts must be ignored.
func (w lowWaterMark) skip(ts int64) bool {
	return w.firstKnown != -1 && ts < w.firstKnown && !w.reachedEnd
}

// lowerTo moves the mark down to ts.
func (w *lowWaterMark) lowerTo(ts int64) {
	if w.firstKnown == -1 || ts < w.firstKnown {
		w.firstKnown = ts
	}
}

// markRead applies the read-before bookkeeping to a message read from storage.
func markRead(m *message.Message, readBefore int64) {
	if readBefore == -1 || m.TimeMicros <= readBefore {
		m.Read = true
	}
}

func validateHistoryMessages(msgs []*message.Message) error {
	for _, m := range msgs {
		if m == nil || m.HistoryID == nil {
			return ErrNoHistoryID
		}
	}
	return nil
}

// asStored returns the historified copy persisted for m.
func asStored(m *message.Message) *message.Message {
	cp := m.Clone()
	cp.Phase = message.PhaseHistorified
	cp.CurrentChatID = ""
	cp.SendStatus = message.SendStatusSent
	return cp
}

func clampLimit(limit int) int {
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
