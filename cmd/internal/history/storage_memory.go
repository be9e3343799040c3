package history

import (
	"context"
	"sort"
	"sync"

	"chatsync/cmd/internal/message"
)

// MemoryStorage is a Storage kept in process memory. It is used when no
// durable store is configured and as the reference implementation in tests.
type MemoryStorage struct {
	mu         sync.Mutex
	msgs       []*message.Message // ascending by history id
	byDBID     map[string]*message.Message
	mark       lowWaterMark
	readBefore int64
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byDBID:     make(map[string]*message.Message),
		mark:       newLowWaterMark(),
		readBefore: -1,
	}
}

func (s *MemoryStorage) MajorVersion() int { return StorageMajorVersion }

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) GetLatestHistory(ctx context.Context, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.msgs) - limit
	if start < 0 {
		start = 0
	}
	return s.copyRange(start, len(s.msgs)), nil
}

func (s *MemoryStorage) GetHistoryBefore(ctx context.Context, id message.HistoryID, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	end := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].TimeMicros >= id.TimeMicros
	})
	start := end - limit
	if start < 0 {
		start = 0
	}
	return s.copyRange(start, end), nil
}

func (s *MemoryStorage) GetFullHistory(ctx context.Context) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyRange(0, len(s.msgs)), nil
}

func (s *MemoryStorage) ReceiveHistoryBefore(ctx context.Context, msgs []*message.Message, hasMore bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		s.mark.lowerTo(m.HistoryID.TimeMicros)
		if _, ok := s.byDBID[m.HistoryID.DBID]; ok {
			continue
		}
		s.insert(asStored(m))
	}
	if !hasMore {
		s.mark.reachedEnd = true
	}
	return nil
}

func (s *MemoryStorage) ReceiveHistoryUpdate(ctx context.Context, msgs []*message.Message, idsToDelete []string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(msgs)+len(idsToDelete)+1)
	newFirst := int64(-1)

	for _, m := range msgs {
		ts := m.HistoryID.TimeMicros
		if s.mark.skip(ts) {
			continue
		}
		if newFirst == -1 || ts < newFirst {
			newFirst = ts
		}

		stored := asStored(m)
		if old, ok := s.byDBID[m.HistoryID.DBID]; ok {
			s.replace(old, stored)
			events = append(events, Event{Kind: EventChanged, Message: s.read(stored)})
			continue
		}

		s.insert(stored)
		ev := Event{Kind: EventAdded, Message: s.read(stored)}
		if next := s.nextAfter(ts); next != nil {
			id := *next.HistoryID
			ev.Before = &id
		}
		events = append(events, ev)
	}

	for _, id := range idsToDelete {
		if s.remove(id) {
			events = append(events, Event{Kind: EventDeleted, DeletedID: id})
		}
	}

	if s.mark.firstKnown == -1 && newFirst != -1 {
		s.mark.firstKnown = newFirst
	}

	events = append(events, Event{Kind: EventEndOfBatch})
	return events, nil
}

func (s *MemoryStorage) ClearHistory(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.byDBID = make(map[string]*message.Message)
	s.mark = newLowWaterMark()
	return nil
}

func (s *MemoryStorage) SetReachedHistoryEnd(_ context.Context, reached bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark.reachedEnd = reached
	return nil
}

func (s *MemoryStorage) UpdateReadBeforeTimestamp(_ context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readBefore = ts
	return nil
}

// Len returns the number of stored messages.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *MemoryStorage) insert(m *message.Message) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		return !s.msgs[i].HistoryID.Less(*m.HistoryID)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.byDBID[m.HistoryID.DBID] = m
}

// replace swaps old for m, re-sorting when the timestamp moved.
func (s *MemoryStorage) replace(old, m *message.Message) {
	if old.HistoryID.Equal(*m.HistoryID) {
		for i, have := range s.msgs {
			if have == old {
				s.msgs[i] = m
				break
			}
		}
		s.byDBID[m.HistoryID.DBID] = m
		return
	}
	s.remove(old.HistoryID.DBID)
	s.insert(m)
}

func (s *MemoryStorage) remove(dbID string) bool {
	old, ok := s.byDBID[dbID]
	if !ok {
		return false
	}
	delete(s.byDBID, dbID)
	for i, have := range s.msgs {
		if have == old {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	return true
}

func (s *MemoryStorage) nextAfter(ts int64) *message.Message {
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].TimeMicros > ts
	})
	if i < len(s.msgs) {
		return s.msgs[i]
	}
	return nil
}

func (s *MemoryStorage) copyRange(start, end int) []*message.Message {
	if start >= end {
		return nil
	}
	out := make([]*message.Message, 0, end-start)
	for _, m := range s.msgs[start:end] {
		out = append(out, s.read(m))
	}
	return out
}

func (s *MemoryStorage) read(m *message.Message) *message.Message {
	cp := m.Clone()
	markRead(cp, s.readBefore)
	return cp
}
