package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"chatsync/cmd/internal/message"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	h:ts:<ts 20 digits>:<db id>  -> pebbleRecord (JSON)
//	h:id:<db id>                 -> the h:ts key of that message
//	meta:<name>                  -> meta value
const (
	tsPrefix   = "h:ts:"
	idPrefix   = "h:id:"
	metaPrefix = "meta:"
)

// PebbleStorage is a Storage and MetaStorage kept in an embedded Pebble
// database. It owns the database and closes it on Close.
type PebbleStorage struct {
	mu         sync.Mutex
	db         *pebble.DB
	mark       lowWaterMark
	readBefore int64
}

type pebbleRecord struct {
	DBID        string              `json:"db_id"`
	ID          string              `json:"id"`
	TimeMicros  int64               `json:"ts"`
	Type        message.Type        `json:"type"`
	OperatorID  string              `json:"operator_id,omitempty"`
	SenderName  string              `json:"sender_name,omitempty"`
	AvatarURL   string              `json:"avatar_url,omitempty"`
	Text        string              `json:"text,omitempty"`
	RawText     string              `json:"raw_text,omitempty"`
	Data        json.RawMessage     `json:"data,omitempty"`
	Attachment  *message.Attachment `json:"attachment,omitempty"`
	CanBeEdited bool                `json:"can_be_edited,omitempty"`
	Read        bool                `json:"read,omitempty"`
}

// OpenPebbleStorage opens (or creates) the database at path. A database
// written with another StorageMajorVersion is wiped.
func OpenPebbleStorage(path string) (*PebbleStorage, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	s := &PebbleStorage{db: db, mark: newLowWaterMark(), readBefore: -1}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStorage) prepare() error {
	want := strconv.Itoa(StorageMajorVersion)
	have, err := s.metaGet(metaKeyVersion)
	if err != nil {
		return err
	}
	if have != want {
		if have != "" {
			if err := s.wipe(); err != nil {
				return err
			}
			if err := s.metaSet(metaKeyRevision, ""); err != nil {
				return err
			}
		}
		if err := s.metaSet(metaKeyVersion, want); err != nil {
			return err
		}
	}

	iter, err := s.db.NewIter(prefixBounds(tsPrefix))
	if err != nil {
		return err
	}
	if iter.First() {
		if rec, err := decodeRecord(iter.Value()); err == nil {
			s.mark.firstKnown = rec.TimeMicros
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	ended, err := s.metaGet(metaKeyEnded)
	if err != nil {
		return err
	}
	s.mark.reachedEnd = ended == "true"

	rb, err := s.metaGet(metaKeyReadBefore)
	if err != nil {
		return err
	}
	if rb != "" {
		if n, err := strconv.ParseInt(rb, 10, 64); err == nil {
			s.readBefore = n
		}
	}
	return nil
}

func (s *PebbleStorage) MajorVersion() int { return StorageMajorVersion }

func (s *PebbleStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStorage) GetLatestHistory(ctx context.Context, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNilStore
	}
	return s.scanBackward(prefixBounds(tsPrefix), clampLimit(limit))
}

func (s *PebbleStorage) GetHistoryBefore(ctx context.Context, id message.HistoryID, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNilStore
	}
	opts := &pebble.IterOptions{
		LowerBound: []byte(tsPrefix),
		UpperBound: []byte(tsBound(id.TimeMicros)),
	}
	return s.scanBackward(opts, clampLimit(limit))
}

func (s *PebbleStorage) GetFullHistory(ctx context.Context) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNilStore
	}

	iter, err := s.db.NewIter(prefixBounds(tsPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*message.Message
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, s.toMessage(rec))
	}
	return out, nil
}

func (s *PebbleStorage) ReceiveHistoryBefore(ctx context.Context, msgs []*message.Message, hasMore bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNilStore
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

	first := int64(-1)
	for _, m := range msgs {
		if first == -1 || m.HistoryID.TimeMicros < first {
			first = m.HistoryID.TimeMicros
		}
		if _, found, err := lookupTSKey(b, m.HistoryID.DBID); err != nil {
			return err
		} else if found {
			continue
		}
		if err := putRecord(b, asStored(m)); err != nil {
			return err
		}
	}
	if !hasMore {
		if err := b.Set([]byte(metaPrefix+metaKeyEnded), []byte("true"), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}

	if first != -1 {
		s.mark.lowerTo(first)
	}
	if !hasMore {
		s.mark.reachedEnd = true
	}
	return nil
}

func (s *PebbleStorage) ReceiveHistoryUpdate(ctx context.Context, msgs []*message.Message, idsToDelete []string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNilStore
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

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
		oldKey, found, err := lookupTSKey(b, m.HistoryID.DBID)
		if err != nil {
			return nil, err
		}
		if found {
			if err := b.Delete([]byte(oldKey), nil); err != nil {
				return nil, err
			}
			if err := putRecord(b, stored); err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: EventChanged, Message: s.read(stored)})
			continue
		}

		if err := putRecord(b, stored); err != nil {
			return nil, err
		}
		ev := Event{Kind: EventAdded, Message: s.read(stored)}
		next, err := firstAfter(b, ts)
		if err != nil {
			return nil, err
		}
		ev.Before = next
		events = append(events, ev)
	}

	for _, id := range idsToDelete {
		key, found, err := lookupTSKey(b, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := b.Delete([]byte(key), nil); err != nil {
			return nil, err
		}
		if err := b.Delete([]byte(idPrefix+id), nil); err != nil {
			return nil, err
		}
		events = append(events, Event{Kind: EventDeleted, DeletedID: id})
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}

	if s.mark.firstKnown == -1 && newFirst != -1 {
		s.mark.firstKnown = newFirst
	}
	return append(events, Event{Kind: EventEndOfBatch}), nil
}

func (s *PebbleStorage) ClearHistory(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNilStore
	}
	if err := s.wipe(); err != nil {
		return err
	}
	s.mark = newLowWaterMark()
	return nil
}

func (s *PebbleStorage) SetReachedHistoryEnd(ctx context.Context, reached bool) error {
	return s.SetHistoryEnded(ctx, reached)
}

func (s *PebbleStorage) UpdateReadBeforeTimestamp(_ context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNilStore
	}
	if err := s.metaSet(metaKeyReadBefore, strconv.FormatInt(ts, 10)); err != nil {
		return err
	}
	s.readBefore = ts
	return nil
}

// Revision implements MetaStorage.
func (s *PebbleStorage) Revision(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrNilStore
	}
	return s.metaGet(metaKeyRevision)
}

// SetRevision implements MetaStorage.
func (s *PebbleStorage) SetRevision(_ context.Context, revision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNilStore
	}
	return s.metaSet(metaKeyRevision, revision)
}

// HistoryEnded implements MetaStorage.
func (s *PebbleStorage) HistoryEnded(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrNilStore
	}
	v, err := s.metaGet(metaKeyEnded)
	return v == "true", err
}

// SetHistoryEnded implements MetaStorage.
func (s *PebbleStorage) SetHistoryEnded(_ context.Context, ended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNilStore
	}
	if err := s.metaSet(metaKeyEnded, strconv.FormatBool(ended)); err != nil {
		return err
	}
	s.mark.reachedEnd = ended
	return nil
}

// wipe removes every history row and the ended flag. Caller holds mu.
func (s *PebbleStorage) wipe() error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte("h:"), []byte("h;"), nil); err != nil {
		return err
	}
	if err := b.Set([]byte(metaPrefix+metaKeyEnded), []byte("false"), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStorage) scanBackward(opts *pebble.IterOptions, limit int) ([]*message.Message, error) {
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]*message.Message, 0, limit)
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, s.toMessage(rec))
	}
	reverse(out)
	return out, nil
}

func (s *PebbleStorage) toMessage(rec *pebbleRecord) *message.Message {
	m := &message.Message{
		ID:          rec.ID,
		HistoryID:   &message.HistoryID{DBID: rec.DBID, TimeMicros: rec.TimeMicros},
		Phase:       message.PhaseHistorified,
		Type:        rec.Type,
		OperatorID:  rec.OperatorID,
		SenderName:  rec.SenderName,
		AvatarURL:   rec.AvatarURL,
		Text:        rec.Text,
		RawText:     rec.RawText,
		Data:        rec.Data,
		Attachment:  rec.Attachment,
		TimeMicros:  rec.TimeMicros,
		Read:        rec.Read,
		CanBeEdited: rec.CanBeEdited,
	}
	markRead(m, s.readBefore)
	return m
}

func (s *PebbleStorage) read(m *message.Message) *message.Message {
	cp := m.Clone()
	markRead(cp, s.readBefore)
	return cp
}

func (s *PebbleStorage) metaGet(name string) (string, error) {
	v, closer, err := s.db.Get([]byte(metaPrefix + name))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", name, err)
	}
	out := string(v)
	_ = closer.Close()
	return out, nil
}

func (s *PebbleStorage) metaSet(name, value string) error {
	if err := s.db.Set([]byte(metaPrefix+name), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("write meta %s: %w", name, err)
	}
	return nil
}

func tsKey(ts int64, dbID string) string {
	return fmt.Sprintf("%s%020d:%s", tsPrefix, ts, dbID)
}

// tsBound is the smallest key of timestamp ts; every key below it is older.
func tsBound(ts int64) string {
	return fmt.Sprintf("%s%020d:", tsPrefix, ts)
}

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

func lookupTSKey(b *pebble.Batch, dbID string) (string, bool, error) {
	v, closer, err := b.Get([]byte(idPrefix + dbID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	key := string(v)
	_ = closer.Close()
	return key, true, nil
}

func putRecord(b *pebble.Batch, m *message.Message) error {
	rec := pebbleRecord{
		DBID:        m.HistoryID.DBID,
		ID:          m.ID,
		TimeMicros:  m.HistoryID.TimeMicros,
		Type:        m.Type,
		OperatorID:  m.OperatorID,
		SenderName:  m.SenderName,
		AvatarURL:   m.AvatarURL,
		Text:        m.Text,
		RawText:     m.RawText,
		Data:        m.Data,
		Attachment:  m.Attachment,
		CanBeEdited: m.CanBeEdited,
		Read:        m.Read,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := tsKey(rec.TimeMicros, rec.DBID)
	if err := b.Set([]byte(key), data, nil); err != nil {
		return err
	}
	return b.Set([]byte(idPrefix+rec.DBID), []byte(key), nil)
}

// firstAfter returns the history id of the oldest message strictly newer than ts.
func firstAfter(b *pebble.Batch, ts int64) (*message.HistoryID, error) {
	upper := []byte(tsPrefix)
	upper[len(upper)-1]++
	iter, err := b.NewIter(&pebble.IterOptions{
		LowerBound: []byte(tsBound(ts + 1)),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if !iter.First() {
		return nil, nil
	}
	rec, err := decodeRecord(iter.Value())
	if err != nil {
		return nil, err
	}
	return &message.HistoryID{DBID: rec.DBID, TimeMicros: rec.TimeMicros}, nil
}

func decodeRecord(raw []byte) (*pebbleRecord, error) {
	var rec pebbleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode history record: %w", err)
	}
	if rec.DBID == "" {
		return nil, errors.New("decode history record: missing db id")
	}
	return &rec, nil
}
