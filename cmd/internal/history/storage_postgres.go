package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"chatsync/cmd/internal/message"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	metaKeyVersion    = "major_version"
	metaKeyRevision   = "revision"
	metaKeyEnded      = "history_ended"
	metaKeyReadBefore = "read_before"
)

// PostgresStorage is a Storage and MetaStorage backed by PostgreSQL.
//
// Ownership model:
// - PostgresStorage does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every write batch runs in one transaction holding a transactional
//     advisory lock per schema, so two sessions sharing a schema never
//     interleave merge-on-write batches.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	schema string

	mu         sync.Mutex
	mark       lowWaterMark
	readBefore int64
	prepared   bool
}

// PostgresOption configures PostgresStorage behavior.
type PostgresOption func(*PostgresStorage) error

// WithSchema sets the DB schema used by this store (default: "chatsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStorage) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStorage constructs a Postgres-backed Storage. Call Prepare
// before use.
func NewPostgresStorage(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStorage, error) {
	st := &PostgresStorage{
		pool:       pool,
		schema:     "chatsync",
		mark:       newLowWaterMark(),
		readBefore: -1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStorage) Close() error { return nil }

func (s *PostgresStorage) MajorVersion() int { return StorageMajorVersion }

// ApplySchema creates the schema and tables if they do not exist.
func (s *PostgresStorage) ApplySchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}

// PostgresSchemaSQL returns the DDL for the tables used by PostgresStorage.
func PostgresSchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  db_id          TEXT PRIMARY KEY,
  client_side_id TEXT NOT NULL,
  ts_micros      BIGINT NOT NULL,
  sender_id      TEXT NOT NULL DEFAULT '',
  sender_name    TEXT NOT NULL DEFAULT '',
  avatar_url     TEXT NOT NULL DEFAULT '',
  type           TEXT NOT NULL,
  text           TEXT NOT NULL DEFAULT '',
  raw_text       TEXT NOT NULL DEFAULT '',
  data           JSONB,
  attachment     JSONB,
  can_be_edited  BOOLEAN NOT NULL DEFAULT false,
  read           BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS history_ts_idx ON %s (ts_micros, db_id);

CREATE TABLE IF NOT EXISTS %s (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
		pgx.Identifier{schema}.Sanitize(),
		pgIdent(schema, "history"),
		pgIdent(schema, "history"),
		pgIdent(schema, "history_meta"),
	)
}

// Prepare checks the stored layout version, wiping history on mismatch, and
// loads the low-water mark and read-before bookkeeping.
func (s *PostgresStorage) Prepare(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}

	stored, err := s.metaGet(ctx, metaKeyVersion)
	if err != nil {
		return err
	}
	want := strconv.Itoa(StorageMajorVersion)
	if stored != want {
		if stored != "" {
			if err := s.ClearHistory(ctx); err != nil {
				return err
			}
			if err := s.SetRevision(ctx, ""); err != nil {
				return err
			}
		}
		if err := s.metaSet(ctx, metaKeyVersion, want); err != nil {
			return err
		}
	}

	var first *int64
	if err := s.pool.QueryRow(ctx,
		`SELECT MIN(ts_micros) FROM `+pgIdent(s.schema, "history"),
	).Scan(&first); err != nil {
		return fmt.Errorf("load first timestamp: %w", err)
	}
	ended, err := s.HistoryEnded(ctx)
	if err != nil {
		return err
	}
	readBefore := int64(-1)
	if raw, err := s.metaGet(ctx, metaKeyReadBefore); err != nil {
		return err
	} else if raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			readBefore = n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = newLowWaterMark()
	if first != nil {
		s.mark.firstKnown = *first
	}
	s.mark.reachedEnd = ended
	s.readBefore = readBefore
	s.prepared = true
	return nil
}

func (s *PostgresStorage) GetLatestHistory(ctx context.Context, limit int) ([]*message.Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+`
		   FROM `+pgIdent(s.schema, "history")+`
		  ORDER BY ts_micros DESC, db_id DESC
		  LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	out, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *PostgresStorage) GetHistoryBefore(ctx context.Context, id message.HistoryID, limit int) ([]*message.Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+`
		   FROM `+pgIdent(s.schema, "history")+`
		  WHERE ts_micros < $1
		  ORDER BY ts_micros DESC, db_id DESC
		  LIMIT $2`,
		id.TimeMicros, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	out, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *PostgresStorage) GetFullHistory(ctx context.Context) ([]*message.Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+`
		   FROM `+pgIdent(s.schema, "history")+`
		  ORDER BY ts_micros ASC, db_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	return s.scanRows(rows)
}

func (s *PostgresStorage) ReceiveHistoryBefore(ctx context.Context, msgs []*message.Message, hasMore bool) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first := int64(-1)
	for _, m := range msgs {
		if first == -1 || m.HistoryID.TimeMicros < first {
			first = m.HistoryID.TimeMicros
		}
		if _, err := s.insert(ctx, tx, asStored(m)); err != nil {
			return err
		}
	}
	if !hasMore {
		if err := metaSetTx(ctx, tx, s.schema, metaKeyEnded, "true"); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if first != -1 {
		s.mark.lowerTo(first)
	}
	if !hasMore {
		s.mark.reachedEnd = true
	}
	return nil
}

func (s *PostgresStorage) ReceiveHistoryUpdate(ctx context.Context, msgs []*message.Message, idsToDelete []string) ([]Event, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	if err := validateHistoryMessages(msgs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	mark := s.mark
	readBefore := s.readBefore
	s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events := make([]Event, 0, len(msgs)+len(idsToDelete)+1)
	newFirst := int64(-1)

	for _, m := range msgs {
		ts := m.HistoryID.TimeMicros
		if mark.skip(ts) {
			continue
		}
		if newFirst == -1 || ts < newFirst {
			newFirst = ts
		}

		stored := asStored(m)
		inserted, err := s.insert(ctx, tx, stored)
		if err != nil {
			return nil, err
		}
		out := stored.Clone()
		markRead(out, readBefore)

		if !inserted {
			if err := s.update(ctx, tx, stored); err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: EventChanged, Message: out})
			continue
		}

		ev := Event{Kind: EventAdded, Message: out}
		next, err := s.nextAfter(ctx, tx, ts)
		if err != nil {
			return nil, err
		}
		ev.Before = next
		events = append(events, ev)
	}

	for _, id := range idsToDelete {
		tag, err := tx.Exec(ctx,
			`DELETE FROM `+pgIdent(s.schema, "history")+` WHERE db_id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("delete history %s: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			events = append(events, Event{Kind: EventDeleted, DeletedID: id})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.mark.firstKnown == -1 && newFirst != -1 {
		s.mark.firstKnown = newFirst
	}
	s.mu.Unlock()

	return append(events, Event{Kind: EventEndOfBatch}), nil
}

func (s *PostgresStorage) ClearHistory(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "history")); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := s.metaSet(ctx, metaKeyEnded, "false"); err != nil {
		return err
	}
	s.mu.Lock()
	s.mark = newLowWaterMark()
	s.mu.Unlock()
	return nil
}

func (s *PostgresStorage) SetReachedHistoryEnd(ctx context.Context, reached bool) error {
	return s.SetHistoryEnded(ctx, reached)
}

func (s *PostgresStorage) UpdateReadBeforeTimestamp(ctx context.Context, ts int64) error {
	if err := s.metaSet(ctx, metaKeyReadBefore, strconv.FormatInt(ts, 10)); err != nil {
		return err
	}
	s.mu.Lock()
	s.readBefore = ts
	s.mu.Unlock()
	return nil
}

// Revision implements MetaStorage.
func (s *PostgresStorage) Revision(ctx context.Context) (string, error) {
	return s.metaGet(ctx, metaKeyRevision)
}

// SetRevision implements MetaStorage.
func (s *PostgresStorage) SetRevision(ctx context.Context, revision string) error {
	return s.metaSet(ctx, metaKeyRevision, revision)
}

// HistoryEnded implements MetaStorage.
func (s *PostgresStorage) HistoryEnded(ctx context.Context) (bool, error) {
	v, err := s.metaGet(ctx, metaKeyEnded)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetHistoryEnded implements MetaStorage.
func (s *PostgresStorage) SetHistoryEnded(ctx context.Context, ended bool) error {
	if err := s.metaSet(ctx, metaKeyEnded, strconv.FormatBool(ended)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mark.reachedEnd = ended
	s.mu.Unlock()
	return nil
}

func (s *PostgresStorage) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "chatsync.history:"+s.schema); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return tx, nil
}

// insert adds m unless its db id is already present. It reports whether a row was written.
func (s *PostgresStorage) insert(ctx context.Context, tx pgx.Tx, m *message.Message) (bool, error) {
	att, err := encodeAttachment(m.Attachment)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "history")+` (
		     db_id, client_side_id, ts_micros, sender_id, sender_name, avatar_url,
		     type, text, raw_text, data, attachment, can_be_edited, read
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (db_id) DO NOTHING`,
		m.HistoryID.DBID, m.ID, m.HistoryID.TimeMicros, m.OperatorID, m.SenderName, m.AvatarURL,
		string(m.Type), m.Text, m.RawText, nullableJSON(m.Data), att, m.CanBeEdited, m.Read,
	)
	if err != nil {
		return false, fmt.Errorf("insert history %s: %w", m.HistoryID.DBID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) update(ctx context.Context, tx pgx.Tx, m *message.Message) error {
	att, err := encodeAttachment(m.Attachment)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "history")+`
		    SET client_side_id = $2, ts_micros = $3, sender_id = $4, sender_name = $5,
		        avatar_url = $6, type = $7, text = $8, raw_text = $9, data = $10,
		        attachment = $11, can_be_edited = $12, read = $13
		  WHERE db_id = $1`,
		m.HistoryID.DBID, m.ID, m.HistoryID.TimeMicros, m.OperatorID, m.SenderName,
		m.AvatarURL, string(m.Type), m.Text, m.RawText, nullableJSON(m.Data),
		att, m.CanBeEdited, m.Read,
	); err != nil {
		return fmt.Errorf("update history %s: %w", m.HistoryID.DBID, err)
	}
	return nil
}

func (s *PostgresStorage) nextAfter(ctx context.Context, tx pgx.Tx, ts int64) (*message.HistoryID, error) {
	var id message.HistoryID
	err := tx.QueryRow(ctx,
		`SELECT db_id, ts_micros
		   FROM `+pgIdent(s.schema, "history")+`
		  WHERE ts_micros > $1
		  ORDER BY ts_micros ASC, db_id ASC
		  LIMIT 1`,
		ts,
	).Scan(&id.DBID, &id.TimeMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

const historyColumns = `db_id, client_side_id, ts_micros, sender_id, sender_name, avatar_url,
		        type, text, raw_text, data, attachment, can_be_edited, read`

func (s *PostgresStorage) scanRows(rows pgx.Rows) ([]*message.Message, error) {
	defer rows.Close()

	s.mu.Lock()
	readBefore := s.readBefore
	s.mu.Unlock()

	var out []*message.Message
	for rows.Next() {
		var (
			m    message.Message
			id   message.HistoryID
			typ  string
			data []byte
			att  []byte
		)
		if err := rows.Scan(
			&id.DBID, &m.ID, &id.TimeMicros, &m.OperatorID, &m.SenderName, &m.AvatarURL,
			&typ, &m.Text, &m.RawText, &data, &att, &m.CanBeEdited, &m.Read,
		); err != nil {
			return nil, err
		}
		m.HistoryID = &id
		m.TimeMicros = id.TimeMicros
		m.Type = message.Type(typ)
		m.Phase = message.PhaseHistorified
		if len(data) > 0 {
			m.Data = json.RawMessage(data)
		}
		if len(att) > 0 {
			var a message.Attachment
			if err := json.Unmarshal(att, &a); err == nil {
				m.Attachment = &a
			}
		}
		markRead(&m, readBefore)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStorage) metaGet(ctx context.Context, key string) (string, error) {
	if s == nil || s.pool == nil {
		return "", ErrNilStore
	}
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+pgIdent(s.schema, "history_meta")+` WHERE key = $1`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStorage) metaSet(ctx context.Context, key, value string) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "history_meta")+` (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func metaSetTx(ctx context.Context, tx pgx.Tx, schema, key, value string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "history_meta")+` (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return err
}

func encodeAttachment(a *message.Attachment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func reverse(msgs []*message.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
