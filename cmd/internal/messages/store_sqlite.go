package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is fixed-width UTC so that lexical order equals time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id  TEXT NOT NULL PRIMARY KEY CHECK (length(message_id) BETWEEN 1 AND 255),
	from_msisdn TEXT NOT NULL,
	to_msisdn   TEXT NOT NULL,
	ts          TEXT NOT NULL,
	text        TEXT NULL,
	received_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_ts_message_id_idx ON messages(ts, message_id);
CREATE INDEX IF NOT EXISTS messages_from_msisdn_idx ON messages(from_msisdn);
`

// SQLiteStore is a Store backed by a SQLite database file.
//
// It owns its *sql.DB. A single connection is used: SQLite serializes writers
// anyway, and one connection keeps read snapshots and busy handling simple.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures SQLiteStore behavior.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the received_at clock.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures the schema.
// path may be a plain filesystem path, ":memory:", or a "file:" URI.
func NewSQLiteStore(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("messages: empty sqlite path")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", classifySQLite(err))
	}
	return st, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classifySQLite(s.db.PingContext(ctx))
}

// InsertIfAbsent stores m unless its ID is already present.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, m Message) (InsertResult, error) {
	if err := checkInsertable(m); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	m = normalizeMessage(m)
	m.ReceivedAt = normalizeTime(s.now())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		m.ID, m.From, m.To, formatSQLiteTime(m.Timestamp), nullableText(m.Text), formatSQLiteTime(m.ReceivedAt),
	)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert message: %w", classifySQLite(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertResult{}, classifySQLite(err)
	}
	if n == 1 {
		return InsertResult{Outcome: Created, Stored: m}, nil
	}

	existing, err := s.Get(ctx, m.ID)
	if err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Outcome: Duplicate, Stored: existing}, nil
}

// Get returns the record with the given ID or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	m, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, classifySQLite(err)
	}
	return m, nil
}

// Query returns the requested window and the total match count from one transaction.
func (s *SQLiteStore) Query(ctx context.Context, f Filter, p Page) (QueryResult, error) {
	f = normalizeFilter(f)
	p = p.Normalize()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("begin read: %w", classifySQLite(err))
	}
	defer func() { _ = tx.Rollback() }()

	where, args := buildWhere(f, sqliteDialect)

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("count messages: %w", classifySQLite(err))
	}

	out := QueryResult{Messages: make([]Message, 0, p.Limit), Total: total}
	if total == 0 || p.Offset >= total {
		return out, nil
	}

	pageArgs := append(args, p.Limit, p.Offset)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages`+where+`
		  ORDER BY ts ASC, message_id ASC
		  LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return QueryResult{}, fmt.Errorf("list messages: %w", classifySQLite(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return QueryResult{}, classifySQLite(err)
		}
		out.Messages = append(out.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classifySQLite(err)
	}
	return out, nil
}

// Stats aggregates the whole set from one transaction.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("begin read: %w", classifySQLite(err))
	}
	defer func() { _ = tx.Rollback() }()

	out := Stats{TopSenders: []SenderCount{}}

	var first, last sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*), count(DISTINCT from_msisdn), min(ts), max(ts) FROM messages`,
	).Scan(&out.TotalMessages, &out.SendersCount, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("stats totals: %w", classifySQLite(err))
	}
	if out.FirstTimestamp, err = parseNullSQLiteTime(first); err != nil {
		return Stats{}, err
	}
	if out.LastTimestamp, err = parseNullSQLiteTime(last); err != nil {
		return Stats{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT from_msisdn, count(*) AS n FROM messages
		  GROUP BY from_msisdn
		  ORDER BY n DESC, from_msisdn ASC
		  LIMIT ?`,
		TopSendersLimit,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("stats senders: %w", classifySQLite(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.Address, &sc.Count); err != nil {
			return Stats{}, classifySQLite(err)
		}
		out.TopSenders = append(out.TopSenders, sc)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, classifySQLite(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (Message, error) {
	var (
		m          Message
		ts, recvAt string
		text       sql.NullString
	)
	if err := row.Scan(&m.ID, &m.From, &m.To, &ts, &text, &recvAt); err != nil {
		return Message{}, err
	}
	var err error
	if m.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
		return Message{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	if m.ReceivedAt, err = time.Parse(sqliteTimeLayout, recvAt); err != nil {
		return Message{}, fmt.Errorf("parse received_at %q: %w", recvAt, err)
	}
	m.Timestamp = m.Timestamp.UTC()
	m.ReceivedAt = m.ReceivedAt.UTC()
	if text.Valid {
		s := text.String
		m.Text = &s
	}
	return m, nil
}

func formatSQLiteTime(t time.Time) string {
	return normalizeTime(t).Format(sqliteTimeLayout)
}

func parseNullSQLiteTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse ts %q: %w", v.String, err)
	}
	t = t.UTC()
	return &t, nil
}

func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// sqliteDSN adds busy/WAL pragmas unless the caller already set query options.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000"
	}
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}

func ensureParentDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}

// classifySQLite maps IO, locking and closed-handle failures to ErrStoreUnavailable.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr,
			sqlite3.ErrFull, sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrReadonly:
			return unavailable(err)
		}
		return err
	}
	// database/sql reports a closed *sql.DB with an unexported error value.
	if strings.Contains(err.Error(), "database is closed") {
		return unavailable(err)
	}
	return err
}
