package messages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - message_id is the PRIMARY KEY; INSERT ... ON CONFLICT DO NOTHING lets the
//     constraint pick the single winner among concurrent duplicates.
//   - Reads that return more than one figure run in one REPEATABLE READ snapshot.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messages: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messages: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the received_at clock.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now == nil {
			return errors.New("messages: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
		now:    time.Now,
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
		return nil, errors.New("messages: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := s.table()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			message_id  TEXT COLLATE "C" PRIMARY KEY CHECK (char_length(message_id) BETWEEN 1 AND 255),
			from_msisdn TEXT COLLATE "C" NOT NULL,
			to_msisdn   TEXT COLLATE "C" NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			text        TEXT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_ts_message_id_idx ON ` + messages + ` (ts, message_id)`,
		`CREATE INDEX IF NOT EXISTS messages_from_msisdn_idx ON ` + messages + ` (from_msisdn)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", classifyPG(err))
		}
	}
	return nil
}

// Ping checks that a connection can be acquired and used.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return classifyPG(s.pool.Ping(ctx))
}

// InsertIfAbsent stores m unless its ID is already present.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, m Message) (InsertResult, error) {
	if s == nil || s.pool == nil {
		return InsertResult{}, ErrStoreUnavailable
	}
	if err := checkInsertable(m); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	m = normalizeMessage(m)
	m.ReceivedAt = normalizeTime(s.now())

	var receivedAt time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING
		 RETURNING received_at`,
		m.ID, m.From, m.To, m.Timestamp, m.Text, m.ReceivedAt,
	).Scan(&receivedAt)

	switch {
	case err == nil:
		m.ReceivedAt = receivedAt.UTC()
		return InsertResult{Outcome: Created, Stored: m}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict: another insert owns this ID. Report the stored record.
		existing, err := s.Get(ctx, m.ID)
		if err != nil {
			return InsertResult{}, err
		}
		return InsertResult{Outcome: Duplicate, Stored: existing}, nil
	default:
		return InsertResult{}, fmt.Errorf("insert message: %w", classifyPG(err))
	}
}

// Get returns the record with the given ID or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table()+` WHERE message_id = $1`, id)
	m, err := scanPGMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, classifyPG(err)
	}
	return m, nil
}

// Query returns the requested window and the total match count from one snapshot.
func (s *PostgresStore) Query(ctx context.Context, f Filter, p Page) (QueryResult, error) {
	if s == nil || s.pool == nil {
		return QueryResult{}, ErrStoreUnavailable
	}
	f = normalizeFilter(f)
	p = p.Normalize()

	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table()
	where, args := buildWhere(f, postgresDialect)

	var total int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+messages+where, args...).Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("count messages: %w", classifyPG(err))
	}

	out := QueryResult{Messages: make([]Message, 0, p.Limit), Total: total}
	if total == 0 || p.Offset >= total {
		return out, classifyPG(tx.Commit(ctx))
	}

	n := len(args)
	pageArgs := append(args, p.Limit, p.Offset)
	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+where+`
		  ORDER BY ts ASC, message_id ASC
		  LIMIT `+postgresDialect.placeholder(n+1)+` OFFSET `+postgresDialect.placeholder(n+2),
		pageArgs...,
	)
	if err != nil {
		return QueryResult{}, fmt.Errorf("list messages: %w", classifyPG(err))
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return QueryResult{}, classifyPG(err)
		}
		out.Messages = append(out.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classifyPG(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return QueryResult{}, classifyPG(err)
	}
	return out, nil
}

// Stats aggregates the whole set from one snapshot.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.pool == nil {
		return Stats{}, ErrStoreUnavailable
	}

	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table()
	out := Stats{TopSenders: []SenderCount{}}

	var first, last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT count(*), count(DISTINCT from_msisdn), min(ts), max(ts) FROM `+messages,
	).Scan(&out.TotalMessages, &out.SendersCount, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("stats totals: %w", classifyPG(err))
	}
	out.FirstTimestamp = utcPtr(first)
	out.LastTimestamp = utcPtr(last)

	rows, err := tx.Query(ctx,
		`SELECT from_msisdn, count(*) AS n FROM `+messages+`
		  GROUP BY from_msisdn
		  ORDER BY n DESC, from_msisdn ASC
		  LIMIT $1`,
		TopSendersLimit,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("stats senders: %w", classifyPG(err))
	}
	defer rows.Close()

	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.Address, &sc.Count); err != nil {
			return Stats{}, classifyPG(err)
		}
		out.TopSenders = append(out.TopSenders, sc)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, classifyPG(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, classifyPG(err)
	}
	return out, nil
}

func (s *PostgresStore) beginSnapshot(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", classifyPG(err))
	}
	return tx, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "messages")
}

func scanPGMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.From, &m.To, &m.Timestamp, &m.Text, &m.ReceivedAt); err != nil {
		return Message{}, err
	}
	m.Timestamp = m.Timestamp.UTC()
	m.ReceivedAt = m.ReceivedAt.UTC()
	return m, nil
}

// classifyPG maps transport, pool and server-availability failures to ErrStoreUnavailable.
// Query-level server errors (syntax, constraint) and context errors pass through.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var scanErr pgx.ScanArgError
	if errors.As(err, &scanErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"),  // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention / cannot connect now
			return unavailable(err)
		}
		return err
	}
	return unavailable(err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
