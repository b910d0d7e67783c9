// Package messages owns the persisted message set: idempotent writes, filtered
// listing and aggregate statistics, with Postgres, SQLite and in-memory backends.
package messages

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Paging and aggregation bounds.
const (
	DefaultLimit    = 50
	MaxLimit        = 100
	TopSendersLimit = 10

	// MaxIDLen is the message_id limit in characters.
	MaxIDLen = 255
)

// Message is the canonical persisted message representation.
// Records are immutable once stored.
type Message struct {
	ID         string
	From       string
	To         string
	Timestamp  time.Time
	Text       *string
	ReceivedAt time.Time
}

// Outcome classifies an InsertIfAbsent call.
type Outcome int

const (
	// Created means this call stored the record.
	Created Outcome = iota + 1
	// Duplicate means a record with the same ID already existed; nothing was written.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// InsertResult is the insert operation result.
// On Duplicate, Stored is the pre-existing record.
type InsertResult struct {
	Outcome Outcome
	Stored  Message
}

// Filter is AND-combined; zero fields are ignored.
type Filter struct {
	From   string
	Since  *time.Time
	Search string
}

// Page is an offset window over the ordered result set.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to the allowed bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// QueryResult is one page plus the count of all matching records.
type QueryResult struct {
	Messages []Message
	Total    int
}

// SenderCount is one row of the top-senders aggregate.
type SenderCount struct {
	Address string
	Count   int
}

// Stats aggregates the whole message set.
// FirstTimestamp and LastTimestamp are nil when the store is empty.
type Stats struct {
	TotalMessages  int
	SendersCount   int
	TopSenders     []SenderCount
	FirstTimestamp *time.Time
	LastTimestamp  *time.Time
}

// Store persists and queries messages.
//
// Requirements:
//   - InsertIfAbsent is atomic on message ID: under concurrent delivery of one ID,
//     exactly one call reports Created.
//   - Query orders by (Timestamp ASC, ID ASC).
//   - Infrastructure failures wrap ErrStoreUnavailable.
type Store interface {
	InsertIfAbsent(ctx context.Context, m Message) (InsertResult, error)
	Get(ctx context.Context, id string) (Message, error)
	Query(ctx context.Context, f Filter, p Page) (QueryResult, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

func checkInsertable(m Message) error {
	if strings.TrimSpace(m.ID) == "" || utf8.RuneCountInString(m.ID) > MaxIDLen {
		return ErrInvalidMessage
	}
	if m.From == "" || m.To == "" || m.Timestamp.IsZero() {
		return ErrInvalidMessage
	}
	return nil
}

// normalizeTime converts to UTC and truncates to microseconds, the precision Postgres keeps,
// so every backend round-trips identically.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeMessage(m Message) Message {
	m = cloneMessage(m)
	m.Timestamp = normalizeTime(m.Timestamp)
	return m
}

func normalizeFilter(f Filter) Filter {
	f.From = strings.TrimSpace(f.From)
	f.Search = strings.TrimSpace(f.Search)
	if f.Since != nil {
		s := normalizeTime(*f.Since)
		f.Since = &s
	}
	return f
}

// cloneMessage detaches Text so callers and stores never share it.
func cloneMessage(m Message) Message {
	if m.Text != nil {
		s := *m.Text
		m.Text = &s
	}
	return m
}
