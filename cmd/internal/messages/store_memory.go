package messages

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for dev and tests (DATABASE_URL=memory://).
// The ID check and the write happen under one lock, which is this backend's
// uniqueness constraint.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Message
	closed bool
	now    func() time.Time
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the received_at clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID: make(map[string]Message),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close marks the store unavailable. Later calls fail with ErrStoreUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Ping reports ErrStoreUnavailable after Close.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreUnavailable
	}
	return nil
}

// InsertIfAbsent stores m unless its ID is already present.
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, m Message) (InsertResult, error) {
	if err := checkInsertable(m); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	m = normalizeMessage(m)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return InsertResult{}, ErrStoreUnavailable
	}
	if existing, ok := s.byID[m.ID]; ok {
		return InsertResult{Outcome: Duplicate, Stored: cloneMessage(existing)}, nil
	}

	m.ReceivedAt = normalizeTime(s.now())
	s.byID[m.ID] = m
	return InsertResult{Outcome: Created, Stored: cloneMessage(m)}, nil
}

// Get returns the record with the given ID or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Message{}, ErrStoreUnavailable
	}
	m, ok := s.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

// Query returns the requested window of matching records ordered by (Timestamp, ID).
func (s *MemoryStore) Query(ctx context.Context, f Filter, p Page) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}
	f = normalizeFilter(f)
	p = p.Normalize()

	match, err := s.snapshot(func(m Message) bool { return memMatch(m, f) })
	if err != nil {
		return QueryResult{}, err
	}
	sortMessages(match)

	total := len(match)
	if p.Offset >= total {
		return QueryResult{Messages: []Message{}, Total: total}, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return QueryResult{Messages: match[p.Offset:end], Total: total}, nil
}

// Stats aggregates the whole set.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	all, err := s.snapshot(nil)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{TotalMessages: len(all), TopSenders: []SenderCount{}}
	if len(all) == 0 {
		return out, nil
	}

	perSender := make(map[string]int)
	first, last := all[0].Timestamp, all[0].Timestamp
	for _, m := range all {
		perSender[m.From]++
		if m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}

	senders := make([]SenderCount, 0, len(perSender))
	for addr, n := range perSender {
		senders = append(senders, SenderCount{Address: addr, Count: n})
	}
	sort.Slice(senders, func(i, j int) bool {
		if senders[i].Count != senders[j].Count {
			return senders[i].Count > senders[j].Count
		}
		return senders[i].Address < senders[j].Address
	})
	if len(senders) > TopSendersLimit {
		senders = senders[:TopSendersLimit]
	}

	out.SendersCount = len(perSender)
	out.TopSenders = senders
	out.FirstTimestamp = &first
	out.LastTimestamp = &last
	return out, nil
}

func (s *MemoryStore) snapshot(keep func(Message) bool) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	out := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		if keep == nil || keep(m) {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func memMatch(m Message, f Filter) bool {
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.Since != nil && m.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Search != "" {
		if m.Text == nil || !strings.Contains(asciiLower(*m.Text), asciiLower(f.Search)) {
			return false
		}
	}
	return true
}

// asciiLower folds A-Z only, the same folding SQLite LIKE applies.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func sortMessages(ms []Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].Timestamp.Equal(ms[j].Timestamp) {
			return ms[i].Timestamp.Before(ms[j].Timestamp)
		}
		return ms[i].ID < ms[j].ID
	})
}
