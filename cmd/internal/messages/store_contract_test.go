package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, empty store whose received_at clock is now.
type storeFactory func(t *testing.T, now func() time.Time) Store

var contractBase = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// tickingClock advances one second per call so a second write would be visible.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func strPtr(s string) *string { return &s }

func msg(id, from string, ts time.Time, text *string) Message {
	return Message{ID: id, From: from, To: "+14155550100", Timestamp: ts, Text: text}
}

func mustInsert(t *testing.T, st Store, m Message) InsertResult {
	t.Helper()

	res, err := st.InsertIfAbsent(context.Background(), m)
	require.NoError(t, err, "insert %s", m.ID)
	return res
}

func ids(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

// runStoreContract checks the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Helper()

	const (
		senderA = "+15550000001"
		senderB = "+15550000002"
		senderC = "+15550000003"
	)

	t.Run("created then duplicate keeps first write", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		m := msg("m-1", senderA, contractBase, strPtr("hello"))

		first, err := st.InsertIfAbsent(ctx, m)
		require.NoError(t, err)
		require.Equal(t, Created, first.Outcome)
		require.False(t, first.Stored.ReceivedAt.IsZero())

		changed := m
		changed.Text = strPtr("changed")
		second, err := st.InsertIfAbsent(ctx, changed)
		require.NoError(t, err)
		require.Equal(t, Duplicate, second.Outcome)
		require.True(t, first.Stored.ReceivedAt.Equal(second.Stored.ReceivedAt), "received_at changed on duplicate")
		require.Equal(t, "hello", *second.Stored.Text)

		got, err := st.Get(ctx, "m-1")
		require.NoError(t, err)
		require.True(t, first.Stored.ReceivedAt.Equal(got.ReceivedAt))
		require.Equal(t, "hello", *got.Text)

		res, err := st.Query(ctx, Filter{}, Page{})
		require.NoError(t, err)
		require.Equal(t, 1, res.Total)
	})

	t.Run("round trip normalizes to utc", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		zone := time.FixedZone("UTC+2", 2*3600)
		ts := time.Date(2025, 1, 15, 12, 0, 0, 123456789, zone)
		mustInsert(t, st, msg("tz", senderA, ts, nil))

		got, err := st.Get(ctx, "tz")
		require.NoError(t, err)
		require.Equal(t, time.UTC, got.Timestamp.Location())
		require.True(t, got.Timestamp.Equal(time.Date(2025, 1, 15, 10, 0, 0, 123456000, time.UTC)), "got %s", got.Timestamp)
		require.Nil(t, got.Text)
		require.Equal(t, "+14155550100", got.To)
	})

	t.Run("get missing", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())

		_, err := st.Get(context.Background(), "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects incomplete message", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())

		_, err := st.InsertIfAbsent(context.Background(), Message{ID: " ", From: senderA, To: senderB, Timestamp: contractBase})
		require.ErrorIs(t, err, ErrInvalidMessage)

		_, err = st.InsertIfAbsent(context.Background(), Message{ID: "x", From: senderA, To: senderB})
		require.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("six message example", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		senders := []string{senderA, senderB, senderA, senderB, senderC, senderA}
		for i, from := range senders {
			mustInsert(t, st, msg(fmt.Sprintf("ex-%d", i+1), from, contractBase.Add(time.Duration(i)*5*time.Minute), nil))
		}

		page, err := st.Query(ctx, Filter{}, Page{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Equal(t, 6, page.Total)
		require.Equal(t, []string{"ex-3", "ex-4"}, ids(page.Messages))

		fromA, err := st.Query(ctx, Filter{From: senderA}, Page{})
		require.NoError(t, err)
		require.Equal(t, 3, fromA.Total)
		require.Equal(t, []string{"ex-1", "ex-3", "ex-6"}, ids(fromA.Messages))

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 6, stats.TotalMessages)
		require.Equal(t, 3, stats.SendersCount)
		require.Equal(t, []SenderCount{
			{Address: senderA, Count: 3},
			{Address: senderB, Count: 2},
			{Address: senderC, Count: 1},
		}, stats.TopSenders)
		require.NotNil(t, stats.FirstTimestamp)
		require.NotNil(t, stats.LastTimestamp)
		require.True(t, stats.FirstTimestamp.Equal(contractBase))
		require.True(t, stats.LastTimestamp.Equal(contractBase.Add(25*time.Minute)))
	})

	t.Run("pages concatenate to full order", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		// Three messages per timestamp so the ID tie-break matters.
		for i := 0; i < 23; i++ {
			ts := contractBase.Add(time.Duration(i/3) * time.Minute)
			id := fmt.Sprintf("p-%c-%02d", 'z'-rune(i%3), i)
			mustInsert(t, st, msg(id, senderA, ts, nil))
		}

		all, err := st.Query(ctx, Filter{}, Page{Limit: MaxLimit})
		require.NoError(t, err)
		require.Equal(t, 23, all.Total)
		require.Len(t, all.Messages, 23)
		for i := 1; i < len(all.Messages); i++ {
			prev, cur := all.Messages[i-1], all.Messages[i]
			ordered := prev.Timestamp.Before(cur.Timestamp) ||
				(prev.Timestamp.Equal(cur.Timestamp) && prev.ID < cur.ID)
			require.True(t, ordered, "out of order at %d: %s then %s", i, prev.ID, cur.ID)
		}

		var paged []Message
		for offset := 0; ; offset += 5 {
			page, err := st.Query(ctx, Filter{}, Page{Limit: 5, Offset: offset})
			require.NoError(t, err)
			require.Equal(t, 23, page.Total)
			if len(page.Messages) == 0 {
				break
			}
			paged = append(paged, page.Messages...)
		}
		require.Equal(t, ids(all.Messages), ids(paged))
	})

	t.Run("offset past end", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		mustInsert(t, st, msg("only", senderA, contractBase, nil))

		res, err := st.Query(ctx, Filter{}, Page{Limit: 10, Offset: 5})
		require.NoError(t, err)
		require.Equal(t, 1, res.Total)
		require.NotNil(t, res.Messages)
		require.Empty(t, res.Messages)

		empty, err := st.Query(ctx, Filter{From: senderB}, Page{})
		require.NoError(t, err)
		require.Equal(t, 0, empty.Total)
		require.Empty(t, empty.Messages)
	})

	t.Run("page bounds are clamped", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		for i := 0; i < MaxLimit+5; i++ {
			mustInsert(t, st, msg(fmt.Sprintf("c-%03d", i), senderA, contractBase.Add(time.Duration(i)*time.Second), nil))
		}

		big, err := st.Query(ctx, Filter{}, Page{Limit: 1000, Offset: -3})
		require.NoError(t, err)
		require.Len(t, big.Messages, MaxLimit)
		require.Equal(t, "c-000", big.Messages[0].ID)

		def, err := st.Query(ctx, Filter{}, Page{})
		require.NoError(t, err)
		require.Len(t, def.Messages, DefaultLimit)
	})

	t.Run("since is inclusive", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			mustInsert(t, st, msg(fmt.Sprintf("s-%d", i), senderA, contractBase.Add(time.Duration(i)*time.Hour), nil))
		}

		since := contractBase.Add(2 * time.Hour)
		res, err := st.Query(ctx, Filter{Since: &since}, Page{})
		require.NoError(t, err)
		require.Equal(t, 2, res.Total)
		require.Equal(t, []string{"s-2", "s-3"}, ids(res.Messages))

		res, err = st.Query(ctx, Filter{Since: &since, From: senderB}, Page{})
		require.NoError(t, err)
		require.Equal(t, 0, res.Total)
	})

	t.Run("search is literal and case insensitive", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		mustInsert(t, st, msg("q-1", senderA, contractBase, strPtr("Get 50% off today")))
		mustInsert(t, st, msg("q-2", senderA, contractBase.Add(time.Minute), strPtr("get 500 off today")))
		mustInsert(t, st, msg("q-3", senderB, contractBase.Add(2*time.Minute), strPtr("snake_case name")))
		mustInsert(t, st, msg("q-4", senderB, contractBase.Add(3*time.Minute), strPtr("snakeXcase name")))
		mustInsert(t, st, msg("q-5", senderC, contractBase.Add(4*time.Minute), nil))

		cases := []struct {
			search string
			want   []string
		}{
			{search: "50%", want: []string{"q-1"}},
			{search: "snake_case", want: []string{"q-3"}},
			{search: "GET", want: []string{"q-1", "q-2"}},
			{search: "  off  ", want: []string{"q-1", "q-2"}},
			{search: "absent", want: []string{}},
		}
		for _, tc := range cases {
			res, err := st.Query(ctx, Filter{Search: tc.search}, Page{})
			require.NoError(t, err, "search %q", tc.search)
			require.Equal(t, len(tc.want), res.Total, "search %q", tc.search)
			require.Equal(t, tc.want, ids(res.Messages), "search %q", tc.search)
		}

		res, err := st.Query(ctx, Filter{Search: "off", From: senderA}, Page{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Equal(t, 2, res.Total)
		require.Equal(t, []string{"q-2"}, ids(res.Messages))
	})

	t.Run("stats empty", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())

		stats, err := st.Stats(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, stats.TotalMessages)
		require.Equal(t, 0, stats.SendersCount)
		require.NotNil(t, stats.TopSenders)
		require.Empty(t, stats.TopSenders)
		require.Nil(t, stats.FirstTimestamp)
		require.Nil(t, stats.LastTimestamp)
	})

	t.Run("stats up to ten senders sums to total", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		n := 0
		for s := 0; s < 10; s++ {
			for k := 0; k <= s%3; k++ {
				mustInsert(t, st, msg(fmt.Sprintf("t-%02d-%d", s, k), fmt.Sprintf("+1555100%04d", s), contractBase.Add(time.Duration(n)*time.Second), nil))
				n++
			}
		}

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, n, stats.TotalMessages)
		require.Equal(t, 10, stats.SendersCount)
		require.Len(t, stats.TopSenders, 10)

		sum := 0
		for _, sc := range stats.TopSenders {
			sum += sc.Count
		}
		require.Equal(t, stats.TotalMessages, sum)
	})

	t.Run("stats truncates to ten with address tie break", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		// Sender 00 sends 3, every other sender sends 1.
		n := 0
		add := func(sender int) {
			mustInsert(t, st, msg(fmt.Sprintf("u-%03d", n), fmt.Sprintf("+1555200%04d", sender), contractBase.Add(time.Duration(n)*time.Second), nil))
			n++
		}
		for i := 0; i < 3; i++ {
			add(0)
		}
		for s := 12; s >= 1; s-- {
			add(s)
		}

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 15, stats.TotalMessages)
		require.Equal(t, 13, stats.SendersCount)
		require.Len(t, stats.TopSenders, TopSendersLimit)

		require.Equal(t, SenderCount{Address: "+15552000000", Count: 3}, stats.TopSenders[0])
		for i := 1; i < TopSendersLimit; i++ {
			require.Equal(t, SenderCount{Address: fmt.Sprintf("+1555200%04d", i), Count: 1}, stats.TopSenders[i])
		}

		sum := 0
		for _, sc := range stats.TopSenders {
			sum += sc.Count
		}
		require.Less(t, sum, stats.TotalMessages)
	})

	t.Run("concurrent duplicates create once", func(t *testing.T) {
		t.Parallel()
		st := newStore(t, tickingClock())
		ctx := context.Background()

		const workers = 16
		var (
			wg      sync.WaitGroup
			created atomic.Int32
			dupes   atomic.Int32
			errs    = make(chan error, workers)
			start   = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				res, err := st.InsertIfAbsent(ctx, msg("race", senderA, contractBase, strPtr(fmt.Sprintf("w%d", i))))
				if err != nil {
					errs <- err
					return
				}
				switch res.Outcome {
				case Created:
					created.Add(1)
				case Duplicate:
					dupes.Add(1)
				default:
					errs <- errors.New("unknown outcome")
				}
			}(i)
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), created.Load())
		require.Equal(t, int32(workers-1), dupes.Load())

		res, err := st.Query(ctx, Filter{}, Page{})
		require.NoError(t, err)
		require.Equal(t, 1, res.Total)
	})
}

// runClosedStoreContract checks that a closed store reports ErrStoreUnavailable.
func runClosedStoreContract(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.Close())

	require.ErrorIs(t, st.Ping(ctx), ErrStoreUnavailable)

	_, err := st.InsertIfAbsent(ctx, msg("closed", "+15550000001", contractBase, nil))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = st.Query(ctx, Filter{}, Page{})
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = st.Stats(ctx)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
