package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inbox/cmd/internal/ingest"
	"inbox/cmd/internal/messages"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newGatewayServer(t *testing.T, cfg GatewayConfig) (*Gateway, string) {
	t.Helper()

	g := NewGateway(nil, nil, cfg)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, ctx context.Context, c *websocket.Conn) Envelope {
	t.Helper()

	mt, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, mt)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestGateway_HelloThenCreatedEvents(t *testing.T) {
	t.Parallel()

	g, url := newGatewayServer(t, GatewayConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.NoError(t, err)
	defer func() { _ = c.CloseNow() }()

	hello := readEnvelope(t, ctx, c)
	require.Equal(t, TypeHello, hello.Type)

	var hp HelloPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &hp))
	require.NotEmpty(t, hp.ClientID)

	require.Eventually(t, func() bool { return g.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	m := messages.Message{ID: "m1", From: "+15550000001", To: "+15550000002", Timestamp: time.Now().UTC(), ReceivedAt: time.Now().UTC()}
	g.Hub().Observe(ctx, ingest.Event{Kind: ingest.EventDuplicate, Message: &m})
	g.Hub().Observe(ctx, ingest.Event{Kind: ingest.EventCreated, MessageID: "m1", Message: &m})

	env := readEnvelope(t, ctx, c)
	require.Equal(t, TypeMessageCreated, env.Type)

	var view map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &view))
	require.Equal(t, "m1", view["message_id"])
	require.Nil(t, view["text"])

	_ = c.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return g.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RequiresSubprotocol(t *testing.T) {
	t.Parallel()

	_, url := newGatewayServer(t, GatewayConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = c.CloseNow() }()

	_, _, err = c.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	_, url := newGatewayServer(t, GatewayConfig{AllowedOrigins: []string{"http://localhost"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Origin": {"http://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_AllowsListedCrossOrigin(t *testing.T) {
	t.Parallel()

	_, url := newGatewayServer(t, GatewayConfig{AllowedOrigins: []string{"http://localhost"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Origin": {"http://localhost:3000"}},
	})
	require.NoError(t, err)
	defer func() { _ = c.CloseNow() }()

	require.Equal(t, TypeHello, readEnvelope(t, ctx, c).Type)
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := NewGateway(nil, nil, GatewayConfig{AllowedOrigins: []string{" http://localhost ", "https://inbox.example.com:8443", ""}})

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: true},
		{origin: "http://localhost", ok: true},
		{origin: "http://localhost:5173", ok: true},
		{origin: "https://inbox.example.com:8443", ok: true},
		{origin: "https://INBOX.example.com", ok: true},
		{origin: "http://127.0.0.1", ok: false},
		{origin: "https://evil.example", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws/messages", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if tc.ok {
			require.NoError(t, err, tc.origin)
		} else {
			require.Error(t, err, tc.origin)
		}
	}

	empty := NewGateway(nil, nil, GatewayConfig{})
	r := httptest.NewRequest(http.MethodGet, "/ws/messages", nil)
	r.Header.Set("Origin", "http://localhost")
	require.Error(t, empty.enforceOrigin(r))
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"127.0.0.1", "127.0.0.1:*", "localhost", "localhost:*"},
		deriveOriginPatterns([]string{"http://localhost", "http://127.0.0.1:8000", "localhost:3000"}),
	)
	require.Equal(t, []string{"*"}, deriveOriginPatterns([]string{"http://a", "*"}))
}
