package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"inbox/cmd/internal/ids"

	"github.com/coder/websocket"
)

const (
	DefaultSendQueueSize = 64
	minSendQueueSize     = 8

	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	maxPingFailures = 3

	// Subscribers never send data frames; this only bounds control frames.
	maxFrameBytes = 4 << 10

	DefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig tunes the websocket endpoint. Zero values select defaults.
type GatewayConfig struct {
	// AllowedOrigins is matched against the Origin header (full origin or host).
	// Requests without an Origin header are not from a browser and are accepted.
	AllowedOrigins []string

	SendQueueSize     int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Gateway is the GET /ws/messages endpoint.
type Gateway struct {
	log *slog.Logger
	hub *Hub

	allowedOrigins []string
	// Derived for websocket.Accept, which rejects cross-origin requests unless
	// the origin host matches one of these patterns.
	originPatterns []string

	sendQueueSize     int
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewGateway constructs a gateway bound to hub.
func NewGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &Gateway{
		log:               log,
		hub:               hub,
		allowedOrigins:    cleanList(cfg.AllowedOrigins),
		sendQueueSize:     cfg.SendQueueSize,
		writeTimeout:      nonZero(cfg.WriteTimeout, defaultWriteTimeout),
		heartbeatInterval: nonZero(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		heartbeatTimeout:  nonZero(cfg.HeartbeatTimeout, defaultHeartbeatTimeout),
	}
	if g.sendQueueSize <= 0 {
		g.sendQueueSize = DefaultSendQueueSize
	}
	if g.sendQueueSize < minSendQueueSize {
		g.sendQueueSize = minSendQueueSize
	}
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)
	return g
}

// Hub returns the hub this gateway subscribes clients to.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeHTTP upgrades the request and streams feed envelopes until either side goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("feed.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Info("feed.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("feed.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required: "+Subprotocol)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	// CloseRead keeps control frames (pong, close) flowing and cancels ctx
	// when the peer closes or sends a data frame.
	ctx := conn.CloseRead(r.Context())

	client := NewClient(ids.NewRequestID(), g.sendQueueSize)

	hello, err := newEnvelope(TypeHello, HelloPayload{ClientID: client.ID}, time.Now())
	if err == nil {
		err = writeEnvelope(ctx, conn, hello, g.writeTimeout)
	}
	if err != nil {
		g.log.Info("feed.hello.fail", "client_id", client.ID, "err", err)
		return
	}

	g.hub.Subscribe(client)
	defer g.hub.Unsubscribe(client.ID)

	code, reason := g.pump(ctx, conn, client)
	_ = conn.Close(code, reason)
}

// pump writes queued envelopes and pings until the connection or client ends.
func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, client *Client) (websocket.StatusCode, string) {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "bye"
		case <-client.Done():
			return websocket.StatusGoingAway, "unsubscribed"
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
				g.log.Info("feed.write.fail", "client_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				return websocket.StatusAbnormalClosure, "write failed"
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			g.log.Info("feed.ping.fail", "client_id", client.ID, "failures", failures, "err", err)
			if failures >= maxPingFailures {
				return websocket.StatusGoingAway, "heartbeat failed"
			}
		}
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		if a == "*" {
			return nil
		}
		if strings.EqualFold(origin, a) {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns.
// Accept matches against host:port, so every host also gets a "host:*" pattern.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
