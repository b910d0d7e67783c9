// Package main provides a CI-friendly end-to-end smoke test for the inbox service.
//
// It validates:
//   - signed delivery is accepted (200) and a redelivery is accepted again (200)
//   - a bad signature is rejected (401)
//   - an invalid sender address is rejected (422)
//   - the message is listed by sender and counted by /stats
//   - optionally, exactly one message.created feed event for the pair of deliveries
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"inbox/cmd/security/signature"

	"github.com/coder/websocket"
)

const (
	feedSubprotocol = "inbox.feed.v1"
	maxReadBytes    = 1 << 20 // 1MiB
)

type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messageRow struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
}

type smoke struct {
	base     string
	header   string
	timeout  time.Duration
	verbose  bool
	client   *http.Client
	verifier *signature.Verifier
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8000", "Service base URL")
		secret  = flag.String("secret", os.Getenv(signature.SecretEnvKey), "Webhook secret (defaults to $WEBHOOK_SECRET)")
		header  = flag.String("header", signature.DefaultHeader, "Signature header name")
		from    = flag.String("from", "+919876543210", "Sender address")
		to      = flag.String("to", "+14155550100", "Recipient address")
		text    = flag.String("text", "hello inbox", "Message text")
		useFeed = flag.Bool("feed", true, "Also assert the live feed event")
		origin  = flag.String("origin", "", "Origin header for the feed handshake")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	v, err := signature.New(*secret, 1)
	if err != nil {
		fatalf("invalid -secret: %v", err)
	}

	s := &smoke{
		base:     strings.TrimRight(*baseURL, "/"),
		header:   *header,
		timeout:  *timeout,
		verbose:  *verbose,
		client:   &http.Client{Timeout: *timeout},
		verifier: v,
	}
	root := context.Background()

	var feedConn *websocket.Conn
	if *useFeed {
		feedConn = mustConnectFeed(root, wsURL(s.base)+"/ws/messages", *origin, *timeout)
		defer func() { _ = feedConn.Close(websocket.StatusNormalClosure, "bye") }()
	}

	messageID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	body := mustJSON(map[string]any{
		"message_id": messageID,
		"from":       *from,
		"to":         *to,
		"ts":         time.Now().UTC().Format(time.RFC3339),
		"text":       *text,
	})

	s.mustPost(root, body, s.verifier.Sign(body), http.StatusOK, "first delivery")
	s.mustPost(root, body, s.verifier.Sign(body), http.StatusOK, "redelivery")
	s.mustPost(root, body, strings.Repeat("0", 64), http.StatusUnauthorized, "bad signature")

	invalid := mustJSON(map[string]any{
		"message_id": messageID + "-bad",
		"from":       "12345",
		"to":         *to,
		"ts":         time.Now().UTC().Format(time.RFC3339),
	})
	s.mustPost(root, invalid, s.verifier.Sign(invalid), http.StatusUnprocessableEntity, "invalid sender")

	var list struct {
		Data  []messageRow `json:"data"`
		Total int          `json:"total"`
	}
	s.mustGetJSON(root, "/messages?limit=100&from="+url.QueryEscape(*from), &list)
	if !containsID(list.Data, messageID) && list.Total <= len(list.Data) {
		fatalf("list: message %s not found for sender %s (total=%d)", messageID, *from, list.Total)
	}

	var one messageRow
	s.mustGetJSON(root, "/messages/"+url.PathEscape(messageID), &one)
	if one.MessageID != messageID || one.From != *from {
		fatalf("get: got id=%q from=%q", one.MessageID, one.From)
	}

	var stats struct {
		TotalMessages int `json:"total_messages"`
		SendersCount  int `json:"senders_count"`
	}
	s.mustGetJSON(root, "/stats", &stats)
	if stats.TotalMessages < 1 || stats.SendersCount < 1 {
		fatalf("stats: unexpected totals %+v", stats)
	}

	if feedConn != nil {
		mustReadCreated(root, feedConn, messageID, *timeout)
		mustNoMoreCreated(root, feedConn, messageID, 500*time.Millisecond)
	}

	fmt.Printf("OK: webhook smoke passed (message_id=%s)\n", messageID)
}

func (s *smoke) mustPost(parent context.Context, body []byte, token string, want int, step string) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/webhook", bytes.NewReader(body))
	if err != nil {
		fatalf("%s: build request: %v", step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.header, token)

	resp, err := s.client.Do(req)
	if err != nil {
		fatalf("%s: %v", step, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))

	if resp.StatusCode != want {
		fatalf("%s: status=%d want=%d body=%s", step, resp.StatusCode, want, raw)
	}
	if s.verbose {
		fmt.Printf("%s: %d %s\n", step, resp.StatusCode, bytes.TrimSpace(raw))
	}
}

func (s *smoke) mustGetJSON(parent context.Context, path string, out any) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		fatalf("GET %s: build request: %v", path, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))

	if resp.StatusCode != http.StatusOK {
		fatalf("GET %s: status=%d body=%s", path, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("GET %s: decode: %v", path, err)
	}
	if s.verbose {
		fmt.Printf("GET %s: %s\n", path, bytes.TrimSpace(raw))
	}
}

func mustConnectFeed(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{feedSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("feed connect: %v", err)
	}
	if got := conn.Subprotocol(); got != feedSubprotocol {
		fatalf("feed subprotocol mismatch: got=%q want=%q", got, feedSubprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	hello := mustRead(parent, conn, stepTimeout)
	if hello.Type != "feed.hello" {
		fatalf("feed: expected feed.hello, got %q", hello.Type)
	}
	return conn
}

func mustReadCreated(parent context.Context, conn *websocket.Conn, messageID string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		env := mustRead(parent, conn, time.Until(deadline))
		if env.Type != "message.created" {
			continue
		}
		if createdID(env) == messageID {
			return
		}
	}
	fatalf("feed: no message.created for %s", messageID)
}

// mustNoMoreCreated fails if the redelivery produced a second event.
func mustNoMoreCreated(parent context.Context, conn *websocket.Conn, messageID string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return
			}
			fatalf("feed read: %v", err)
		}
		var env feedEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("feed decode: %v", err)
		}
		if env.Type == "message.created" && createdID(env) == messageID {
			fatalf("feed: duplicate message.created for %s", messageID)
		}
	}
}

func mustRead(parent context.Context, conn *websocket.Conn, timeout time.Duration) feedEnvelope {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("feed read: %v", err)
	}
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("feed decode: %v", err)
	}
	return env
}

func createdID(env feedEnvelope) string {
	var p struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(env.Payload, &p)
	return p.MessageID
}

func containsID(rows []messageRow, id string) bool {
	for _, r := range rows {
		if r.MessageID == id {
			return true
		}
	}
	return false
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	default:
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
