package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inbox/cmd/internal/ids"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

type recordedRequest struct {
	pattern string
	status  int
}

type requestRecorder struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (r *requestRecorder) ObserveRequest(pattern string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedRequest{pattern: pattern, status: status})
}

func TestWithRequestLogging_RecordsPatternAndRequestID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := &requestRecorder{}

	var seenID string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		seenID = ids.RequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	})
	h := WithRequestID(WithRequestLogging(mux, log, rec))

	req := httptest.NewRequest(http.MethodGet, "/messages/abc", nil)
	req.Header.Set(RequestIDHeader, "trace-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if seenID != "trace-1" {
		t.Fatalf("handler saw request id %q", seenID)
	}
	if got := rr.Header().Get(RequestIDHeader); got != "trace-1" {
		t.Fatalf("response request id %q", got)
	}
	if len(rec.seen) != 1 || rec.seen[0] != (recordedRequest{pattern: "GET /messages/{id}", status: 404}) {
		t.Fatalf("observer saw %+v", rec.seen)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not json: %v (%q)", err, buf.String())
	}
	if line["msg"] != "http.request" || line["level"] != "WARN" || line["request_id"] != "trace-1" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["route"] != "GET /messages/{id}" || line["path"] != "/messages/abc" {
		t.Fatalf("unexpected route/path: %v", line)
	}
}

func TestWithRequestLogging_UnmatchedRoute(t *testing.T) {
	t.Parallel()

	rec := &requestRecorder{}
	h := WithRequestLogging(http.NewServeMux(), slog.New(slog.NewTextHandler(io.Discard, nil)), rec)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(rec.seen) != 1 || rec.seen[0].pattern != "" {
		t.Fatalf("observer saw %+v", rec.seen)
	}
}

func TestLoggingResponseWriter_FirstStatusWins(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	_, _ = lrw.Write([]byte("ok"))
	lrw.WriteHeader(http.StatusInternalServerError)

	if lrw.status != http.StatusOK {
		t.Fatalf("status=%d want 200", lrw.status)
	}
	if lrw.bytes != 2 {
		t.Fatalf("bytes=%d want 2", lrw.bytes)
	}
	if lrw.Unwrap() != rr {
		t.Fatalf("Unwrap must return the wrapped writer")
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("missing frame options: %q", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("missing referrer policy: %q", got)
	}
}
