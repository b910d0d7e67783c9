package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_ColorizesRequestLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true))
	log.Warn("http.request",
		"method", "post",
		"path", "/webhook",
		"status", 401,
		"status_class", "4xx",
		"duration_ms", int64(3),
		"request_id", "01J0000000000000000000000",
	)

	out := buf.String()
	if !strings.Contains(out, ansiYellow+"401"+ansiReset) {
		t.Fatalf("status not colorized: %q", out)
	}

	plain := stripANSI(out)
	for _, want := range []string{
		"lvl=[WARN]", "msg=http.request", "method=POST", "path=/webhook",
		"status=401", "class=4xx", "duration=3ms", "rid=01J0000000000000000000000",
	} {
		if !strings.Contains(plain, want) {
			t.Fatalf("missing %q in %q", want, plain)
		}
	}
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("component", "feed").WithGroup("client")
	log.Info("feed.subscribe", "id", "c1", "note", "two words")

	out := buf.String()
	for _, want := range []string{"component=feed", "client.id=c1", `client.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but found escape codes: %q", out)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered: %q", buf.String())
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     slog.Value
		want   int64
		wantOK bool
	}{
		{in: slog.Int64Value(7), want: 7, wantOK: true},
		{in: slog.Uint64Value(8), want: 8, wantOK: true},
		{in: slog.Float64Value(9.9), want: 9, wantOK: true},
		{in: slog.StringValue(" 10 "), want: 10, wantOK: true},
		{in: slog.StringValue("x"), wantOK: false},
		{in: slog.BoolValue(true), wantOK: false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Fatalf("valueToInt64(%v)=(%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
