package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusServiceUnavailable, CodeStoreUnavailable, "store unavailable")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control=%q", cc)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["error"]["code"] != CodeStoreUnavailable {
		t.Fatalf("code=%v", raw["error"]["code"])
	}
	if _, ok := raw["error"]["fields"]; ok {
		t.Fatalf("fields should be omitted when empty")
	}
}

func TestWriteValidationError_Fields(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteValidationError(rr, "invalid payload", []FieldError{{Field: "from", Problem: "must be an E.164 number"}})

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", rr.Code)
	}

	var got ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error.Code != CodeValidationFailed || len(got.Error.Fields) != 1 || got.Error.Fields[0].Field != "from" {
		t.Fatalf("unexpected body: %+v", got)
	}
}
