package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"inbox/cmd/internal/httpapi"
	"inbox/cmd/internal/ids"
	"inbox/cmd/internal/messages"
	"inbox/cmd/security/signature"
)

// DefaultMaxBodyBytes bounds the raw webhook body.
const DefaultMaxBodyBytes int64 = 64 << 10

// ErrPayloadTooLarge is returned when the body exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// Verifier authenticates a raw body against a caller-supplied token.
type Verifier interface {
	Verify(body []byte, token string) error
}

// Inserter is the write side of messages.Store.
type Inserter interface {
	InsertIfAbsent(ctx context.Context, m messages.Message) (messages.InsertResult, error)
}

// Result is a successful ingestion. Outcome is Created or Duplicate.
type Result struct {
	Outcome messages.Outcome
	Message messages.Message
}

// Handler implements the POST /webhook pipeline.
type Handler struct {
	verifier Verifier
	store    Inserter
	observer Observer
	log      *slog.Logger

	header  string
	maxBody int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithObserver sets the event sink (use Observers to fan out).
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// WithLogger sets the logger used for store failures.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithSignatureHeader sets the header that carries the signature token.
func WithSignatureHeader(name string) Option {
	return func(h *Handler) {
		if name = strings.TrimSpace(name); name != "" {
			h.header = name
		}
	}
}

// WithMaxBodyBytes bounds the request body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler builds a Handler. verifier and store are required.
func NewHandler(verifier Verifier, store Inserter, opts ...Option) (*Handler, error) {
	if verifier == nil {
		return nil, errors.New("ingest: nil verifier")
	}
	if store == nil {
		return nil, errors.New("ingest: nil store")
	}
	h := &Handler{
		verifier: verifier,
		store:    store,
		log:      slog.Default(),
		header:   signature.DefaultHeader,
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Ingest runs verify, validate, insert on one raw body.
//
// Errors:
//   - signature errors (signature.IsAuthFailure) before anything is parsed
//   - *ValidationError before the store is touched, or when the store rejects the message
//   - store errors, including messages.ErrStoreUnavailable, unchanged
func (h *Handler) Ingest(ctx context.Context, body []byte, token string) (Result, error) {
	requestID := ids.RequestID(ctx)

	if err := h.verifier.Verify(body, token); err != nil {
		h.emit(ctx, Event{
			Kind:      EventInvalidSignature,
			RequestID: requestID,
			Reason:    signature.Reason(err),
		})
		return Result{}, err
	}

	m, err := ParsePayload(body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.emit(ctx, Event{
				Kind:      EventValidationFailed,
				RequestID: requestID,
				MessageID: peekMessageID(body),
				Reason:    strings.Join(verr.Fields(), ","),
			})
		}
		return Result{}, err
	}

	res, err := h.store.InsertIfAbsent(ctx, m)
	if errors.Is(err, messages.ErrInvalidMessage) {
		// Redelivery cannot fix a rejected payload, so this must not surface as a 5xx.
		verr := invalid("body", "rejected by the message store")
		h.emit(ctx, Event{
			Kind:      EventValidationFailed,
			RequestID: requestID,
			MessageID: m.ID,
			Reason:    "body",
		})
		return Result{}, verr
	}
	if err != nil {
		return Result{}, fmt.Errorf("store message %q: %w", m.ID, err)
	}

	kind := EventCreated
	if res.Outcome == messages.Duplicate {
		kind = EventDuplicate
	}
	stored := res.Stored
	h.emit(ctx, Event{
		Kind:      kind,
		RequestID: requestID,
		MessageID: stored.ID,
		From:      stored.From,
		To:        stored.To,
		Duplicate: res.Outcome == messages.Duplicate,
		Message:   &stored,
	})

	return Result{Outcome: res.Outcome, Message: stored}, nil
}

// ServeHTTP reads the raw body, runs Ingest and maps the outcome to a status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			httpapi.WriteError(w, http.StatusRequestEntityTooLarge, httpapi.CodePayloadTooLarge, "request body too large")
			return
		}
		h.log.WarnContext(r.Context(), "webhook.body.read_fail", "request_id", ids.RequestID(r.Context()), "err", err)
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeBadRequest, "could not read request body")
		return
	}

	_, err = h.Ingest(r.Context(), body, r.Header.Get(h.header))

	var verr *ValidationError
	switch {
	case err == nil:
		httpapi.WriteJSON(w, http.StatusOK, httpapi.StatusOK)
	case signature.IsAuthFailure(err):
		httpapi.WriteError(w, http.StatusUnauthorized, httpapi.CodeInvalidSignature, "invalid signature")
	case errors.As(err, &verr):
		httpapi.WriteValidationError(w, "invalid payload", verr.Problems)
	case errors.Is(err, messages.ErrStoreUnavailable):
		h.log.ErrorContext(r.Context(), "webhook.store.unavailable", "request_id", ids.RequestID(r.Context()), "err", err)
		httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeStoreUnavailable, "message store unavailable")
	default:
		h.log.ErrorContext(r.Context(), "webhook.fail", "request_id", ids.RequestID(r.Context()), "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "internal error")
	}
}

func (h *Handler) emit(ctx context.Context, ev Event) {
	if h.observer != nil {
		h.observer.Observe(ctx, ev)
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrPayloadTooLarge
		}
		return nil, err
	}
	return body, nil
}
