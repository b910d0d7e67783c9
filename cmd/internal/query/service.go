// Package query serves the read side: filtered, paginated listing and aggregate stats.
package query

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"inbox/cmd/internal/httpapi"
	"inbox/cmd/internal/messages"
)

// Reader is the read side of messages.Store.
type Reader interface {
	Get(ctx context.Context, id string) (messages.Message, error)
	Query(ctx context.Context, f messages.Filter, p messages.Page) (messages.QueryResult, error)
	Stats(ctx context.Context) (messages.Stats, error)
}

// ListRequest carries external listing parameters. Nil Limit/Offset mean "use the default".
type ListRequest struct {
	Limit  *int
	Offset *int
	From   string
	Since  string
	Search string
}

// ValidationError reports query parameters that cannot be interpreted.
type ValidationError struct {
	Problems []httpapi.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Problem)
	}
	return "invalid query: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, problem string) {
	e.Problems = append(e.Problems, httpapi.FieldError{Field: field, Problem: problem})
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ListRequestFromValues reads limit, offset, from, since and q.
// Non-integer limit or offset is a *ValidationError.
func ListRequestFromValues(v url.Values) (ListRequest, error) {
	verr := &ValidationError{}
	req := ListRequest{
		From:   v.Get("from"),
		Since:  v.Get("since"),
		Search: v.Get("q"),
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			verr.add("limit", "must be an integer")
		} else {
			req.Limit = &n
		}
	}
	if raw := strings.TrimSpace(v.Get("offset")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			verr.add("offset", "must be an integer")
		} else {
			req.Offset = &n
		}
	}
	return req, verr.orNil()
}

// Service translates external parameters into store calls.
type Service struct {
	store Reader
}

func NewService(store Reader) (*Service, error) {
	if store == nil {
		return nil, errors.New("query: nil store")
	}
	return &Service{store: store}, nil
}

// List clamps the page, parses since, and returns one page plus the total match count.
func (s *Service) List(ctx context.Context, req ListRequest) (messages.QueryResult, error) {
	filter, page, err := req.normalize()
	if err != nil {
		return messages.QueryResult{}, err
	}
	return s.store.Query(ctx, filter, page)
}

func (s *Service) Stats(ctx context.Context) (messages.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (messages.Message, error) {
	return s.store.Get(ctx, id)
}

func (req ListRequest) normalize() (messages.Filter, messages.Page, error) {
	page := messages.Page{Limit: messages.DefaultLimit}
	if req.Limit != nil {
		page.Limit = clamp(*req.Limit, 1, messages.MaxLimit)
	}
	if req.Offset != nil && *req.Offset > 0 {
		page.Offset = *req.Offset
	}

	filter := messages.Filter{
		From:   strings.TrimSpace(req.From),
		Search: strings.TrimSpace(req.Search),
	}
	if raw := strings.TrimSpace(req.Since); raw != "" {
		since, err := ParseSince(raw)
		if err != nil {
			verr := &ValidationError{}
			verr.add("since", "must be an RFC 3339 timestamp or YYYY-MM-DD date")
			return messages.Filter{}, messages.Page{}, verr
		}
		filter.Since = &since
	}
	return filter, page, nil
}

// ParseSince accepts an RFC 3339 timestamp or a bare date (midnight UTC).
func ParseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
