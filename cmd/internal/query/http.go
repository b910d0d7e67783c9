package query

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inbox/cmd/internal/httpapi"
	"inbox/cmd/internal/ids"
	"inbox/cmd/internal/messages"

	"github.com/samber/lo"
)

// MessageView is the JSON shape of one stored message.
type MessageView struct {
	MessageID  string  `json:"message_id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	// TS is UTC with at most microsecond precision; finer digits are dropped on insert.
	TS         string  `json:"ts"`
	Text       *string `json:"text"`
	ReceivedAt string  `json:"received_at"`
}

func NewMessageView(m messages.Message) MessageView {
	return MessageView{
		MessageID:  m.ID,
		From:       m.From,
		To:         m.To,
		TS:         formatTime(m.Timestamp),
		Text:       m.Text,
		ReceivedAt: formatTime(m.ReceivedAt),
	}
}

type listResponse struct {
	Data  []MessageView `json:"data"`
	Total int           `json:"total"`
}

type senderView struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
}

type statsResponse struct {
	TotalMessages     int          `json:"total_messages"`
	SendersCount      int          `json:"senders_count"`
	MessagesPerSender []senderView `json:"messages_per_sender"`
	FirstMessageTS    *string      `json:"first_message_ts"`
	LastMessageTS     *string      `json:"last_message_ts"`
}

func newListResponse(res messages.QueryResult) listResponse {
	return listResponse{
		Data: lo.Map(res.Messages, func(m messages.Message, _ int) MessageView {
			return NewMessageView(m)
		}),
		Total: res.Total,
	}
}

func newStatsResponse(st messages.Stats) statsResponse {
	return statsResponse{
		TotalMessages: st.TotalMessages,
		SendersCount:  st.SendersCount,
		MessagesPerSender: lo.Map(st.TopSenders, func(sc messages.SenderCount, _ int) senderView {
			return senderView{Address: sc.Address, Count: sc.Count}
		}),
		FirstMessageTS: formatTimePtr(st.FirstTimestamp),
		LastMessageTS:  formatTimePtr(st.LastTimestamp),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return lo.ToPtr(formatTime(*t))
}

// HTTPHandler exposes Service over net/http.
type HTTPHandler struct {
	svc *Service
	log *slog.Logger
}

func NewHTTPHandler(svc *Service, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandler{svc: svc, log: log}
}

// Register mounts GET /messages, GET /messages/{id} and GET /stats.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /messages", h.handleList)
	mux.HandleFunc("GET /messages/{id}", h.handleGet)
	mux.HandleFunc("GET /stats", h.handleStats)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	req, err := ListRequestFromValues(r.URL.Query())
	if err != nil {
		h.writeErr(w, r, "messages.list", err)
		return
	}
	res, err := h.svc.List(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, "messages.list", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, newListResponse(res))
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "message not found")
		return
	}
	m, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, "messages.get", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, NewMessageView(m))
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeErr(w, r, "stats", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, newStatsResponse(st))
}

func (h *HTTPHandler) writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpapi.WriteValidationError(w, "invalid query parameters", verr.Problems)
	case errors.Is(err, messages.ErrNotFound):
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "message not found")
	case errors.Is(err, messages.ErrStoreUnavailable):
		h.log.ErrorContext(r.Context(), op+".store.unavailable", "request_id", ids.RequestID(r.Context()), "err", err)
		httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeStoreUnavailable, "message store unavailable")
	default:
		h.log.ErrorContext(r.Context(), op+".fail", "request_id", ids.RequestID(r.Context()), "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "internal error")
	}
}
