package ingest

import (
	"context"
	"log/slog"

	"inbox/cmd/internal/messages"
)

// EventKind names an ingestion outcome.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventDuplicate        EventKind = "duplicate"
	EventInvalidSignature EventKind = "invalid_signature"
	EventValidationFailed EventKind = "validation_failed"
)

// Event is raised once per webhook request that reaches a classified outcome.
// Message is set for created and duplicate events only.
type Event struct {
	Kind      EventKind
	RequestID string
	MessageID string
	From      string
	To        string
	Duplicate bool
	Reason    string
	Message   *messages.Message
}

// Observer receives ingestion events. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Observers fans one event out to each non-nil observer in order.
type Observers []Observer

func (obs Observers) Observe(ctx context.Context, ev Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(ctx, ev)
		}
	}
}

// LogObserver writes one structured line per event.
type LogObserver struct {
	Log *slog.Logger
}

func (o LogObserver) Observe(ctx context.Context, ev Event) {
	if o.Log == nil {
		return
	}
	switch ev.Kind {
	case EventCreated, EventDuplicate:
		o.Log.InfoContext(ctx, "webhook."+string(ev.Kind),
			"request_id", ev.RequestID,
			"message_id", ev.MessageID,
			"from", ev.From,
			"to", ev.To,
			"dup", ev.Duplicate,
		)
	case EventInvalidSignature:
		o.Log.WarnContext(ctx, "webhook.invalid_signature",
			"request_id", ev.RequestID,
			"reason", ev.Reason,
		)
	case EventValidationFailed:
		o.Log.WarnContext(ctx, "webhook.validation_failed",
			"request_id", ev.RequestID,
			"message_id", ev.MessageID,
			"reason", ev.Reason,
		)
	default:
		o.Log.WarnContext(ctx, "webhook.unknown_event", "kind", string(ev.Kind), "request_id", ev.RequestID)
	}
}
