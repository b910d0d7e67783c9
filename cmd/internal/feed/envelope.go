// Package feed pushes newly created messages to websocket subscribers.
//
// The feed only observes ingestion; it never blocks it. Slow subscribers lose
// events instead of applying backpressure to the webhook path.
package feed

import (
	"encoding/json"
	"time"

	"inbox/cmd/internal/ids"
)

// Subprotocol is the required websocket subprotocol.
const Subprotocol = "inbox.feed.v1"

// Version is the envelope schema version.
const Version = 1

// Envelope types.
const (
	TypeHello          = "feed.hello"
	TypeMessageCreated = "message.created"
)

// Envelope is every server-to-client frame.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent once after the upgrade.
type HelloPayload struct {
	ClientID string `json:"client_id"`
}

func newEnvelope(typ string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: ids.NewRequestID(), TS: now.UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = b
	}
	return env, nil
}
