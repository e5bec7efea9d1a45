package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownEvent indicates an envelope type with no handler.
	ErrUnknownEvent = errors.New("events: unknown event type")
	// ErrMalformedEvent indicates an envelope that cannot be decoded or misses required fields.
	ErrMalformedEvent = errors.New("events: malformed event")
)

// EventType names an inbound lifecycle event.
type EventType string

const (
	TypeContentCreated         EventType = "content.created"
	TypeReviewOutcomeSubmitted EventType = "review.outcome_submitted"
	TypeEntitlementChanged     EventType = "entitlement.changed"
	TypeContentDeleted         EventType = "content.deleted"
)

// Envelope is the wire shape shared by every inbound event. Fields irrelevant to a type
// are omitted.
type Envelope struct {
	Type       EventType       `json:"type"`
	OwnerID    string          `json:"owner_id"`
	ContentID  string          `json:"content_id,omitempty"`
	Category   string          `json:"category,omitempty"`
	Result     string          `json:"result,omitempty"`
	Score      *float64        `json:"score,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Tier       string          `json:"tier,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitzero"`
}

// DecodeEnvelope parses a JSON envelope and checks the fields every type needs.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	envelope.Type = EventType(strings.TrimSpace(string(envelope.Type)))
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return envelope, nil
}

// Encode serializes the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
