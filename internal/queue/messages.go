package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-delivery/internal/delivery"
)

// SendRequestMessage asks the outbox worker to deliver a templated message.
type SendRequestMessage struct {
	ID          uuid.UUID         `json:"id"`
	Phone       string            `json:"phone"`
	TemplateKey string            `json:"template"`
	Variables   map[string]string `json:"variables,omitempty"`
	MediaURL    string            `json:"media_url,omitempty"`
	Attempt     int               `json:"attempt"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Request converts the message into an orchestrator request.
func (m SendRequestMessage) Request() delivery.Request {
	return delivery.Request{
		Phone:       m.Phone,
		TemplateKey: m.TemplateKey,
		Variables:   m.Variables,
		MediaURL:    m.MediaURL,
	}
}

// OutcomeMessage is the wire form of a delivery outcome.
type OutcomeMessage struct {
	delivery.Outcome
	LatencyMs int64 `json:"latency_ms"`
}

// NewOutcomeMessage wraps o for publishing.
func NewOutcomeMessage(o delivery.Outcome) OutcomeMessage {
	return OutcomeMessage{Outcome: o, LatencyMs: o.Latency.Milliseconds()}
}
