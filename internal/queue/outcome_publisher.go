package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/lead-delivery/internal/delivery"
)

var _ delivery.EventSink = (*OutcomePublisher)(nil)

// OutcomePublisher publishes delivery outcomes. It satisfies delivery.EventSink.
type OutcomePublisher struct {
	writer MessageWriter
}

// NewOutcomePublisher constructs an outcome publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return NewOutcomePublisherWithWriter(k.NewWriter(topic))
}

// NewOutcomePublisherWithWriter builds a publisher over an existing writer.
func NewOutcomePublisherWithWriter(w MessageWriter) *OutcomePublisher {
	return &OutcomePublisher{writer: w}
}

// Emit writes o to Kafka keyed by its ID.
func (p *OutcomePublisher) Emit(ctx context.Context, o delivery.Outcome) error {
	value, err := json.Marshal(NewOutcomeMessage(o))
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   o.ID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
