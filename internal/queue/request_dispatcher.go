package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by publishers.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RequestDispatcher publishes send requests for asynchronous delivery.
type RequestDispatcher struct {
	writer MessageWriter
	now    func() time.Time
}

// NewRequestDispatcher constructs a dispatcher for the given topic.
func NewRequestDispatcher(k *Kafka, topic string) *RequestDispatcher {
	return NewRequestDispatcherWithWriter(k.NewWriter(topic))
}

// NewRequestDispatcherWithWriter builds a dispatcher over an existing writer.
func NewRequestDispatcherWithWriter(w MessageWriter) *RequestDispatcher {
	return &RequestDispatcher{writer: w, now: time.Now}
}

// Dispatch assigns an ID when missing and writes the request. Requests for
// the same phone share a key so they stay ordered within a partition.
func (d *RequestDispatcher) Dispatch(ctx context.Context, msg SendRequestMessage) (SendRequestMessage, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = d.now().UTC()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("request dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(msg.Phone),
		Value: value,
		Time:  d.now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return msg, fmt.Errorf("request dispatcher: write message: %w", err)
	}
	return msg, nil
}

// Close closes the underlying writer.
func (d *RequestDispatcher) Close() error {
	return d.writer.Close()
}
