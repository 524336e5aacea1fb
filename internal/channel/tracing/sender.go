// Package tracing decorates channel senders with OpenTelemetry spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/lead-delivery/internal/channel"
)

// Sender opens one span per send.
type Sender struct {
	next   channel.Sender
	ch     channel.Channel
	tracer trace.Tracer
}

// NewSender wraps s using the global tracer provider.
func NewSender(ch channel.Channel, s channel.Sender) *Sender {
	return NewSenderWithTracer(ch, s, otel.Tracer("lead-delivery/channel"))
}

// NewSenderWithTracer wraps s using tracer.
func NewSenderWithTracer(ch channel.Channel, s channel.Sender, tracer trace.Tracer) *Sender {
	return &Sender{next: s, ch: ch, tracer: tracer}
}

func (s *Sender) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "Channel.Send", trace.WithAttributes(
		attribute.String("channel.name", s.ch.String()),
		attribute.Bool("message.has_media", msg.MediaURL != ""),
		attribute.Int("message.length", len(msg.Text)),
	))
	defer span.End()

	rcpt, err := s.next.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rcpt, err
	}
	span.SetAttributes(attribute.String("message.id", rcpt.MessageID))
	return rcpt, nil
}
