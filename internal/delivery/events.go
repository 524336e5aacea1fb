package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/pkg/logger"
)

// Operation names the entry point that produced an outcome.
type Operation string

const (
	OpSendMessage   Operation = "send_message"
	OpSendPrimary   Operation = "send_primary"
	OpSendSecondary Operation = "send_secondary"
)

// Attempt is the per-call record of one delivery. It lives only for the
// duration of the call and the side effects it feeds.
type Attempt struct {
	ID        uuid.UUID
	Operation Operation
	Phone     string
	Template  string
	Text      string
	Channel   channel.Channel
	Result    Result
	StartedAt time.Time
	EndedAt   time.Time
}

// Outcome is the telemetry event emitted once per terminal transition.
// Phone is canonical, or empty when the input never normalized.
type Outcome struct {
	ID           uuid.UUID       `json:"id"`
	Operation    Operation       `json:"operation"`
	Phone        string          `json:"phone"`
	Template     string          `json:"template,omitempty"`
	Channel      channel.Channel `json:"channel,omitempty"`
	Success      bool            `json:"success"`
	MessageID    string          `json:"message_id,omitempty"`
	Kind         Kind            `json:"kind,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Latency      time.Duration   `json:"latency"`
	PrimaryError string          `json:"primary_error,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// EventSink receives delivery outcomes.
type EventSink interface {
	Emit(ctx context.Context, o Outcome) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, o Outcome) error

func (f SinkFunc) Emit(ctx context.Context, o Outcome) error { return f(ctx, o) }

// MultiSink fans an outcome out to every sink and returns the first error.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, o Outcome) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, o); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes outcomes as structured log lines.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink builds a sink over lg.
func NewLogSink(lg *logger.Logger) *LogSink {
	return &LogSink{log: lg}
}

func (s *LogSink) Emit(ctx context.Context, o Outcome) error {
	s.log.WithContext(ctx).Info("delivery outcome",
		zap.String("outcome_id", o.ID.String()),
		zap.String("operation", string(o.Operation)),
		zap.String("phone", o.Phone),
		zap.String("channel", string(o.Channel)),
		zap.Bool("success", o.Success),
		zap.String("kind", string(o.Kind)),
		zap.Duration("latency", o.Latency),
	)
	return nil
}

func (a *Attempt) outcome(primaryErr error) Outcome {
	o := Outcome{
		ID:         a.ID,
		Operation:  a.Operation,
		Phone:      a.Phone,
		Template:   a.Template,
		Channel:    a.Channel,
		Success:    a.Result.Success,
		MessageID:  a.Result.MessageID,
		Latency:    a.EndedAt.Sub(a.StartedAt),
		OccurredAt: a.EndedAt.UTC(),
	}
	if f := a.Result.Failure; f != nil {
		o.Kind = f.Kind
		o.Reason = f.Reason
	}
	if primaryErr != nil {
		o.PrimaryError = primaryErr.Error()
	}
	return o
}
