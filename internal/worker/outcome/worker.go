package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/app"
	"github.com/acme/lead-delivery/internal/queue"
	"github.com/acme/lead-delivery/internal/repository"
	"github.com/acme/lead-delivery/pkg/logger"
)

const (
	appendAttempts = 3
	appendBackoff  = 200 * time.Millisecond
)

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes delivery outcomes and appends them to the attempt log.
type Worker struct {
	reader  Reader
	store   repository.AttemptStore
	logger  *logger.Logger
	tracer  trace.Tracer
	backoff time.Duration
}

// New creates an outcome worker from the container.
func New(container *app.Container) *Worker {
	cfg := container.Config
	reader := container.Kafka.NewReader(cfg.Kafka.OutcomeTopic, cfg.Kafka.ConsumerGroupID+"-outcome")
	return NewWorker(reader, container.Repositories().Attempts, container.Logger)
}

// NewWorker assembles a worker from its parts.
func NewWorker(reader Reader, store repository.AttemptStore, lg *logger.Logger) *Worker {
	return &Worker{
		reader:  reader,
		store:   store,
		logger:  lg,
		tracer:  otel.Tracer("lead-delivery/outcomeworker"),
		backoff: appendBackoff,
	}
}

// Run processes outcome events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outcome worker: fetch", zap.Error(err))
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outcome worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) error {
	var event queue.OutcomeMessage
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		_ = w.reader.CommitMessages(ctx, msg)
		return fmt.Errorf("unmarshal outcome: %w", err)
	}

	sctx, span := w.tracer.Start(ctx, "outcome.record", trace.WithAttributes(
		attribute.String("outcome.id", event.ID.String()),
		attribute.String("operation", string(event.Operation)),
		attribute.Bool("success", event.Success),
	))
	defer span.End()

	if event.Phone == "" {
		// Invalid inputs carry no canonical number and have no partition.
		return w.commit(sctx, span, msg)
	}

	if err := w.appendWithRetry(sctx, ToRecord(event)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		w.logger.WithContext(sctx).Error("outcome worker: append attempt",
			zap.String("outcome_id", event.ID.String()), zap.Error(err))
	}
	return w.commit(sctx, span, msg)
}

func (w *Worker) appendWithRetry(ctx context.Context, rec repository.AttemptRecord) error {
	var err error
	for i := 0; i < appendAttempts; i++ {
		if err = w.store.AppendAttempt(ctx, rec); err == nil {
			return nil
		}
		t := time.NewTimer(w.backoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (w *Worker) commit(ctx context.Context, span trace.Span, msg kafka.Message) error {
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ToRecord maps a published outcome onto its storage row.
func ToRecord(event queue.OutcomeMessage) repository.AttemptRecord {
	latency := event.Latency
	if latency == 0 && event.LatencyMs > 0 {
		latency = time.Duration(event.LatencyMs) * time.Millisecond
	}
	return repository.AttemptRecord{
		ID:           event.ID,
		Phone:        event.Phone,
		Operation:    string(event.Operation),
		Template:     event.Template,
		Channel:      string(event.Channel),
		Success:      event.Success,
		MessageID:    event.MessageID,
		Kind:         string(event.Kind),
		Reason:       event.Reason,
		Latency:      latency,
		PrimaryError: event.PrimaryError,
		OccurredAt:   event.OccurredAt,
	}
}
