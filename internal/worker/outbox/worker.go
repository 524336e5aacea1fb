package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/app"
	"github.com/acme/lead-delivery/internal/config"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/queue"
	"github.com/acme/lead-delivery/pkg/logger"
)

const defaultRetryAfter = time.Second

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender delivers one templated request.
type Sender interface {
	SendMessage(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Worker consumes send requests and runs them through the orchestrator.
type Worker struct {
	reader Reader
	sender Sender
	cfg    config.OutboxConfig
	logger *logger.Logger
	tracer trace.Tracer
	wait   func(ctx context.Context, d time.Duration) error
}

// New creates an outbox worker from the container.
func New(container *app.Container) *Worker {
	cfg := container.Config
	reader := container.Kafka.NewReader(cfg.Kafka.RequestTopic, cfg.Kafka.ConsumerGroupID+"-outbox")
	return NewWorker(reader, container.Delivery().Orchestrator, cfg.Outbox, container.Logger)
}

// NewWorker assembles a worker from its parts.
func NewWorker(reader Reader, sender Sender, cfg config.OutboxConfig, lg *logger.Logger) *Worker {
	return &Worker{
		reader: reader,
		sender: sender,
		cfg:    cfg,
		logger: lg,
		tracer: otel.Tracer("lead-delivery/outboxworker"),
		wait:   sleep,
	}
}

// Run starts the worker loop. Messages are committed only after a terminal
// result, so a crash mid-delivery redelivers the request.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outbox worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outbox worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	var req queue.SendRequestMessage
	if err := json.Unmarshal(m.Value, &req); err != nil {
		_ = w.reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal send request: %w", err)
	}

	sctx, span := w.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.String("template", req.TemplateKey),
		attribute.Int("attempt", req.Attempt),
	))
	defer span.End()

	res, err := w.deliver(sctx, req)
	if ctx.Err() != nil {
		// Left uncommitted; the request is redelivered after restart.
		return ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.WithContext(sctx).Warn("outbox worker: delivery failed",
			zap.String("request_id", req.ID.String()), zap.Error(err))
	} else if res.Failure != nil {
		w.logger.WithContext(sctx).Info("outbox worker: delivery rejected",
			zap.String("request_id", req.ID.String()),
			zap.String("kind", string(res.Failure.Kind)),
			zap.String("phone", res.Phone))
	}

	if err := w.reader.CommitMessages(sctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// deliver retries rate limited requests after the advertised delay, up to
// MaxRateLimitRetries times.
func (w *Worker) deliver(ctx context.Context, req queue.SendRequestMessage) (delivery.Result, error) {
	for retries := 0; ; retries++ {
		res, err := w.sender.SendMessage(ctx, req.Request())
		f := res.Failure
		if f == nil || f.Kind != delivery.KindRateLimited || f.Cause != nil {
			return res, err
		}
		if retries >= w.cfg.MaxRateLimitRetries {
			return res, err
		}

		delay := f.RetryAfter
		if delay <= 0 {
			delay = defaultRetryAfter
		}
		if w.cfg.MaxRetryDelay > 0 && delay > w.cfg.MaxRetryDelay {
			delay = w.cfg.MaxRetryDelay
		}
		w.logger.WithContext(ctx).Info("outbox worker: rate limited, waiting",
			zap.String("request_id", req.ID.String()),
			zap.Duration("retry_after", delay),
			zap.Int("retry", retries+1))
		if err := w.wait(ctx, delay); err != nil {
			return res, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
