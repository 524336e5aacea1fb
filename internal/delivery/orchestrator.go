// Package delivery routes outbound lead messages through compliance, rate
// limiting and the primary channel, failing over to the secondary channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/phone"
	"github.com/acme/lead-delivery/internal/ratelimit"
	"github.com/acme/lead-delivery/pkg/logger"
)

// Rate modes.
const (
	RateModeReject = "reject"
	RateModeQueue  = "queue"
)

// DefaultEmitTimeout bounds publishing one outcome event.
const DefaultEmitTimeout = 2 * time.Second

// OptOutChecker answers consent lookups for canonical numbers.
type OptOutChecker interface {
	CheckOptOut(ctx context.Context, canonical string) (compliance.Status, error)
}

// Renderer turns a template key and variables into message text.
type Renderer interface {
	Render(key string, vars map[string]string) (string, error)
}

// Normalizer reduces raw input to a phone.Number.
type Normalizer interface {
	Normalize(raw string) phone.Number
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(raw string) phone.Number

func (f NormalizerFunc) Normalize(raw string) phone.Number { return f(raw) }

// Deps are the collaborators of an Orchestrator. Normalizer, Events, Logger,
// Tracer and Clock are optional.
type Deps struct {
	Normalizer Normalizer
	Compliance OptOutChecker
	Limiter    ratelimit.Admitter
	Renderer   Renderer
	Primary    channel.Sender
	Prober     channel.Prober
	Secondary  channel.Sender
	// SecondaryConfigured reports whether secondary credentials exist.
	// Nil means the secondary is usable whenever it is set.
	SecondaryConfigured func() bool
	Events              EventSink
	Logger              *logger.Logger
	Tracer              trace.Tracer
	Clock               func() time.Time
}

// Config tunes the orchestrator.
type Config struct {
	RateMode     string
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
	EmitTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateMode == "" {
		c.RateMode = RateModeReject
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = channel.DefaultSendTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = channel.DefaultProbeTimeout
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = DefaultEmitTimeout
	}
	return c
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch c.RateMode {
	case RateModeReject, RateModeQueue:
	default:
		return fmt.Errorf("delivery: unknown rate mode %q", c.RateMode)
	}
	if c.SendTimeout < 0 || c.ProbeTimeout < 0 || c.EmitTimeout < 0 {
		return errors.New("delivery: timeouts must not be negative")
	}
	return nil
}

// Orchestrator is safe for concurrent use. The rate limiter is the only
// shared mutable state it touches.
type Orchestrator struct {
	cfg  Config
	deps Deps

	queue *ratelimit.Queue
}

// New validates deps and cfg and builds an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Compliance == nil:
		return nil, errors.New("delivery: compliance checker is required")
	case deps.Limiter == nil:
		return nil, errors.New("delivery: rate limiter is required")
	case deps.Renderer == nil:
		return nil, errors.New("delivery: renderer is required")
	case deps.Primary == nil:
		return nil, errors.New("delivery: primary sender is required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = NormalizerFunc(phone.Normalize)
	}
	if deps.Events == nil {
		deps.Events = MultiSink(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("lead-delivery/delivery")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	o := &Orchestrator{cfg: cfg, deps: deps}
	if cfg.RateMode == RateModeQueue {
		o.queue = ratelimit.NewQueue(deps.Limiter)
	}
	return o, nil
}

// Request is a templated send.
type Request struct {
	Phone       string
	TemplateKey string
	Variables   map[string]string
	MediaURL    string
}

// SendMessage renders the template and delivers it over the primary channel,
// failing over to the secondary when the primary is unhealthy or fails.
// Business rejections come back with a nil error and Result.Failure set.
func (o *Orchestrator) SendMessage(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "Delivery.SendMessage", trace.WithAttributes(
		attribute.String("template.key", req.TemplateKey),
		attribute.Bool("message.has_media", req.MediaURL != ""),
	))
	defer span.End()

	a := o.begin(OpSendMessage)
	a.Template = req.TemplateKey

	num, f := o.normalize(ctx, a, req.Phone)
	if f != nil {
		return o.fail(ctx, span, a, f, nil)
	}
	span.SetAttributes(attribute.String("phone.type", string(num.Type)))

	if f := o.checkCompliance(ctx, a); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}
	if f := o.admit(ctx, a); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}

	text, err := o.deps.Renderer.Render(req.TemplateKey, req.Variables)
	if err != nil {
		return o.fail(ctx, span, a, &Failure{
			Kind:   KindTemplateNotFound,
			Reason: fmt.Sprintf("template %q not found", req.TemplateKey),
			Cause:  err,
		}, nil)
	}
	a.Text = text

	var primaryErr error
	if h := o.probe(ctx); h.Healthy {
		a.Channel = channel.WhatsApp
		rcpt, err := o.send(ctx, o.deps.Primary, channel.Message{To: a.Phone, Text: text, MediaURL: req.MediaURL})
		if err == nil {
			return o.succeed(ctx, span, a, rcpt, nil)
		}
		primaryErr = err
		o.log(ctx).Warn("primary channel failed, failing over",
			zap.String("phone", a.Phone), zap.Error(err))
	} else {
		primaryErr = fmt.Errorf("primary channel unhealthy: %w", h.Err)
		o.log(ctx).Warn("primary channel unhealthy, skipping",
			zap.String("phone", a.Phone), zap.Error(h.Err))
	}

	return o.failover(ctx, span, a, text, primaryErr)
}

// SendPrimary delivers text over the primary channel only. It checks consent
// and consumes rate budget but never fails over.
func (o *Orchestrator) SendPrimary(ctx context.Context, rawPhone, text, mediaURL string) (Result, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "Delivery.SendPrimary")
	defer span.End()

	a := o.begin(OpSendPrimary)
	a.Text = text
	if _, f := o.normalize(ctx, a, rawPhone); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}
	if f := o.checkCompliance(ctx, a); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}
	if f := o.admit(ctx, a); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}

	a.Channel = channel.WhatsApp
	rcpt, err := o.send(ctx, o.deps.Primary, channel.Message{To: a.Phone, Text: text, MediaURL: mediaURL})
	if err != nil {
		o.log(ctx).Error("primary channel failed", zap.String("phone", a.Phone), zap.Error(err))
		return o.fail(ctx, span, a, &Failure{
			Kind:   KindChannelFailure,
			Reason: "primary channel failed",
			Cause:  err,
		}, nil)
	}
	return o.succeed(ctx, span, a, rcpt, nil)
}

// SendSecondary delivers text over the secondary channel only. It checks
// credentials and consent; it does not consume rate budget.
func (o *Orchestrator) SendSecondary(ctx context.Context, rawPhone, text string) (Result, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "Delivery.SendSecondary")
	defer span.End()

	a := o.begin(OpSendSecondary)
	a.Text = text
	if _, f := o.normalize(ctx, a, rawPhone); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}
	if !o.secondaryConfigured() {
		return o.fail(ctx, span, a, notConfigured(), nil)
	}
	if f := o.checkCompliance(ctx, a); f != nil {
		return o.fail(ctx, span, a, f, nil)
	}

	a.Channel = channel.SMS
	rcpt, err := o.send(ctx, o.deps.Secondary, channel.Message{To: a.Phone, Text: text})
	if err != nil {
		o.log(ctx).Error("secondary channel failed", zap.String("phone", a.Phone), zap.Error(err))
		return o.fail(ctx, span, a, &Failure{
			Kind:   KindChannelFailure,
			Reason: "secondary channel failed",
			Cause:  err,
		}, nil)
	}
	return o.succeed(ctx, span, a, rcpt, nil)
}

func (o *Orchestrator) failover(ctx context.Context, span trace.Span, a *Attempt, text string, primaryErr error) (Result, error) {
	if !o.secondaryConfigured() {
		return o.fail(ctx, span, a, notConfigured(), primaryErr)
	}
	a.Channel = channel.SMS
	rcpt, err := o.send(ctx, o.deps.Secondary, channel.Message{To: a.Phone, Text: text})
	if err != nil {
		o.log(ctx).Error("secondary channel failed",
			zap.String("phone", a.Phone), zap.Error(err), zap.NamedError("primary_error", primaryErr))
		return o.fail(ctx, span, a, &Failure{
			Kind:   KindChannelFailure,
			Reason: "secondary channel failed",
			Cause:  err,
		}, primaryErr)
	}
	return o.succeed(ctx, span, a, rcpt, primaryErr)
}

func (o *Orchestrator) begin(op Operation) *Attempt {
	return &Attempt{ID: uuid.New(), Operation: op, StartedAt: o.deps.Clock()}
}

func (o *Orchestrator) normalize(ctx context.Context, a *Attempt, raw string) (phone.Number, *Failure) {
	num := o.deps.Normalizer.Normalize(raw)
	if !num.Valid {
		o.log(ctx).Info("phone rejected", zap.String("reason", string(num.Reason)))
		return num, &Failure{Kind: KindInvalidPhone, Reason: num.Reason.Message()}
	}
	a.Phone = num.Canonical
	return num, nil
}

func (o *Orchestrator) checkCompliance(ctx context.Context, a *Attempt) *Failure {
	st, err := o.deps.Compliance.CheckOptOut(ctx, a.Phone)
	if err != nil {
		o.log(ctx).Error("opt-out lookup failed, not sending", zap.String("phone", a.Phone), zap.Error(err))
		return &Failure{Kind: KindComplianceLookup, Reason: "opt-out lookup failed", Cause: err}
	}
	if st.OptedOut {
		o.log(ctx).Info("contact opted out", zap.String("phone", a.Phone))
		return &Failure{Kind: KindOptedOut, Reason: "opted out"}
	}
	return nil
}

func (o *Orchestrator) admit(ctx context.Context, a *Attempt) *Failure {
	if o.queue != nil {
		err := o.queue.Wait(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return &Failure{Kind: KindRateLimited, Reason: "rate limit wait cancelled", Cause: err}
		default:
			return o.limiterFailure(ctx, a, err)
		}
	}

	d, err := o.deps.Limiter.Admit(ctx)
	if err != nil {
		return o.limiterFailure(ctx, a, err)
	}
	if !d.Allowed {
		o.log(ctx).Info("rate limit exceeded",
			zap.String("phone", a.Phone), zap.Duration("retry_after", d.RetryAfter))
		return &Failure{
			Kind:       KindRateLimited,
			Reason:     fmt.Sprintf("rate limit exceeded, retry after %dms", d.RetryAfter.Milliseconds()),
			RetryAfter: d.RetryAfter,
		}
	}
	return nil
}

func (o *Orchestrator) limiterFailure(ctx context.Context, a *Attempt, err error) *Failure {
	o.log(ctx).Error("rate limiter unavailable, not sending", zap.String("phone", a.Phone), zap.Error(err))
	return &Failure{Kind: KindRateLimiterUnavailable, Reason: "rate limiter unavailable", Cause: err}
}

func (o *Orchestrator) probe(ctx context.Context) channel.Health {
	if o.deps.Prober == nil {
		return channel.Health{Healthy: true}
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ProbeTimeout)
	defer cancel()
	return o.deps.Prober.Probe(pctx)
}

// send detaches from caller cancellation so that a dispatched message is not
// aborted halfway; the send timeout still bounds it.
func (o *Orchestrator) send(ctx context.Context, s channel.Sender, msg channel.Message) (channel.Receipt, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SendTimeout)
	defer cancel()
	return s.Send(sctx, msg)
}

func (o *Orchestrator) secondaryConfigured() bool {
	if o.deps.Secondary == nil {
		return false
	}
	if o.deps.SecondaryConfigured == nil {
		return true
	}
	return o.deps.SecondaryConfigured()
}

func notConfigured() *Failure {
	return &Failure{Kind: KindNotConfigured, Reason: "secondary channel credentials not configured"}
}

func (o *Orchestrator) succeed(ctx context.Context, span trace.Span, a *Attempt, rcpt channel.Receipt, primaryErr error) (Result, error) {
	a.Result = Result{Success: true, Method: a.Channel, MessageID: rcpt.MessageID, Phone: a.Phone}
	span.SetAttributes(attribute.String("delivery.method", string(a.Channel)))
	o.finish(ctx, a, primaryErr)
	return a.Result, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, a *Attempt, f *Failure, primaryErr error) (Result, error) {
	a.Result = Result{Method: a.Channel, Phone: a.Phone, Failure: f}
	span.SetAttributes(attribute.String("delivery.failure", string(f.Kind)))
	if f.surfaced() {
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Error())
	}
	o.finish(ctx, a, primaryErr)
	if f.surfaced() {
		return a.Result, f
	}
	return a.Result, nil
}

func (o *Orchestrator) finish(ctx context.Context, a *Attempt, primaryErr error) {
	a.EndedAt = o.deps.Clock()
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EmitTimeout)
	defer cancel()
	if err := o.deps.Events.Emit(ectx, a.outcome(primaryErr)); err != nil {
		o.log(ctx).Warn("emit delivery outcome", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	return o.deps.Logger.WithContext(ctx)
}
