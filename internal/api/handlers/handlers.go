package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/channel/whatsapp"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/queue"
	"github.com/acme/lead-delivery/internal/repository"
	"github.com/acme/lead-delivery/internal/template"
	"github.com/acme/lead-delivery/pkg/logger"
)

const healthTimeout = 2 * time.Second

// Deliverer runs the delivery pipeline.
type Deliverer interface {
	SendMessage(ctx context.Context, req delivery.Request) (delivery.Result, error)
	SendPrimary(ctx context.Context, phone, text, mediaURL string) (delivery.Result, error)
	SendSecondary(ctx context.Context, phone, text string) (delivery.Result, error)
}

// RequestDispatcher enqueues send requests for the outbox worker.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, msg queue.SendRequestMessage) (queue.SendRequestMessage, error)
}

// Session exposes the WhatsApp gateway session.
type Session interface {
	SessionStatus(ctx context.Context) (whatsapp.SessionStatus, error)
	QRCode(ctx context.Context) (whatsapp.QRCode, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Delivery     Deliverer
	Dispatcher   RequestDispatcher
	Normalizer   delivery.Normalizer
	OptOuts      repository.OptOutRepository
	Attempts     repository.AttemptStore
	Session      Session
	Catalog      *template.Catalog
	HealthChecks map[string]func(context.Context) error
	Logger       *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
	log  *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &HandlerSet{deps: deps, log: lg}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	messages := v1.Group("/messages")
	messages.Post("/", h.sendMessage)
	messages.Post("/whatsapp", h.sendWhatsApp)
	messages.Post("/sms", h.sendSMS)
	messages.Post("/async", h.enqueueMessage)

	v1.Get("/phones/normalize", h.normalizePhone)

	v1.Post("/leads", h.upsertLead)
	v1.Get("/optouts/:phone", h.getOptOut)
	v1.Post("/optouts", h.createOptOut)

	v1.Get("/whatsapp/session", h.whatsappSession)
	v1.Get("/whatsapp/qr", h.whatsappQR)

	v1.Get("/templates", h.listTemplates)
	v1.Get("/attempts/:phone", h.listAttempts)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if _, ok := err.(*fiber.Error); !ok {
		err = translateError(err)
	}
	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps.HealthChecks))
	for name := range h.deps.HealthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make(map[string]string)
	for _, name := range names {
		if err := h.deps.HealthChecks[name](healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
