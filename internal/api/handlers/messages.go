package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/queue"
	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

type sendMessageRequest struct {
	Phone     string            `json:"phone"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
	MediaURL  string            `json:"media_url"`
}

type sendTextRequest struct {
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url"`
}

type messageResponse struct {
	Success      bool            `json:"success"`
	Method       channel.Channel `json:"method,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	Kind         delivery.Kind   `json:"kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryAfterMs int64           `json:"retry_after_ms,omitempty"`
}

type enqueueResponse struct {
	ID         uuid.UUID `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (h *HandlerSet) sendMessage(ctx *fiber.Ctx) error {
	var req sendMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Template) == "" {
		return apperrors.Validation("template is required")
	}

	res, err := h.deps.Delivery.SendMessage(ctx.UserContext(), delivery.Request{
		Phone:       req.Phone,
		TemplateKey: req.Template,
		Variables:   req.Variables,
		MediaURL:    req.MediaURL,
	})
	return h.writeResult(ctx, res, err)
}

func (h *HandlerSet) sendWhatsApp(ctx *fiber.Ctx) error {
	var req sendTextRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return apperrors.Validation("text is required")
	}

	res, err := h.deps.Delivery.SendPrimary(ctx.UserContext(), req.Phone, req.Text, req.MediaURL)
	return h.writeResult(ctx, res, err)
}

func (h *HandlerSet) sendSMS(ctx *fiber.Ctx) error {
	var req sendTextRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return apperrors.Validation("text is required")
	}

	res, err := h.deps.Delivery.SendSecondary(ctx.UserContext(), req.Phone, req.Text)
	return h.writeResult(ctx, res, err)
}

func (h *HandlerSet) enqueueMessage(ctx *fiber.Ctx) error {
	if h.deps.Dispatcher == nil {
		return apperrors.Unavailable("async delivery is disabled", nil)
	}
	var req sendMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Template) == "" {
		return apperrors.Validation("template is required")
	}
	// Reject numbers that could never be delivered before they hit the topic.
	num := h.deps.Normalizer.Normalize(req.Phone)
	if !num.Valid {
		return apperrors.Validation(num.Reason.Message())
	}

	msg, err := h.deps.Dispatcher.Dispatch(ctx.UserContext(), queue.SendRequestMessage{
		Phone:       num.Canonical,
		TemplateKey: req.Template,
		Variables:   req.Variables,
		MediaURL:    req.MediaURL,
		Attempt:     1,
	})
	if err != nil {
		return apperrors.Unavailable("message queue unavailable", err)
	}
	return ctx.Status(http.StatusAccepted).JSON(enqueueResponse{ID: msg.ID, EnqueuedAt: msg.EnqueuedAt})
}

func (h *HandlerSet) writeResult(ctx *fiber.Ctx, res delivery.Result, err error) error {
	resp := messageResponse{
		Success:   res.Success,
		Method:    res.Method,
		MessageID: res.MessageID,
		Phone:     res.Phone,
	}

	f := res.Failure
	if f == nil && err != nil && !errors.As(err, &f) {
		return translateError(err)
	}
	if f == nil {
		return ctx.Status(http.StatusOK).JSON(resp)
	}

	resp.Kind = f.Kind
	resp.Error = f.Error()
	if f.Kind == delivery.KindRateLimited && f.RetryAfter > 0 {
		resp.RetryAfterMs = f.RetryAfter.Milliseconds()
		ctx.Set(fiber.HeaderRetryAfter, retryAfterSeconds(f.RetryAfter))
	}
	return ctx.Status(failureStatus(f.Kind)).JSON(resp)
}
