package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/repository"
	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

type upsertLeadRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type optOutRequest struct {
	Phone   string `json:"phone"`
	Channel string `json:"channel"`
	Keyword string `json:"keyword"`
}

type optOutStatusResponse struct {
	Phone      string `json:"phone"`
	OptedOut   bool   `json:"opted_out"`
	LeadExists bool   `json:"lead_exists"`
}

type optOutEventResponse struct {
	ID        int64     `json:"id"`
	LeadID    int64     `json:"lead_id"`
	Phone     string    `json:"phone"`
	Channel   string    `json:"channel"`
	Keyword   string    `json:"keyword"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *HandlerSet) canonical(raw string) (string, error) {
	num := h.deps.Normalizer.Normalize(raw)
	if !num.Valid {
		return "", apperrors.Validation(num.Reason.Message())
	}
	return num.Canonical, nil
}

func (h *HandlerSet) upsertLead(ctx *fiber.Ctx) error {
	var req upsertLeadRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	phone, err := h.canonical(req.Phone)
	if err != nil {
		return err
	}
	if err := h.deps.OptOuts.UpsertLead(ctx.UserContext(), phone, strings.TrimSpace(req.Name)); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(fiber.Map{"phone": phone})
}

func (h *HandlerSet) getOptOut(ctx *fiber.Ctx) error {
	raw, err := url.PathUnescape(ctx.Params("phone"))
	if err != nil {
		return apperrors.Validation("invalid phone")
	}
	phone, err := h.canonical(raw)
	if err != nil {
		return err
	}

	st, err := compliance.NewGate(h.deps.OptOuts).CheckOptOut(ctx.UserContext(), phone)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(optOutStatusResponse{
		Phone:      phone,
		OptedOut:   st.OptedOut,
		LeadExists: st.LeadExists,
	})
}

func (h *HandlerSet) createOptOut(ctx *fiber.Ctx) error {
	var req optOutRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	phone, err := h.canonical(req.Phone)
	if err != nil {
		return err
	}

	ch := strings.ToLower(strings.TrimSpace(req.Channel))
	switch channel.Channel(ch) {
	case channel.WhatsApp, channel.SMS:
	case "":
		ch = string(channel.WhatsApp)
	default:
		return apperrors.Validation("channel must be whatsapp or sms")
	}

	event, err := h.deps.OptOuts.MarkOptedOut(ctx.UserContext(), phone, repository.OptOutRequest{
		Channel: ch,
		Keyword: strings.ToUpper(strings.TrimSpace(req.Keyword)),
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(optOutEventResponse{
		ID:        event.ID,
		LeadID:    event.LeadID,
		Phone:     phone,
		Channel:   event.Channel,
		Keyword:   event.KeywordUsed,
		CreatedAt: event.CreatedAt,
	})
}
