package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

const maxAttemptsPage = 500

type attemptResponse struct {
	ID           uuid.UUID `json:"id"`
	Operation    string    `json:"operation"`
	Template     string    `json:"template,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	Success      bool      `json:"success"`
	MessageID    string    `json:"message_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	PrimaryError string    `json:"primary_error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	if h.deps.Attempts == nil {
		return apperrors.Unavailable("attempt log is disabled", nil)
	}
	raw, err := url.PathUnescape(ctx.Params("phone"))
	if err != nil {
		return apperrors.Validation("invalid phone")
	}
	phone, err := h.canonical(raw)
	if err != nil {
		return err
	}

	day := time.Now().UTC()
	if v := ctx.Query("day"); v != "" {
		day, err = time.Parse(time.DateOnly, v)
		if err != nil {
			return apperrors.Validation("day must be YYYY-MM-DD")
		}
	}
	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > maxAttemptsPage {
		return apperrors.Validation("limit must be between 1 and 500")
	}

	records, err := h.deps.Attempts.ListAttempts(ctx.UserContext(), phone, day, limit)
	if err != nil {
		return translateError(err)
	}
	out := make([]attemptResponse, 0, len(records))
	for _, r := range records {
		out = append(out, attemptResponse{
			ID:           r.ID,
			Operation:    r.Operation,
			Template:     r.Template,
			Channel:      r.Channel,
			Success:      r.Success,
			MessageID:    r.MessageID,
			Kind:         r.Kind,
			Reason:       r.Reason,
			LatencyMs:    r.Latency.Milliseconds(),
			PrimaryError: r.PrimaryError,
			OccurredAt:   r.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(out)
}
