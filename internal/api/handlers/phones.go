package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

func (h *HandlerSet) normalizePhone(ctx *fiber.Ctx) error {
	raw := ctx.Query("phone")
	if raw == "" {
		return apperrors.Validation("phone query parameter is required")
	}
	num := h.deps.Normalizer.Normalize(raw)
	status := http.StatusOK
	if !num.Valid {
		status = http.StatusUnprocessableEntity
	}
	return ctx.Status(status).JSON(num)
}
