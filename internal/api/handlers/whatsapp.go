package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) whatsappSession(ctx *fiber.Ctx) error {
	st, err := h.deps.Session.SessionStatus(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(st)
}

func (h *HandlerSet) whatsappQR(ctx *fiber.Ctx) error {
	qr, err := h.deps.Session.QRCode(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	ctx.Set(fiber.HeaderContentType, qr.ContentType)
	ctx.Set(fiber.HeaderCacheControl, "no-store")
	return ctx.Status(http.StatusOK).Send(qr.Data)
}
