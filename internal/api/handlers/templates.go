package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type templateResponse struct {
	Key       string   `json:"key"`
	Template  string   `json:"template"`
	Variables []string `json:"variables"`
}

func (h *HandlerSet) listTemplates(ctx *fiber.Ctx) error {
	keys := h.deps.Catalog.Keys()
	out := make([]templateResponse, 0, len(keys))
	for _, k := range keys {
		tpl, _ := h.deps.Catalog.Lookup(k)
		out = append(out, templateResponse{Key: k, Template: tpl.Template, Variables: tpl.Variables})
	}
	return ctx.Status(http.StatusOK).JSON(out)
}
