package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/internal/channel/whatsapp"
	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/repository"
	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var chErr *channel.Error
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, whatsapp.ErrSessionNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable) || errors.Is(err, compliance.ErrLookupFailed):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &chErr):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return err
	}
}

// failureStatus maps a delivery failure kind onto an HTTP status.
func failureStatus(k delivery.Kind) int {
	switch k {
	case delivery.KindInvalidPhone:
		return http.StatusBadRequest
	case delivery.KindOptedOut:
		return http.StatusForbidden
	case delivery.KindRateLimited:
		return http.StatusTooManyRequests
	case delivery.KindTemplateNotFound:
		return http.StatusNotFound
	case delivery.KindComplianceLookup, delivery.KindRateLimiterUnavailable:
		return http.StatusServiceUnavailable
	case delivery.KindChannelFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds rounds d up to whole seconds, minimum one.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
