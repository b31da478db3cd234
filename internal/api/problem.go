package api

import (
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/internal/governor"
	"github.com/p-blackswan/storefront-guard/internal/session"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps a domain error to a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	var rlErr *perrors.RateLimitError
	if errors.As(err, &rlErr) {
		if rlErr.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		}
		detail := "The storefront is busy. Please try again shortly."
		if rlErr.Hint != "" {
			detail = "The storefront is busy: " + rlErr.Hint
		}
		return problemResponse(c, fiber.StatusTooManyRequests, "rate_limited", "Too Many Requests", detail)
	}

	switch {
	case errors.Is(err, session.ErrUnknownIdentity):
		return problemResponse(c, fiber.StatusNotFound, "session_not_found", "Not Found",
			"No session is attached for this identity")
	case errors.Is(err, session.ErrNotWarning):
		return problemResponse(c, fiber.StatusConflict, "not_in_warning", "Conflict",
			"The session can only be extended during the warning period")
	case errors.Is(err, session.ErrDisposed), errors.Is(err, governor.ErrDisposed):
		return problemResponse(c, fiber.StatusServiceUnavailable, "shutting_down", "Service Unavailable",
			"The service is shutting down")
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrAuthFailure):
		return problemResponse(c, fiber.StatusUnauthorized, "storefront_auth", "Unauthorized",
			"The storefront rejected the stored credential")
	case errors.Is(err, perrors.ErrDenied):
		return problemResponse(c, fiber.StatusForbidden, "storefront_denied", "Forbidden",
			"The storefront denied access")
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Resource not found")
	}

	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) {
		return problemResponse(c, fiber.StatusBadGateway, "upstream_error", "Bad Gateway", apiErr.Message)
	}
	return err
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		errType := "internal_error"
		title := "Internal Server Error"
		detail := "An internal error occurred"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			errType = "http_error"
			title = fe.Message
			detail = fe.Message
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
		}

		return problemResponse(c, code, errType, title, detail)
	}
}
