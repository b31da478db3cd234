package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storefront-guard/internal/governor"
	"github.com/p-blackswan/storefront-guard/internal/health"
	"github.com/p-blackswan/storefront-guard/internal/requestid"
	"github.com/p-blackswan/storefront-guard/internal/session"
	"github.com/p-blackswan/storefront-guard/internal/storefront"
)

// ContactSubmitter runs a governed contact submission for an identity.
type ContactSubmitter interface {
	Do(ctx context.Context, identity string, msg storefront.ContactMessage) (storefront.ContactReceipt, error)
}

// ContactLister runs a governed admin contact listing for an identity.
type ContactLister interface {
	Do(ctx context.Context, identity string, q storefront.ListContactsQuery) ([]storefront.Contact, error)
}

// TokenWriter stores identity-scoped credentials.
type TokenWriter interface {
	Set(ctx context.Context, scope, key, value string, ttl time.Duration) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions *session.Registry
	tokens   TokenWriter
	tokenTTL time.Duration
	contacts ContactSubmitter
	admin    ContactLister
	checker  *health.Checker
	logger   zerolog.Logger
}

// NewHandlers creates a new Handlers instance. tokens, contacts and admin
// may be nil; the routes that need them then answer 503.
func NewHandlers(sessions *session.Registry, tokens TokenWriter, tokenTTL time.Duration, contacts ContactSubmitter, admin ContactLister, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		contacts: contacts,
		admin:    admin,
		checker:  checker,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// AttachRequest is the body of POST /api/v1/session/attach.
type AttachRequest struct {
	// StorefrontToken is the shopper's storefront bearer credential, kept
	// for governed backend calls until logout.
	StorefrontToken string `json:"storefront_token,omitempty"`
}

// LogoutResponse is returned by POST /api/v1/session/logout.
type LogoutResponse struct {
	LoggedOut bool `json:"logged_out"`
}

// AttachSession handles POST /api/v1/session/attach.
func (h *Handlers) AttachSession(c *fiber.Ctx) error {
	var req AttachRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}

	identity := identityOf(c)
	if req.StorefrontToken != "" {
		if h.tokens == nil {
			return problemResponse(c, fiber.StatusServiceUnavailable,
				"token_store_unavailable", "Service Unavailable",
				"Credential storage is not configured")
		}
		if err := h.tokens.Set(c.UserContext(), identity, storefront.BearerKey, req.StorefrontToken, h.tokenTTL); err != nil {
			return err
		}
	}

	m, err := h.sessions.Attach(identity)
	if err != nil {
		return errorResponse(c, err)
	}

	logger := requestid.Logger(c.UserContext(), h.logger)
	logger.Info().
		Str("identity", identity).
		Bool("storefront_token", req.StorefrontToken != "").
		Msg("session attached")

	return c.JSON(m.Snapshot())
}

// RecordActivity handles POST /api/v1/session/activity.
func (h *Handlers) RecordActivity(c *fiber.Ctx) error {
	st, err := h.sessions.RecordActivity(identityOf(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(st)
}

// ExtendSession handles POST /api/v1/session/extend.
func (h *Handlers) ExtendSession(c *fiber.Ctx) error {
	st, err := h.sessions.Extend(identityOf(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(st)
}

// Logout handles POST /api/v1/session/logout.
func (h *Handlers) Logout(c *fiber.Ctx) error {
	identity := identityOf(c)
	ok, err := h.sessions.Logout(identity)
	if err != nil {
		return errorResponse(c, err)
	}
	logger := requestid.Logger(c.UserContext(), h.logger)
	logger.Info().
		Str("identity", identity).
		Bool("logged_out", ok).
		Msg("logout requested")
	return c.JSON(LogoutResponse{LoggedOut: ok})
}

// GetSession handles GET /api/v1/session.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	return c.JSON(h.sessions.Snapshot(identityOf(c)))
}

// SubmitContact handles POST /api/v1/contact.
func (h *Handlers) SubmitContact(c *fiber.Ctx) error {
	if h.contacts == nil {
		return storefrontUnavailable(c)
	}

	var msg storefront.ContactMessage
	if err := c.BodyParser(&msg); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := msg.Validate(); err != nil {
		return errorResponse(c, err)
	}

	receipt, err := h.contacts.Do(c.UserContext(), identityOf(c), msg)
	if err != nil {
		if errors.Is(err, governor.ErrSuperseded) {
			return superseded(c)
		}
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(receipt)
}

// ListContacts handles GET /api/v1/admin/contacts.
func (h *Handlers) ListContacts(c *fiber.Ctx) error {
	if h.admin == nil {
		return storefrontUnavailable(c)
	}

	q := storefront.ListContactsQuery{
		Status: c.Query("status"),
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	}
	if q.Limit < 0 || q.Offset < 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_query", "Bad Request",
			"limit and offset must not be negative")
	}

	contacts, err := h.admin.Do(c.UserContext(), identityOf(c), q)
	if err != nil {
		if errors.Is(err, governor.ErrSuperseded) {
			return superseded(c)
		}
		return errorResponse(c, err)
	}
	if contacts == nil {
		contacts = []storefront.Contact{}
	}
	return c.JSON(fiber.Map{"contacts": contacts, "count": len(contacts)})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	report := h.checker.Report(c.UserContext())
	if !report.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

func storefrontUnavailable(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusServiceUnavailable,
		"storefront_unavailable", "Service Unavailable",
		"The storefront backend is not configured")
}

// superseded answers a call replaced by a newer one from the same identity
// inside the debounce window. The newer call carries the real result.
func superseded(c *fiber.Ctx) error {
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "superseded"})
}
