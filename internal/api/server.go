// Package api hosts the JSON API the storefront front end uses to report
// activity, manage its session and reach the governed backend call sites.
package api

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storefront-guard/internal/requestid"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	RateLimit   RateLimitConfig
	CORSOrigins []string
}

// Server is the session API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new API server.
func NewServer(cfg ServerConfig, auth *Authenticator, h *Handlers, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		Immutable:             true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, auth)
	s.setupRoutes(h)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, auth *Authenticator) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(cfg.CORSOrigins, ","),
			AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, " + IdentityHeader,
			AllowMethods:     "GET, POST, OPTIONS",
			ExposeHeaders:    "Retry-After, X-Request-ID",
			AllowCredentials: false,
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(auth, s.logger))

	// Audit every non-probe request.
	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("identity", identityOf(c)).
			Str("request_id", requestid.FromFiber(c)).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers) {
	// Probe endpoints (no auth required; handled in auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	v1 := s.app.Group("/api/v1")

	v1.Get("/session", h.GetSession)
	v1.Post("/session/attach", h.AttachSession)
	v1.Post("/session/activity", h.RecordActivity)
	v1.Post("/session/extend", h.ExtendSession)
	v1.Post("/session/logout", h.Logout)

	v1.Post("/contact", h.SubmitContact)
	v1.Get("/admin/contacts", requireRole(RoleAdmin), h.ListContacts)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
