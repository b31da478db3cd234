package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storefront-guard/internal/config"
)

// Role defines what a caller may do.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleShopper Role = "shopper"
)

// IdentityHeader names the shopper in none and api-key modes.
const IdentityHeader = "X-Identity"

// Locals keys set by the auth middleware.
const (
	localsIdentity = "identity"
	localsRole     = "role"
)

var (
	errMissingAuth    = errors.New("authorization header is required")
	errAuthScheme     = errors.New("authorization header must use Bearer scheme")
	errInvalidAPIKey  = errors.New("invalid API key")
	errInvalidToken   = errors.New("invalid token")
	errMissingSubject = errors.New("identity is required")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "none", "api-key" or "jwt"
	APIKey    string
	JWTSecret string
	// Admins are identities granted RoleAdmin regardless of token claims.
	Admins []string
}

// Claims are the JWT claims accepted in jwt mode. The subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Principal is an authenticated caller.
type Principal struct {
	Identity string
	Role     Role
}

// Authenticator resolves callers for both the fiber API and plain
// net/http handlers such as the websocket endpoint.
type Authenticator struct {
	cfg    AuthConfig
	admins map[string]bool
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = true
	}
	return &Authenticator{
		cfg:    cfg,
		admins: admins,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Authenticate checks the Authorization value and resolves the identity.
// identityHeader is ignored in jwt mode, where the token subject is used.
func (a *Authenticator) Authenticate(authorization, identityHeader string) (Principal, error) {
	switch a.cfg.Mode {
	case config.AuthModeNone:
		return a.principal(identityHeader, "")

	case config.AuthModeJWT:
		token, err := bearer(authorization)
		if err != nil {
			return Principal{}, err
		}
		claims := &Claims{}
		if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(a.cfg.JWTSecret), nil
		}); err != nil {
			return Principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
		}
		return a.principal(claims.Subject, claims.Role)

	default:
		token, err := bearer(authorization)
		if err != nil {
			return Principal{}, err
		}
		if a.cfg.APIKey == "" || token != a.cfg.APIKey {
			return Principal{}, errInvalidAPIKey
		}
		return a.principal(identityHeader, "")
	}
}

// ResolveIdentity authenticates a plain HTTP request. Browsers cannot set
// headers on websocket upgrades, so access_token and identity query
// parameters are accepted as well.
func (a *Authenticator) ResolveIdentity(r *http.Request) (string, error) {
	authorization := r.Header.Get(fiber.HeaderAuthorization)
	if authorization == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			authorization = "Bearer " + tok
		}
	}
	identity := r.Header.Get(IdentityHeader)
	if identity == "" {
		identity = r.URL.Query().Get("identity")
	}
	p, err := a.Authenticate(authorization, identity)
	if err != nil {
		return "", err
	}
	return p.Identity, nil
}

func (a *Authenticator) principal(identity, claimedRole string) (Principal, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Principal{}, errMissingSubject
	}
	role := RoleShopper
	if a.admins[identity] || Role(claimedRole) == RoleAdmin {
		role = RoleAdmin
	}
	return Principal{Identity: identity, Role: role}, nil
}

func bearer(authorization string) (string, error) {
	if authorization == "" {
		return "", errMissingAuth
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return "", errAuthScheme
	}
	return token, nil
}

// NewAuthMiddleware returns a Fiber middleware that authenticates every
// non-probe request and stores the identity and role in Locals.
func NewAuthMiddleware(auth *Authenticator, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		// Header values alias fasthttp's request buffer; the identity
		// outlives the request as a registry key.
		p, err := auth.Authenticate(
			utils.CopyString(c.Get(fiber.HeaderAuthorization)),
			utils.CopyString(c.Get(IdentityHeader)),
		)
		if err != nil {
			errType := "unauthorized"
			switch {
			case errors.Is(err, errMissingAuth):
				errType = "missing_auth"
			case errors.Is(err, errAuthScheme):
				errType = "invalid_auth_scheme"
			case errors.Is(err, errInvalidAPIKey):
				errType = "invalid_api_key"
			case errors.Is(err, errInvalidToken):
				errType = "invalid_token"
			case errors.Is(err, errMissingSubject):
				errType = "missing_identity"
			}
			logger.Warn().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("reason", errType).
				Msg("unauthorized request")
			return problemResponse(c, fiber.StatusUnauthorized, errType, "Unauthorized", err.Error())
		}

		c.Locals(localsIdentity, p.Identity)
		c.Locals(localsRole, p.Role)
		return c.Next()
	}
}

// requireRole returns a middleware that enforces a role.
func requireRole(role Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if got, _ := c.Locals(localsRole).(Role); got != role {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

func identityOf(c *fiber.Ctx) string {
	id, _ := c.Locals(localsIdentity).(string)
	return id
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz"
}
