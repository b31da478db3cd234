package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret"

func signToken(t *testing.T, secret, subject, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authRequest(t *testing.T, env *testEnv, authorization, identity string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", "/api/v1/session", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAuth_NoAuth_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t, noAuth())

	resp := authRequest(t, env, "", "alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authRequest(t, env, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_identity", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKey(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "api-key", APIKey: "test-secret-key"})

	tests := []struct {
		name          string
		authorization string
		identity      string
		wantStatus    int
		wantType      string
	}{
		{"valid", "Bearer test-secret-key", "alice", http.StatusOK, ""},
		{"missing", "", "alice", http.StatusUnauthorized, "missing_auth"},
		{"wrong key", "Bearer wrong-key", "alice", http.StatusUnauthorized, "invalid_api_key"},
		{"basic scheme", "Basic dGVzdDp0ZXN0", "alice", http.StatusUnauthorized, "invalid_auth_scheme"},
		{"no identity", "Bearer test-secret-key", "", http.StatusUnauthorized, "missing_identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := authRequest(t, env, tt.authorization, tt.identity)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, decode[ProblemDetail](t, resp).Type)
			}
		})
	}
}

func TestAuth_APIKey_EmptyKeyRejectsEverything(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "api-key"})

	resp := authRequest(t, env, "Bearer ", "alice")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_JWT(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "jwt", JWTSecret: testJWTSecret})

	t.Run("subject is the identity", func(t *testing.T) {
		token := signToken(t, testJWTSecret, "alice", "", time.Hour)
		// The identity header is ignored in jwt mode.
		resp := authRequest(t, env, "Bearer "+token, "mallory")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "alice", decode[stateBody](t, resp).Identity)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", "alice", "", time.Hour)
		resp := authRequest(t, env, "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_token", decode[ProblemDetail](t, resp).Type)
	})

	t.Run("expired", func(t *testing.T) {
		token := signToken(t, testJWTSecret, "alice", "", -time.Minute)
		resp := authRequest(t, env, "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, testJWTSecret, "", "", time.Hour)
		resp := authRequest(t, env, "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "missing_identity", decode[ProblemDetail](t, resp).Type)
	})

	t.Run("other signing method", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "alice"}).
			SignedString([]byte(testJWTSecret))
		require.NoError(t, err)
		resp := authRequest(t, env, "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAuth_RoleRequired_Admin(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "jwt", JWTSecret: testJWTSecret, Admins: []string{"ops"}})

	get := func(token string) int {
		req, _ := http.NewRequest("GET", "/api/v1/admin/contacts", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, get(signToken(t, testJWTSecret, "alice", "shopper", time.Hour)))
	assert.Equal(t, http.StatusOK, get(signToken(t, testJWTSecret, "alice", "admin", time.Hour)))
	assert.Equal(t, http.StatusOK, get(signToken(t, testJWTSecret, "ops", "", time.Hour)))
}

func TestAuth_ProbeEndpoints_NoAuth(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "api-key", APIKey: "test-secret-key"})

	// Probe endpoints should NOT require auth
	for _, path := range []string{"/healthz", "/readyz"} {
		req, _ := http.NewRequest("GET", path, nil)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err, "path: %s", path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

func TestAuthenticator_ResolveIdentity(t *testing.T) {
	t.Run("api-key via headers", func(t *testing.T) {
		a := NewAuthenticator(AuthConfig{Mode: "api-key", APIKey: "k"})
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer k")
		r.Header.Set(IdentityHeader, "alice")

		id, err := a.ResolveIdentity(r)
		require.NoError(t, err)
		assert.Equal(t, "alice", id)
	})

	t.Run("api-key via query", func(t *testing.T) {
		a := NewAuthenticator(AuthConfig{Mode: "api-key", APIKey: "k"})
		r := httptest.NewRequest("GET", "/ws?access_token=k&identity=bob", nil)

		id, err := a.ResolveIdentity(r)
		require.NoError(t, err)
		assert.Equal(t, "bob", id)
	})

	t.Run("jwt via query", func(t *testing.T) {
		a := NewAuthenticator(AuthConfig{Mode: "jwt", JWTSecret: testJWTSecret})
		token := signToken(t, testJWTSecret, "carol", "", time.Hour)
		r := httptest.NewRequest("GET", "/ws?access_token="+token, nil)

		id, err := a.ResolveIdentity(r)
		require.NoError(t, err)
		assert.Equal(t, "carol", id)
	})

	t.Run("rejected", func(t *testing.T) {
		a := NewAuthenticator(AuthConfig{Mode: "api-key", APIKey: "k"})
		r := httptest.NewRequest("GET", "/ws?access_token=wrong&identity=bob", nil)

		_, err := a.ResolveIdentity(r)
		assert.ErrorIs(t, err, errInvalidAPIKey)
	})
}

func TestAuthenticator_Roles(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Mode: "none", Admins: []string{"root"}})

	p, err := a.Authenticate("", "root")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)

	p, err = a.Authenticate("", "  alice ")
	require.NoError(t, err)
	assert.Equal(t, Principal{Identity: "alice", Role: RoleShopper}, p)
}
