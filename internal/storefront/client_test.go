package storefront

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/pkg/tokenstore"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *tokenstore.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := tokenstore.NewMemoryStore()
	return NewClient(srv.URL+"/", 5*time.Second, tokens, zerolog.Nop()), tokens
}

var validMessage = ContactMessage{
	Name:    "Ada",
	Email:   "ada@example.com",
	Subject: "Order",
	Message: "Where is my parcel?",
}

func TestSubmitContact_Anonymous(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/contact", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got ContactMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, validMessage, got)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c-1","received_at":"2026-01-01T10:00:00Z"}`))
	})

	receipt, err := c.SubmitContact(context.Background(), "", validMessage)
	require.NoError(t, err)
	assert.Equal(t, "c-1", receipt.ID)
	assert.Equal(t, 2026, receipt.ReceivedAt.Year())
}

func TestSubmitContact_UsesStoredBearer(t *testing.T) {
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"c-2"}`))
	})
	require.NoError(t, tokens.Set(context.Background(), "alice", BearerKey, "secret-token", time.Minute))

	_, err := c.SubmitContact(context.Background(), "alice", validMessage)
	require.NoError(t, err)
}

func TestSubmitContact_Invalid(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})

	tests := []ContactMessage{
		{Email: "a@b.c", Message: "hi"},
		{Name: "A", Email: "nope", Message: "hi"},
		{Name: "A", Email: "a@b.c"},
	}
	for _, msg := range tests {
		_, err := c.SubmitContact(context.Background(), "", msg)
		assert.ErrorIs(t, err, perrors.ErrInvalidInput)
	}
}

func TestSubmitContact_RateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"Too many requests"}`))
	})

	_, err := c.SubmitContact(context.Background(), "", validMessage)
	require.Error(t, err)

	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "Too many requests", apiErr.Message)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
	assert.ErrorIs(t, err, perrors.ErrRateLimit)

	hint, limited := perrors.DefaultClassifier().Classify(err)
	assert.True(t, limited)
	assert.Equal(t, "try again in 30s", hint)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		sentinel error
		message  string
	}{
		{http.StatusBadRequest, `{"error":"bad email"}`, perrors.ErrInvalidInput, "bad email"},
		{http.StatusUnauthorized, `unauthorized`, perrors.ErrAuthFailure, "unauthorized"},
		{http.StatusForbidden, ``, perrors.ErrDenied, "403 Forbidden"},
		{http.StatusServiceUnavailable, `{}`, perrors.ErrUnavailable, "503 Service Unavailable"},
		{http.StatusInternalServerError, `Rate limit exceeded`, nil, "Rate limit exceeded"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.SubmitContact(context.Background(), "", validMessage)

			var apiErr *perrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestListContacts(t *testing.T) {
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/contacts", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"contacts":[{"id":"c-1","name":"Ada","status":"open"},{"id":"c-2","name":"Bob","status":"open"}]}`))
	})
	require.NoError(t, tokens.Set(context.Background(), "ops", BearerKey, "admin-token", 0))

	contacts, err := c.ListContacts(context.Background(), "ops", ListContactsQuery{Status: "open", Limit: 20})
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Ada", contacts[0].Name)
}

func TestListContacts_RequiresCredential(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})

	_, err := c.ListContacts(context.Background(), "ops", ListContactsQuery{})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)

	_, err = c.ListContacts(context.Background(), "", ListContactsQuery{})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestPing(t *testing.T) {
	var unhealthy atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	assert.NoError(t, c.Ping(context.Background()))
	unhealthy.Store(true)
	assert.ErrorIs(t, c.Ping(context.Background()), perrors.ErrUnavailable)
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, time.Second, nil, zerolog.Nop())

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
	assert.False(t, perrors.IsRateLimited(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 120*time.Second, parseRetryAfter("120", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
