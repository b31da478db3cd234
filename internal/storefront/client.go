// Package storefront is a client for the storefront backend's contact API.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/pkg/tokenstore"
)

const serviceName = "storefront"

// BearerKey is the token store key holding an identity's storefront credential.
const BearerKey = "storefront.bearer"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource looks up an identity's stored credentials.
type TokenSource interface {
	Get(ctx context.Context, scope, key string) (*tokenstore.Token, error)
}

// ContactMessage is a contact form submission.
type ContactMessage struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// Validate checks the fields the backend requires.
func (m ContactMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.Name) == "":
		return fmt.Errorf("%w: name is required", perrors.ErrInvalidInput)
	case !strings.Contains(m.Email, "@"):
		return fmt.Errorf("%w: a valid email is required", perrors.ErrInvalidInput)
	case strings.TrimSpace(m.Message) == "":
		return fmt.Errorf("%w: message is required", perrors.ErrInvalidInput)
	}
	return nil
}

// ContactReceipt acknowledges a submission.
type ContactReceipt struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Contact is a stored contact message as seen by admins.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject,omitempty"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ListContactsQuery filters the admin contact list.
type ListContactsQuery struct {
	Status string
	Limit  int
	Offset int
}

func (q ListContactsQuery) values() url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// Client wraps the storefront REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	tokens     TokenSource
	logger     zerolog.Logger
}

// NewClient creates a new storefront API client. tokens may be nil, in
// which case every request is anonymous.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger.With().Str("component", "storefront").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitContact posts a contact form on behalf of identity. Anonymous
// submissions are allowed.
func (c *Client) SubmitContact(ctx context.Context, identity string, msg ContactMessage) (ContactReceipt, error) {
	var receipt ContactReceipt
	if err := msg.Validate(); err != nil {
		return receipt, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return receipt, fmt.Errorf("encoding contact message: %w", err)
	}

	bearer, err := c.bearer(ctx, identity, false)
	if err != nil {
		return receipt, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/contact", bearer, bytes.NewReader(body))
	if err != nil {
		return receipt, err
	}
	if err := decodeResponse(resp, &receipt); err != nil {
		return receipt, err
	}
	c.logger.Debug().Str("identity", identity).Str("contact_id", receipt.ID).Msg("contact submitted")
	return receipt, nil
}

// ListContacts returns contact messages. identity must hold a stored
// bearer credential.
func (c *Client) ListContacts(ctx context.Context, identity string, q ListContactsQuery) ([]Contact, error) {
	bearer, err := c.bearer(ctx, identity, true)
	if err != nil {
		return nil, err
	}
	path := "/api/admin/contacts"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, bearer, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/health", "", nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) bearer(ctx context.Context, identity string, required bool) (string, error) {
	if identity == "" || c.tokens == nil {
		if required {
			return "", fmt.Errorf("%w: no storefront credential", perrors.ErrAuthFailure)
		}
		return "", nil
	}
	tok, err := c.tokens.Get(ctx, identity, BearerKey)
	switch {
	case err == nil:
		return tok.Value, nil
	case errors.Is(err, tokenstore.ErrTokenNotFound), errors.Is(err, tokenstore.ErrTokenExpired):
		if required {
			return "", fmt.Errorf("%w: storefront credential for %s: %v", perrors.ErrAuthFailure, identity, err)
		}
		return "", nil
	default:
		return "", fmt.Errorf("loading storefront credential: %w", err)
	}
}

// do executes an API request. Non-2xx responses become *errors.APIError.
func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &perrors.APIError{
			Service: serviceName,
			Message: "request failed",
			Err:     fmt.Errorf("%w: %v", perrors.ErrUnavailable, err),
		}
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &perrors.APIError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody, resp.Status),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        sentinelFor(resp.StatusCode),
		}
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("message", apiErr.Message).
			Msg("storefront request failed")
		return nil, apiErr
	}
	return resp, nil
}

// errorMessage extracts the backend's message from a JSON or plain body.
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" && !strings.HasPrefix(msg, "{") {
		return msg
	}
	return status
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return perrors.ErrInvalidInput
	case http.StatusUnauthorized:
		return perrors.ErrAuthFailure
	case http.StatusForbidden:
		return perrors.ErrDenied
	case http.StatusNotFound:
		return perrors.ErrNotFound
	case http.StatusTooManyRequests:
		return perrors.ErrRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return perrors.ErrTimeout
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return perrors.ErrUnavailable
	}
	return nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
