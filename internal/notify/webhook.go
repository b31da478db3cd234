package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/internal/retry"
	"github.com/p-blackswan/storefront-guard/internal/session"
)

const webhookQueueSize = 256

// LogoutPayload is the JSON body posted to the logout webhook.
type LogoutPayload struct {
	Identity    string         `json:"identity"`
	Reason      session.Reason `json:"reason"`
	LoggedOutAt time.Time      `json:"logged_out_at"`
}

// LogoutWebhook tells the storefront backend about every logout so it can
// revoke server-side state. Deliveries happen on Run's goroutine with
// retries; Logout never blocks.
type LogoutWebhook struct {
	url     string
	client  *http.Client
	retries retry.Config
	queue   chan LogoutPayload
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLogoutWebhook creates a webhook delivering to url. retries is the
// number of extra attempts after the first.
func NewLogoutWebhook(url string, timeout time.Duration, retries int, logger zerolog.Logger) *LogoutWebhook {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = retries + 1
	rc.BaseDelay = 2 * time.Second
	return &LogoutWebhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: rc,
		queue:   make(chan LogoutPayload, webhookQueueSize),
		now:     time.Now,
		logger:  logger.With().Str("component", "notify.logout_webhook").Logger(),
	}
}

// Logout implements session.LogoutFunc.
func (w *LogoutWebhook) Logout(identity string, reason session.Reason) {
	select {
	case w.queue <- LogoutPayload{Identity: identity, Reason: reason, LoggedOutAt: w.now().UTC()}:
	default:
		w.logger.Warn().Str("identity", identity).Msg("webhook queue full, dropping logout")
	}
}

// Run delivers queued logouts until ctx is cancelled.
func (w *LogoutWebhook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			if err := w.Deliver(ctx, p); err != nil {
				w.logger.Error().Err(err).Str("identity", p.Identity).Msg("logout webhook failed")
			}
		}
	}
}

// Deliver posts p with retries on transport errors and retryable statuses.
func (w *LogoutWebhook) Deliver(ctx context.Context, p LogoutPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling logout payload: %w", err)
	}

	rc := w.retries
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.logger.Warn().Err(err).
			Str("identity", p.Identity).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying logout webhook")
	}

	err = retry.Do(ctx, rc, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "storefront-guard-webhook/1.0")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook delivery: %w: %v", perrors.ErrUnavailable, err)
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return perrors.NewAPIError("logout-webhook", resp.StatusCode, resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("logout webhook for %s: %w", p.Identity, err)
	}

	w.logger.Debug().
		Str("identity", p.Identity).
		Str("reason", string(p.Reason)).
		Msg("logout webhook delivered")
	return nil
}
