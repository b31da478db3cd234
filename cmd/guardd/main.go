package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/storefront-guard/internal/api"
	"github.com/p-blackswan/storefront-guard/internal/config"
	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/internal/governor"
	"github.com/p-blackswan/storefront-guard/internal/health"
	"github.com/p-blackswan/storefront-guard/internal/metrics"
	"github.com/p-blackswan/storefront-guard/internal/notify"
	"github.com/p-blackswan/storefront-guard/internal/session"
	"github.com/p-blackswan/storefront-guard/internal/storefront"
	"github.com/p-blackswan/storefront-guard/pkg/tokenstore"
)

const (
	maintenanceInterval = time.Minute
	maxGovernors        = 10000
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	var policies *config.Policies
	if cfg.CallSitePolicyFile != "" {
		policies, err = config.LoadPolicies(cfg.CallSitePolicyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load call site policies")
		}
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("auth_mode", cfg.APIAuthMode).
		Dur("inactivity_window", cfg.InactivityWindow).
		Dur("warning_window", cfg.WarningWindow).
		Bool("storefront_enabled", cfg.StorefrontEnabled()).
		Bool("slack_audit_enabled", cfg.SlackAuditEnabled()).
		Msg("starting storefront guard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)

	// Identity-scoped credential storage
	var store tokenstore.Store
	if cfg.TokenDBPath != "" {
		sqliteStore, err := tokenstore.NewSQLiteStore(cfg.TokenDBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.TokenDBPath).Msg("failed to open token store")
		}
		store = sqliteStore
	} else {
		store = tokenstore.NewMemoryStore()
	}
	checker.Register("token_store", health.PingCheck(store.Ping, true))

	auth := api.NewAuthenticator(api.AuthConfig{
		Mode:      cfg.APIAuthMode,
		APIKey:    cfg.APIKey,
		JWTSecret: cfg.APIJWTSecret,
		Admins:    cfg.AdminIdentityList(),
	})

	// The hub and the logout hook need the registry and pools, which in
	// turn need the hub; the closures below resolve them lazily.
	var (
		registry      *session.Registry
		contactPool   *governor.Pool[storefront.ContactMessage, storefront.ContactReceipt]
		adminListPool *governor.Pool[storefront.ListContactsQuery, []storefront.Contact]
	)

	hub := notify.NewHub(auth, func(identity string) {
		if _, err := registry.RecordActivity(identity); err != nil {
			logger.Debug().Err(err).Str("identity", identity).Msg("activity for unattached identity")
		}
	}, originChecker(cfg.CORSOriginList()), logger)

	notifiers := notify.Multi{hub}
	var slackAudit *notify.SlackAudit
	if cfg.SlackAuditEnabled() {
		slackAudit = notify.NewSlackAudit(slack.New(cfg.SlackBotToken), cfg.SlackAuditChannel, cfg.AdminIdentityList(), logger)
		notifiers = append(notifiers, slackAudit)
		logger.Info().Str("channel", cfg.SlackAuditChannel).Msg("Slack audit of admin expiry enabled")
	} else {
		logger.Info().Msg("Slack not configured, admin expiry audit disabled")
	}

	var webhook *notify.LogoutWebhook
	if cfg.LogoutWebhookURL != "" {
		webhook = notify.NewLogoutWebhook(cfg.LogoutWebhookURL, cfg.LogoutWebhookTimeout, cfg.LogoutWebhookRetries, logger)
		logger.Info().Msg("logout webhook enabled")
	}

	registry, err = session.NewRegistry(session.Config{
		InactivityWindow: cfg.InactivityWindow,
		WarningWindow:    cfg.WarningWindow,
		LogoutCooloff:    cfg.LogoutCooloff,
	}, cfg.MaxSessions, session.Hooks{
		Logout: func(identity string, reason session.Reason) {
			// Drop the identity's governors so a later login starts clean.
			if contactPool != nil {
				contactPool.Forget(identity)
			}
			if adminListPool != nil {
				adminListPool.Forget(identity)
			}
			if webhook != nil {
				webhook.Logout(identity, reason)
			}
		},
		Notifier: notifiers,
		Store:    store,
		Metrics:  m,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session registry")
	}

	// Governed storefront call sites
	if cfg.StorefrontEnabled() {
		sf := storefront.NewClient(cfg.StorefrontBaseURL, cfg.StorefrontTimeout, store, logger)
		checker.Register("storefront", health.PingCheck(sf.Ping, false))

		contactPool, err = governor.NewPool(config.CallSiteContactSubmit, sf.SubmitContact,
			governorConfig(cfg.CallSite(config.CallSiteContactSubmit, policies)),
			maxGovernors, cfg.GovernorIdleTTL, logger, m, governor.WithIdentityNotifier(hub))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create contact governor pool")
		}
		adminListPool, err = governor.NewPool(config.CallSiteAdminContacts, sf.ListContacts,
			governorConfig(cfg.CallSite(config.CallSiteAdminContacts, policies)),
			maxGovernors, cfg.GovernorIdleTTL, logger, m, governor.WithIdentityNotifier(hub))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create admin contacts governor pool")
		}
		logger.Info().Str("base_url", sf.BaseURL()).Msg("storefront client initialized")
	} else {
		logger.Info().Msg("storefront not configured, contact routes disabled")
	}

	// HTTP server for probes, metrics and notifications
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws", hub)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var contacts api.ContactSubmitter
	var admin api.ContactLister
	if contactPool != nil {
		contacts, admin = contactPool, adminListPool
	}
	handlers := api.NewHandlers(registry, store, cfg.InactivityWindow, contacts, admin, checker, logger)
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.CORSOriginList(),
	}, auth, handlers, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	if slackAudit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slackAudit.Run(ctx)
		}()
	}

	if webhook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			webhook.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, store, contactPool, adminListPool, logger)
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	registry.Close()
	if contactPool != nil {
		contactPool.Close()
		adminListPool.Close()
	}
	hub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("token store close error")
	}

	logger.Info().Msg("storefront guard stopped")
}

// governorConfig turns a resolved call site policy into a governor config.
func governorConfig(cs config.CallSite) governor.Config {
	gc := governor.Config{
		Debounce:       cs.Debounce,
		MaxRetries:     cs.MaxRetries,
		RetryDelayBase: cs.RetryDelayBase,
		MaxDelay:       cs.MaxDelay,
		Jitter:         cs.Jitter,
	}
	if cs.RateLimitPhrases != nil {
		gc.Classifier = perrors.NewClassifier(cs.RateLimitPhrases...)
	}
	return gc
}

// runMaintenance expires idle governors and stale tokens until ctx ends.
func runMaintenance(ctx context.Context, store tokenstore.Store, contacts *governor.Pool[storefront.ContactMessage, storefront.ContactReceipt], admin *governor.Pool[storefront.ListContactsQuery, []storefront.Contact], logger zerolog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("token cleanup failed")
			} else if n > 0 {
				logger.Debug().Int("removed", n).Msg("expired tokens removed")
			}
			if contacts != nil {
				swept := contacts.Sweep() + admin.Sweep()
				if swept > 0 {
					logger.Debug().Int("governors", swept).Msg("idle governors disposed")
				}
			}
		}
	}
}

// originChecker allows websocket upgrades from the configured CORS
// origins. With none configured the upgrader's same-origin check applies.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed["*"] || allowed[r.Header.Get("Origin")]
	}
}
