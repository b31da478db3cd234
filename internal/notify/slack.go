package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	auditQueueSize = 64
	auditTimeout   = 10 * time.Second
)

// SlackAPI is the minimal Slack API surface needed for audit posts.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type auditEntry struct {
	identity string
	at       time.Time
}

// SlackAudit posts a message to an audit channel whenever an admin
// identity's session expires from inactivity. Posting happens on Run's
// goroutine so session timers never wait on Slack.
type SlackAudit struct {
	api     SlackAPI
	channel string
	admins  map[string]bool
	queue   chan auditEntry
	logger  zerolog.Logger
}

// NewSlackAudit creates an auditor for the given admin identities.
func NewSlackAudit(api SlackAPI, channel string, admins []string, logger zerolog.Logger) *SlackAudit {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &SlackAudit{
		api:     api,
		channel: channel,
		admins:  set,
		queue:   make(chan auditEntry, auditQueueSize),
		logger:  logger.With().Str("component", "notify.slack_audit").Logger(),
	}
}

// Warning implements session.Notifier; warnings are not audited.
func (s *SlackAudit) Warning(string, int) {}

// Countdown implements session.Notifier; countdown ticks are not audited.
func (s *SlackAudit) Countdown(string, int) {}

// Expired queues an audit post for admin identities.
func (s *SlackAudit) Expired(identity string) {
	if !s.admins[identity] {
		return
	}
	select {
	case s.queue <- auditEntry{identity: identity, at: time.Now()}:
	default:
		s.logger.Warn().Str("identity", identity).Msg("audit queue full, dropping entry")
	}
}

// Run posts queued entries until ctx is cancelled.
func (s *SlackAudit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.post(ctx, e)
		}
	}
}

func (s *SlackAudit) post(ctx context.Context, e auditEntry) {
	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	text := fmt.Sprintf("Admin session for %s expired after inactivity at %s",
		e.identity, e.at.UTC().Format(time.RFC3339))
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf(":lock: *Admin session expired*\n`%s` was logged out after inactivity.", e.identity),
				false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.PlainTextType, e.at.UTC().Format(time.RFC3339), false, false),
		),
	}

	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("identity", e.identity).Msg("failed to post audit message")
		return
	}
	s.logger.Debug().Str("identity", e.identity).Str("ts", ts).Msg("audit message posted")
}
