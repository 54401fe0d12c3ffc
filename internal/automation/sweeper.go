// Package automation implements the inactivity sweeper described in
// spec.md §4.8: on a fixed interval it finds sessions that have gone quiet
// and hands them a synthetic inbound turn so AIEngine can re-engage them.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agenticcore/internal/kv"
	"agenticcore/internal/storage"
)

// MessageProcessor is the subset of aiengine.Engine the sweeper drives.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, sessionID int64, msg storage.Message) error
}

type Sweeper struct {
	db        *storage.Store
	lease     *kv.IdempotencyLease
	processor MessageProcessor
	interval  time.Duration
	log       zerolog.Logger
}

func New(db *storage.Store, lease *kv.IdempotencyLease, processor MessageProcessor, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Sweeper{
		db:        db,
		lease:     lease,
		processor: processor,
		interval:  interval,
		log:       log.With().Str("component", "automation").Logger(),
	}
}

// Run blocks, sweeping every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	automations, err := s.db.ListEnabledAutomations(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("list enabled automations")
		return
	}
	for _, a := range automations {
		if err := s.sweepAutomation(ctx, a); err != nil {
			s.log.Warn().Err(err).Int64("automation_id", a.ID).Msg("sweep automation")
		}
	}
}

func (s *Sweeper) sweepAutomation(ctx context.Context, a storage.Automation) error {
	bot, err := s.db.GetBot(ctx, a.BotID)
	if err != nil {
		return fmt.Errorf("get bot: %w", err)
	}

	var ignoredLabels []string
	if bot.IgnoredLabelsJSON != "" {
		if err := json.Unmarshal([]byte(bot.IgnoredLabelsJSON), &ignoredLabels); err != nil {
			return fmt.Errorf("decode ignored labels: %w", err)
		}
	}

	var sessions []storage.Session
	if a.LabelName != nil {
		sessions, err = s.db.ListSessionsByLabel(ctx, a.BotID, *a.LabelName, ignoredLabels)
	} else {
		sessions, err = s.db.ListUnlabeledSessions(ctx, a.BotID)
	}
	if err != nil {
		return fmt.Errorf("list candidate sessions: %w", err)
	}

	timeout := time.Duration(a.TimeoutMs) * time.Millisecond
	for _, session := range sessions {
		s.maybeFire(ctx, a, session, timeout)
	}
	return nil
}

func (s *Sweeper) maybeFire(ctx context.Context, a storage.Automation, session storage.Session, timeout time.Duration) {
	last, err := s.db.LastInboundMessage(ctx, session.ID)
	if err != nil {
		if err != storage.ErrNotFound {
			s.log.Warn().Err(err).Int64("session_id", session.ID).Msg("last inbound message")
		}
		return
	}
	if time.Since(last.CreatedAt) < timeout {
		return
	}

	claimed, err := s.lease.Claim(ctx, a.ID, session.ID, timeout)
	if err != nil {
		s.log.Warn().Err(err).Int64("session_id", session.ID).Msg("claim automation lease")
		return
	}
	if !claimed {
		return
	}

	msg := storage.Message{
		SessionID: session.ID,
		Sender:    session.Identifier,
		FromMe:    false,
		Content:   fmt.Sprintf("[Automation: %s] %s", a.Name, a.Prompt),
		Type:      storage.MessageTypeText,
	}
	if err := s.processor.ProcessMessage(ctx, session.ID, msg); err != nil {
		s.log.Warn().Err(err).Int64("session_id", session.ID).Int64("automation_id", a.ID).Msg("process automation turn")
	}
}
