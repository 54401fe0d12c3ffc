// Package operatorbot is the gotgbot-backed admin console operators use to
// manage agenticcore bots out of band from the WhatsApp transport: toggle
// AI on/off, inspect sessions and automations, and mint httpapi bearer
// tokens. Adapted from the teacher's internal/telegram.Service, keeping its
// Dispatcher registration and private-access-mode pattern but replacing the
// LLM-preset wizard UX with agenticcore's bot/session/automation surface.
package operatorbot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"agenticcore/internal/httpapi"
	"agenticcore/internal/kv"
	"agenticcore/internal/metrics"
	"agenticcore/internal/storage"
)

type Service struct {
	store       *storage.Store
	rateLimiter *kv.RateLimiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
	adminUserID int64
	jwtSecret   string
}

type Config struct {
	Store       *storage.Store
	RateLimiter *kv.RateLimiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	AccessMode  string
	AdminUserID int64
	JWTSecret   string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		store:       cfg.Store,
		rateLimiter: cfg.RateLimiter,
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
		adminUserID: cfg.AdminUserID,
		jwtSecret:   cfg.JWTSecret,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.authorize(s.help)))
	d.AddHandler(handlers.NewCommand("start", s.authorize(s.help)))
	d.AddHandler(handlers.NewCommand("bots", s.authorize(s.listBots)))
	d.AddHandler(handlers.NewCommand("bot", s.authorize(s.botDetail)))
	d.AddHandler(handlers.NewCommand("ai_on", s.authorize(s.setAIEnabled(true))))
	d.AddHandler(handlers.NewCommand("ai_off", s.authorize(s.setAIEnabled(false))))
	d.AddHandler(handlers.NewCommand("sessions", s.authorize(s.listSessions)))
	d.AddHandler(handlers.NewCommand("automations", s.authorize(s.listAutomations)))
	d.AddHandler(handlers.NewCommand("token", s.authorize(s.issueToken)))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.authorize(s.unknown)))
}

// authorize enforces OPERATOR_BOT_ACCESS_MODE=private (only adminUserID may
// issue commands) and the per-user rate limit, mirroring the teacher's
// admin gating but scoped to one global operator role rather than
// per-chat admin lists.
func (s *Service) authorize(next func(*gotgbot.Bot, *ext.Context) error) func(*gotgbot.Bot, *ext.Context) error {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		if ctx.EffectiveUser == nil {
			return nil
		}
		if s.accessMode == "private" && ctx.EffectiveUser.Id != s.adminUserID {
			return s.reply(ctx, b, "This console is private.")
		}
		if s.rateLimiter != nil {
			allowed, _, _, err := s.rateLimiter.Allow(context.Background(), 0, ctx.EffectiveUser.Id, time.Now())
			if err == nil && !allowed {
				return s.reply(ctx, b, "Rate limit exceeded, try again later.")
			}
		}
		return next(b, ctx)
	}
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	_, err := ctx.EffectiveMessage.Reply(b, text, nil)
	return err
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, strings.Join([]string{
		"agenticcore operator console",
		"/bots - list configured bots",
		"/bot <id> - bot detail",
		"/ai_on <id> / /ai_off <id> - toggle the AI engine for a bot",
		"/sessions <botId> - sessions for a bot",
		"/automations <botId> - enabled automations for a bot (none while its AI is off)",
		"/token - mint an httpapi console token",
	}, "\n"))
}

func (s *Service) unknown(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, "Unrecognized command. Send /help.")
}

func (s *Service) listBots(b *gotgbot.Bot, ctx *ext.Context) error {
	bots, err := s.store.ListBots(context.Background())
	if err != nil {
		return s.reply(ctx, b, "Failed to list bots: "+err.Error())
	}
	if len(bots) == 0 {
		return s.reply(ctx, b, "No bots configured.")
	}
	var sb strings.Builder
	for _, bot := range bots {
		status := "off"
		if bot.AIEnabled {
			status = "on"
		}
		sb.WriteString(strconv.FormatInt(bot.ID, 10) + ": " + bot.Provider + "/" + bot.Model + " (ai:" + status + ")\n")
	}
	return s.reply(ctx, b, sb.String())
}

func (s *Service) botDetail(b *gotgbot.Bot, ctx *ext.Context) error {
	id, ok := s.firstIntArg(ctx)
	if !ok {
		return s.reply(ctx, b, "Usage: /bot <id>")
	}
	bot, err := s.store.GetBot(context.Background(), id)
	if err != nil {
		return s.reply(ctx, b, "Bot not found.")
	}
	return s.reply(ctx, b, "Bot "+strconv.FormatInt(bot.ID, 10)+"\nProvider: "+bot.Provider+"/"+bot.Model+
		"\nAI enabled: "+strconv.FormatBool(bot.AIEnabled)+
		"\nTemperature: "+strconv.FormatFloat(bot.Temperature, 'f', 2, 64))
}

func (s *Service) setAIEnabled(enabled bool) func(*gotgbot.Bot, *ext.Context) error {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		id, ok := s.firstIntArg(ctx)
		if !ok {
			return s.reply(ctx, b, "Usage: /ai_on <id>")
		}
		bot, err := s.store.GetBot(context.Background(), id)
		if err != nil {
			return s.reply(ctx, b, "Bot not found.")
		}
		bot.AIEnabled = enabled
		if err := s.store.UpdateBot(context.Background(), bot); err != nil {
			return s.reply(ctx, b, "Failed: "+err.Error())
		}
		return s.reply(ctx, b, "Updated.")
	}
}

func (s *Service) listSessions(b *gotgbot.Bot, ctx *ext.Context) error {
	botID, ok := s.firstIntArg(ctx)
	if !ok {
		return s.reply(ctx, b, "Usage: /sessions <botId>")
	}
	sessions, err := s.store.ListSessionsByBot(context.Background(), botID)
	if err != nil {
		return s.reply(ctx, b, "Failed: "+err.Error())
	}
	if len(sessions) == 0 {
		return s.reply(ctx, b, "No sessions.")
	}
	var sb strings.Builder
	for _, sess := range sessions {
		sb.WriteString(strconv.FormatInt(sess.ID, 10) + ": " + sess.Identifier + " (" + sess.Status + ")\n")
	}
	return s.reply(ctx, b, sb.String())
}

func (s *Service) listAutomations(b *gotgbot.Bot, ctx *ext.Context) error {
	botID, ok := s.firstIntArg(ctx)
	if !ok {
		return s.reply(ctx, b, "Usage: /automations <botId>")
	}
	automations, err := s.store.ListEnabledAutomations(context.Background())
	if err != nil {
		return s.reply(ctx, b, "Failed: "+err.Error())
	}
	var sb strings.Builder
	for _, a := range automations {
		if a.BotID != botID {
			continue
		}
		sb.WriteString(a.Name + " (" + a.Event + ")\n")
	}
	if sb.Len() == 0 {
		return s.reply(ctx, b, "No automations.")
	}
	return s.reply(ctx, b, sb.String())
}

func (s *Service) issueToken(b *gotgbot.Bot, ctx *ext.Context) error {
	if s.jwtSecret == "" {
		return s.reply(ctx, b, "Console token issuance is not configured (JWT_SIGNING_SECRET unset).")
	}
	subject := strconv.FormatInt(ctx.EffectiveUser.Id, 10)
	token, err := httpapi.IssueToken(s.jwtSecret, subject, time.Hour)
	if err != nil {
		return s.reply(ctx, b, "Failed to issue token: "+err.Error())
	}
	return s.reply(ctx, b, "Console token (valid 1h): "+token)
}

func (s *Service) firstIntArg(ctx *ext.Context) (int64, bool) {
	args := ctx.Args()
	if len(args) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
