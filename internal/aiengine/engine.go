// Package aiengine implements the orchestrator described in spec.md §4.6:
// per-session locking, media preprocessing, the multi-turn tool-call loop,
// cross-provider failover, and pending-queue drain.
package aiengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agenticcore/internal/conversation"
	"agenticcore/internal/eventbus"
	"agenticcore/internal/kv"
	"agenticcore/internal/providers"
	"agenticcore/internal/storage"
	"agenticcore/internal/tools"
	"agenticcore/internal/transport"
)

const apologyMessage = "Disculpa, tuve un problema técnico. ¿Podrías intentar de nuevo en un momento?"

// TriggerEvaluator is the FlowEngine surface AIEngine calls when a bot has
// AI disabled (spec.md §4.6 step 2): only trigger matching runs.
type TriggerEvaluator interface {
	EvaluateIncoming(ctx context.Context, bot storage.Bot, session storage.Session, messages []storage.Message) error
}

type Config struct {
	LockTTL           time.Duration
	MaxToolIterations int
	MaxPendingRetries int
}

type Engine struct {
	db       *storage.Store
	conv     *conversation.Store
	registry *tools.Registry
	exec     *tools.Executor
	tr       transport.Transport
	providers *ProviderSet
	triggers TriggerEvaluator
	bus      *eventbus.Bus
	locks    *kv.SessionLock
	pending  *kv.PendingQueue
	media    MediaPreprocessor
	cfg      Config
	log      zerolog.Logger
}

func New(
	db *storage.Store,
	conv *conversation.Store,
	registry *tools.Registry,
	exec *tools.Executor,
	tr transport.Transport,
	providerSet *ProviderSet,
	triggers TriggerEvaluator,
	bus *eventbus.Bus,
	locks *kv.SessionLock,
	pending *kv.PendingQueue,
	media MediaPreprocessor,
	cfg Config,
	log zerolog.Logger,
) *Engine {
	if media == nil {
		media = NullMediaPreprocessor{}
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if cfg.MaxPendingRetries <= 0 {
		cfg.MaxPendingRetries = 3
	}
	return &Engine{
		db:        db,
		conv:      conv,
		registry:  registry,
		exec:      exec,
		tr:        tr,
		providers: providerSet,
		triggers:  triggers,
		bus:       bus,
		locks:     locks,
		pending:   pending,
		media:     media,
		cfg:       cfg,
		log:       log.With().Str("component", "aiengine").Logger(),
	}
}

// ProcessMessage is the single-message convenience wrapper spec.md §4.6
// describes on top of the plural entry point.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID int64, msg storage.Message) error {
	return e.ProcessMessages(ctx, sessionID, []storage.Message{msg})
}

func newLockToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ProcessMessages is spec.md §4.6's entry point: load, bypass-if-AI-disabled,
// acquire-or-enqueue, run the turn, and drain on release.
func (e *Engine) ProcessMessages(ctx context.Context, sessionID int64, messages []storage.Message) error {
	return e.processMessages(ctx, sessionID, messages, 0)
}

// processMessages carries depth, the number of drains that led to this call,
// so drain can stop after MaxPendingRetries.
func (e *Engine) processMessages(ctx context.Context, sessionID int64, messages []storage.Message, depth int) error {
	if len(messages) == 0 {
		return nil
	}

	session, err := e.db.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil
	}
	bot, err := e.db.GetBot(ctx, session.BotID)
	if err != nil {
		return nil
	}

	if !bot.AIEnabled {
		if e.triggers != nil {
			return e.triggers.EvaluateIncoming(ctx, bot, session, messages)
		}
		return nil
	}

	token := newLockToken()
	acquired, err := e.locks.Acquire(ctx, sessionID, token)
	if err != nil {
		e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("lock acquire failed")
		return err
	}
	if !acquired {
		ids := make([]int64, 0, len(messages))
		for _, m := range messages {
			ids = append(ids, m.ID)
		}
		if err := e.pending.Push(ctx, sessionID, ids); err != nil {
			e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("push pending batch failed")
		}
		return nil
	}

	func() {
		defer func() {
			if err := e.locks.Release(ctx, sessionID, token); err != nil {
				e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("lock release failed")
			}
		}()
		if err := e.runTurn(ctx, bot, session, messages); err != nil {
			e.log.Error().Err(err).Int64("session_id", sessionID).Msg("ai turn failed")
			if sendErr := e.tr.SendMessage(ctx, bot.ID, session.Identifier, transport.Payload{Text: apologyMessage}); sendErr != nil {
				e.log.Warn().Err(sendErr).Msg("apology send failed")
			}
		}
	}()

	return e.drain(ctx, sessionID, depth)
}

// drain implements the best-effort queue drain of spec.md §4.6 step 6. Depth
// bounds recursion to MaxPendingRetries per session.
func (e *Engine) drain(ctx context.Context, sessionID int64, depth int) error {
	if depth >= e.cfg.MaxPendingRetries {
		return nil
	}
	ids, err := e.pending.Pop(ctx, sessionID)
	if err != nil {
		e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("pending pop failed")
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	msgs, err := e.db.ListMessagesByIDs(ctx, ids)
	if err != nil {
		e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("load pending batch failed")
		return nil
	}
	return e.processMessages(ctx, sessionID, msgs, depth+1)
}

func (e *Engine) runTurn(ctx context.Context, bot storage.Bot, session storage.Session, messages []storage.Message) error {
	for _, m := range messages {
		if m.ExternalID != "" {
			if err := e.tr.MarkRead(ctx, bot.ID, session.Identifier, m.ExternalID); err != nil {
				e.log.Warn().Err(err).Msg("mark read failed")
			}
		}
	}
	if err := e.tr.SendPresence(ctx, bot.ID, session.Identifier, transport.PresenceComposing); err != nil {
		e.log.Warn().Err(err).Msg("send presence composing failed")
	}
	defer func() {
		if err := e.tr.SendPresence(ctx, bot.ID, session.Identifier, transport.PresencePaused); err != nil {
			e.log.Warn().Err(err).Msg("send presence paused failed")
		}
	}()

	userContent := e.preprocessAndConcatenate(ctx, messages)
	userTurn := conversation.Turn{Role: conversation.RoleUser, Content: userContent}
	if err := e.conv.Append(ctx, session.ID, userTurn); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}

	toolDefs, err := e.registry.ToolsForBot(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("load tools for bot: %w", err)
	}

	providerName := bot.Provider
	repliedMessageIDs := make(map[string]bool)
	replySent := false
	var lastResp providers.ChatResponse

	for iteration := 0; ; iteration++ {
		history, err := e.conv.History(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		req := providers.ChatRequest{
			Model:       bot.Model,
			Messages:    buildMessages(bot.SystemPrompt, history),
			Tools:       toProviderTools(toolDefs),
			Temperature: bot.Temperature,
		}

		resp, usedProvider, err := e.providers.chatWithFailover(ctx, providerName, req)
		if err != nil {
			return fmt.Errorf("provider chat: %w", err)
		}
		if resp.Fallback {
			providerName = usedProvider
		}
		lastResp = resp

		if len(resp.ToolCalls) == 0 {
			break
		}
		if iteration >= e.cfg.MaxToolIterations {
			break
		}

		first := true
		allDeduped := true
		var toolTurns []conversation.Turn
		for _, call := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(call.Arguments)
			assistantContent := ""
			if first {
				assistantContent = resp.Content
				first = false
			}
			toolTurns = append(toolTurns, conversation.Turn{
				Role:        conversation.RoleAssistant,
				Content:     assistantContent,
				ToolName:    call.Name,
				ToolArgs:    string(argsJSON),
				ToolCallRef: call.ID,
			})

			if call.Name == "reply_to_message" {
				msgID, _ := call.Arguments["message_id"].(string)
				if msgID != "" && repliedMessageIDs[msgID] {
					toolTurns = append(toolTurns, conversation.Turn{
						Role:        conversation.RoleTool,
						ToolName:    call.Name,
						ToolCallRef: call.ID,
						Content:     "duplicate reply_to_message call in this turn; stop replying to this message again",
					})
					continue
				}
				if msgID != "" {
					repliedMessageIDs[msgID] = true
				}
			}
			allDeduped = false

			result := e.exec.Execute(ctx, bot, session, call.Name, call.Arguments)
			if call.Name == "reply_to_message" && result.Success {
				replySent = true
			}
			toolTurns = append(toolTurns, conversation.Turn{
				Role:        conversation.RoleTool,
				ToolName:    call.Name,
				ToolCallRef: call.ID,
				Content:     result.Data,
			})
		}

		if err := e.conv.AppendMany(ctx, session.ID, toolTurns); err != nil {
			return fmt.Errorf("append tool turns: %w", err)
		}
		if allDeduped {
			break
		}
	}

	if strings.TrimSpace(lastResp.Content) != "" {
		if !replySent {
			if err := e.tr.SendMessage(ctx, bot.ID, session.Identifier, transport.Payload{Text: lastResp.Content}); err != nil {
				e.log.Warn().Err(err).Msg("send final message failed")
			} else {
				e.bus.Publish(eventbus.Event{Subject: eventbus.SubjectMessageSent, BotID: bot.ID, Payload: map[string]any{
					"sessionId": session.ID,
					"content":   lastResp.Content,
				}})
			}
		}
		if err := e.conv.Append(ctx, session.ID, conversation.Turn{Role: conversation.RoleAssistant, Content: lastResp.Content}); err != nil {
			e.log.Warn().Err(err).Msg("append final assistant turn failed")
		}
	}

	if lastResp.Usage.TotalTokens > 0 {
		if err := e.conv.TagRecentAssistantTurns(ctx, session.ID, providerName+"/"+bot.Model, lastResp.Usage.TotalTokens); err != nil {
			e.log.Warn().Err(err).Msg("tag recent assistant turns failed")
		}
	}

	return nil
}

func buildMessages(systemPrompt string, history []conversation.Turn) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: systemPrompt})
	}
	for _, t := range history {
		switch t.Role {
		case conversation.RoleSystem:
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: t.Content})
		case conversation.RoleUser:
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: t.Content})
		case conversation.RoleAssistant:
			m := providers.Message{Role: providers.RoleAssistant, Content: t.Content}
			if t.ToolCallRef != "" {
				var args map[string]any
				_ = json.Unmarshal([]byte(t.ToolArgs), &args)
				m.ToolCalls = []providers.ToolCall{{ID: t.ToolCallRef, Name: t.ToolName, Arguments: args}}
			}
			msgs = append(msgs, m)
		case conversation.RoleTool:
			msgs = append(msgs, providers.Message{
				Role:       providers.RoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallRef,
				ToolName:   t.ToolName,
			})
		}
	}
	return msgs
}

func toProviderTools(defs []tools.Definition) []providers.ToolDef {
	if len(defs) == 0 {
		return nil
	}
	out := make([]providers.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDef{Name: d.Name, Description: d.Description, ParametersJSON: d.ParametersJSON})
	}
	return out
}

// preprocessAndConcatenate implements spec.md §4.6 step 4.b/4.c: media
// preprocessing per message, then concatenation into one user turn with
// [msg:<externalId>] prefixing.
func (e *Engine) preprocessAndConcatenate(ctx context.Context, messages []storage.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		content := e.preprocessOne(ctx, m)
		if m.ExternalID != "" {
			content = fmt.Sprintf("[msg:%s] %s", m.ExternalID, content)
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) preprocessOne(ctx context.Context, m storage.Message) string {
	if m.MediaURL == nil || strings.TrimSpace(*m.MediaURL) == "" {
		return m.Content
	}
	url := *m.MediaURL

	switch m.Type {
	case storage.MessageTypeAudio:
		text, err := e.media.TranscribeAudio(ctx, url)
		if err != nil {
			return placeholderFor("Audio transcription")
		}
		return fmt.Sprintf("[Audio transcription]: %s", text)

	case storage.MessageTypeImage:
		desc, err := e.media.DescribeImage(ctx, url)
		if err != nil {
			desc = placeholderFor("Image description")
		} else {
			desc = fmt.Sprintf("[Image description]: %s", desc)
		}
		if m.Content != "" {
			return desc + " " + m.Content
		}
		return desc

	case storage.MessageTypeDocument:
		if !isPDF(url) {
			return m.Content
		}
		text, err := e.media.ExtractPDFText(ctx, url)
		if err != nil {
			return placeholderFor("PDF content")
		}
		return fmt.Sprintf("[PDF content]: %s", truncate(text, pdfTruncateChars))

	default:
		return m.Content
	}
}
