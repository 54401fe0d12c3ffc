package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"agenticcore/internal/crypto"
	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

const defaultTimezone = "America/Mexico_City"

var (
	curpPattern  = regexp.MustCompile(`^[A-Za-z0-9]{18}$`)
	phonePattern = regexp.MustCompile(`^[0-9]{10,15}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func (e *Executor) dispatchBuiltin(ctx context.Context, bot storage.Bot, session storage.Session, name string, args map[string]any) Result {
	switch name {
	case "get_current_time":
		return e.builtinGetCurrentTime(args)
	case "clear_conversation":
		return e.builtinClearConversation(ctx, session)
	case "get_labels":
		return e.builtinGetLabels(ctx, bot)
	case "assign_label":
		return e.builtinAssignLabel(ctx, bot, session, args)
	case "remove_label":
		return e.builtinRemoveLabel(ctx, bot, session, args)
	case "get_sessions_by_label":
		return e.builtinGetSessionsByLabel(ctx, bot, args)
	case "reply_to_message":
		return e.builtinReplyToMessage(ctx, bot, session, args)
	case "send_followup_message":
		return e.builtinSendFollowupMessage(ctx, bot, args)
	case "lookup_client":
		return e.builtinLookupClient(ctx, bot, args)
	case "register_client":
		return e.builtinRegisterClient(ctx, bot, args)
	case "save_credentials":
		return e.builtinSaveCredentials(ctx, args)
	default:
		return fail("tool not found or disabled")
	}
}

func (e *Executor) builtinGetCurrentTime(args map[string]any) Result {
	tz := defaultTimezone
	if v, ok := args["timezone"].(string); ok && strings.TrimSpace(v) != "" {
		tz = v
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fail("unknown time zone %q", tz)
	}
	return ok(time.Now().In(loc).Format(time.RFC1123))
}

func (e *Executor) builtinClearConversation(ctx context.Context, session storage.Session) Result {
	if err := e.conv.Clear(ctx, session.ID); err != nil {
		return fail("failed to clear conversation: %v", err)
	}
	return ok("conversation cleared")
}

func (e *Executor) builtinGetLabels(ctx context.Context, bot storage.Bot) Result {
	labels, err := e.db.ListLabelsByBot(ctx, bot.ID)
	if err != nil {
		return fail("failed to list labels: %v", err)
	}
	if len(labels) == 0 {
		return ok("no labels configured")
	}
	var sb strings.Builder
	for _, l := range labels {
		count, err := e.db.CountSessionsByLabel(ctx, l.ID)
		if err != nil {
			count = 0
		}
		fmt.Fprintf(&sb, "%s: %d sessions\n", l.Name, count)
	}
	return ok(strings.TrimSpace(sb.String()))
}

func (e *Executor) resolveLabelByName(ctx context.Context, botID int64, name string) (storage.Label, error) {
	labels, err := e.db.ListLabelsByBot(ctx, botID)
	if err != nil {
		return storage.Label{}, err
	}
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return l, nil
		}
	}
	return storage.Label{}, storage.ErrNotFound
}

func (e *Executor) builtinAssignLabel(ctx context.Context, bot storage.Bot, session storage.Session, args map[string]any) Result {
	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fail("assign_label requires a name")
	}
	label, err := e.resolveLabelByName(ctx, bot.ID, name)
	if err != nil {
		return fail("label %q not found", name)
	}
	if err := e.tr.AddChatLabel(ctx, bot.ID, session.Identifier, label.WALabelID); err != nil {
		e.log.Warn().Err(err).Msg("transport add chat label failed")
	}
	if err := e.db.AssignLabel(ctx, session.ID, label.ID); err != nil {
		return fail("failed to persist label assignment: %v", err)
	}
	return ok(fmt.Sprintf("label %q assigned", label.Name))
}

func (e *Executor) builtinRemoveLabel(ctx context.Context, bot storage.Bot, session storage.Session, args map[string]any) Result {
	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fail("remove_label requires a name")
	}
	label, err := e.resolveLabelByName(ctx, bot.ID, name)
	if err != nil {
		return fail("label %q not found", name)
	}
	if err := e.tr.RemoveChatLabel(ctx, bot.ID, session.Identifier, label.WALabelID); err != nil {
		e.log.Warn().Err(err).Msg("transport remove chat label failed")
	}
	if err := e.db.RemoveLabel(ctx, session.ID, label.ID); err != nil {
		return fail("failed to persist label removal: %v", err)
	}
	return ok(fmt.Sprintf("label %q removed", label.Name))
}

const sessionsByLabelMessageCount = 5

func (e *Executor) builtinGetSessionsByLabel(ctx context.Context, bot storage.Bot, args map[string]any) Result {
	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fail("get_sessions_by_label requires a name")
	}
	sessions, err := e.db.ListSessionsByLabel(ctx, bot.ID, name, nil)
	if err != nil {
		return fail("failed to list sessions for label %q: %v", name, err)
	}
	if len(sessions) == 0 {
		return ok(fmt.Sprintf("no sessions hold label %q", name))
	}

	var sb strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&sb, "%s (%s)\n", s.DisplayName, s.Identifier)
		turns, err := e.conv.History(ctx, s.ID)
		if err != nil {
			continue
		}
		start := 0
		if len(turns) > sessionsByLabelMessageCount {
			start = len(turns) - sessionsByLabelMessageCount
		}
		for _, t := range turns[start:] {
			fmt.Fprintf(&sb, "  [%s] %s\n", t.Role, t.Content)
		}
	}
	return ok(strings.TrimSpace(sb.String()))
}

func (e *Executor) builtinReplyToMessage(ctx context.Context, bot storage.Bot, session storage.Session, args map[string]any) Result {
	externalID, _ := args["message_id"].(string)
	text, _ := args["text"].(string)
	if strings.TrimSpace(externalID) == "" || strings.TrimSpace(text) == "" {
		return fail("reply_to_message requires message_id and text")
	}
	quoted, err := e.db.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return fail("quoted message %q not found", externalID)
	}
	quotedSession, err := e.db.GetSessionByID(ctx, quoted.SessionID)
	if err != nil || quotedSession.BotID != bot.ID {
		return fail("quoted message does not belong to this bot")
	}

	payload := transport.Payload{
		Text: text,
		ContextInfo: &transport.ContextInfo{
			StanzaID:      quoted.ExternalID,
			Participant:   quoted.Sender,
			QuotedMessage: quoted.Content,
		},
	}
	if err := e.tr.SendMessage(ctx, bot.ID, session.Identifier, payload); err != nil {
		return fail("failed to send reply: %v", err)
	}
	return ok("reply sent")
}

func (e *Executor) builtinSendFollowupMessage(ctx context.Context, bot storage.Bot, args map[string]any) Result {
	identifier, _ := args["identifier"].(string)
	text, _ := args["text"].(string)
	if strings.TrimSpace(identifier) == "" || strings.TrimSpace(text) == "" {
		return fail("send_followup_message requires identifier and text")
	}
	target, err := e.db.GetSession(ctx, bot.ID, identifier)
	if err != nil {
		return fail("session %q not found for this bot", identifier)
	}
	if err := e.tr.SendMessage(ctx, bot.ID, target.Identifier, transport.Payload{Text: text}); err != nil {
		return fail("failed to send followup: %v", err)
	}
	if _, _, err := e.db.UpsertMessage(ctx, storage.Message{
		SessionID: target.ID,
		Content:   text,
		Type:      storage.MessageTypeText,
		FromMe:    true,
	}); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist followup outbound message")
	}
	return ok(fmt.Sprintf("followup sent to %s", identifier))
}

func (e *Executor) builtinLookupClient(ctx context.Context, bot storage.Bot, args map[string]any) Result {
	curp, _ := args["curp"].(string)
	phone, _ := args["phone"].(string)
	var (
		client storage.CRMClient
		err    error
	)
	switch {
	case strings.TrimSpace(curp) != "":
		if !curpPattern.MatchString(curp) {
			return fail("curp must be 18 alphanumeric characters")
		}
		client, err = e.db.LookupClientByCURP(ctx, bot.ID, curp)
	case strings.TrimSpace(phone) != "":
		if !phonePattern.MatchString(phone) {
			return fail("phone must be 10-15 digits")
		}
		client, err = e.db.LookupClientByPhone(ctx, bot.ID, phone)
	default:
		return fail("lookup_client requires curp or phone")
	}
	if err != nil {
		return fail("client not found")
	}
	return ok(fmt.Sprintf("client_id=%d curp=%s phone=%s email=%s", client.ID, client.CURP, client.Phone, client.Email))
}

func (e *Executor) builtinRegisterClient(ctx context.Context, bot storage.Bot, args map[string]any) Result {
	curp, _ := args["curp"].(string)
	phone, _ := args["phone"].(string)
	email, _ := args["email"].(string)
	if !curpPattern.MatchString(curp) {
		return fail("curp must be 18 alphanumeric characters")
	}
	if !phonePattern.MatchString(phone) {
		return fail("phone must be 10-15 digits")
	}
	if email != "" && !emailPattern.MatchString(email) {
		return fail("email is not a valid address")
	}
	id, err := e.db.RegisterClient(ctx, storage.CRMClient{BotID: bot.ID, CURP: curp, Phone: phone, Email: email})
	if err != nil {
		if err == storage.ErrAlreadyExists {
			return fail("a client with this curp already exists")
		}
		return fail("failed to register client: %v", err)
	}
	return ok(fmt.Sprintf("client_id=%d registered", id))
}

func (e *Executor) builtinSaveCredentials(ctx context.Context, args map[string]any) Result {
	idFloat, ok2 := args["client_id"].(float64)
	if !ok2 {
		return fail("save_credentials requires client_id")
	}
	creds, ok2 := args["credentials"].(map[string]any)
	if !ok2 || len(creds) == 0 {
		return fail("save_credentials requires credentials")
	}
	raw := marshalArgs(creds)
	enc, err := e.enc.MarshalEncryptedString(raw, crypto.PurposeCRMCredentials)
	if err != nil {
		return fail("failed to encrypt credentials: %v", err)
	}
	if err := e.db.SaveClientCredentials(ctx, int64(idFloat), enc); err != nil {
		return fail("failed to save credentials: %v", err)
	}
	return ok("credentials saved")
}
