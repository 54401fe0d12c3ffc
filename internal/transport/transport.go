// Package transport defines the WhatsApp session boundary the core depends
// on without implementing, per spec.md §1 ("The WhatsApp transport — QR
// pairing, media download, send primitives, label sync — consumed via a
// transport interface") and §6's concrete method surface.
package transport

import "context"

// Payload is the sendMessage payload union from spec.md §6: one of
// {text}, {image:{url}, caption?}, {audio:{url}, ptt?}, or a text reply
// quoting a prior message via ContextInfo. Exactly one of Text/Image/Audio
// should be set; ContextInfo is optional on any variant that carries Text.
type Payload struct {
	Text        string
	Image       *MediaRef
	Audio       *MediaRef
	Caption     string
	PTT         bool
	ContextInfo *ContextInfo
}

type MediaRef struct {
	URL string
}

// ContextInfo threads a quoted-reply reference through sendMessage, used by
// the AI loop's reply_to_message tool calls (spec.md §4.6 step 4.f.ii, S3).
type ContextInfo struct {
	StanzaID      string
	Participant   string
	QuotedMessage string
}

type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Transport is the full surface spec.md §6 requires of the WhatsApp
// session collaborator. Implementations live outside this module in
// production (a Node/Baileys gateway speaking the kv.IncomingEnvelope /
// kv.OutgoingEnvelope wire format); this package only types the contract
// and ships an in-memory fake for tests plus StreamAdapter, which publishes
// outbound messages onto the outgoing stream for that gateway.
type Transport interface {
	StartSession(ctx context.Context, botID int64) error
	StopSession(ctx context.Context, botID int64) error
	SendMessage(ctx context.Context, botID int64, identifier string, payload Payload) error
	MarkRead(ctx context.Context, botID int64, identifier, externalID string) error
	SendPresence(ctx context.Context, botID int64, identifier string, presence Presence) error
	AddChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error
	RemoveChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error
	SyncLabels(ctx context.Context, botID int64) ([]LabelInfo, error)
	ShutdownAll(ctx context.Context) error
}

type LabelInfo struct {
	WALabelID string
	Name      string
}
