package storage

import "time"

// Bot is a tenant record (spec.md §3). AIEnabled gates whether AIEngine
// processes a session's turns at all, versus only FlowEngine trigger
// evaluation running.
type Bot struct {
	ID                int64
	Provider          string
	Model             string
	SystemPrompt      string
	Temperature       float64
	MessageDelayMs    int64
	IgnoredLabelsJSON string
	IgnoreGroups      bool
	AIEnabled         bool
	CreatedAt         time.Time
}

// BotProviderKey is an optional per-bot encrypted override of the
// process-wide provider API key from config.ProviderConfig, keyed by
// (BotID, Provider). Encrypted with crypto.Manager the same way the
// teacher encrypts provider_instances.enc_api_key.
type BotProviderKey struct {
	BotID     int64
	Provider  string
	EncAPIKey string
	CreatedAt time.Time
}

// Session is a (bot, external identifier) pairing, unique under
// (BotID, Identifier). Created lazily on first inbound message.
type Session struct {
	ID          int64
	BotID       int64
	Identifier  string
	DisplayName string
	Platform    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	MessageTypeText     = "TEXT"
	MessageTypeImage    = "IMAGE"
	MessageTypeAudio    = "AUDIO"
	MessageTypeDocument = "DOCUMENT"
)

// Message is an inbound or outbound unit, unique under ExternalID when
// ExternalID is non-empty (spec.md §3).
type Message struct {
	ID          int64
	SessionID   int64
	ExternalID  string
	Sender      string
	FromMe      bool
	Content     string
	Type        string
	MediaURL    *string
	IsProcessed bool
	CreatedAt   time.Time
}

const (
	ActionTypeFlow    = "FLOW"
	ActionTypeWebhook = "WEBHOOK"
	ActionTypeBuiltin = "BUILTIN"

	ToolStatusActive   = "ACTIVE"
	ToolStatusDisabled = "DISABLED"
)

// Tool is a (botId, name) unique, AI-callable function definition
// (spec.md §3, §4.3).
type Tool struct {
	ID               int64
	BotID            int64
	Name             string
	Description      string
	ParametersJSON   string
	ActionType       string
	ActionConfigJSON string
	Status           string
	FlowID           *int64
	CreatedAt        time.Time
}

// Flow is a named ordered sequence of Steps belonging to a bot.
type Flow struct {
	ID        int64
	BotID     int64
	Name      string
	CreatedAt time.Time
}

const (
	StepTypeText            = "TEXT"
	StepTypeImage           = "IMAGE"
	StepTypeAudio           = "AUDIO"
	StepTypePTT             = "PTT"
	StepTypeConditionalTime = "CONDITIONAL_TIME"
)

// Step is one entry of a Flow, ordered by Order ascending. MetadataJSON
// carries the CONDITIONAL_TIME branch table when Type ==
// StepTypeConditionalTime (SPEC_FULL.md §4, grounded on
// original_source/core/src/processors.rs).
type Step struct {
	ID           int64
	FlowID       int64
	Order        int
	Type         string
	Content      string
	MediaURL     *string
	DelayMs      int64
	MetadataJSON string
}

const (
	MatchTypeExact      = "EXACT"
	MatchTypeContains   = "CONTAINS"
	MatchTypeStartsWith = "STARTS_WITH"
	MatchTypeRegex      = "REGEX"

	TriggerScopeIncoming = "INCOMING"
	TriggerScopeOutgoing = "OUTGOING"
	TriggerScopeBoth     = "BOTH"
)

// Trigger matches inbound/outbound content against Keyword and, on match,
// starts the Flow identified by FlowID. CooldownMs/UsageLimit/
// ExcludesFlowsJSON are supplemented from original_source's Trigger model
// (the spec.md distillation dropped them; SPEC_FULL.md §5.7 restores
// them).
type Trigger struct {
	ID                int64
	BotID             int64
	SessionID         *int64
	Keyword           string
	MatchType         string
	Scope             string
	IsActive          bool
	FlowID            int64
	CooldownMs        *int64
	UsageLimit        *int64
	ExcludesFlowsJSON string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	ExecutionStatusRunning   = "RUNNING"
	ExecutionStatusCompleted = "COMPLETED"
	ExecutionStatusFailed    = "FAILED"
)

// Execution tracks one run of a Flow against a Session.
type Execution struct {
	ID            int64
	SessionID     int64
	FlowID        int64
	Status        string
	CurrentStep   int
	StartedAt     time.Time
	FinishedAt    *time.Time
	FailureReason *string
}

// Label mirrors a WhatsApp chat label, unique under (BotID, WALabelID).
type Label struct {
	ID        int64
	BotID     int64
	WALabelID string
	Name      string
}

// SessionLabel is the (sessionId, labelId) association, unique.
type SessionLabel struct {
	SessionID int64
	LabelID   int64
}

const AutomationEventInactivity = "INACTIVITY"

// Automation is a periodic inactivity rule (spec.md §3, §4.8).
type Automation struct {
	ID        int64
	BotID     int64
	Name      string
	Enabled   bool
	Event     string
	LabelName *string
	TimeoutMs int64
	Prompt    string
}

const (
	ConvRoleSystem    = "system"
	ConvRoleUser      = "user"
	ConvRoleAssistant = "assistant"
	ConvRoleTool      = "tool"
)

// ConversationLogEntry is the durable row backing ConversationStore's
// cache-miss reconstruction (spec.md §4.2). ID is a ULID so ordering can
// fall back to ID when CreatedAt collides at sub-millisecond granularity.
type ConversationLogEntry struct {
	ID           string
	SessionID    int64
	Role         string
	Content      string
	ToolName     string
	ToolArgsJSON string
	ToolCallRef  string
	Model        string
	TokenCount   int
	CreatedAt    time.Time
}

// CRMClient backs the lookup_client/register_client/save_credentials
// built-in tools (spec.md §4.4). EncCredentialsJSON is encrypted with
// crypto.Manager, mirroring the teacher's envelope use for secrets.
type CRMClient struct {
	ID                 int64
	BotID              int64
	CURP               string
	Phone              string
	Email              string
	EncCredentialsJSON *string
	CreatedAt          time.Time
}

// AuditEntry is kept from the teacher, repurposed to bot-level audit
// (provider key changes, tool/automation mutations) instead of per-chat
// admin actions.
type AuditEntry struct {
	BotID    int64
	UserID   int64
	Action   string
	MetaJSON string
}
