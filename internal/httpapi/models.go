// Package httpapi is the operator REST/SSE surface described in
// SPEC_FULL.md §3's module map: a read/write admin console distinct from
// the squirrel-backed hot path in internal/storage, fronted by gin and
// gated by a JWT bearer token.
package httpapi

import "time"

// BotRecord is gorm's view of the bots table. It mirrors storage.Bot's
// columns but is a separate type: the admin surface edits a handful of
// operator-facing fields (system prompt, temperature, AI toggle) and has
// no business reading message/execution volume the way the hot path does,
// so giving it its own gorm model keeps that boundary honest instead of
// overloading storage.Bot with `gorm:"..."` tags the hot path never uses.
type BotRecord struct {
	ID                int64     `gorm:"column:id;primaryKey" json:"id"`
	Provider          string    `gorm:"column:provider" json:"provider"`
	Model             string    `gorm:"column:model" json:"model"`
	SystemPrompt      string    `gorm:"column:system_prompt" json:"systemPrompt"`
	Temperature       float64   `gorm:"column:temperature" json:"temperature"`
	MessageDelayMs    int64     `gorm:"column:message_delay_ms" json:"messageDelayMs"`
	IgnoredLabelsJSON string    `gorm:"column:ignored_labels_json" json:"ignoredLabelsJson"`
	IgnoreGroups      bool      `gorm:"column:ignore_groups" json:"ignoreGroups"`
	AIEnabled         bool      `gorm:"column:ai_enabled" json:"aiEnabled"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"createdAt"`
}

func (BotRecord) TableName() string { return "bots" }

// BotUpdate carries the subset of BotRecord an operator may PATCH. Fields
// are pointers so a zero value (empty string, false) is distinguishable
// from "not supplied".
type BotUpdate struct {
	SystemPrompt *string  `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	AIEnabled    *bool    `json:"aiEnabled"`
	IgnoreGroups *bool    `json:"ignoreGroups"`
}

type SessionRecord struct {
	ID          int64     `gorm:"column:id;primaryKey" json:"id"`
	BotID       int64     `gorm:"column:bot_id" json:"botId"`
	Identifier  string    `gorm:"column:identifier" json:"identifier"`
	DisplayName string    `gorm:"column:display_name" json:"displayName"`
	Platform    string    `gorm:"column:platform" json:"platform"`
	Status      string    `gorm:"column:status" json:"status"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (SessionRecord) TableName() string { return "sessions" }

type AutomationRecord struct {
	ID        int64   `gorm:"column:id;primaryKey" json:"id"`
	BotID     int64   `gorm:"column:bot_id" json:"botId"`
	Name      string  `gorm:"column:name" json:"name"`
	Enabled   bool    `gorm:"column:enabled" json:"enabled"`
	Event     string  `gorm:"column:event" json:"event"`
	LabelName *string `gorm:"column:label_name" json:"labelName"`
	TimeoutMs int64   `gorm:"column:timeout_ms" json:"timeoutMs"`
	Prompt    string  `gorm:"column:prompt" json:"prompt"`
}

func (AutomationRecord) TableName() string { return "automations" }
