// Package tools implements spec.md §4.3/§4.4's ToolRegistry and
// ToolExecutor: the built-in primitive set, DB-tool enumeration with
// name-collision rules, and FLOW/WEBHOOK/BUILTIN dispatch.
package tools

import (
	"context"
	"fmt"
	"regexp"

	"agenticcore/internal/storage"
)

// Definition is the shape the AI provider sees: name, description, and a
// JSON Schema for arguments.
type Definition struct {
	Name            string
	Description     string
	ParametersJSON  string
}

var toolNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// builtins is the fixed enumeration from spec.md §4.4, in a stable order
// so ToolsForBot's listing doesn't jitter between calls. storage.CreateTool
// does not reject these names, so a DB tool can share one: ToolsForBot then
// lists the DB row in place of the built-in, while Executor.Execute still
// dispatches the built-in.
var builtins = []Definition{
	{Name: "get_current_time", Description: "returns the current time in an IANA time zone", ParametersJSON: `{"type":"object","properties":{"timezone":{"type":"string"}}}`},
	{Name: "clear_conversation", Description: "clears this session's conversation history", ParametersJSON: `{"type":"object","properties":{}}`},
	{Name: "get_labels", Description: "lists the bot's labels with session counts", ParametersJSON: `{"type":"object","properties":{}}`},
	{Name: "assign_label", Description: "assigns a label to the current session", ParametersJSON: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`},
	{Name: "remove_label", Description: "removes a label from the current session", ParametersJSON: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`},
	{Name: "get_sessions_by_label", Description: "lists sessions holding a label, with recent messages", ParametersJSON: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`},
	{Name: "reply_to_message", Description: "sends a quoted reply to a specific prior message", ParametersJSON: `{"type":"object","properties":{"message_id":{"type":"string"},"text":{"type":"string"}},"required":["message_id","text"]}`},
	{Name: "send_followup_message", Description: "sends a message to a different session of the same bot", ParametersJSON: `{"type":"object","properties":{"identifier":{"type":"string"},"text":{"type":"string"}},"required":["identifier","text"]}`},
	{Name: "lookup_client", Description: "looks up a CRM client by CURP or phone", ParametersJSON: `{"type":"object","properties":{"curp":{"type":"string"},"phone":{"type":"string"}}}`},
	{Name: "register_client", Description: "registers a new CRM client", ParametersJSON: `{"type":"object","properties":{"curp":{"type":"string"},"phone":{"type":"string"},"email":{"type":"string"}},"required":["curp","phone"]}`},
	{Name: "save_credentials", Description: "stores encrypted credentials for a CRM client", ParametersJSON: `{"type":"object","properties":{"client_id":{"type":"integer"},"credentials":{"type":"object"}},"required":["client_id","credentials"]}`},
}

var builtinIndex = func() map[string]bool {
	m := make(map[string]bool, len(builtins))
	for _, b := range builtins {
		m[b.Name] = true
	}
	return m
}()

// ValidToolName reports whether name is an allowed tool identifier per
// spec.md §8 invariant 7: `^[a-z0-9_]+$`.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// IsBuiltin reports whether name is one of the reserved built-in names;
// Executor.Execute dispatches such names as built-ins without a DB lookup.
func IsBuiltin(name string) bool {
	return builtinIndex[name]
}

type Registry struct {
	db *storage.Store
}

func NewRegistry(db *storage.Store) *Registry {
	return &Registry{db: db}
}

// ToolsForBot returns the ordered definition list: all ACTIVE DB tools for
// this bot, then any built-in whose name the DB tools didn't already use.
// DB tools win on name collision; no creation-time check keeps a DB tool
// from taking a built-in name.
func (r *Registry) ToolsForBot(ctx context.Context, botID int64) ([]Definition, error) {
	dbTools, err := r.db.ListActiveToolsByBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list active tools: %w", err)
	}

	seen := make(map[string]bool, len(dbTools))
	out := make([]Definition, 0, len(dbTools)+len(builtins))
	for _, t := range dbTools {
		out = append(out, Definition{Name: t.Name, Description: t.Description, ParametersJSON: t.ParametersJSON})
		seen[t.Name] = true
	}
	for _, b := range builtins {
		if seen[b.Name] {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
