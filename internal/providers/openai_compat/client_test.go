package openai_compat

import (
	"encoding/json"
	"testing"

	"agenticcore/internal/providers"
)

func TestBuildPayloadIncludesMessagesAndTools(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model: "grok-beta",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are concise"},
			{Role: providers.RoleUser, Content: "hello"},
		},
		Tools: []providers.ToolDef{
			{Name: "get_current_time", Description: "returns the time", ParametersJSON: `{"type":"object","properties":{}}`},
		},
		MaxTokens:   123,
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %#v", payload["model"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages in payload, got %#v", payload["messages"])
	}
	if _, ok := payload["tools"]; !ok {
		t.Fatal("expected tools to be present in payload")
	}
}

func TestParseChatCompletionsExtractsToolCalls(t *testing.T) {
	raw := []byte(`{
		"choices": [{"message": {"content": "", "tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "get_current_time", "arguments": "{\"timezone\":\"utc\"}"}}
		]}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)
	resp, err := parseChatCompletions(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_current_time" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["timezone"] != "utc" {
		t.Fatalf("expected timezone argument, got %+v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected total tokens 15, got %d", resp.Usage.TotalTokens)
	}
}
