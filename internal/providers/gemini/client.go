// Package gemini implements providers.Provider against the Gemini
// generateContent API. This is "Provider A" per the neutral chat contract:
// assistant tool calls carry an opaque thoughtSignature, and an explicit
// system-prompt cache is consulted once the estimated prompt size crosses
// a threshold.
package gemini

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agenticcore/internal/providers"
)

const (
	chatTimeout         = 120 * time.Second
	cacheCreateTimeout  = 15 * time.Second
	cacheTokenThreshold = 4096
	cacheMinRemainingTTL = 60 * time.Second
	cacheEntryTTL        = 30 * time.Minute
)

type Config struct {
	BaseURL    string // default https://generativelanguage.googleapis.com/v1beta
	APIKey     string
	HTTPClient *http.Client
}

type cacheEntry struct {
	name      string
	expiresAt time.Time
}

// Client is stateful: it owns a process-local system-prompt cache registry,
// keyed by (model, hash(systemPrompt+toolDefs)), shared across calls.
type Client struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: chatTimeout}
	}
	return &Client{cfg: cfg, cache: make(map[string]cacheEntry)}
}

var _ providers.Provider = (*Client)(nil)

type part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResp   `json:"functionResponse,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type genRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Tools             []struct {
		FunctionDeclarations []functionDecl `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	CachedContent   string `json:"cachedContent,omitempty"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

// Chat maps the neutral message list onto Gemini's contents[] shape.
// Historical assistant tool calls whose neutral ID carries no
// thoughtSignature (i.e. originated from a different provider during a
// failover, or predate this engine instance) are downgraded to plain-text
// summaries, and their paired tool turns rewritten as synthetic assistant
// text, per the re-call compatibility rule.
func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	gr := genRequest{}
	gr.GenerationConfig.Temperature = req.Temperature
	gr.GenerationConfig.MaxOutputTokens = req.MaxTokens

	systemPrompt := ""
	var history []providers.Message
	for _, m := range req.Messages {
		if m.Role == providers.RoleSystem {
			systemPrompt += m.Content + "\n"
			continue
		}
		history = append(history, m)
	}
	systemPrompt = strings.TrimSpace(systemPrompt)

	toolDefsKey := toolsCacheKey(req.Tools)
	if systemPrompt != "" {
		if name, ok := c.lookupOrCreateCache(cctx, req.Model, systemPrompt, toolDefsKey); ok {
			gr.CachedContent = name
		} else {
			gr.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
		}
	}

	gr.Contents = toGeminiContents(downgradeUnsignedToolCalls(history))

	if len(req.Tools) > 0 {
		decl := make([]functionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl = append(decl, functionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  rawOrNil(t.ParametersJSON),
			})
		}
		gr.Tools = append(gr.Tools, struct {
			FunctionDeclarations []functionDecl `json:"functionDeclarations"`
		}{FunctionDeclarations: decl})
	}

	body, err := json.Marshal(gr)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.cfg.BaseURL, req.Model, c.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.ChatResponse{}, fmt.Errorf("gemini status %d: %s", resp.StatusCode, string(raw))
	}

	return parseGenerateContentResponse(raw)
}

func rawOrNil(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.RawMessage(s)
}

// downgradeUnsignedToolCalls rewrites assistant turns whose tool calls carry
// no thoughtSignature (ID empty) into plain-text summaries, and rewrites
// their paired tool-result turns as synthetic assistant text, so Gemini
// accepts a conversation that includes tool calls issued by a different
// provider during a prior failover.
func downgradeUnsignedToolCalls(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	unsigned := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != providers.RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}
		hasUnsigned := false
		for _, tc := range m.ToolCalls {
			if strings.TrimSpace(tc.ID) == "" {
				hasUnsigned = true
				unsigned[tc.Name] = true
			}
		}
		if !hasUnsigned {
			out = append(out, m)
			continue
		}
		var summary strings.Builder
		if m.Content != "" {
			summary.WriteString(m.Content)
			summary.WriteString(" ")
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&summary, "[called %s(%s)]", tc.Name, string(args))
		}
		out = append(out, providers.Message{Role: providers.RoleAssistant, Content: summary.String()})
		continue
	}

	final := make([]providers.Message, 0, len(out))
	for _, m := range out {
		if m.Role == providers.RoleTool && unsigned[m.ToolName] {
			final = append(final, providers.Message{
				Role:    providers.RoleAssistant,
				Content: fmt.Sprintf("[%s result] %s", m.ToolName, m.Content),
			})
			continue
		}
		final = append(final, m)
	}
	return final
}

func toGeminiContents(msgs []providers.Message) []content {
	out := make([]content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case providers.RoleUser:
			out = append(out, content{Role: "user", Parts: []part{{Text: m.Content}}})
		case providers.RoleAssistant:
			c := content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				c.Parts = append(c.Parts, part{
					FunctionCall:     &functionCall{Name: tc.Name, Args: tc.Arguments},
					ThoughtSignature: tc.ID,
				})
			}
			out = append(out, c)
		case providers.RoleTool:
			out = append(out, content{Role: "user", Parts: []part{{
				FunctionResponse: &functionResp{Name: m.ToolName, Response: map[string]any{"result": m.Content}},
			}}})
		}
	}
	return out
}

func parseGenerateContentResponse(raw []byte) (providers.ChatResponse, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("gemini response has no candidates")
	}

	out := providers.ChatResponse{
		Usage: providers.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        p.ThoughtSignature,
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
			})
		}
	}
	out.Content = text.String()
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("gemini response has no text or tool calls")
	}
	return out, nil
}

func toolsCacheKey(defs []providers.ToolDef) string {
	var sb strings.Builder
	for _, d := range defs {
		sb.WriteString(d.Name)
		sb.WriteString(d.ParametersJSON)
	}
	return sb.String()
}

// lookupOrCreateCache returns a cachedContent resource name if the prompt is
// large enough to warrant one and either a fresh or a sufficiently-fresh
// cached entry is available. Cache creation failure degrades silently: the
// caller falls back to an inline system prompt.
func (c *Client) lookupOrCreateCache(ctx context.Context, model, systemPrompt, toolsKey string) (string, bool) {
	estimatedTokens := (len(systemPrompt) + len(toolsKey) + 3) / 4
	if estimatedTokens < cacheTokenThreshold {
		return "", false
	}

	key := cacheKey(model, systemPrompt, toolsKey)

	c.mu.Lock()
	entry, found := c.cache[key]
	c.mu.Unlock()
	if found && time.Until(entry.expiresAt) >= cacheMinRemainingTTL {
		return entry.name, true
	}

	name, err := c.createCache(ctx, model, systemPrompt)
	if err != nil {
		return "", false
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{name: name, expiresAt: time.Now().Add(cacheEntryTTL)}
	c.mu.Unlock()
	return name, true
}

func cacheKey(model, systemPrompt, toolsKey string) string {
	h := sha256.Sum256([]byte(systemPrompt + "\x00" + toolsKey))
	return model + ":" + hex.EncodeToString(h[:])
}

func (c *Client) createCache(ctx context.Context, model, systemPrompt string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, cacheCreateTimeout)
	defer cancel()

	payload := map[string]any{
		"model": "models/" + model,
		"contents": []content{{
			Role:  "user",
			Parts: []part{{Text: systemPrompt}},
		}},
		"ttl": fmt.Sprintf("%ds", int(cacheEntryTTL.Seconds())),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/cachedContents?key=%s", c.cfg.BaseURL, c.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("cachedContents status %d", resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Name == "" {
		return "", fmt.Errorf("cachedContents response missing name")
	}
	return out.Name, nil
}
