package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agenticcore/internal/storage"
)

const (
	webhookTimeout     = 15 * time.Second
	webhookMaxRetries  = 2
	webhookBackoffBase = 400 * time.Millisecond
)

// WebhookCaller abstracts the HTTP client so tests can stub network calls
// without standing up a real listener.
type WebhookCaller interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookConfig is actionConfig's WEBHOOK shape: url, optional method
// (default POST), optional extra headers.
type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

func (e *Executor) dispatchWebhook(ctx context.Context, session storage.Session, tool storage.Tool, arguments map[string]any) Result {
	var cfg webhookConfig
	if err := json.Unmarshal([]byte(tool.ActionConfigJSON), &cfg); err != nil || strings.TrimSpace(cfg.URL) == "" {
		return fail("webhook tool %q has no configured url", tool.Name)
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}

	var bodyBytes []byte
	if method != http.MethodGet {
		payload := make(map[string]any, len(arguments)+2)
		for k, v := range arguments {
			payload[k] = v
		}
		payload["sessionId"] = session.ID
		payload["identifier"] = session.Identifier
		b, err := json.Marshal(payload)
		if err != nil {
			return fail("failed to encode webhook body: %v", err)
		}
		bodyBytes = b
	}

	status, raw, err := e.callWebhookWithRetry(ctx, method, cfg, bodyBytes)
	if err != nil {
		return fail("webhook request failed: %v", err)
	}

	success := status >= 200 && status < 300
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		if pretty, err := json.Marshal(parsed); err == nil {
			return Result{Success: success, Data: string(pretty)}
		}
	}
	return Result{Success: success, Data: string(raw)}
}

// callWebhookWithRetry mirrors providers/openai_compat's callOnce retry
// shape: 5xx/429 and network errors are retried with exponential backoff up
// to webhookMaxRetries, everything else (4xx other than 429, an unreadable
// response body) is returned immediately.
func (e *Executor) callWebhookWithRetry(ctx context.Context, method string, cfg webhookConfig, bodyBytes []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= webhookMaxRetries; attempt++ {
		status, raw, retry, err := e.callWebhookOnce(ctx, method, cfg, bodyBytes)
		if err == nil {
			return status, raw, nil
		}
		lastErr = err
		if !retry || attempt == webhookMaxRetries {
			break
		}
		backoff := webhookBackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, nil, lastErr
}

func (e *Executor) callWebhookOnce(ctx context.Context, method string, cfg webhookConfig, bodyBytes []byte) (status int, raw []byte, retry bool, err error) {
	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}

	cctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, method, cfg.URL, body)
	if err != nil {
		return 0, nil, false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return 0, nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, false, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, nil, true, fmt.Errorf("webhook temporary status %d", resp.StatusCode)
	}
	return resp.StatusCode, raw, false, nil
}

// HTTPWebhookCaller is the production WebhookCaller.
type HTTPWebhookCaller struct {
	Client *http.Client
}

func NewHTTPWebhookCaller() *HTTPWebhookCaller {
	return &HTTPWebhookCaller{Client: &http.Client{}}
}

func (c *HTTPWebhookCaller) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}
