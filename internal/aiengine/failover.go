package aiengine

import (
	"context"
	"fmt"

	"agenticcore/internal/config"
	"agenticcore/internal/providers"
)

// ProviderSet resolves a configured provider name to its client and carries
// the primary->fallback mapping consulted on chat failure (spec.md §4.6.1).
type ProviderSet struct {
	clients  map[string]providers.Provider
	fallback map[string]config.FallbackTarget
}

func NewProviderSet(clients map[string]providers.Provider, fallback map[string]config.FallbackTarget) *ProviderSet {
	return &ProviderSet{clients: clients, fallback: fallback}
}

// chatWithFailover calls the provider named by primary. On any error it
// consults the fallback mapping and retries once against the fallback
// provider/model, substituting req.Model. If the fallback also fails, the
// original error is returned. The returned string names the provider that
// answered, and resp.Fallback is set when that was the fallback, so the
// caller can pin it for the rest of the turn.
func (p *ProviderSet) chatWithFailover(ctx context.Context, primary string, req providers.ChatRequest) (providers.ChatResponse, string, error) {
	client, ok := p.clients[primary]
	if !ok {
		return providers.ChatResponse{}, "", fmt.Errorf("no provider configured for %q", primary)
	}

	resp, err := client.Chat(ctx, req)
	if err == nil {
		return resp, primary, nil
	}
	origErr := err

	target, ok := p.fallback[primary]
	if !ok {
		return providers.ChatResponse{}, "", origErr
	}
	fallbackClient, ok := p.clients[target.Provider]
	if !ok {
		return providers.ChatResponse{}, "", origErr
	}

	fallbackReq := req
	fallbackReq.Model = target.Model
	resp, err = fallbackClient.Chat(ctx, fallbackReq)
	if err != nil {
		return providers.ChatResponse{}, "", origErr
	}
	resp.Fallback = true
	return resp, target.Provider, nil
}
