package transport

import (
	"context"
	"fmt"

	"agenticcore/internal/kv"
)

// StreamAdapter is the production Transport: it never touches WhatsApp
// itself, it publishes onto `agentic:queue:outgoing` in the wire format
// spec.md §6 fixes, and a Node/Baileys gateway process outside this module
// consumes it. Session lifecycle and label sync have no outbound-stream
// equivalent in spec.md's wire formats, so they are modelled as immediate
// successes; a real gateway deployment would instead expose a small
// control-plane RPC the core is not required to specify.
type StreamAdapter struct {
	out *kv.Stream[kv.OutgoingEnvelope]
}

func NewStreamAdapter(out *kv.Stream[kv.OutgoingEnvelope]) *StreamAdapter {
	return &StreamAdapter{out: out}
}

func (s *StreamAdapter) StartSession(ctx context.Context, botID int64) error { return nil }
func (s *StreamAdapter) StopSession(ctx context.Context, botID int64) error  { return nil }

func (s *StreamAdapter) SendMessage(ctx context.Context, botID int64, identifier string, payload Payload) error {
	body := kv.OutgoingMessageBody{Text: payload.Text, Caption: payload.Caption, PTT: payload.PTT}
	if payload.Image != nil {
		body.Image = &kv.OutgoingMediaBody{URL: payload.Image.URL}
	}
	if payload.Audio != nil {
		body.Audio = &kv.OutgoingMediaBody{URL: payload.Audio.URL}
	}
	_, err := s.out.Publish(ctx, kv.OutgoingEnvelope{
		BotID:   botID,
		Target:  identifier,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("publish outgoing message: %w", err)
	}
	return nil
}

// SendFlowStep is the FlowEngine-specific publish path, carrying
// ExecutionID/StepOrder so the gateway (and any observability on that
// side) can correlate delivery with a specific scripted step.
func (s *StreamAdapter) SendFlowStep(ctx context.Context, botID int64, identifier string, executionID int64, stepOrder int, payload Payload) error {
	body := kv.OutgoingMessageBody{Text: payload.Text, Caption: payload.Caption, PTT: payload.PTT}
	if payload.Image != nil {
		body.Image = &kv.OutgoingMediaBody{URL: payload.Image.URL}
	}
	if payload.Audio != nil {
		body.Audio = &kv.OutgoingMediaBody{URL: payload.Audio.URL}
	}
	_, err := s.out.Publish(ctx, kv.OutgoingEnvelope{
		BotID:       botID,
		Target:      identifier,
		ExecutionID: executionID,
		StepOrder:   stepOrder,
		Payload:     body,
	})
	if err != nil {
		return fmt.Errorf("publish flow step: %w", err)
	}
	return nil
}

func (s *StreamAdapter) MarkRead(ctx context.Context, botID int64, identifier, externalID string) error {
	return nil
}

func (s *StreamAdapter) SendPresence(ctx context.Context, botID int64, identifier string, presence Presence) error {
	return nil
}

func (s *StreamAdapter) AddChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error {
	return nil
}

func (s *StreamAdapter) RemoveChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error {
	return nil
}

func (s *StreamAdapter) SyncLabels(ctx context.Context, botID int64) ([]LabelInfo, error) {
	return nil, nil
}

func (s *StreamAdapter) ShutdownAll(ctx context.Context) error { return nil }
