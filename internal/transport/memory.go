package transport

import (
	"context"
	"sync"
)

// SentMessage records one SendMessage call, used by tests asserting on
// spec.md's literal scenarios (S1: "exactly one sendMessage(...)").
type SentMessage struct {
	BotID      int64
	Identifier string
	Payload    Payload
}

// Memory is an in-process fake Transport: no real WhatsApp session, every
// call is recorded and StartSession/StopSession just track liveness. It is
// the default Transport in unit tests across aiengine, flowengine, and
// automation.
type Memory struct {
	mu       sync.Mutex
	sessions map[int64]bool
	sent     []SentMessage
	reads    []string
	presence []Presence
	labels   map[int64]map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[int64]bool),
		labels:   make(map[int64]map[string]string),
	}
}

func (m *Memory) StartSession(ctx context.Context, botID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[botID] = true
	return nil
}

func (m *Memory) StopSession(ctx context.Context, botID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, botID)
	return nil
}

func (m *Memory) SendMessage(ctx context.Context, botID int64, identifier string, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{BotID: botID, Identifier: identifier, Payload: payload})
	return nil
}

func (m *Memory) MarkRead(ctx context.Context, botID int64, identifier, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, externalID)
	return nil
}

func (m *Memory) SendPresence(ctx context.Context, botID int64, identifier string, presence Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = append(m.presence, presence)
	return nil
}

func (m *Memory) AddChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels[botID] == nil {
		m.labels[botID] = make(map[string]string)
	}
	m.labels[botID][identifier] = waLabelID
	return nil
}

func (m *Memory) RemoveChatLabel(ctx context.Context, botID int64, identifier, waLabelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.labels[botID], identifier)
	return nil
}

func (m *Memory) SyncLabels(ctx context.Context, botID int64) ([]LabelInfo, error) {
	return nil, nil
}

func (m *Memory) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[int64]bool)
	return nil
}

func (m *Memory) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
