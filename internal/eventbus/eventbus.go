// Package eventbus implements the in-process typed pub/sub described in
// spec.md §4.9: subjects are fixed, subscribers may filter by botID, and a
// slow subscriber drops its own excess rather than backpressuring
// publishers.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"agenticcore/internal/kv"
)

type Subject string

const (
	SubjectBotQR             Subject = "bot:qr"
	SubjectBotConnected      Subject = "bot:connected"
	SubjectBotDisconnected   Subject = "bot:disconnected"
	SubjectMessageReceived   Subject = "message:received"
	SubjectMessageSent       Subject = "message:sent"
	SubjectSessionCreated    Subject = "session:created"
	SubjectSystemLog         Subject = "system:log"
)

// Event is what subscribers receive. BotID is zero when a subject has no
// natural bot scope (e.g. system:log emitted before a bot context exists).
type Event struct {
	Subject Subject
	BotID   int64
	Payload any
}

// subscriber holds a buffered channel; a full channel means the consumer is
// slow and the event is dropped for that subscriber only, per spec.md's
// "slow subscribers must drop their own excess".
type subscriber struct {
	ch     chan Event
	botID  int64
	filter bool
}

type Bus struct {
	mu   sync.RWMutex
	subs map[Subject]map[int]*subscriber
	next int
	log  zerolog.Logger

	amqp *kv.AMQPFanout
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[Subject]map[int]*subscriber),
		log:  log.With().Str("component", "eventbus").Logger(),
	}
}

// WithAMQP attaches the optional cross-process fanout bridge described in
// SPEC_FULL.md §5.9. Purely additive: Publish always delivers locally first.
func (b *Bus) WithAMQP(fanout *kv.AMQPFanout) *Bus {
	b.amqp = fanout
	return b
}

// Subscribe returns a channel of events for subject, optionally filtered to
// one botID. Cancel ctx to unsubscribe; the channel is closed once removed.
func (b *Bus) Subscribe(ctx context.Context, subject Subject, botID int64, filterByBot bool) <-chan Event {
	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]*subscriber)
	}
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, 64), botID: botID, filter: filterByBot}
	b.subs[subject][id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs, ok := b.subs[subject]; ok {
			delete(subs, id)
		}
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subs[evt.Subject]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.filter && sub.botID != evt.BotID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn().Str("subject", string(evt.Subject)).Msg("subscriber channel full, dropping event")
		}
	}

	if b.amqp != nil {
		b.publishRemote(evt)
	}
}

func (b *Bus) publishRemote(evt Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		b.log.Warn().Err(err).Msg("marshal event for amqp fanout")
		return
	}
	if err := b.amqp.Publish(context.Background(), kv.AMQPEvent{
		Subject: string(evt.Subject),
		BotID:   evt.BotID,
		Payload: payload,
	}); err != nil {
		b.log.Warn().Err(err).Msg("publish event to amqp fanout")
	}
}

// deliverLocal fans an event out to subscribers only, without re-publishing
// to AMQP — used by RunAMQPBridge so events received from another replica
// are not echoed back onto the exchange.
func (b *Bus) deliverLocal(evt Event) {
	b.mu.RLock()
	subs := b.subs[evt.Subject]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.filter && sub.botID != evt.BotID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn().Str("subject", string(evt.Subject)).Msg("subscriber channel full, dropping remote event")
		}
	}
}

// RunAMQPBridge consumes the fanout exchange until ctx is cancelled,
// delivering remote-replica events to local subscribers. It is a no-op if
// WithAMQP was never called.
func (b *Bus) RunAMQPBridge(ctx context.Context) error {
	if b.amqp == nil {
		return nil
	}
	events, err := b.amqp.Subscribe(ctx)
	if err != nil {
		return err
	}
	for evt := range events {
		var payload any
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			b.log.Warn().Err(err).Msg("unmarshal remote event payload")
			continue
		}
		b.deliverLocal(Event{Subject: Subject(evt.Subject), BotID: evt.BotID, Payload: payload})
	}
	return nil
}
