package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IncomingEnvelope is the wire format spec.md §6 fixes for the
// `agentic:queue:incoming` stream: single field `payload` containing JSON
// `{type:"NEW_MESSAGE", bot_id, session_id, identifier, platform, from_me,
// sender, message:{text, mediaUrl, timestamp}}`. A transport adapter
// publishes one envelope per inbound message; the core consumer group fans
// it into storage.UpsertMessage then AIEngine.ProcessMessages.
type IncomingEnvelope struct {
	Type       string            `json:"type"`
	BotID      int64             `json:"bot_id"`
	SessionID  int64             `json:"session_id,omitempty"`
	Identifier string            `json:"identifier"`
	Platform   string            `json:"platform"`
	FromMe     bool              `json:"from_me"`
	Sender     string            `json:"sender"`
	Message    IncomingMessageBody `json:"message"`
}

type IncomingMessageBody struct {
	Text      string    `json:"text"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutgoingEnvelope is spec.md §6's outbound wire format: single field
// `payload` containing JSON `{bot_id, target, execution_id, step_order,
// payload:{text?|image:{url},caption?|audio:{url},ptt?}}`. The core
// publishes one per transport.SendMessage call (direct turns use
// execution_id=0, step_order=0) so a node-gateway process (out of scope,
// consumed only via the transport.Transport interface per spec.md §1) can
// deliver it to the real WhatsApp session.
type OutgoingEnvelope struct {
	BotID       int64              `json:"bot_id"`
	Target      string             `json:"target"`
	ExecutionID int64              `json:"execution_id,omitempty"`
	StepOrder   int                `json:"step_order,omitempty"`
	Payload     OutgoingMessageBody `json:"payload"`
}

// OutgoingMessageBody models the payload union as a struct with omitted
// zero fields rather than an interface{}, since Go lacks tagged unions and
// every concrete variant in spec.md §6 is a small, fixed shape.
type OutgoingMessageBody struct {
	Text    string               `json:"text,omitempty"`
	Image   *OutgoingMediaBody   `json:"image,omitempty"`
	Audio   *OutgoingMediaBody   `json:"audio,omitempty"`
	Caption string               `json:"caption,omitempty"`
	PTT     bool                 `json:"ptt,omitempty"`
}

type OutgoingMediaBody struct {
	URL string `json:"url"`
}

// StreamMessage wraps a decoded envelope with its stream entry ID for Ack.
type StreamMessage[T any] struct {
	ID      string
	Payload T
}

// Stream is a generic consumer-group wrapper generalized from the
// teacher's queue.StreamQueue (previously specific to AskJob), so the same
// type serves both the incoming and outgoing streams with different
// payload types.
type Stream[T any] struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	maxLen   int64
}

func NewStream[T any](rdb *redis.Client, stream, group, consumer string, block time.Duration, maxLen int64) *Stream[T] {
	return &Stream[T]{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		maxLen:   maxLen,
	}
}

func (s *Stream[T]) EnsureGroup(ctx context.Context) error {
	err := s.redis.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (s *Stream[T]) Publish(ctx context.Context, payload T) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"payload": b},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.redis.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (s *Stream[T]) Read(ctx context.Context, count int64) ([]StreamMessage[T], error) {
	res, err := s.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]StreamMessage[T], 0)
	for _, entries := range res {
		for _, m := range entries.Messages {
			raw, ok := m.Values["payload"]
			if !ok {
				continue
			}
			var b []byte
			switch v := raw.(type) {
			case string:
				b = []byte(v)
			case []byte:
				b = v
			default:
				continue
			}
			var payload T
			if err := json.Unmarshal(b, &payload); err != nil {
				continue
			}
			out = append(out, StreamMessage[T]{ID: m.ID, Payload: payload})
		}
	}
	return out, nil
}

func (s *Stream[T]) Ack(ctx context.Context, messageID string) error {
	if err := s.redis.XAck(ctx, s.stream, s.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := s.redis.XDel(ctx, s.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (s *Stream[T]) Consumer() string {
	return s.consumer
}
