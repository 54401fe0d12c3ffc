package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPFanout is the opt-in horizontal-scale path for EventBus notifications
// referenced by spec.md §9's design note on sharding by bot identity: when
// more than one core process shares a pool of bots, each replica's
// in-process pub/sub only sees events raised on that replica. AMQPFanout
// publishes every event to a fanout exchange so SSE subscribers attached to
// any replica still observe it. In-process pub/sub remains the default;
// this is wired in only when AMQP_URL is configured.
//
// Grounded on suPer8Hu-ai-platform's rabbitmq.Publisher, adapted from a
// durable work queue (retry/DLQ queues bound to a direct exchange) to a
// fanout exchange, since event notification is broadcast, not
// exactly-once job delivery.
type AMQPFanout struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// AMQPEvent mirrors the EventBus envelope (subject, botID scope, payload)
// so a remote replica can re-publish it locally without re-deriving
// subject routing from RabbitMQ's own routing keys.
type AMQPEvent struct {
	Subject string          `json:"subject"`
	BotID   int64           `json:"bot_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func NewAMQPFanout(url, exchange string) (*AMQPFanout, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare fanout exchange: %w", err)
	}
	return &AMQPFanout{conn: conn, ch: ch, exchange: exchange}, nil
}

func (f *AMQPFanout) Close() error {
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *AMQPFanout) Publish(ctx context.Context, evt AMQPEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal amqp event: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.ch.PublishWithContext(cctx, f.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Subscribe declares an exclusive, auto-deleted queue bound to the fanout
// exchange and returns a channel of decoded events. The queue dies with
// the connection, which is the point: a replica only needs events while
// it is alive to forward them to its own local SSE subscribers.
func (f *AMQPFanout) Subscribe(ctx context.Context) (<-chan AMQPEvent, error) {
	q, err := f.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare subscriber queue: %w", err)
	}
	if err := f.ch.QueueBind(q.Name, "", f.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind subscriber queue: %w", err)
	}
	deliveries, err := f.ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume subscriber queue: %w", err)
	}

	out := make(chan AMQPEvent, 32)
	go func() {
		defer close(out)
		for d := range deliveries {
			var evt AMQPEvent
			if err := json.Unmarshal(d.Body, &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
