// Package worker drains agentic:queue:incoming, the wire boundary described
// in spec.md §6 between the WhatsApp gateway and this core process: the
// gateway publishes one kv.IncomingEnvelope per inbound message, and this
// consumer group fans each one into storage.UpsertMessage and then, via the
// accumulator when a bot configures a debounce window (spec.md §4.1), into
// the message processor (AIEngine, bypassing to FlowEngine when AI is
// disabled). Adapted from the teacher's queue-consumer loop in
// internal/worker/worker.go, which drained a job queue of Telegram "ask"
// jobs with the same Read/process/Ack/retry shape.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agenticcore/internal/accumulator"
	"agenticcore/internal/kv"
	"agenticcore/internal/metrics"
	"agenticcore/internal/storage"
)

// MessageProcessor is the subset of aiengine.Engine the worker drives. A
// local interface (mirroring automation.MessageProcessor) keeps this
// package from depending on aiengine directly. ProcessMessages is the
// batch entry point the accumulator flushes into; ProcessMessage is used
// directly when a bot has no debounce window configured.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, sessionID int64, msg storage.Message) error
	ProcessMessages(ctx context.Context, sessionID int64, messages []storage.Message) error
}

type Config struct {
	Store       *storage.Store
	Incoming    *kv.Stream[kv.IncomingEnvelope]
	Processor   MessageProcessor
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Worker struct {
	store       *storage.Store
	incoming    *kv.Stream[kv.IncomingEnvelope]
	processor   MessageProcessor
	acc         *accumulator.Accumulator[storage.Message]
	concurrency int
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w := &Worker{
		store:       cfg.Store,
		incoming:    cfg.Incoming,
		processor:   cfg.Processor,
		concurrency: concurrency,
		log:         cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:     m,
	}
	w.acc = accumulator.New(w.flushBatch, w.log)
	return w
}

func (w *Worker) flushBatch(ctx context.Context, sessionID int64, batch []storage.Message) error {
	return w.processor.ProcessMessages(ctx, sessionID, batch)
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.incoming.EnsureGroup(ctx); err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	w.acc.FlushAll(context.Background())
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.log.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := w.incoming.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read incoming stream")
			time.Sleep(time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			if err := w.processEnvelope(ctx, msg.Payload); err != nil {
				w.metrics.IncomingFailed.Inc()
				log.Error().Err(err).
					Int64("bot_id", msg.Payload.BotID).
					Str("identifier", msg.Payload.Identifier).
					Msg("failed to process incoming envelope")
			} else {
				w.metrics.IncomingProcessed.Inc()
			}
			if ackErr := w.incoming.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack incoming envelope")
			}
		}
	}
}

// processEnvelope turns one IncomingEnvelope into a persisted storage.Message
// and hands it to the message processor, through the accumulator when the
// owning bot configures a debounce window (spec.md §4.1, bot.MessageDelayMs).
// Envelope-level failures are logged and acked rather than retried: the
// processor's own per-session pending queue (spec.md §4.6 step 3) is the
// recovery path for transient failures, not stream redelivery.
func (w *Worker) processEnvelope(ctx context.Context, env kv.IncomingEnvelope) error {
	bot, err := w.store.GetBot(ctx, env.BotID)
	if err != nil {
		return err
	}

	session, _, err := w.store.EnsureSession(ctx, env.BotID, env.Identifier, env.Sender, env.Platform)
	if err != nil {
		return err
	}

	msgType := storage.MessageTypeText
	var mediaURL *string
	if env.Message.MediaURL != "" {
		mediaURL = &env.Message.MediaURL
		msgType = storage.MessageTypeDocument
	}

	msg, _, err := w.store.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID,
		Sender:    env.Sender,
		FromMe:    env.FromMe,
		Content:   env.Message.Text,
		Type:      msgType,
		MediaURL:  mediaURL,
	})
	if err != nil {
		return err
	}

	if bot.MessageDelayMs > 0 {
		w.acc.Accumulate(ctx, session.ID, msg, bot.MessageDelayMs)
		return nil
	}

	return w.processor.ProcessMessage(ctx, session.ID, msg)
}
