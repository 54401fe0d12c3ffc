// Command core is the orchestration process described in spec.md §1-§9: it
// drains agentic:queue:incoming into the AI engine and flow engine, runs
// the automation sweeper, serves the operator HTTP/SSE console, and
// publishes agentic:queue:outgoing for the WhatsApp gateway to deliver.
// Wiring follows the teacher's cmd/bot/main.go: signal.NotifyContext,
// storage.Open, a shared redis client, a health/metrics HTTP server, and a
// select on ctx.Done/errCh for shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agenticcore/internal/aiengine"
	"agenticcore/internal/automation"
	"agenticcore/internal/config"
	"agenticcore/internal/conversation"
	"agenticcore/internal/crypto"
	"agenticcore/internal/eventbus"
	"agenticcore/internal/flowengine"
	"agenticcore/internal/httpapi"
	"agenticcore/internal/kv"
	"agenticcore/internal/logging"
	"agenticcore/internal/metrics"
	"agenticcore/internal/providers"
	"agenticcore/internal/providers/registry"
	"agenticcore/internal/storage"
	"agenticcore/internal/tools"
	"agenticcore/internal/transport"
	"agenticcore/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Setup(cfg.Log.Level)
	log.Info().Str("mode", cfg.AppMode).Msg("starting agenticcore")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	bus := eventbus.New(log.Logger)

	var fanout *kv.AMQPFanout
	if cfg.AMQP.URL != "" {
		fanout, err = kv.NewAMQPFanout(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect amqp fanout")
		}
		defer fanout.Close()
		bus = bus.WithAMQP(fanout)
		go func() {
			if err := bus.RunAMQPBridge(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("amqp bridge stopped")
			}
		}()
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("amqp fanout bridge enabled")
	}

	outgoing := kv.NewStream[kv.OutgoingEnvelope](rdb, cfg.Redis.OutgoingStream, cfg.Redis.OutgoingGroup, cfg.Redis.ConsumerName, cfg.Redis.StreamBlock, cfg.Redis.StreamMaxLen)
	tr := transport.NewStreamAdapter(outgoing)

	conv := conversation.New(rdb, store, cfg.Conversation.TTL, cfg.Conversation.MaxMessages, cfg.Conversation.PGHistoryDays, log.Logger)
	toolRegistry := tools.NewRegistry(store)
	executor := tools.NewExecutor(store, conv, tr, cryptoManager, tools.NewHTTPWebhookCaller(), log.Logger)

	providerSet, err := buildProviderSet(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider set")
	}

	locks := kv.NewSessionLock(rdb, cfg.Lock.TTL)
	flowLocks := kv.NewFlowLock(rdb, cfg.Lock.FlowTTL)
	pending := kv.NewPendingQueue(rdb, cfg.Lock.TTL+30*time.Second)
	lease := kv.NewIdempotencyLease(rdb)

	flows := flowengine.New(store, flowLocks, tr, bus, log.Logger)

	engine := aiengine.New(
		store, conv, toolRegistry, executor, tr, providerSet, flows, bus, locks, pending, nil,
		aiengine.Config{
			LockTTL:           cfg.Lock.TTL,
			MaxToolIterations: cfg.Conversation.MaxToolIterations,
			MaxPendingRetries: cfg.Conversation.MaxPendingRetries,
		},
		log.Logger,
	)

	if err := flows.RecoverRunningExecutions(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover running flow executions")
	}

	errCh := make(chan error, 4)

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		incoming := kv.NewStream[kv.IncomingEnvelope](rdb, cfg.Redis.IncomingStream, cfg.Redis.IncomingGroup, cfg.Redis.ConsumerName, cfg.Redis.StreamBlock, cfg.Redis.StreamMaxLen)
		w := worker.New(worker.Config{
			Store:       store,
			Incoming:    incoming,
			Processor:   engine,
			Concurrency: cfg.Worker.Concurrency,
			Logger:      log.Logger,
			Metrics:     m,
		})
		go func() {
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("incoming worker started")

		sweeper := automation.New(store, lease, engine, cfg.Automation.CheckInterval, log.Logger)
		go sweeper.Run(ctx)
		log.Info().Dur("interval", cfg.Automation.CheckInterval).Msg("automation sweeper started")
	}

	if cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWebhook {
		var adminStore httpapi.AdminStore
		if cfg.DB.Driver == "postgres" {
			gormStore, err := httpapi.NewGormStore(cfg.DB.DSN)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open admin gorm store")
			}
			adminStore = gormStore
		}
		if adminStore != nil {
			api := httpapi.New(cfg.API.ListenAddr, cfg.Auth.JWTSigningSecret, adminStore, bus, log.Logger)
			go func() {
				if err := api.Run(ctx); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("operator api: %w", err)
				}
			}()
			log.Info().Str("addr", cfg.API.ListenAddr).Msg("operator api started")
		} else {
			log.Warn().Str("db_driver", cfg.DB.Driver).Msg("operator api disabled: admin store requires DB_DRIVER=postgres")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("health/metrics server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop health server")
	}

	log.Info().Msg("stopped")
}

// buildProviderSet constructs one providers.Provider per configured API
// key, keyed by config.ProviderGemini/config.ProviderOpenAI so
// aiengine.ProviderSet can resolve a bot's bot.Provider column directly.
func buildProviderSet(cfg *config.Config) (*aiengine.ProviderSet, error) {
	clients := map[string]providers.Provider{}

	if cfg.Provider.GeminiAPIKey != "" {
		client, err := registry.Build(registry.BuildOptions{
			Kind:        "gemini",
			APIKey:      cfg.Provider.GeminiAPIKey,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
		})
		if err != nil {
			return nil, fmt.Errorf("build gemini provider: %w", err)
		}
		clients[config.ProviderGemini] = client
	}

	if cfg.Provider.OpenAIAPIKey != "" {
		client, err := registry.Build(registry.BuildOptions{
			Kind:        "openai",
			BaseURL:     cfg.Provider.OpenAIBaseURL,
			APIKey:      cfg.Provider.OpenAIAPIKey,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
		})
		if err != nil {
			return nil, fmt.Errorf("build openai provider: %w", err)
		}
		clients[config.ProviderOpenAI] = client
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no provider API key configured (set GEMINI_API_KEY and/or OPENAI_API_KEY)")
	}

	return aiengine.NewProviderSet(clients, cfg.Provider.Fallback), nil
}
