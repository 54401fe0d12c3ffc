// Command operatorbot runs the optional Telegram-backed admin console
// (internal/operatorbot) operators use to manage agenticcore bots out of
// band from the WhatsApp transport. Wiring mirrors the teacher's
// cmd/bot/main.go polling/shutdown pattern, minus the webhook branch: the
// operator console is a low-traffic internal tool, so only long polling is
// supported.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agenticcore/internal/config"
	"agenticcore/internal/kv"
	"agenticcore/internal/logging"
	"agenticcore/internal/metrics"
	"agenticcore/internal/operatorbot"
	"agenticcore/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.OperatorBotToken == "" {
		log.Fatal().Msg("OPERATOR_BOT_TOKEN is required to run the operator console")
	}

	logging.Setup(cfg.Log.Level)

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

	bot, err := gotgbot.NewBot(cfg.OperatorBotToken, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create operator bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Msg("operator bot initialized")

	m := metrics.Global()
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines: 50,
		UnhandledErrFunc: func(err error) {
			log.Error().Err(err).Str("component", "operatorbot").Msg("unhandled update error")
		},
		Processor: operatorbot.Processor{
			Dedupe:  kv.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Metrics: m,
			Logger:  log.Logger,
		},
	})

	service := operatorbot.NewService(operatorbot.Config{
		Store:       store,
		RateLimiter: kv.NewRateLimiter(rdb, 120),
		Logger:      log.Logger,
		Metrics:     m,
		AccessMode:  cfg.OperatorBotAccessMode,
		AdminUserID: cfg.OperatorAdminUserID,
		JWTSecret:   cfg.Auth.JWTSigningSecret,
	})
	service.Register(dispatcher)

	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: func(err error) {
			log.Error().Err(err).Str("component", "operatorbot").Msg("updater error")
		},
	})
	if err := updater.StartPolling(bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 50,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 60 * time.Second,
			},
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to start polling")
	}
	log.Info().Msg("operator console polling started")

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              ":8091",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("health server failed")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := updater.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop updater")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop health server")
	}

	log.Info().Msg("stopped")
}
