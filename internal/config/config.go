package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll     = "ALL"
	ModeWebhook = "WEBHOOK"
	ModeWorker  = "WORKER"

	AccessModePublic  = "public"
	AccessModePrivate = "private"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

var (
	ErrMissingAdminUserID = errors.New("OPERATOR_ADMIN_USER_ID is required and must be > 0")
	ErrInvalidAccessMode  = errors.New("OPERATOR_BOT_ACCESS_MODE must be 'public' or 'private'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

// Config is the root configuration of the core process, assembled from the
// environment the way the teacher's bot config is: no config file, no
// flags, just mustEnv/mustInt/mustDuration with explicit defaults.
type Config struct {
	AppMode string

	// OperatorBot* configure the optional gotgbot-based operator console
	// (cmd/operatorbot), used by tenant operators to manage bots, tools
	// and automations out of band from the WhatsApp transport.
	OperatorBotToken      string
	OperatorBotAccessMode string
	OperatorAdminUserID   int64
	OperatorDevPolling    bool

	Webhook      WebhookConfig
	Redis        RedisConfig
	DB           DBConfig
	Worker       WorkerConfig
	HTTP         HTTPConfig
	Crypto       CryptoConfig
	Log          LogConfig
	Lock         LockConfig
	Conversation ConversationConfig
	Automation   AutomationConfig
	Provider     ProviderConfig
	Auth         AuthConfig
	AMQP         AMQPConfig
	API          APIConfig
}

// AMQPConfig configures the optional RabbitMQ fanout bridge
// (kv.AMQPFanout) that lets eventbus.Bus deliver SSE events raised on one
// replica to subscribers connected to another. Left with an empty URL,
// cmd/core runs with local-only event delivery.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// APIConfig governs the operator HTTP/SSE console (internal/httpapi).
type APIConfig struct {
	ListenAddr string
}

type WebhookConfig struct {
	ListenAddr     string
	PublicURL      string
	SecretPath     string
	SecretToken    string
	HealthPath     string
	MetricsPath    string
	WebhookTimeout time.Duration
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IncomingStream string
	IncomingGroup  string
	OutgoingStream string
	OutgoingGroup  string
	ConsumerName   string
	StreamBlock    time.Duration
	StreamMaxLen   int64
	UpdateTTL      time.Duration
	WizardTTL      time.Duration
	AdminCacheTTL  time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type HTTPConfig struct {
	ClientTimeout  time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	ChatTimeout    time.Duration
	CacheTimeout   time.Duration
	WebhookTimeout time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// LockConfig governs the per-session AI mutex (spec.md §4.6) and the
// per-(session,flow) execution lock supplemented from
// original_source/core/src/flow_engine.rs's SET NX EX 30.
type LockConfig struct {
	TTL     time.Duration
	FlowTTL time.Duration
}

// ConversationConfig governs ConversationStore (spec.md §4.2) and the AI
// tool-call loop bound (spec.md §4.6).
type ConversationConfig struct {
	TTL               time.Duration
	MaxMessages       int
	PGHistoryDays     int
	MaxToolIterations int
	MaxPendingRetries int
}

// AutomationConfig governs the AutomationSweeper (spec.md §4.8).
type AutomationConfig struct {
	CheckInterval time.Duration
}

// ProviderConfig carries provider API keys and the primary/fallback mapping
// (spec.md §4.6.1). The mapping is deliberately asymmetric deployment
// configuration rather than a hard-coded constant -- see design note (ii).
type ProviderConfig struct {
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Fallback map[string]FallbackTarget
}

type FallbackTarget struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type AuthConfig struct {
	JWTSigningSecret string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode:               strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		OperatorBotToken:      mustEnv("OPERATOR_BOT_TOKEN", ""),
		OperatorBotAccessMode: strings.ToLower(mustEnv("OPERATOR_BOT_ACCESS_MODE", AccessModePublic)),
		OperatorAdminUserID:   mustInt64("OPERATOR_ADMIN_USER_ID", 0),
		OperatorDevPolling:    mustBool("OPERATOR_DEV_POLLING", false),
		Webhook: WebhookConfig{
			ListenAddr:     mustEnv("WEBHOOK_LISTEN_ADDR", ":8080"),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "operator"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			WebhookTimeout: mustDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		},
		Redis: RedisConfig{
			Addr:           mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:       mustEnv("REDIS_PASSWORD", ""),
			DB:             mustInt("REDIS_DB", 0),
			IncomingStream: mustEnv("QUEUE_INCOMING_STREAM", "agentic:queue:incoming"),
			IncomingGroup:  mustEnv("QUEUE_INCOMING_GROUP", "agentic_core_group"),
			OutgoingStream: mustEnv("QUEUE_OUTGOING_STREAM", "agentic:queue:outgoing"),
			OutgoingGroup:  mustEnv("QUEUE_OUTGOING_GROUP", "node_gateway_group"),
			ConsumerName:   mustEnv("CONSUMER_NAME", hostnameOr("core")),
			StreamBlock:    mustDuration("QUEUE_BLOCK", 5*time.Second),
			StreamMaxLen:   int64(mustInt("QUEUE_MAXLEN", 10000)),
			UpdateTTL:      mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			WizardTTL:      mustDuration("WIZARD_TTL", 20*time.Minute),
			AdminCacheTTL:  mustDuration("ADMIN_CACHE_TTL", 10*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		HTTP: HTTPConfig{
			ClientTimeout:  mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:     mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:    mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			ChatTimeout:    mustDuration("PROVIDER_CHAT_TIMEOUT", 120*time.Second),
			CacheTimeout:   mustDuration("PROVIDER_CACHE_TIMEOUT", 15*time.Second),
			WebhookTimeout: mustDuration("TOOL_WEBHOOK_TIMEOUT", 15*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
		Lock: LockConfig{
			TTL:     mustDuration("LOCK_TTL", 60*time.Second),
			FlowTTL: mustDuration("FLOW_LOCK_TTL", 30*time.Second),
		},
		Conversation: ConversationConfig{
			TTL:               time.Duration(mustInt("CONV_TTL_SECONDS", 7*24*60*60)) * time.Second,
			MaxMessages:       mustInt("CONV_MAX_MESSAGES", 100),
			PGHistoryDays:     mustInt("CONV_PG_HISTORY_DAYS", 30),
			MaxToolIterations: mustInt("MAX_TOOL_ITERATIONS", 10),
			MaxPendingRetries: mustInt("MAX_PENDING_RETRIES", 3),
		},
		Automation: AutomationConfig{
			CheckInterval: time.Duration(mustInt("AUTOMATION_CHECK_INTERVAL_MS", 30*60*1000)) * time.Millisecond,
		},
		Auth: AuthConfig{
			JWTSigningSecret: mustEnv("JWT_SIGNING_SECRET", ""),
		},
		AMQP: AMQPConfig{
			URL:      mustEnv("AMQP_URL", ""),
			Exchange: mustEnv("AMQP_EXCHANGE", "agenticcore.events"),
		},
		API: APIConfig{
			ListenAddr: mustEnv("API_LISTEN_ADDR", ":8090"),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.AppMode != ModeAll && cfg.AppMode != ModeWebhook && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.OperatorBotToken != "" {
		if cfg.OperatorBotAccessMode != AccessModePublic && cfg.OperatorBotAccessMode != AccessModePrivate {
			return nil, ErrInvalidAccessMode
		}
		if cfg.OperatorBotAccessMode == AccessModePrivate && cfg.OperatorAdminUserID <= 0 {
			return nil, ErrMissingAdminUserID
		}
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	cfg.Provider = loadProviderConfig()

	return cfg, nil
}

func loadProviderConfig() ProviderConfig {
	pc := ProviderConfig{
		GeminiAPIKey:  mustEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:  mustEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: mustEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Fallback:      map[string]FallbackTarget{},
	}

	if raw := mustEnv("PROVIDER_FALLBACK_JSON", ""); raw != "" {
		var parsed map[string]FallbackTarget
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			pc.Fallback = parsed
		}
	} else {
		// Default asymmetric mapping: Gemini falls back to a cheap OpenAI
		// model, OpenAI falls back to Gemini's flash tier. Deployments
		// override via PROVIDER_FALLBACK_JSON.
		pc.Fallback[ProviderGemini] = FallbackTarget{Provider: ProviderOpenAI, Model: "gpt-4o-mini"}
		pc.Fallback[ProviderOpenAI] = FallbackTarget{Provider: ProviderGemini, Model: "gemini-1.5-flash"}
	}
	return pc
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
