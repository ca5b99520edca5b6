// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, storage, the reply queue and worker pool, channel secrets, the
// AI provider, fan-out targets (realtime, search, archive) and observability.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/inbox-ai-pipeline/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The same
// allowlist gates websocket upgrades on /ws.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "inbox-ai-pipeline")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite)
	URL    string // DATABASE_URL (postgres)
}

// DSN returns the connection string for Driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// DedupConfig selects the delivery claim store.
type DedupConfig struct {
	Backend string        // DEDUP_BACKEND: memory|sql
	TTL     time.Duration // DEDUP_TTL
}

// QueueConfig tunes the durable reply queue.
type QueueConfig struct {
	MaxAttempts  int           // QUEUE_MAX_ATTEMPTS
	BackoffBase  time.Duration // QUEUE_BACKOFF_BASE
	PollInterval time.Duration // QUEUE_POLL_INTERVAL
	Lease        time.Duration // QUEUE_LEASE
}

// ChannelSecrets holds the webhook credentials of one channel.
type ChannelSecrets struct {
	VerifyToken string
	AppSecret   string
}

// ChannelsConfig holds per-channel secrets and Graph API settings.
type ChannelsConfig struct {
	WhatsApp   ChannelSecrets // WHATSAPP_VERIFY_TOKEN, WHATSAPP_APP_SECRET
	Instagram  ChannelSecrets // INSTAGRAM_VERIFY_TOKEN, INSTAGRAM_APP_SECRET
	FacebookDM ChannelSecrets // FACEBOOK_VERIFY_TOKEN, FACEBOOK_APP_SECRET

	// RequireSignature rejects deliveries when no app secret is configured
	// instead of accepting them unverified.
	RequireSignature bool

	GraphBaseURL string        // GRAPH_API_BASE_URL
	GraphVersion string        // GRAPH_API_VERSION
	GraphTimeout time.Duration // GRAPH_API_TIMEOUT

	DispatchRPS   float64 // DISPATCH_RPS per connection, 0 disables
	DispatchBurst int     // DISPATCH_BURST
}

// AIConfig selects and configures the reply generator.
type AIConfig struct {
	Provider     string        // AI_PROVIDER: task|openai
	BaseURL      string        // AI_BASE_URL
	APIKey       string        // AI_API_KEY
	Secret       string        // AI_API_SECRET
	PollInterval time.Duration // AI_POLL_INTERVAL
	Timeout      time.Duration // AI_TIMEOUT
	SystemPrompt string        // AI_SYSTEM_PROMPT
	ModelParams  string        // AI_MODEL_PARAMS, JSON object

	OpenAIKey     string // OPENAI_API_KEY
	OpenAIBaseURL string // OPENAI_BASE_URL
	OpenAIModel   string // OPENAI_MODEL
}

// Params decodes ModelParams. An empty setting yields a nil map.
func (c AIConfig) Params() (map[string]any, error) {
	if c.ModelParams == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(c.ModelParams), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RealtimeConfig configures the broker side of realtime fan-out. The
// in-process websocket hub is always on.
type RealtimeConfig struct {
	RabbitURL string // RABBITMQ_URL, empty disables AMQP
	Exchange  string // REALTIME_EXCHANGE
}

// SearchConfig selects the full-text index.
type SearchConfig struct {
	Backend       string // SEARCH_BACKEND: memory|typesense|none
	TypesenseURL  string // TYPESENSE_URL
	TypesenseKey  string // TYPESENSE_API_KEY
	Collection    string // SEARCH_COLLECTION
	Timeout       time.Duration
	ReindexPageSz int // REINDEX_PAGE_SIZE
}

// ArchiveConfig enables raw payload archiving to S3-compatible storage.
type ArchiveConfig struct {
	Bucket    string // ARCHIVE_S3_BUCKET, empty disables
	Region    string // AWS_REGION
	Endpoint  string // ARCHIVE_S3_ENDPOINT
	AccessKey string // AWS_ACCESS_KEY_ID
	SecretKey string // AWS_SECRET_ACCESS_KEY
	PathStyle bool   // ARCHIVE_S3_PATH_STYLE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // webhook and API body cap
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for dashboard API routes

	DB          DatabaseConfig
	Dedup       DedupConfig
	Queue       QueueConfig
	Concurrency int // WORKER_CONCURRENCY

	Channels        ChannelsConfig
	ConnectionsFile string // CONNECTIONS_FILE (YAML)
	AI              AIConfig
	Realtime        RealtimeConfig
	Search          SearchConfig
	Archive         ArchiveConfig

	// Rate limiting of the dashboard API
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 1<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "inbox.db"),
			URL:    getenv("DATABASE_URL", ""),
		},
		Dedup: DedupConfig{
			Backend: strings.ToLower(getenv("DEDUP_BACKEND", "memory")),
			TTL:     getdur("DEDUP_TTL", time.Hour),
		},
		Queue: QueueConfig{
			MaxAttempts:  getint("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:  getdur("QUEUE_BACKOFF_BASE", time.Second),
			PollInterval: getdur("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			Lease:        getdur("QUEUE_LEASE", 5*time.Minute),
		},
		Concurrency: getint("WORKER_CONCURRENCY", 10),

		Channels: ChannelsConfig{
			WhatsApp: ChannelSecrets{
				VerifyToken: getenv("WHATSAPP_VERIFY_TOKEN", ""),
				AppSecret:   getenv("WHATSAPP_APP_SECRET", ""),
			},
			Instagram: ChannelSecrets{
				VerifyToken: getenv("INSTAGRAM_VERIFY_TOKEN", ""),
				AppSecret:   getenv("INSTAGRAM_APP_SECRET", ""),
			},
			FacebookDM: ChannelSecrets{
				VerifyToken: getenv("FACEBOOK_VERIFY_TOKEN", ""),
				AppSecret:   getenv("FACEBOOK_APP_SECRET", ""),
			},
			RequireSignature: getbool("REQUIRE_SIGNATURE", true),
			GraphBaseURL:     strings.TrimRight(getenv("GRAPH_API_BASE_URL", "https://graph.facebook.com"), "/"),
			GraphVersion:     getenv("GRAPH_API_VERSION", "v20.0"),
			GraphTimeout:     getdur("GRAPH_API_TIMEOUT", 15*time.Second),
			DispatchRPS:      getfloat("DISPATCH_RPS", 20),
			DispatchBurst:    getint("DISPATCH_BURST", 5),
		},
		ConnectionsFile: getenv("CONNECTIONS_FILE", "connections.yaml"),

		AI: AIConfig{
			Provider:      strings.ToLower(getenv("AI_PROVIDER", "task")),
			BaseURL:       strings.TrimRight(getenv("AI_BASE_URL", ""), "/"),
			APIKey:        getenv("AI_API_KEY", ""),
			Secret:        getenv("AI_API_SECRET", ""),
			PollInterval:  getdur("AI_POLL_INTERVAL", 2*time.Second),
			Timeout:       getdur("AI_TIMEOUT", 60*time.Second),
			SystemPrompt:  getenv("AI_SYSTEM_PROMPT", ""),
			ModelParams:   strings.TrimSpace(getenv("AI_MODEL_PARAMS", "")),
			OpenAIKey:     getenv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getenv("OPENAI_BASE_URL", ""),
			OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Realtime: RealtimeConfig{
			RabbitURL: getenv("RABBITMQ_URL", ""),
			Exchange:  getenv("REALTIME_EXCHANGE", "inbox.messages"),
		},
		Search: SearchConfig{
			Backend:       strings.ToLower(getenv("SEARCH_BACKEND", "memory")),
			TypesenseURL:  strings.TrimRight(getenv("TYPESENSE_URL", ""), "/"),
			TypesenseKey:  getenv("TYPESENSE_API_KEY", ""),
			Collection:    getenv("SEARCH_COLLECTION", "messages"),
			Timeout:       getdur("SEARCH_TIMEOUT", 5*time.Second),
			ReindexPageSz: getint("REINDEX_PAGE_SIZE", 500),
		},
		Archive: ArchiveConfig{
			Bucket:    getenv("ARCHIVE_S3_BUCKET", ""),
			Region:    getenv("AWS_REGION", "us-east-1"),
			Endpoint:  getenv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKey: getenv("AWS_ACCESS_KEY_ID", ""),
			SecretKey: getenv("AWS_SECRET_ACCESS_KEY", ""),
			PathStyle: getbool("ARCHIVE_S3_PATH_STYLE", false),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "inbox-ai-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DB.Driver)
	}

	switch cfg.Dedup.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("DEDUP_BACKEND must be memory or sql, got %q", cfg.Dedup.Backend)
	}
	if cfg.Dedup.TTL <= 0 {
		return errors.New("DEDUP_TTL must be > 0")
	}

	if cfg.Queue.MaxAttempts < 1 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.BackoffBase <= 0 || cfg.Queue.PollInterval <= 0 || cfg.Queue.Lease <= 0 {
		return errors.New("QUEUE_BACKOFF_BASE, QUEUE_POLL_INTERVAL and QUEUE_LEASE must be > 0")
	}
	if cfg.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be >= 1")
	}

	if cfg.Channels.DispatchRPS < 0 {
		return errors.New("DISPATCH_RPS must be >= 0")
	}
	if cfg.Channels.GraphTimeout <= 0 {
		return errors.New("GRAPH_API_TIMEOUT must be > 0")
	}

	switch cfg.AI.Provider {
	case "task":
		if cfg.AI.BaseURL == "" {
			return errors.New("AI_BASE_URL is required when AI_PROVIDER=task")
		}
	case "openai":
		if cfg.AI.OpenAIKey == "" {
			return errors.New("OPENAI_API_KEY is required when AI_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("AI_PROVIDER must be task or openai, got %q", cfg.AI.Provider)
	}
	if cfg.AI.PollInterval <= 0 || cfg.AI.Timeout <= 0 {
		return errors.New("AI_POLL_INTERVAL and AI_TIMEOUT must be > 0")
	}
	if _, err := cfg.AI.Params(); err != nil {
		return fmt.Errorf("AI_MODEL_PARAMS must be a JSON object: %w", err)
	}

	switch cfg.Search.Backend {
	case "memory", "none":
	case "typesense":
		if cfg.Search.TypesenseURL == "" {
			return errors.New("TYPESENSE_URL is required when SEARCH_BACKEND=typesense")
		}
	default:
		return fmt.Errorf("SEARCH_BACKEND must be memory, typesense or none, got %q", cfg.Search.Backend)
	}
	if cfg.Search.ReindexPageSz < 1 {
		return errors.New("REINDEX_PAGE_SIZE must be >= 1")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch {
		case sysutil.IsTruthy(v):
			return true
		case sysutil.IsFalsy(v):
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
