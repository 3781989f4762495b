// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, WeChat credentials, the
// Dify backend endpoint, and the delivery-coordination tuning knobs.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// WeChatConfig holds the official-account credentials and API endpoint.
type WeChatConfig struct {
	// Token is the shared secret configured on the WeChat platform.
	Token string
	// EncodingAESKey enables encrypted mode when non-empty. Base64, 43 chars.
	EncodingAESKey string
	// AppID is the official account application identifier.
	AppID string
	// AppSecret authorizes the custom-message (out-of-band) API.
	AppSecret string
	// APIBaseURL overrides the WeChat API host, e.g. for a proxy.
	APIBaseURL string
}

// DifyConfig holds the AI backend endpoint and credentials.
type DifyConfig struct {
	BaseURL        string        // DIFY_BASE_URL (e.g. "https://api.dify.ai/v1")
	APIKey         string        // DIFY_API_KEY (app-scoped)
	RequestTimeout time.Duration // ceiling for the whole chat-messages request
	ChunkTimeout   time.Duration // max wait for a single streamed chunk
	StreamCeiling  time.Duration // max total time consuming one stream
}

// CoordinatorConfig tunes the message-delivery coordination protocol.
type CoordinatorConfig struct {
	// SyncTimeout is the synchronous budget for answering a delivery in-band.
	SyncTimeout time.Duration
	// RetryWaitRatio scales SyncTimeout for retry deliveries; clamped to [0.1, 1.0].
	RetryWaitRatio float64
	// MaxRedeliveries is how many redeliveries the channel grants after the
	// original attempt. The delivery whose retry count equals this value is
	// the last chance to reply in-band.
	MaxRedeliveries int
	// EnableCustomMessage switches the exhausted-budget fallback from the
	// interactive continuation loop to out-of-band custom-message delivery.
	EnableCustomMessage bool
	// ContinueAck is the literal user reply that extends an interactive wait.
	ContinueAck string
	// MaxContinueRounds caps the interactive continuation loop.
	MaxContinueRounds int
	// WaitingRoundTTL bounds the lifetime of one continuation round.
	WaitingRoundTTL time.Duration
	// WatcherCompletionCeiling is how long the out-of-band watcher waits for
	// the AI task before force-failing it.
	WatcherCompletionCeiling time.Duration
	// WatcherRetryGrace is how long the watcher lets the synchronous retry
	// protocol finish before claiming the result itself.
	WatcherRetryGrace time.Duration
	// TimeoutMessage is the placeholder sent when generation is still running.
	TimeoutMessage string
	// ContinueMessage invites the user to reply ContinueAck to keep waiting.
	ContinueMessage string
	// GiveUpMessage is sent when the continuation cap is reached.
	GiveUpMessage string
}

// TrackingConfig tunes the in-memory message status store.
type TrackingConfig struct {
	SweepInterval time.Duration // how often completed entries are swept
	Retention     time.Duration // how long completed entries are retained
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed the synchronous budget
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Routing
	WebhookBasePath string // base path for the webhook endpoints

	// App
	DBPath string // SQLite path for conversation persistence

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	WeChat      WeChatConfig
	Dify        DifyConfig
	Coordinator CoordinatorConfig
	Tracking    TrackingConfig

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
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Routing
		WebhookBasePath: normalizeBasePath(getenv("WEBHOOK_BASE_PATH", "/wechat")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		WeChat: WeChatConfig{
			Token:          getenv("WECHAT_TOKEN", ""),
			EncodingAESKey: getenv("WECHAT_ENCODING_AES_KEY", ""),
			AppID:          getenv("WECHAT_APP_ID", ""),
			AppSecret:      getenv("WECHAT_APP_SECRET", ""),
			APIBaseURL:     getenv("WECHAT_API_BASE_URL", "https://api.weixin.qq.com"),
		},

		Dify: DifyConfig{
			BaseURL:        strings.TrimRight(getenv("DIFY_BASE_URL", "https://api.dify.ai/v1"), "/"),
			APIKey:         getenv("DIFY_API_KEY", ""),
			RequestTimeout: getdur("DIFY_REQUEST_TIMEOUT", 120*time.Second),
			ChunkTimeout:   getdur("DIFY_CHUNK_TIMEOUT", 30*time.Second),
			StreamCeiling:  getdur("DIFY_STREAM_CEILING", 240*time.Second),
		},

		Coordinator: CoordinatorConfig{
			SyncTimeout:              getdur("SYNC_TIMEOUT", 5*time.Second),
			RetryWaitRatio:           getfloat("RETRY_WAIT_RATIO", 0.7),
			MaxRedeliveries:          getint("MAX_REDELIVERIES", 2),
			EnableCustomMessage:      getbool("ENABLE_CUSTOM_MESSAGE", false),
			ContinueAck:              getenv("CONTINUE_ACK", "1"),
			MaxContinueRounds:        getint("MAX_CONTINUE_ROUNDS", 2),
			WaitingRoundTTL:          getdur("WAITING_ROUND_TTL", 30*time.Second),
			WatcherCompletionCeiling: getdur("WATCHER_COMPLETION_CEILING", 5*time.Minute),
			WatcherRetryGrace:        getdur("WATCHER_RETRY_GRACE", 20*time.Second),
			TimeoutMessage:           getenv("TIMEOUT_MESSAGE", "内容生成耗时较长，请稍等..."),
			ContinueMessage:          getenv("CONTINUE_WAITING_MESSAGE", "生成答复中，继续等待请回复1"),
			GiveUpMessage:            getenv("GIVE_UP_MESSAGE", "处理时间较长，请稍后重新询问"),
		},

		Tracking: TrackingConfig{
			SweepInterval: getdur("TRACKING_SWEEP_INTERVAL", time.Minute),
			Retention:     getdur("TRACKING_RETENTION", 10*time.Minute),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "dify-wechat-plugin"),
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
	if cfg.Coordinator.RetryWaitRatio < 0.1 {
		cfg.Coordinator.RetryWaitRatio = 0.1
	}
	if cfg.Coordinator.RetryWaitRatio > 1.0 {
		cfg.Coordinator.RetryWaitRatio = 1.0
	}
	cfg.WeChat.APIBaseURL = strings.TrimRight(cfg.WeChat.APIBaseURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.WeChat.Token) == "" {
		return cfg, errors.New("WECHAT_TOKEN must not be empty")
	}
	if cfg.WeChat.EncodingAESKey != "" && strings.TrimSpace(cfg.WeChat.AppID) == "" {
		return cfg, errors.New("WECHAT_APP_ID is required when WECHAT_ENCODING_AES_KEY is set")
	}
	if cfg.Coordinator.EnableCustomMessage &&
		(strings.TrimSpace(cfg.WeChat.AppID) == "" || strings.TrimSpace(cfg.WeChat.AppSecret) == "") {
		return cfg, errors.New("ENABLE_CUSTOM_MESSAGE requires WECHAT_APP_ID and WECHAT_APP_SECRET")
	}
	if cfg.Coordinator.SyncTimeout <= 0 {
		return cfg, errors.New("SYNC_TIMEOUT must be > 0")
	}
	if cfg.Coordinator.MaxRedeliveries < 0 {
		return cfg, errors.New("MAX_REDELIVERIES must be >= 0")
	}
	if cfg.Coordinator.MaxContinueRounds < 1 {
		return cfg, errors.New("MAX_CONTINUE_ROUNDS must be >= 1")
	}
	if cfg.WriteTimeout <= cfg.Coordinator.SyncTimeout {
		return cfg, errors.New("WRITE_TIMEOUT must exceed SYNC_TIMEOUT")
	}
	if cfg.Dify.ChunkTimeout <= 0 || cfg.Dify.StreamCeiling <= 0 {
		return cfg, errors.New("DIFY_CHUNK_TIMEOUT and DIFY_STREAM_CEILING must be > 0")
	}
	if cfg.Tracking.SweepInterval <= 0 || cfg.Tracking.Retention <= 0 {
		return cfg, errors.New("TRACKING_SWEEP_INTERVAL and TRACKING_RETENTION must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// RetryWaitTimeout returns the bounded wait budget applied to retry deliveries.
func (c CoordinatorConfig) RetryWaitTimeout() time.Duration {
	return time.Duration(float64(c.SyncTimeout) * c.RetryWaitRatio)
}

// ---- helpers (no external deps) ----

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
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
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
