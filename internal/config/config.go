// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, broker streams, delivery
// TTLs, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "agent-gateway")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BrokerConfig defines the Redis Streams wiring. The response consumer group
// is dedicated to the gateway; workers use their own group on the request
// stream, so the two sides never couple.
type BrokerConfig struct {
	RedisURL       string // REDIS_URL
	RequestStream  string // REQUEST_STREAM
	ResponseStream string // RESPONSE_STREAM
	ConsumerGroup  string // CONSUMER_GROUP
	ConsumerName   string // CONSUMER_NAME (empty: derived from hostname)
}

// DeliveryConfig bounds the delivery engine.
type DeliveryConfig struct {
	ResponseTTL        time.Duration // RESPONSE_TTL: correlation record lifetime
	DefaultWaitTimeout time.Duration // WAIT_TIMEOUT: default bound for synchronous waits
	MaxWaitTimeout     time.Duration // WAIT_TIMEOUT_MAX: ceiling clients may request
	MaxChannelsPerUser int           // MAX_CHANNELS_PER_USER: live channel cap
	ReaperInterval     time.Duration // REAPER_INTERVAL: expired-row purge cadence (0 disables)
	RequeueInterval    time.Duration // REQUEUE_INTERVAL: stalled-request sweep cadence (0 disables)
	RequeueMinAge      time.Duration // REQUEUE_MIN_AGE: how old a pending record must be before requeue
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; streaming endpoints override this
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath    string // SQLite path
	JWTSecret string // HMAC secret for bearer tokens; empty disables JWT auth

	// Broker / delivery engine
	Broker   BrokerConfig
	Delivery DeliveryConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:    getenv("DB_PATH", "gateway.db"),
		JWTSecret: getenv("JWT_SECRET", ""),

		// Broker
		Broker: BrokerConfig{
			RedisURL:       getenv("REDIS_URL", "redis://localhost:6379"),
			RequestStream:  getenv("REQUEST_STREAM", "agent:requests"),
			ResponseStream: getenv("RESPONSE_STREAM", "agent:responses"),
			ConsumerGroup:  getenv("CONSUMER_GROUP", "gateway-delivery"),
			ConsumerName:   getenv("CONSUMER_NAME", ""),
		},

		// Delivery engine
		Delivery: DeliveryConfig{
			ResponseTTL:        getdur("RESPONSE_TTL", 24*time.Hour),
			DefaultWaitTimeout: getdur("WAIT_TIMEOUT", 30*time.Second),
			MaxWaitTimeout:     getdur("WAIT_TIMEOUT_MAX", 2*time.Minute),
			MaxChannelsPerUser: getint("MAX_CHANNELS_PER_USER", 8),
			ReaperInterval:     getdur("REAPER_INTERVAL", time.Hour),
			RequeueInterval:    getdur("REQUEUE_INTERVAL", 5*time.Minute),
			RequeueMinAge:      getdur("REQUEUE_MIN_AGE", 2*time.Minute),
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

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "agent-gateway"),
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
	if strings.TrimSpace(cfg.Broker.RedisURL) == "" {
		return cfg, errors.New("REDIS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.Broker.RequestStream) == "" ||
		strings.TrimSpace(cfg.Broker.ResponseStream) == "" {
		return cfg, errors.New("REQUEST_STREAM and RESPONSE_STREAM must not be empty")
	}
	if cfg.Broker.RequestStream == cfg.Broker.ResponseStream {
		return cfg, errors.New("REQUEST_STREAM and RESPONSE_STREAM must differ")
	}
	if strings.TrimSpace(cfg.Broker.ConsumerGroup) == "" {
		return cfg, errors.New("CONSUMER_GROUP must not be empty")
	}
	if cfg.Delivery.ResponseTTL <= 0 {
		return cfg, errors.New("RESPONSE_TTL must be > 0")
	}
	if cfg.Delivery.DefaultWaitTimeout <= 0 || cfg.Delivery.MaxWaitTimeout < cfg.Delivery.DefaultWaitTimeout {
		return cfg, errors.New("WAIT_TIMEOUT must be > 0 and <= WAIT_TIMEOUT_MAX")
	}
	if cfg.Delivery.MaxChannelsPerUser < 1 {
		return cfg, errors.New("MAX_CHANNELS_PER_USER must be >= 1")
	}
	if cfg.Delivery.ReaperInterval < 0 {
		return cfg, errors.New("REAPER_INTERVAL must be >= 0")
	}
	if cfg.Delivery.RequeueInterval < 0 {
		return cfg, errors.New("REQUEUE_INTERVAL must be >= 0")
	}
	if cfg.Delivery.RequeueInterval > 0 && cfg.Delivery.RequeueMinAge <= 0 {
		return cfg, errors.New("REQUEUE_MIN_AGE must be > 0 when REQUEUE_INTERVAL is set")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
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
