// Package config loads service settings from environment variables, applies
// defaults and validates the result.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// VAPIDConfig is the static signing identity of the sender.
type VAPIDConfig struct {
	PublicKey  string        // VAPID_PUBLIC_KEY (base64url, uncompressed P-256 point)
	PrivateKey string        // VAPID_PRIVATE_KEY (base64url scalar or PEM)
	Subject    string        // VAPID_SUBJECT (mailto: or https: URI)
	TokenTTL   time.Duration // VAPID_TOKEN_TTL, at most 24h
}

// PushConfig controls outbound push-service requests.
type PushConfig struct {
	TTL             time.Duration // PUSH_TTL, message lifetime at the push service
	Urgency         string        // PUSH_URGENCY: very-low|low|normal|high
	ContentEncoding string        // PUSH_CONTENT_ENCODING: aes128gcm|aesgcm
	RequestTimeout  time.Duration // PUSH_REQUEST_TIMEOUT, per subscription
	MaxConcurrency  int           // PUSH_MAX_CONCURRENCY, per request
	StaleAfter      time.Duration // SUBSCRIPTION_STALE_AFTER
}

// RetryConfig controls the retry queue and its sweep.
type RetryConfig struct {
	BaseDelay        time.Duration // RETRY_BASE_DELAY
	MaxDelay         time.Duration // RETRY_MAX_DELAY
	MaxAttempts      int           // RETRY_MAX_ATTEMPTS
	SweepEnabled     bool          // RETRY_SWEEP_ENABLED
	SweepInterval    time.Duration // RETRY_SWEEP_INTERVAL
	SweepBatch       int           // RETRY_SWEEP_BATCH
	ClaimLease       time.Duration // RETRY_CLAIM_LEASE
	SweepConcurrency int           // RETRY_SWEEP_CONCURRENCY
}

// RedisConfig is optional; an empty Addr disables the cross-replica sweep lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig is optional; no brokers means no consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Config struct {
	// Server
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Storage
	StoreDriver string // postgres|memory
	DatabaseURL string
	Redis       RedisConfig

	VAPID VAPIDConfig
	Push  PushConfig
	Retry RetryConfig

	// Inbound auth
	WebhookSecret string // HMAC secret for trigger endpoints; empty disables the check
	SessionSecret string
	SessionName   string

	// Rate limiting of device-facing endpoints
	RateRPS   float64
	RateBurst int

	Kafka KafkaConfig
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
		Port:            getenv("PORT", "8080"),
		ReadTimeout:     getdur("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getdur("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getdur("SHUTDOWN_TIMEOUT", 20*time.Second),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", "postgres")),
		DatabaseURL: getenv("DATABASE_URL", ""),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		VAPID: VAPIDConfig{
			PublicKey:  getenv("VAPID_PUBLIC_KEY", ""),
			PrivateKey: getenv("VAPID_PRIVATE_KEY", ""),
			Subject:    getenv("VAPID_SUBJECT", ""),
			TokenTTL:   getdur("VAPID_TOKEN_TTL", 12*time.Hour),
		},
		Push: PushConfig{
			TTL:             getdur("PUSH_TTL", 24*time.Hour),
			Urgency:         strings.ToLower(getenv("PUSH_URGENCY", "normal")),
			ContentEncoding: strings.ToLower(getenv("PUSH_CONTENT_ENCODING", "aes128gcm")),
			RequestTimeout:  getdur("PUSH_REQUEST_TIMEOUT", 10*time.Second),
			MaxConcurrency:  getint("PUSH_MAX_CONCURRENCY", 32),
			StaleAfter:      getdur("SUBSCRIPTION_STALE_AFTER", 30*24*time.Hour),
		},
		Retry: RetryConfig{
			BaseDelay:        getdur("RETRY_BASE_DELAY", 5*time.Minute),
			MaxDelay:         getdur("RETRY_MAX_DELAY", 6*time.Hour),
			MaxAttempts:      getint("RETRY_MAX_ATTEMPTS", 3),
			SweepEnabled:     getbool("RETRY_SWEEP_ENABLED", true),
			SweepInterval:    getdur("RETRY_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatch:       getint("RETRY_SWEEP_BATCH", 100),
			ClaimLease:       getdur("RETRY_CLAIM_LEASE", 2*time.Minute),
			SweepConcurrency: getint("RETRY_SWEEP_CONCURRENCY", 8),
		},

		WebhookSecret: getenv("WEBHOOK_SECRET", ""),
		SessionSecret: getenv("SESSION_SECRET", ""),
		SessionName:   getenv("SESSION_NAME", "campaign-session"),

		RateRPS:   getfloat("RATE_RPS", 2.0),
		RateBurst: getint("RATE_BURST", 10),

		Kafka: KafkaConfig{
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "push.notification-requests"),
			GroupID: getenv("KAFKA_GROUP_ID", "push-delivery"),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.VAPID.TokenTTL > 24*time.Hour {
		cfg.VAPID.TokenTTL = 24 * time.Hour
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
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return cfg, errors.New("STORE_DRIVER must be postgres or memory")
	}
	if cfg.VAPID.PublicKey == "" || cfg.VAPID.PrivateKey == "" {
		return cfg, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required")
	}
	if strings.TrimSpace(cfg.VAPID.Subject) == "" {
		return cfg, errors.New("VAPID_SUBJECT is required")
	}
	if cfg.VAPID.TokenTTL <= 0 {
		return cfg, errors.New("VAPID_TOKEN_TTL must be > 0")
	}
	if cfg.Push.TTL < 0 {
		return cfg, errors.New("PUSH_TTL must be >= 0")
	}
	switch cfg.Push.Urgency {
	case "very-low", "low", "normal", "high":
	default:
		return cfg, errors.New("PUSH_URGENCY must be one of: very-low, low, normal, high")
	}
	switch cfg.Push.ContentEncoding {
	case "aes128gcm", "aesgcm":
	default:
		return cfg, errors.New("PUSH_CONTENT_ENCODING must be aes128gcm or aesgcm")
	}
	if cfg.Push.RequestTimeout <= 0 {
		return cfg, errors.New("PUSH_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Push.MaxConcurrency < 1 {
		return cfg, errors.New("PUSH_MAX_CONCURRENCY must be >= 1")
	}
	if cfg.Push.StaleAfter <= 0 {
		return cfg, errors.New("SUBSCRIPTION_STALE_AFTER must be > 0")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return cfg, errors.New("RETRY_BASE_DELAY must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return cfg, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Retry.SweepInterval <= 0 || cfg.Retry.ClaimLease <= 0 {
		return cfg, errors.New("RETRY_SWEEP_INTERVAL and RETRY_CLAIM_LEASE must be > 0")
	}
	if cfg.Retry.SweepBatch < 1 || cfg.Retry.SweepConcurrency < 1 {
		return cfg, errors.New("RETRY_SWEEP_BATCH and RETRY_SWEEP_CONCURRENCY must be >= 1")
	}
	// A sweep claims at most RETRY_SWEEP_CONCURRENCY items at a time, so each
	// claim is held for about one push request.
	if cfg.Retry.ClaimLease < 2*cfg.Push.RequestTimeout {
		return cfg, errors.New("RETRY_CLAIM_LEASE must be at least twice PUSH_REQUEST_TIMEOUT")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if len(cfg.SessionSecret) > 0 && len(cfg.SessionSecret) < 32 {
		return cfg, errors.New("SESSION_SECRET must be at least 32 bytes")
	}

	return cfg, nil
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
