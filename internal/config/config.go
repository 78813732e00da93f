// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Bot platform
	WotNotBaseURL string
	WotNotAPIKey  string
	BotKey        string
	WebhookToken  string

	// Avatar platform
	HeyGenAPIKey      string
	HeyGenBaseURL     string
	DefaultAvatarID   string
	DefaultVoiceID    string
	AvatarQuality     string
	AvatarIdleTimeout int

	// Relay behaviour
	UpstreamTimeout      time.Duration
	GreetingDelay        time.Duration
	MaxTransportAttempts int
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// NATS settings (empty URL keeps live updates process-local)
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings for the admin API
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "5000"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Bot platform
		WotNotBaseURL: getEnv("WOTNOT_BASE_URL", ""),
		WotNotAPIKey:  getEnv("WOTNOT_API_KEY", ""),
		BotKey:        getEnv("BOT_KEY", ""),
		WebhookToken:  getEnv("WEBHOOK_TOKEN", ""),

		// Avatar platform
		HeyGenAPIKey:      getEnv("HEYGEN_API_KEY", ""),
		HeyGenBaseURL:     getEnv("HEYGEN_BASE_URL", "https://api.heygen.com"),
		DefaultAvatarID:   getEnv("DEFAULT_AVATAR_ID", "Pedro_CasualLook_public"),
		DefaultVoiceID:    getEnv("DEFAULT_VOICE_ID", "8f389c2237194f80b50fe7632dcc17b8"),
		AvatarQuality:     getEnv("AVATAR_QUALITY", "medium"),
		AvatarIdleTimeout: getIntEnv("AVATAR_IDLE_TIMEOUT", 120),

		// Relay behaviour
		UpstreamTimeout:      getDurationEnv("UPSTREAM_TIMEOUT", 15*time.Second),
		GreetingDelay:        getDurationEnv("GREETING_DELAY", time.Second),
		MaxTransportAttempts: getIntEnv("MAX_TRANSPORT_ATTEMPTS", 0),
		SessionIdleTimeout:   getDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: getDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports missing settings the relay cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.WotNotBaseURL == "" {
		errs = append(errs, errors.New("WOTNOT_BASE_URL is required"))
	}
	if c.WotNotAPIKey == "" {
		errs = append(errs, errors.New("WOTNOT_API_KEY is required"))
	}
	if c.BotKey == "" {
		errs = append(errs, errors.New("BOT_KEY is required"))
	}
	if c.WebhookToken == "" {
		errs = append(errs, errors.New("WEBHOOK_TOKEN is required"))
	}
	if c.HeyGenAPIKey == "" {
		errs = append(errs, errors.New("HEYGEN_API_KEY is required"))
	}
	return errors.Join(errs...)
}

// NATSEnabled reports whether live updates fan out through NATS.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
