package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	ASR         ASRConfig
	Analysis    AnalysisConfig
	Sessions    SessionConfig
	Suggestions SuggestionConfig
	RateLimit   RateLimitConfig
	Auth        AuthConfig
	Database    DatabaseConfig
	KurrentDB   KurrentDBConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// ASRConfig holds settings for the streaming speech-recognition link.
type ASRConfig struct {
	URL        string
	SampleRate int
	Language   string
	Encoding   string
	// MaxReconnectAttempts bounds consecutive reconnects before a bridge gives up
	MaxReconnectAttempts int
	// ReconnectBaseDelay is multiplied by the attempt number (linear backoff)
	ReconnectBaseDelay time.Duration
	DialTimeout        time.Duration
}

// AnalysisConfig holds settings for the clinical analysis service.
type AnalysisConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ContextWindow int
}

type SuggestionConfig struct {
	QueueSize int
}

// RateLimitConfig bounds inbound traffic.
type RateLimitConfig struct {
	// MessagesPerSecond applies to control messages on a single connection
	MessagesPerSecond float64
	Burst             int
	// UpgradesPerSecond applies per client IP on the WebSocket endpoint
	UpgradesPerSecond int
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	// ArchiveRoles restricts archived transcript reads; empty allows any provider
	ArchiveRoles []string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled bool
	Host    string
	// Port is the gRPC/HTTP port (default 2113)
	Port     int
	Insecure bool
	Username string
	Password string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment variables win over file values.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Env:  v.GetString("ENV"),
		},
		ASR: ASRConfig{
			URL:                  v.GetString("ASR_URL"),
			SampleRate:           v.GetInt("ASR_SAMPLE_RATE"),
			Language:             v.GetString("ASR_LANGUAGE"),
			Encoding:             v.GetString("ASR_ENCODING"),
			MaxReconnectAttempts: v.GetInt("ASR_MAX_RECONNECT_ATTEMPTS"),
			ReconnectBaseDelay:   v.GetDuration("ASR_RECONNECT_BASE_DELAY"),
			DialTimeout:          v.GetDuration("ASR_DIAL_TIMEOUT"),
		},
		Analysis: AnalysisConfig{
			BaseURL:  v.GetString("ANALYSIS_BASE_URL"),
			APIToken: v.GetString("ANALYSIS_API_TOKEN"),
			Timeout:  v.GetDuration("ANALYSIS_TIMEOUT"),
		},
		Sessions: SessionConfig{
			IdleTimeout:   v.GetDuration("SESSION_IDLE_TIMEOUT"),
			SweepInterval: v.GetDuration("SESSION_SWEEP_INTERVAL"),
			ContextWindow: v.GetInt("SESSION_CONTEXT_WINDOW"),
		},
		Suggestions: SuggestionConfig{
			QueueSize: v.GetInt("SUGGESTION_QUEUE_SIZE"),
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: v.GetFloat64("RATE_LIMIT_MESSAGES_PER_SECOND"),
			Burst:             v.GetInt("RATE_LIMIT_BURST"),
			UpgradesPerSecond: v.GetInt("RATE_LIMIT_UPGRADES_PER_SECOND"),
		},
		Auth: AuthConfig{
			Enabled:      v.GetBool("AUTH_ENABLED"),
			JWTSecret:    v.GetString("JWT_SECRET"),
			ArchiveRoles: splitList(v.GetStringSlice("AUTH_ARCHIVE_ROLES")),
		},
		Database: DatabaseConfig{
			Enabled:  v.GetBool("DB_ENABLED"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Database: v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  v.GetBool("KURRENTDB_ENABLED"),
			Host:     v.GetString("KURRENTDB_HOST"),
			Port:     v.GetInt("KURRENTDB_PORT"),
			Insecure: v.GetBool("KURRENTDB_INSECURE"),
			Username: v.GetString("KURRENTDB_USERNAME"),
			Password: v.GetString("KURRENTDB_PASSWORD"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", 9091)
	v.SetDefault("ENV", "development")

	v.SetDefault("ASR_URL", "ws://parakeet-asr:8000/ws")
	v.SetDefault("ASR_SAMPLE_RATE", 16000)
	v.SetDefault("ASR_LANGUAGE", "en")
	v.SetDefault("ASR_ENCODING", "LINEAR16")
	v.SetDefault("ASR_MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("ASR_RECONNECT_BASE_DELAY", 2*time.Second)
	v.SetDefault("ASR_DIAL_TIMEOUT", 10*time.Second)

	v.SetDefault("ANALYSIS_BASE_URL", "http://official-staging-telehealth-web-1")
	v.SetDefault("ANALYSIS_API_TOKEN", "")
	v.SetDefault("ANALYSIS_TIMEOUT", 60*time.Second)

	v.SetDefault("SESSION_IDLE_TIMEOUT", 60*time.Minute)
	v.SetDefault("SESSION_SWEEP_INTERVAL", 10*time.Minute)
	v.SetDefault("SESSION_CONTEXT_WINDOW", 10)

	v.SetDefault("SUGGESTION_QUEUE_SIZE", 1000)

	v.SetDefault("RATE_LIMIT_MESSAGES_PER_SECOND", 20.0)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("RATE_LIMIT_UPGRADES_PER_SECOND", 5)

	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("JWT_SECRET", "dev-secret-change-in-prod")
	v.SetDefault("AUTH_ARCHIVE_ROLES", []string{})

	v.SetDefault("DB_ENABLED", false)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "assistant")
	v.SetDefault("DB_PASSWORD", "assistant")
	v.SetDefault("DB_NAME", "assistant")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("KURRENTDB_ENABLED", false)
	v.SetDefault("KURRENTDB_HOST", "localhost")
	v.SetDefault("KURRENTDB_PORT", 2113)
	v.SetDefault("KURRENTDB_INSECURE", true)
	v.SetDefault("KURRENTDB_USERNAME", "")
	v.SetDefault("KURRENTDB_PASSWORD", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// splitList accepts both list values and comma-separated strings.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("invalid SERVER_PORT: %d", c.Server.Port)
	case c.ASR.URL == "":
		return fmt.Errorf("ASR_URL is required")
	case c.ASR.MaxReconnectAttempts < 0:
		return fmt.Errorf("invalid ASR_MAX_RECONNECT_ATTEMPTS: %d", c.ASR.MaxReconnectAttempts)
	case c.ASR.ReconnectBaseDelay < 0:
		return fmt.Errorf("invalid ASR_RECONNECT_BASE_DELAY: %s", c.ASR.ReconnectBaseDelay)
	case c.Sessions.IdleTimeout <= 0:
		return fmt.Errorf("invalid SESSION_IDLE_TIMEOUT: %s", c.Sessions.IdleTimeout)
	case c.Sessions.SweepInterval <= 0:
		return fmt.Errorf("invalid SESSION_SWEEP_INTERVAL: %s", c.Sessions.SweepInterval)
	case c.Sessions.ContextWindow <= 0:
		return fmt.Errorf("invalid SESSION_CONTEXT_WINDOW: %d", c.Sessions.ContextWindow)
	case c.Suggestions.QueueSize <= 0:
		return fmt.Errorf("invalid SUGGESTION_QUEUE_SIZE: %d", c.Suggestions.QueueSize)
	case c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0:
		return fmt.Errorf("invalid control message rate limit: %v/s burst %d", c.RateLimit.MessagesPerSecond, c.RateLimit.Burst)
	case c.Auth.Enabled && c.Auth.JWTSecret == "":
		return fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED is true")
	}
	return nil
}
