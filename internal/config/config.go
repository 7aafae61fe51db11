// Package config provides configuration loading for the session coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the session coordinator.
type Config struct {
	// Server settings
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Storage: one SQLite file per session is created under DataDir.
	DataDir string `yaml:"data_dir"`

	// Auth settings
	SandboxSharedSecret string `yaml:"sandbox_shared_secret"`
	ClientJWKSEndpoint  string `yaml:"client_jwks_endpoint"`
	ClientTokenSecret   string `yaml:"client_token_secret"`
	JWTAudience         string `yaml:"jwt_audience"`
	JWTIssuer           string `yaml:"jwt_issuer"`
	InternalAPIToken    string `yaml:"internal_api_token"`

	// Sandbox spawn control API
	ControlPlaneURL   string        `yaml:"control_plane_url"`
	ControlPlaneToken string        `yaml:"control_plane_token"`
	SpawnTimeout      time.Duration `yaml:"spawn_timeout"`
	SpawnMaxAttempts  int           `yaml:"spawn_max_attempts"`

	// Coordinator settings
	SubscribeTimeout        time.Duration `yaml:"subscribe_timeout"`
	HistoryMessageLimit     int           `yaml:"history_message_limit"`
	HistoryEventLimit       int           `yaml:"history_event_limit"`
	ParticipantOnlineWindow time.Duration `yaml:"participant_online_window"`
	DefaultModel            string        `yaml:"default_model"`

	// Actor eviction
	ActorIdleTimeout time.Duration `yaml:"actor_idle_timeout"`
	EvictionSchedule string        `yaml:"eviction_schedule"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `yaml:"http_read_timeout"`
	HTTPIdleTimeout time.Duration `yaml:"http_idle_timeout"`

	// WebSocket settings
	WSReadBufferSize  int `yaml:"ws_read_buffer_size"`
	WSWriteBufferSize int `yaml:"ws_write_buffer_size"`
	WSSendBuffer      int `yaml:"ws_send_buffer"`

	// Telemetry
	OTelEnabled     bool    `yaml:"otel_enabled"`
	OTelExporter    string  `yaml:"otel_exporter"`
	OTelEndpoint    string  `yaml:"otel_endpoint"`
	OTelServiceName string  `yaml:"otel_service_name"`
	OTelSampleRate  float64 `yaml:"otel_sample_rate"`
}

// Load reads configuration from environment variables. When CONFIG_FILE is
// set, the YAML file is read first and environment variables override it.
func Load() (*Config, error) {
	base := defaults()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := overlayFile(base, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:           getEnvInt("COORDINATOR_PORT", base.Port),
		Host:           getEnv("COORDINATOR_HOST", base.Host),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", base.AllowedOrigins),

		DataDir: getEnv("DATA_DIR", base.DataDir),

		SandboxSharedSecret: getEnv("SANDBOX_SHARED_SECRET", base.SandboxSharedSecret),
		ClientJWKSEndpoint:  getEnv("CLIENT_JWKS_ENDPOINT", base.ClientJWKSEndpoint),
		ClientTokenSecret:   getEnv("CLIENT_TOKEN_SECRET", base.ClientTokenSecret),
		JWTAudience:         getEnv("JWT_AUDIENCE", base.JWTAudience),
		JWTIssuer:           getEnv("JWT_ISSUER", base.JWTIssuer),
		InternalAPIToken:    getEnv("INTERNAL_API_TOKEN", base.InternalAPIToken),

		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", base.ControlPlaneURL),
		ControlPlaneToken: getEnv("CONTROL_PLANE_TOKEN", base.ControlPlaneToken),
		SpawnTimeout:      getEnvDuration("SPAWN_TIMEOUT", base.SpawnTimeout),
		SpawnMaxAttempts:  getEnvInt("SPAWN_MAX_ATTEMPTS", base.SpawnMaxAttempts),

		SubscribeTimeout:        getEnvDuration("SUBSCRIBE_TIMEOUT", base.SubscribeTimeout),
		HistoryMessageLimit:     getEnvInt("HISTORY_MESSAGE_LIMIT", base.HistoryMessageLimit),
		HistoryEventLimit:       getEnvInt("HISTORY_EVENT_LIMIT", base.HistoryEventLimit),
		ParticipantOnlineWindow: getEnvDuration("PARTICIPANT_ONLINE_WINDOW", base.ParticipantOnlineWindow),
		DefaultModel:            getEnv("DEFAULT_MODEL", base.DefaultModel),

		ActorIdleTimeout: getEnvDuration("ACTOR_IDLE_TIMEOUT", base.ActorIdleTimeout),
		EvictionSchedule: getEnv("EVICTION_SCHEDULE", base.EvictionSchedule),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", base.HTTPReadTimeout),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", base.HTTPIdleTimeout),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", base.WSReadBufferSize),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", base.WSWriteBufferSize),
		WSSendBuffer:      getEnvInt("WS_SEND_BUFFER", base.WSSendBuffer),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", base.OTelEnabled),
		OTelExporter:    getEnv("OTEL_EXPORTER", base.OTelExporter),
		OTelEndpoint:    getEnv("OTEL_ENDPOINT", base.OTelEndpoint),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", base.OTelServiceName),
		OTelSampleRate:  getEnvFloat("OTEL_SAMPLE_RATE", base.OTelSampleRate),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.SandboxSharedSecret == "" {
		return fmt.Errorf("SANDBOX_SHARED_SECRET is required")
	}
	if c.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required")
	}
	if c.ClientJWKSEndpoint == "" && c.ClientTokenSecret == "" {
		return fmt.Errorf("one of CLIENT_JWKS_ENDPOINT or CLIENT_TOKEN_SECRET is required")
	}
	if c.HistoryMessageLimit <= 0 || c.HistoryEventLimit <= 0 {
		return fmt.Errorf("history limits must be positive")
	}
	if c.SpawnMaxAttempts < 1 {
		return fmt.Errorf("SPAWN_MAX_ATTEMPTS must be at least 1")
	}
	if c.SubscribeTimeout <= 0 {
		return fmt.Errorf("SUBSCRIBE_TIMEOUT must be positive")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Port:                    8787,
		Host:                    "0.0.0.0",
		DataDir:                 "/var/lib/session-coordinator",
		JWTAudience:             "session-coordinator",
		SpawnTimeout:            30 * time.Second,
		SpawnMaxAttempts:        1,
		SubscribeTimeout:        30 * time.Second,
		HistoryMessageLimit:     100,
		HistoryEventLimit:       500,
		ParticipantOnlineWindow: 2 * time.Minute,
		ActorIdleTimeout:        10 * time.Minute,
		EvictionSchedule:        "@every 1m",
		HTTPReadTimeout:         15 * time.Second,
		HTTPIdleTimeout:         60 * time.Second,
		WSReadBufferSize:        1024,
		WSWriteBufferSize:       1024,
		WSSendBuffer:            256,
		OTelExporter:            "none",
		OTelServiceName:         "session-coordinator",
		OTelSampleRate:          1.0,
	}
}

// overlayFile decodes a YAML file on top of base. Keys absent from the file
// keep their defaults.
func overlayFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
