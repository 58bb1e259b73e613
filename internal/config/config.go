package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/settings"
	"github.com/bcrosbie/personaliz/internal/store"
	"github.com/joho/godotenv"
)

type Config struct {
	GRPCAddr          string
	HTTPAddr          string
	StoreDriver       string
	DBPath            string
	DatabaseURL       string
	SettingsPath      string
	AuthToken         string
	LogLevel          string
	LogFormat         string
	PollTick          time.Duration
	CheckTimeout      time.Duration
	PollerAutostart   bool
	AgentScheduler    bool
	EnableReflection  bool
	AgentWorkDir      string
	AgentUsePTY       bool
	RedactTranscripts bool
}

// Load reads the environment after merging a .env file from the working
// directory when one exists. Variables already set win over .env entries.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		GRPCAddr:          envOrDefault("PERSONALIZ_GRPC_ADDR", "127.0.0.1:50061"),
		HTTPAddr:          envOrDefault("PERSONALIZ_HTTP_ADDR", "127.0.0.1:8081"),
		StoreDriver:       strings.ToLower(envOrDefault("PERSONALIZ_STORE_DRIVER", "sqlite")),
		DBPath:            envOrDefault("PERSONALIZ_DB_PATH", store.DefaultSQLitePath()),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SettingsPath:      envOrDefault("PERSONALIZ_SETTINGS_PATH", settings.DefaultPath()),
		AuthToken:         os.Getenv("PERSONALIZ_AUTH_TOKEN"),
		LogLevel:          envOrDefault("PERSONALIZ_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("PERSONALIZ_LOG_FORMAT", "json"),
		PollTick:          envDurationOrDefault("PERSONALIZ_POLL_TICK", 10*time.Second),
		CheckTimeout:      envDurationOrDefault("PERSONALIZ_CHECK_TIMEOUT", 10*time.Second),
		PollerAutostart:   envBoolOrDefault("PERSONALIZ_POLLER_AUTOSTART", true),
		AgentScheduler:    envBoolOrDefault("PERSONALIZ_AGENT_SCHEDULER", false),
		EnableReflection:  envBoolOrDefault("PERSONALIZ_ENABLE_REFLECTION", false),
		AgentWorkDir:      os.Getenv("PERSONALIZ_AGENT_WORKDIR"),
		AgentUsePTY:       envBoolOrDefault("PERSONALIZ_AGENT_PTY", false),
		RedactTranscripts: envBoolOrDefault("PERSONALIZ_REDACT_TRANSCRIPTS", true),
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// envDurationOrDefault accepts Go durations ("15s") or a bare number of seconds.
func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil && value > 0 {
		return value
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
