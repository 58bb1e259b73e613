package domain

import (
	"strings"
	"time"
)

const (
	LogEventCreated  = "created"
	LogEventExecuted = "executed"
	LogEventSuccess  = "success"
	LogEventError    = "error"
)

const (
	HandlerPolling  = "polling"
	HandlerWeb      = "web"
	HandlerPeriodic = "periodic"
)

type Agent struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description"`
	Role         *string `json:"role"`
	Goal         *string `json:"goal"`
	Tools        *string `json:"tools"`
	Schedule     string  `json:"schedule"`
	ScheduleTime *string `json:"schedule_time"`
	Command      string  `json:"command"`
	Args         string  `json:"args"`
	Timeout      int64   `json:"timeout"`
	ConfigJSON   string  `json:"config_json"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	IsActive     bool    `json:"is_active"`
}

// AgentLog is an append-only audit record. AgentName is captured at write time
// and is not kept in sync with later renames.
type AgentLog struct {
	ID        int64   `json:"id"`
	AgentID   int64   `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	EventType string  `json:"event_type"`
	Message   string  `json:"message"`
	Details   *string `json:"details"`
	Timestamp string  `json:"timestamp"`
}

type EventHandler struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	EventType       string  `json:"event_type"`
	URL             *string `json:"url"`
	IntervalSeconds int64   `json:"interval_seconds"`
	LastCheck       *string `json:"last_check"`
	IsActive        bool    `json:"is_active"`
	ConfigJSON      string  `json:"config_json"`
}

// Setting is a row of the generic key/value table.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// Settings is the key-file document holding the LLM provider configuration.
type Settings struct {
	LLMProvider string `json:"llm_provider"`
	LLMModel    string `json:"llm_model"`
	LLMEndpoint string `json:"llm_endpoint"`
	LLMAPIKey   string `json:"llm_api_key"`
}

func DefaultSettings() Settings {
	return Settings{
		LLMProvider: "local",
		LLMModel:    "phi3",
		LLMEndpoint: "http://localhost:11434/api/generate",
		LLMAPIKey:   "",
	}
}

// timestampLayout is fixed width so TEXT columns sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(value time.Time) string {
	return value.UTC().Format(timestampLayout)
}

// ParseTime accepts any RFC3339 timestamp and returns it in UTC.
func ParseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func StringPtr(value string) *string {
	return &value
}

// OptionalString maps blank input to nil so absent fields serialize as null.
func OptionalString(value string) *string {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return nil
	}
	return &clean
}

func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
