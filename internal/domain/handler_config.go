package domain

import (
	"encoding/json"
	"strings"
)

// HandlerConfig is the typed view of an event handler's config_json. Unknown
// keys are ignored.
type HandlerConfig struct {
	Agent    string `json:"agent,omitempty"`
	Selector string `json:"selector,omitempty"`
	Contains string `json:"contains,omitempty"`
}

func ParseHandlerConfig(raw string) (HandlerConfig, error) {
	var cfg HandlerConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return HandlerConfig{}, &AppError{Code: CodeInvalidArgument, Message: "config_json is not a valid handler config", Cause: err}
	}
	cfg.Agent = strings.TrimSpace(cfg.Agent)
	cfg.Selector = strings.TrimSpace(cfg.Selector)
	return cfg, nil
}
