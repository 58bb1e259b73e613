package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const agentConfigSchema = `{
	"type": "object"
}`

const handlerConfigSchema = `{
	"type": "object",
	"properties": {
		"agent":    {"type": "string", "minLength": 1},
		"selector": {"type": "string", "minLength": 1},
		"contains": {"type": "string"}
	}
}`

// configValidator holds compiled schemas for the config_json blobs.
type configValidator struct {
	agent   *jsonschema.Schema
	handler *jsonschema.Schema
}

func newConfigValidator() (*configValidator, error) {
	agent, err := compileSchema("agent-config.json", agentConfigSchema)
	if err != nil {
		return nil, err
	}
	handler, err := compileSchema("handler-config.json", handlerConfigSchema)
	if err != nil {
		return nil, err
	}
	return &configValidator{agent: agent, handler: handler}, nil
}

func mustConfigValidator() *configValidator {
	validator, err := newConfigValidator()
	if err != nil {
		panic(err)
	}
	return validator
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// normalizeConfig defaults a blank blob to "{}" and checks it against schema.
func normalizeConfig(schema *jsonschema.Schema, raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return "{}", nil
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(clean))
	if err != nil {
		return "", &domain.AppError{Code: domain.CodeInvalidArgument, Message: "config_json is not valid JSON", Cause: err}
	}
	if err := schema.Validate(instance); err != nil {
		return "", &domain.AppError{Code: domain.CodeInvalidArgument, Message: "config_json does not match the expected shape", Cause: err}
	}
	return clean, nil
}

// encodeList stores a string list as a JSON array; empty lists become nil.
func encodeList(values []string) (*string, error) {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return nil, domain.Internal("failed to encode list", err)
	}
	return domain.StringPtr(string(raw)), nil
}

// encodeArgs stores command arguments exactly as given.
func encodeArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", domain.Internal("failed to encode args", err)
	}
	return string(raw), nil
}

// DecodeArgs parses an agent's args column. A blank column means no args.
func DecodeArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &domain.AppError{Code: domain.CodeInvalidArgument, Message: "args must be a JSON array of strings", Cause: err}
	}
	return args, nil
}

func validateDetails(details string) (*string, error) {
	clean := strings.TrimSpace(details)
	if clean == "" {
		return nil, nil
	}
	if !json.Valid([]byte(clean)) {
		return nil, domain.InvalidArgument("details must be valid JSON")
	}
	return &clean, nil
}
