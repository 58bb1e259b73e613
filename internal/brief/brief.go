package brief

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Env variable names handed to every spawned agent command.
const (
	EnvAgentID   = "PERSONALIZ_AGENT_ID"
	EnvAgentName = "PERSONALIZ_AGENT_NAME"
	EnvTrigger   = "PERSONALIZ_TRIGGER"
	EnvBrief     = "PERSONALIZ_AGENT_BRIEF"
	EnvConfig    = "PERSONALIZ_AGENT_CONFIG"
)

type Input struct {
	AgentID     int64
	Name        string
	Description string
	Role        string
	Goal        string
	// Tools is the stored JSON array; anything else is passed through as a single entry.
	Tools      string
	ConfigJSON string
	Trigger    string
	Schedule   string
}

// Build renders the plain-text brief an agent command can read from its
// environment.
func Build(input Input) string {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "unnamed"
	}
	goal := strings.TrimSpace(input.Goal)
	if goal == "" {
		goal = "No explicit goal provided."
	}

	var b strings.Builder
	b.WriteString("Agent:\n")
	b.WriteString("- Name: " + name + "\n")
	if role := strings.TrimSpace(input.Role); role != "" {
		b.WriteString("- Role: " + role + "\n")
	}
	b.WriteString("- Goal: " + goal + "\n")
	if trigger := strings.TrimSpace(input.Trigger); trigger != "" {
		b.WriteString("- Trigger: " + trigger + "\n")
	}
	if schedule := strings.TrimSpace(input.Schedule); schedule != "" {
		b.WriteString("- Schedule: " + schedule + "\n")
	}

	if description := strings.TrimSpace(input.Description); description != "" {
		b.WriteString("\nDescription:\n")
		b.WriteString(description)
		b.WriteString("\n")
	}

	if tools := decodeTools(input.Tools); len(tools) > 0 {
		b.WriteString("\nTools:\n")
		for _, tool := range tools {
			b.WriteString("- " + tool + "\n")
		}
	}

	if keys := configKeys(input.ConfigJSON); len(keys) > 0 {
		b.WriteString("\nConfig keys:\n")
		b.WriteString("- " + strings.Join(keys, ", ") + "\n")
	}

	b.WriteString("\nConstraints:\n")
	b.WriteString("- Never print secrets to stdout or stderr.\n")
	b.WriteString("- Exit non-zero on failure; the exit code is recorded.\n")
	return b.String()
}

// Env returns KEY=value pairs for the agent process.
func Env(input Input) []string {
	config := strings.TrimSpace(input.ConfigJSON)
	if config == "" {
		config = "{}"
	}
	return []string{
		EnvAgentID + "=" + strconv.FormatInt(input.AgentID, 10),
		EnvAgentName + "=" + input.Name,
		EnvTrigger + "=" + input.Trigger,
		EnvBrief + "=" + Build(input),
		EnvConfig + "=" + config,
	}
}

func decodeTools(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var tools []string
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return []string{raw}
	}
	out := tools[:0]
	for _, tool := range tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			out = append(out, tool)
		}
	}
	return out
}

func configKeys(raw string) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err != nil {
		return nil
	}
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
