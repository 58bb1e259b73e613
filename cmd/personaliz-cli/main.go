package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/client"
	"github.com/joho/godotenv"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	_ = godotenv.Load()

	base := flag.NewFlagSet("personaliz-cli", flag.ExitOnError)
	addr := base.String("addr", envOr("PERSONALIZ_GRPC_ADDR", client.DefaultAddr), "gRPC address")
	token := base.String("token", os.Getenv("PERSONALIZ_AUTH_TOKEN"), "shared auth token for write commands")
	timeout := base.Duration("timeout", 10*time.Second, "per-request timeout")
	insecure := base.Bool("insecure", false, "disable TLS for non-loopback addresses")
	_ = base.Parse(os.Args[1:])

	args := base.Args()
	if len(args) == 0 {
		usage()
		return
	}
	command := args[0]
	commandArgs := args[1:]

	hub, err := client.New(client.Options{
		Addr:           *addr,
		Token:          *token,
		Insecure:       *insecure,
		RequestTimeout: *timeout,
	})
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer hub.Close()

	ctx := context.Background()
	switch command {
	case "health":
		printJSON(must(hub.Health(ctx)))
	case "list-agents":
		printJSON(must(hub.ListAgents(ctx)))
	case "get-agent":
		runGetAgent(ctx, hub, commandArgs)
	case "create-agent":
		runCreateAgent(ctx, hub, commandArgs)
	case "update-agent":
		runUpdateAgent(ctx, hub, commandArgs)
	case "delete-agent":
		id := idFlag("delete-agent", commandArgs)
		check(hub.DeleteAgent(ctx, id))
		printJSON(map[string]any{"ok": true})
	case "run-agent":
		runRunAgent(ctx, hub, commandArgs)
	case "log-event":
		runLogEvent(ctx, hub, commandArgs)
	case "logs":
		runLogs(ctx, hub, commandArgs)
	case "list-handlers":
		flags := flag.NewFlagSet("list-handlers", flag.ExitOnError)
		all := flags.Bool("all", false, "include inactive handlers")
		_ = flags.Parse(commandArgs)
		printJSON(must(hub.ListEventHandlers(ctx, *all)))
	case "create-handler":
		runCreateHandler(ctx, hub, commandArgs)
	case "set-handler-active":
		flags := flag.NewFlagSet("set-handler-active", flag.ExitOnError)
		id := flags.Int64("id", 0, "required")
		active := flags.Bool("active", true, "true|false")
		_ = flags.Parse(commandArgs)
		requireID("set-handler-active", *id)
		check(hub.SetEventHandlerActive(ctx, *id, *active))
		printJSON(map[string]any{"ok": true})
	case "touch-handler":
		id := idFlag("touch-handler", commandArgs)
		updated, err := hub.TouchEventHandler(ctx, id)
		check(err)
		printJSON(map[string]any{"updated": updated})
	case "delete-handler":
		id := idFlag("delete-handler", commandArgs)
		check(hub.DeleteEventHandler(ctx, id))
		printJSON(map[string]any{"ok": true})
	case "poller-start":
		printJSON(map[string]any{"status": must(hub.StartPoller(ctx))})
	case "poller-stop":
		printJSON(map[string]any{"status": must(hub.StopPoller(ctx))})
	case "poller-status":
		printJSON(map[string]any{"status": must(hub.PollerStatus(ctx))})
	case "settings-get":
		flags := flag.NewFlagSet("settings-get", flag.ExitOnError)
		reveal := flags.Bool("reveal", false, "show the API key (requires token)")
		_ = flags.Parse(commandArgs)
		printJSON(must(hub.GetSettings(ctx, *reveal)))
	case "settings-set":
		runSettingsSet(ctx, hub, commandArgs)
	case "kv-list":
		printJSON(must(hub.ListKV(ctx)))
	case "kv-get":
		flags := flag.NewFlagSet("kv-get", flag.ExitOnError)
		key := flags.String("key", "", "required")
		_ = flags.Parse(commandArgs)
		printJSON(map[string]any{"key": *key, "value": must(hub.GetKV(ctx, *key))})
	case "kv-set":
		flags := flag.NewFlagSet("kv-set", flag.ExitOnError)
		key := flags.String("key", "", "required")
		value := flags.String("value", "", "optional")
		_ = flags.Parse(commandArgs)
		check(hub.PutKV(ctx, *key, *value))
		printJSON(map[string]any{"ok": true})
	default:
		usage()
	}
}

func agentFlags(name string) (*flag.FlagSet, func() map[string]any) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	agentName := flags.String("name", "", "required")
	command := flags.String("command", "", "required")
	var args stringList
	flags.Var(&args, "arg", "command argument (repeatable)")
	var tools stringList
	flags.Var(&tools, "tool", "tool name (repeatable)")
	description := flags.String("description", "", "optional")
	role := flags.String("role", "", "optional")
	goal := flags.String("goal", "", "optional")
	schedule := flags.String("schedule", "daily", "daily|hourly|weekly|every N minutes|cron expression")
	scheduleTime := flags.String("schedule-time", "", "HH:MM for daily/weekly")
	timeout := flags.Int64("timeout-ms", 300000, "run timeout in milliseconds; 0 disables")
	configJSON := flags.String("config", "", "JSON object")
	active := flags.Bool("active", true, "true|false")

	build := func() map[string]any {
		if *agentName == "" || *command == "" {
			log.Fatalf("%s requires --name and --command", name)
		}
		return map[string]any{
			"name":          *agentName,
			"command":       *command,
			"args":          []string(args),
			"tools":         []string(tools),
			"description":   *description,
			"role":          *role,
			"goal":          *goal,
			"schedule":      *schedule,
			"schedule_time": *scheduleTime,
			"timeout":       *timeout,
			"config_json":   *configJSON,
			"is_active":     *active,
		}
	}
	return flags, build
}

func runGetAgent(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("get-agent", flag.ExitOnError)
	name := flags.String("name", "", "required")
	_ = flags.Parse(args)
	if *name == "" {
		log.Fatalf("get-agent requires --name")
	}
	printJSON(must(hub.GetAgent(ctx, *name)))
}

func runCreateAgent(ctx context.Context, hub *client.Client, args []string) {
	flags, build := agentFlags("create-agent")
	_ = flags.Parse(args)
	printJSON(must(hub.CreateAgent(ctx, build())))
}

func runUpdateAgent(ctx context.Context, hub *client.Client, args []string) {
	flags, build := agentFlags("update-agent")
	id := flags.Int64("id", 0, "required")
	_ = flags.Parse(args)
	requireID("update-agent", *id)
	printJSON(must(hub.UpdateAgent(ctx, *id, build())))
}

func runRunAgent(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("run-agent", flag.ExitOnError)
	name := flags.String("name", "", "required")
	wait := flags.Duration("wait", 30*time.Minute, "maximum time to wait for the run")
	_ = flags.Parse(args)
	if *name == "" {
		log.Fatalf("run-agent requires --name")
	}
	runCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	printJSON(must(hub.RunAgent(runCtx, *name)))
}

func runLogEvent(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("log-event", flag.ExitOnError)
	agentID := flags.Int64("agent-id", 0, "required")
	eventType := flags.String("type", "", "required")
	message := flags.String("message", "", "required")
	details := flags.String("details", "", "optional JSON")
	_ = flags.Parse(args)
	requireID("log-event", *agentID)
	printJSON(must(hub.LogAgentEvent(ctx, *agentID, *eventType, *message, *details)))
}

func runLogs(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("logs", flag.ExitOnError)
	agentID := flags.Int64("agent-id", 0, "optional; all agents when omitted")
	limit := flags.Int("limit", 100, "max entries, newest first")
	_ = flags.Parse(args)
	printJSON(must(hub.ListAgentLogs(ctx, *agentID, *limit)))
}

func runCreateHandler(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("create-handler", flag.ExitOnError)
	name := flags.String("name", "", "required")
	eventType := flags.String("type", "", "polling|web|periodic")
	url := flags.String("url", "", "required for polling and web")
	interval := flags.Int64("interval", 300, "seconds between checks")
	configJSON := flags.String("config", "", `JSON object, e.g. {"selector":"h1"} or {"agent":"digest"}`)
	active := flags.Bool("active", true, "true|false")
	_ = flags.Parse(args)
	if *name == "" || *eventType == "" {
		log.Fatalf("create-handler requires --name and --type")
	}
	printJSON(must(hub.CreateEventHandler(ctx, map[string]any{
		"name":             *name,
		"event_type":       *eventType,
		"url":              *url,
		"interval_seconds": *interval,
		"config_json":      *configJSON,
		"is_active":        *active,
	})))
}

func runSettingsSet(ctx context.Context, hub *client.Client, args []string) {
	flags := flag.NewFlagSet("settings-set", flag.ExitOnError)
	flags.String("provider", "", "LLM provider (unchanged when omitted)")
	flags.String("model", "", "LLM model (unchanged when omitted)")
	flags.String("endpoint", "", "LLM endpoint (unchanged when omitted)")
	flags.String("api-key", "", "LLM API key (unchanged when omitted)")
	_ = flags.Parse(args)

	current := must(hub.GetSettings(ctx, true))
	printJSON(must(hub.SaveSettings(ctx, settingsUpdate(current, flags))))
}

var settingsFields = map[string]string{
	"provider": "llm_provider",
	"model":    "llm_model",
	"endpoint": "llm_endpoint",
	"api-key":  "llm_api_key",
}

// settingsUpdate overlays the flags that were passed on the current document.
func settingsUpdate(current map[string]any, flags *flag.FlagSet) map[string]any {
	update := make(map[string]any, len(settingsFields))
	for _, field := range settingsFields {
		if value, ok := current[field].(string); ok {
			update[field] = value
		}
	}
	flags.Visit(func(f *flag.Flag) {
		if field, ok := settingsFields[f.Name]; ok {
			update[field] = f.Value.String()
		}
	})
	return update
}

func idFlag(command string, args []string) int64 {
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	id := flags.Int64("id", 0, "required")
	_ = flags.Parse(args)
	requireID(command, *id)
	return *id
}

func requireID(command string, id int64) {
	if id <= 0 {
		log.Fatalf("%s requires a positive --id", command)
	}
}

func must[T any](value T, err error) T {
	check(err)
	return value
}

func check(err error) {
	if err != nil {
		log.Fatalf("rpc error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func printJSON(value any) {
	serialized, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		log.Fatalf("encode error: %v", err)
	}
	fmt.Println(string(serialized))
}

func usage() {
	fmt.Print(`personaliz gRPC CLI

Usage:
  personaliz-cli [--addr 127.0.0.1:50061] [--token ...] <command> [flags]

Commands:
  health
  list-agents
  get-agent --name digest
  create-agent --name digest --command ./digest.sh [--arg x ...] [--schedule daily --schedule-time 08:30]
  update-agent --id 1 --name digest --command ./digest.sh [...]
  delete-agent --id 1
  run-agent --name digest [--wait 10m]
  log-event --agent-id 1 --type note --message "..." [--details '{"k":"v"}']
  logs [--agent-id 1] [--limit 100]
  list-handlers [--all]
  create-handler --name site --type polling|web|periodic [--url ...] [--interval 300] [--config '{...}']
  set-handler-active --id 1 --active=false
  touch-handler --id 1
  delete-handler --id 1
  poller-start | poller-stop | poller-status
  settings-get [--reveal]
  settings-set [--provider local] [--model phi3] [--endpoint ...] [--api-key ...]
  kv-list
  kv-get --key theme
  kv-set --key theme --value dark
`)
}
