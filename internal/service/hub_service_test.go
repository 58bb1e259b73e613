package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/poller"
	"github.com/bcrosbie/personaliz/internal/settings"
	"github.com/bcrosbie/personaliz/internal/store"
)

func newTestHub(t *testing.T) (*HubService, *store.SQLStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	executor := NewExecutor(st, ExecutorOptions{}, nil)
	p := poller.New(st, poller.Options{Action: executor, Tick: time.Hour})
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})

	hub := NewHubService(Dependencies{
		Store:     st,
		Poller:    p,
		Settings:  settings.NewFileStore(filepath.Join(dir, "settings.json")),
		Executor:  executor,
		StoreName: "sqlite",
	})
	return hub, st
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestCreateAgentLogsCreation(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	view, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{
		Name:         "  digest ",
		Description:  "morning summary",
		Tools:        []string{"mail", " "},
		Schedule:     "daily",
		ScheduleTime: "08:15",
		Command:      "echo",
		Args:         []string{"hi"},
		Timeout:      1000,
	}})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if view.Name != "digest" || domain.Deref(view.Tools) != `["mail"]` || view.Args != `["hi"]` || view.ConfigJSON != "{}" {
		t.Fatalf("unexpected agent %+v", view.Agent)
	}
	if view.Role != nil {
		t.Fatalf("blank role must be stored as null")
	}
	if !view.IsActive || view.NextRun == nil {
		t.Fatalf("expected active agent with a next run, got %+v", view)
	}

	logs, err := hub.ListAgentLogs(ctx, ListAgentLogsRequest{AgentID: &view.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].EventType != domain.LogEventCreated || logs[0].AgentName != "digest" {
		t.Fatalf("expected a created log, got %+v", logs)
	}

	_, err = hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "digest", Command: "echo"}})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected conflict for duplicate name, got %v", err)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	cases := map[string]AgentInput{
		"missing name":     {Command: "echo"},
		"missing command":  {Name: "a"},
		"negative timeout": {Name: "a", Command: "echo", Timeout: -1},
		"bad schedule":     {Name: "a", Command: "echo", Schedule: "sometimes"},
		"bad time":         {Name: "a", Command: "echo", Schedule: "daily", ScheduleTime: "7pm"},
		"bad config json":  {Name: "a", Command: "echo", ConfigJSON: "{"},
		"config not obj":   {Name: "a", Command: "echo", ConfigJSON: "[1,2]"},
	}
	for label, input := range cases {
		if _, err := hub.CreateAgent(ctx, CreateAgentRequest{input}); !domain.IsCode(err, domain.CodeInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", label, err)
		}
	}
}

func TestUpdateAndDeleteAgent(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	created, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "digest", Command: "echo"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inactive := false
	updated, err := hub.UpdateAgent(ctx, UpdateAgentRequest{ID: created.ID, AgentInput: AgentInput{
		Name:     "digest",
		Command:  "true",
		Schedule: "every 30 minutes",
		IsActive: &inactive,
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Command != "true" || updated.IsActive || updated.NextRun != nil {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Fatalf("created_at must not change")
	}

	if _, err := hub.UpdateAgent(ctx, UpdateAgentRequest{ID: created.ID + 50, AgentInput: AgentInput{Name: "x", Command: "true"}}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := hub.DeleteAgent(ctx, AgentIDRequest{ID: created.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := hub.GetAgentByName(ctx, AgentNameRequest{Name: "digest"}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	logs, err := hub.ListAgentLogs(ctx, ListAgentLogsRequest{AgentID: &created.ID})
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected logs to survive agent deletion, got %d (%v)", len(logs), err)
	}
}

func TestLogAgentEventValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	created, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "digest", Command: "echo"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	logged, err := hub.LogAgentEvent(ctx, LogAgentEventRequest{AgentID: created.ID, EventType: "custom", Message: "note", Details: `{"k":1}`})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if logged.ID == 0 || logged.AgentName != "digest" || domain.Deref(logged.Details) != `{"k":1}` {
		t.Fatalf("unexpected log %+v", logged)
	}
	if _, err := hub.LogAgentEvent(ctx, LogAgentEventRequest{AgentID: created.ID, EventType: "x", Message: "m", Details: "{"}); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid details to be rejected, got %v", err)
	}
	if _, err := hub.LogAgentEvent(ctx, LogAgentEventRequest{AgentID: 0, EventType: "x", Message: "m"}); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for missing agent_id, got %v", err)
	}
}

func TestLogAgentEventOutlivesDeletedAgent(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	created, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "gone", Command: "echo"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := hub.DeleteAgent(ctx, AgentIDRequest{ID: created.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	logged, err := hub.LogAgentEvent(ctx, LogAgentEventRequest{AgentID: created.ID, AgentName: "gone", EventType: "note", Message: "after delete"})
	if err != nil {
		t.Fatalf("log after delete: %v", err)
	}
	if logged.ID == 0 || logged.AgentID != created.ID || logged.AgentName != "gone" {
		t.Fatalf("unexpected log %+v", logged)
	}

	if _, err := hub.LogAgentEvent(ctx, LogAgentEventRequest{AgentID: 999, EventType: "note", Message: "unknown"}); err != nil {
		t.Fatalf("log for unknown agent: %v", err)
	}
	logs, err := hub.ListAgentLogs(ctx, ListAgentLogsRequest{AgentID: &created.ID})
	if err != nil || len(logs) != 2 || logs[0].Message != "after delete" {
		t.Fatalf("expected created and post-delete logs, got %+v %v", logs, err)
	}
}

func TestEventHandlerValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	cases := map[string]CreateEventHandlerRequest{
		"missing name":   {EventType: "polling", URL: "http://x", IntervalSeconds: 10},
		"bad type":       {Name: "a", EventType: "webhook", URL: "http://x", IntervalSeconds: 10},
		"zero interval":  {Name: "a", EventType: "polling", URL: "http://x"},
		"missing url":    {Name: "a", EventType: "web", IntervalSeconds: 10},
		"bad config":     {Name: "a", EventType: "periodic", IntervalSeconds: 10, ConfigJSON: `{"agent": 5}`},
		"empty selector": {Name: "a", EventType: "web", URL: "http://x", IntervalSeconds: 10, ConfigJSON: `{"selector": ""}`},
	}
	for label, request := range cases {
		if _, err := hub.CreateEventHandler(ctx, request); !domain.IsCode(err, domain.CodeInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", label, err)
		}
	}

	periodic, err := hub.CreateEventHandler(ctx, CreateEventHandlerRequest{Name: "nightly", EventType: "Periodic", IntervalSeconds: 60})
	if err != nil {
		t.Fatalf("create periodic: %v", err)
	}
	if periodic.EventType != domain.HandlerPeriodic || periodic.URL != nil || !periodic.IsActive || periodic.ConfigJSON != "{}" {
		t.Fatalf("unexpected handler %+v", periodic)
	}

	if err := hub.SetEventHandlerActive(ctx, SetHandlerActiveRequest{ID: periodic.ID, Active: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	active, err := hub.ListEventHandlers(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active handlers, got %d (%v)", len(active), err)
	}
	all, err := hub.ListAllEventHandlers(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one handler overall, got %d (%v)", len(all), err)
	}

	updated, err := hub.UpdateEventHandlerLastCheck(ctx, HandlerIDRequest{ID: 12345})
	if err != nil || updated {
		t.Fatalf("expected silent no-op, got updated=%v err=%v", updated, err)
	}
	if err := hub.DeleteEventHandler(ctx, HandlerIDRequest{ID: periodic.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestPollerLifecycleThroughHub(t *testing.T) {
	hub, _ := newTestHub(t)

	status, err := hub.StartPoller()
	if err != nil || status.Status != poller.StatusStarted || !status.Running {
		t.Fatalf("start: %+v %v", status, err)
	}
	status, _ = hub.StartPoller()
	if status.Status != poller.StatusAlreadyRunning {
		t.Fatalf("second start: %+v", status)
	}
	status, _ = hub.StopPoller()
	if status.Status != poller.StatusStopped || status.Running {
		t.Fatalf("stop: %+v", status)
	}
	status, _ = hub.StopPoller()
	if status.Status != poller.StatusNotRunning {
		t.Fatalf("second stop: %+v", status)
	}
}

func TestSettingsMasking(t *testing.T) {
	hub, _ := newTestHub(t)

	defaults, err := hub.LoadSettings(LoadSettingsRequest{})
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if defaults != domain.DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", defaults)
	}

	saved, err := hub.SaveSettings(domain.Settings{LLMProvider: "openai", LLMModel: "gpt-4o", LLMAPIKey: "sk-abcdefghijklmnop"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if strings.Contains(saved.LLMAPIKey, "abcdefghijkl") {
		t.Fatalf("saved view must mask the key, got %q", saved.LLMAPIKey)
	}

	revealed, err := hub.LoadSettings(LoadSettingsRequest{Reveal: true})
	if err != nil {
		t.Fatalf("load revealed: %v", err)
	}
	if revealed.LLMAPIKey != "sk-abcdefghijklmnop" || revealed.LLMProvider != "openai" {
		t.Fatalf("unexpected revealed settings %+v", revealed)
	}
}

func TestKeyValueSettings(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.GetSetting(ctx, "theme"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	setting, err := hub.PutSetting(ctx, "theme", "dark")
	if err != nil || setting.Value != "dark" || setting.UpdatedAt == "" {
		t.Fatalf("put: %+v %v", setting, err)
	}
	if _, err := hub.PutSetting(ctx, " ", "x"); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for blank key, got %v", err)
	}
}

func TestRunAgentRecordsAuditTrail(t *testing.T) {
	requireShell(t)
	hub, _ := newTestHub(t)
	ctx := context.Background()

	ok, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "ok", Command: "sh", Args: []string{"-c", "echo token=abc123"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outcome, err := hub.RunAgent(ctx, AgentNameRequest{Name: "ok"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.Success || outcome.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if strings.Contains(outcome.Output, "abc123") {
		t.Fatalf("transcript must be redacted, got %q", outcome.Output)
	}

	logs, err := hub.ListAgentLogs(ctx, ListAgentLogsRequest{AgentID: &ok.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	var types []string
	for _, log := range logs {
		types = append(types, log.EventType)
	}
	if strings.Join(types, ",") != "success,executed,created" {
		t.Fatalf("unexpected log sequence %v", types)
	}
	var details runDetails
	if err := json.Unmarshal([]byte(domain.Deref(logs[0].Details)), &details); err != nil {
		t.Fatalf("details not JSON: %v", err)
	}
	if details.Trigger != TriggerManual || details.ExitCode != 0 {
		t.Fatalf("unexpected details %+v", details)
	}

	if _, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "slow", Command: "sleep", Args: []string{"5"}, Timeout: 100}}); err != nil {
		t.Fatalf("create slow: %v", err)
	}
	outcome, err = hub.RunAgent(ctx, AgentNameRequest{Name: "slow"})
	if err != nil {
		t.Fatalf("run slow: %v", err)
	}
	if outcome.Success || !outcome.TimedOut {
		t.Fatalf("expected timeout outcome, got %+v", outcome)
	}

	if _, err := hub.RunAgent(ctx, AgentNameRequest{Name: "missing"}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPeriodicHandlerRunsNamedAgent(t *testing.T) {
	requireShell(t)
	hub, st := newTestHub(t)
	ctx := context.Background()

	agent, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "tick", Command: "true"}})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := hub.CreateEventHandler(ctx, CreateEventHandlerRequest{
		Name:            "every-minute",
		EventType:       domain.HandlerPeriodic,
		IntervalSeconds: 60,
		ConfigJSON:      `{"agent":"tick"}`,
	}); err != nil {
		t.Fatalf("create handler: %v", err)
	}
	if _, err := hub.CreateEventHandler(ctx, CreateEventHandlerRequest{
		Name:            "dangling",
		EventType:       domain.HandlerPeriodic,
		IntervalSeconds: 60,
		ConfigJSON:      `{"agent":"nobody"}`,
	}); err != nil {
		t.Fatalf("create dangling handler: %v", err)
	}

	p := poller.New(st, poller.Options{Action: hub.executor})
	report := p.Sweep(ctx)
	if report.Dispatched != 2 || report.Failed != 1 {
		t.Fatalf("unexpected sweep report %+v", report)
	}

	logs, err := hub.ListAgentLogs(ctx, ListAgentLogsRequest{AgentID: &agent.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 3 || logs[0].EventType != domain.LogEventSuccess {
		t.Fatalf("expected periodic run to be logged, got %+v", logs)
	}

	handlers, err := hub.ListEventHandlers(ctx)
	if err != nil {
		t.Fatalf("list handlers: %v", err)
	}
	for _, handler := range handlers {
		if handler.LastCheck == nil {
			t.Fatalf("handler %q: expected last_check after sweep", handler.Name)
		}
	}
}

func TestHealth(t *testing.T) {
	hub, _ := newTestHub(t)
	health := hub.Health(context.Background())
	if health["status"] != "ok" || health["store"] != "sqlite" || health["poller"] != poller.StatusStopped {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRunAgentReceivesBriefEnv(t *testing.T) {
	requireShell(t)
	hub, _ := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{
		Name:    "briefed",
		Goal:    "Summarize feeds",
		Command: "sh",
		Args:    []string{"-c", `echo "$PERSONALIZ_AGENT_NAME/$PERSONALIZ_TRIGGER"; echo "$PERSONALIZ_AGENT_BRIEF"`},
	}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	outcome, err := hub.RunAgent(ctx, AgentNameRequest{Name: "briefed"})
	if err != nil || !outcome.Success {
		t.Fatalf("run: %+v %v", outcome, err)
	}
	if !strings.Contains(outcome.Output, "briefed/manual") || !strings.Contains(outcome.Output, "Goal: Summarize feeds") {
		t.Fatalf("expected brief env in output, got %q", outcome.Output)
	}
}

func TestAgentArgsKeptVerbatim(t *testing.T) {
	requireShell(t)
	hub, _ := newTestHub(t)
	ctx := context.Background()

	created, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{
		Name:    "printer",
		Command: "printf",
		Args:    []string{"%s|%s|", "  padded", ""},
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Args != `["%s|%s|","  padded",""]` {
		t.Fatalf("args not stored verbatim: %s", created.Args)
	}
	fetched, err := hub.GetAgentByName(ctx, AgentNameRequest{Name: "printer"})
	if err != nil || fetched.Args != created.Args {
		t.Fatalf("round trip: %q %v", fetched.Args, err)
	}

	outcome, err := hub.RunAgent(ctx, AgentNameRequest{Name: "printer"})
	if err != nil || !outcome.Success {
		t.Fatalf("run: %+v %v", outcome, err)
	}
	if outcome.Output != "  padded||" {
		t.Fatalf("unexpected output %q", outcome.Output)
	}

	bare, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "bare", Command: "true"}})
	if err != nil || bare.Args != "[]" {
		t.Fatalf("expected empty args array, got %q %v", bare.Args, err)
	}
}
