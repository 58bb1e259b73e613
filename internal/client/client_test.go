package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bcrosbie/personaliz/internal/poller"
	"github.com/bcrosbie/personaliz/internal/service"
	"github.com/bcrosbie/personaliz/internal/settings"
	"github.com/bcrosbie/personaliz/internal/store"
	grpcx "github.com/bcrosbie/personaliz/internal/transport/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T, serverToken, clientToken string) *Client {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := poller.New(st, poller.Options{Tick: time.Hour})
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})
	hub := service.NewHubService(service.Dependencies{
		Store:     st,
		Poller:    p,
		Settings:  settings.NewFileStore(filepath.Join(dir, "settings.json")),
		StoreName: "sqlite",
	})

	listener := bufconn.Listen(1 << 20)
	server := grpcx.NewServer(hub, grpcx.ServerOptions{AuthToken: serverToken})
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	c, err := New(Options{
		Addr:          "passthrough:///bufnet",
		Token:         clientToken,
		Insecure:      true,
		RetryAttempts: 1,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return listener.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientAgentFlow(t *testing.T) {
	c := newTestClient(t, "", "")
	ctx := context.Background()

	created, err := c.CreateAgent(ctx, map[string]any{
		"name":     "digest",
		"command":  "echo",
		"args":     []string{"hi"},
		"tools":    []string{"mail"},
		"schedule": "every 5 minutes",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	id := int64(created["id"].(float64))
	if created["args"] != `["hi"]` {
		t.Fatalf("expected args stored as JSON array, got %v", created["args"])
	}

	agents, err := c.ListAgents(ctx)
	if err != nil || len(agents) != 1 {
		t.Fatalf("expected one agent, got %d (%v)", len(agents), err)
	}

	if _, err := c.UpdateAgent(ctx, id, map[string]any{"name": "digest", "command": "printf"}); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	fetched, err := c.GetAgent(ctx, "digest")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if fetched["command"] != "printf" {
		t.Fatalf("expected updated command, got %v", fetched["command"])
	}

	if _, err := c.LogAgentEvent(ctx, id, "note", "hello", ""); err != nil {
		t.Fatalf("log event: %v", err)
	}
	logs, err := c.ListAgentLogs(ctx, id, 1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one log with limit 1, got %d (%v)", len(logs), err)
	}
	newest := logs[0].(map[string]any)
	if newest["event_type"] != "note" {
		t.Fatalf("expected newest log first, got %v", newest)
	}

	if err := c.DeleteAgent(ctx, id); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := c.GetAgent(ctx, "digest"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestClientHandlersAndPoller(t *testing.T) {
	c := newTestClient(t, "", "")
	ctx := context.Background()

	created, err := c.CreateEventHandler(ctx, map[string]any{
		"name":             "tick",
		"event_type":       "periodic",
		"interval_seconds": 30,
	})
	if err != nil {
		t.Fatalf("create handler: %v", err)
	}
	id := int64(created["id"].(float64))

	updated, err := c.TouchEventHandler(ctx, id)
	if err != nil || !updated {
		t.Fatalf("expected touch to update, got %v (%v)", updated, err)
	}
	updated, err = c.TouchEventHandler(ctx, id+100)
	if err != nil || updated {
		t.Fatalf("expected unknown handler touch to report false, got %v (%v)", updated, err)
	}

	if err := c.SetEventHandlerActive(ctx, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, _ := c.ListEventHandlers(ctx, false)
	all, _ := c.ListEventHandlers(ctx, true)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("expected 0 active and 1 total handlers, got %d and %d", len(active), len(all))
	}

	statusText, err := c.StartPoller(ctx)
	if err != nil || statusText != poller.StatusStarted {
		t.Fatalf("start poller: %q (%v)", statusText, err)
	}
	statusText, _ = c.PollerStatus(ctx)
	if statusText != "running" {
		t.Fatalf("expected running, got %q", statusText)
	}
	statusText, _ = c.StopPoller(ctx)
	if statusText != poller.StatusStopped {
		t.Fatalf("expected stopped, got %q", statusText)
	}
	statusText, _ = c.StopPoller(ctx)
	if statusText != poller.StatusNotRunning {
		t.Fatalf("expected not running, got %q", statusText)
	}
}

func TestClientSettings(t *testing.T) {
	c := newTestClient(t, "secret", "secret")
	ctx := context.Background()

	if err := c.PutKV(ctx, "theme", "dark"); err != nil {
		t.Fatalf("put kv: %v", err)
	}
	value, err := c.GetKV(ctx, "theme")
	if err != nil || value != "dark" {
		t.Fatalf("expected dark, got %q (%v)", value, err)
	}

	saved, err := c.SaveSettings(ctx, map[string]any{
		"llm_provider": "ollama",
		"llm_model":    "llama3",
		"llm_endpoint": "http://localhost:11434/api/generate",
		"llm_api_key":  "sk-abcdefghijkl1234",
	})
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if saved["llm_api_key"] == "sk-abcdefghijkl1234" {
		t.Fatalf("expected masked key in save response")
	}
	revealed, err := c.GetSettings(ctx, true)
	if err != nil || revealed["llm_api_key"] != "sk-abcdefghijkl1234" {
		t.Fatalf("expected revealed key, got %v (%v)", revealed["llm_api_key"], err)
	}
}

func TestClientWithoutTokenCannotWrite(t *testing.T) {
	c := newTestClient(t, "secret", "")
	if err := c.PutKV(context.Background(), "theme", "dark"); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected health to be readable without token, got %v", err)
	}
}
