package service

import (
	"context"
	"testing"

	"github.com/bcrosbie/personaliz/internal/domain"
)

func TestAgentSchedulerRegistersActiveAgents(t *testing.T) {
	requireShell(t)
	hub, st := newTestHub(t)
	ctx := context.Background()

	inactive := false
	active, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "hourly", Command: "true", Schedule: "hourly"}})
	if err != nil {
		t.Fatalf("create active: %v", err)
	}
	if _, err := hub.CreateAgent(ctx, CreateAgentRequest{AgentInput{Name: "paused", Command: "true", IsActive: &inactive}}); err != nil {
		t.Fatalf("create inactive: %v", err)
	}
	// Bypass service validation to simulate a row written by an older client.
	if _, err := st.CreateAgent(ctx, domain.Agent{Name: "broken", Schedule: "whenever", Command: "true", Args: "[]", ConfigJSON: "{}", IsActive: true}); err != nil {
		t.Fatalf("create broken: %v", err)
	}

	scheduler := NewAgentScheduler(st, hub.executor, nil)
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer scheduler.Stop()

	if scheduler.Len() != 1 {
		t.Fatalf("expected exactly one registered agent, got %d", scheduler.Len())
	}
	if _, ok := scheduler.NextRun(active.ID); !ok {
		t.Fatalf("expected a next run for the active agent")
	}

	scheduler.job(active.ID).Run()
	logs, err := st.ListAgentLogs(ctx, &active.ID, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 3 || logs[0].EventType != domain.LogEventSuccess {
		t.Fatalf("expected scheduled run to be logged, got %+v", logs)
	}

	hub.scheduler = scheduler
	if err := hub.DeleteAgent(ctx, AgentIDRequest{ID: active.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if scheduler.Len() != 0 {
		t.Fatalf("expected reload after delete to drop the agent, got %d", scheduler.Len())
	}
}

func TestAgentSchedulerStopIsIdempotent(t *testing.T) {
	_, st := newTestHub(t)
	scheduler := NewAgentScheduler(st, NewExecutor(st, ExecutorOptions{}, nil), nil)
	scheduler.Stop()
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	scheduler.Stop()
	scheduler.Stop()
}
