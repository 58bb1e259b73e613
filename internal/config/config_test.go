package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"PERSONALIZ_GRPC_ADDR", "PERSONALIZ_STORE_DRIVER", "PERSONALIZ_POLL_TICK",
		"PERSONALIZ_POLLER_AUTOSTART", "PERSONALIZ_AGENT_SCHEDULER", "PERSONALIZ_DB_PATH",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.GRPCAddr != "127.0.0.1:50061" || cfg.HTTPAddr == "" {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.StoreDriver)
	}
	if filepath.Base(cfg.DBPath) != "personaliz.db" {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.PollTick != 10*time.Second || !cfg.PollerAutostart || cfg.AgentScheduler {
		t.Fatalf("unexpected poller defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PERSONALIZ_STORE_DRIVER", "Postgres")
	t.Setenv("PERSONALIZ_POLL_TICK", "250ms")
	t.Setenv("PERSONALIZ_CHECK_TIMEOUT", "3")
	t.Setenv("PERSONALIZ_POLLER_AUTOSTART", "false")
	t.Setenv("PERSONALIZ_AGENT_SCHEDULER", "not-a-bool")

	cfg := Load()
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected lower-cased driver, got %q", cfg.StoreDriver)
	}
	if cfg.PollTick != 250*time.Millisecond {
		t.Fatalf("unexpected tick %s", cfg.PollTick)
	}
	if cfg.CheckTimeout != 3*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.CheckTimeout)
	}
	if cfg.PollerAutostart {
		t.Fatalf("expected autostart disabled")
	}
	if cfg.AgentScheduler {
		t.Fatalf("invalid bool must fall back to default")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PERSONALIZ_LOG_LEVEL", "")
	_ = os.Unsetenv("PERSONALIZ_LOG_LEVEL")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PERSONALIZ_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg := Load()
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected .env value, got %q", cfg.LogLevel)
	}
}
