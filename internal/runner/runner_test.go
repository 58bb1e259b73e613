package runner

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunRequiresCommand(t *testing.T) {
	result := Run(context.Background(), Options{Command: "  "})
	if result.Err == nil {
		t.Fatalf("expected error for empty command")
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
	if len(result.Events) != 1 || result.Events[0].Type != "command_error" {
		t.Fatalf("unexpected events: %+v", result.Events)
	}
}

func TestRunCapturesTranscript(t *testing.T) {
	requireShell(t)

	var seen []string
	result := Run(context.Background(), Options{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops 1>&2"},
		OnEvent: func(event Event) { seen = append(seen, event.Type) },
	})
	if result.Err != nil {
		t.Fatalf("run: %v", result.Err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Transcript, "hello") || !strings.Contains(result.Transcript, "oops") {
		t.Fatalf("transcript missing output: %q", result.Transcript)
	}
	if len(seen) != 2 || seen[0] != "command_started" || seen[1] != "command_ended" {
		t.Fatalf("unexpected event sequence: %v", seen)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	requireShell(t)

	result := Run(context.Background(), Options{Command: "sh", Args: []string{"-c", "exit 3"}})
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Err == nil {
		t.Fatalf("expected non-nil error for failing command")
	}
}

func TestRunMissingExecutable(t *testing.T) {
	result := Run(context.Background(), Options{Command: "personaliz-definitely-missing-binary"})
	if result.Err == nil {
		t.Fatalf("expected start error")
	}
	if result.ExitCode != 127 {
		t.Fatalf("expected exit code 127, got %d", result.ExitCode)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	requireShell(t)

	started := time.Now()
	result := Run(context.Background(), Options{
		Command: "sh",
		Args:    []string{"-c", "sleep 10 & sleep 10"},
		Timeout: 150 * time.Millisecond,
	})
	if !result.TimedOut {
		t.Fatalf("expected timeout, got err=%v", result.Err)
	}
	if !errors.Is(result.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", result.Err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("process group was not killed promptly (%s)", elapsed)
	}
}

func TestRunWithPTY(t *testing.T) {
	requireShell(t)

	result := Run(context.Background(), Options{
		Command: "sh",
		Args:    []string{"-c", "echo from-pty"},
		UsePTY:  true,
	})
	if result.Err != nil {
		t.Fatalf("run: %v", result.Err)
	}
	if !strings.Contains(result.Transcript, "from-pty") {
		t.Fatalf("transcript missing output: %q", result.Transcript)
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	buf := newCappedBuffer(5)
	n, err := buf.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if buf.String() != "abcde" {
		t.Fatalf("unexpected contents %q", buf.String())
	}
	if !buf.Truncated() {
		t.Fatalf("expected truncated flag")
	}
}
