//go:build linux || darwin

package runner

import (
	"context"
	"io"
	"time"

	"github.com/creack/pty"
)

func runWithPTY(ctx context.Context, opts Options, output io.Writer) (int, []Event, error) {
	cmd := newCommand(ctx, opts)

	// pty.Start puts the child in its own session, so its pid is also the group id.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, []Event{
			newEvent("command_error", "failed to start command with pty", map[string]any{
				"error": err.Error(),
			}),
		}, err
	}
	defer func() {
		_ = ptmx.Close()
	}()

	events := []Event{
		newEvent("command_started", "command started", map[string]any{
			"command": opts.Command,
			"pid":     cmd.Process.Pid,
			"mode":    "pty",
		}),
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_, _ = io.Copy(output, ptmx)
	}()

	waitErr := cmd.Wait()
	code := exitCode(cmd, waitErr)

	select {
	case <-readerDone:
	case <-time.After(400 * time.Millisecond):
	}
	_ = ptmx.Close()

	events = append(events, newEvent("command_ended", "command exited", map[string]any{
		"exit_code": code,
	}))
	return code, events, waitErr
}
