// Package runner spawns agent commands and captures a bounded transcript.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxTranscriptBytes = 200000
	waitDelay                 = 2 * time.Second
)

var (
	errPTYUnsupported = errors.New("pty execution is not supported on this platform")
	ErrTimeout        = errors.New("agent command timed out")
)

type Event struct {
	Type    string         `json:"type"`
	At      string         `json:"at"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Result struct {
	ExitCode            int
	StartedAt           time.Time
	EndedAt             time.Time
	Duration            time.Duration
	Err                 error
	TimedOut            bool
	Events              []Event
	Transcript          string
	TranscriptTruncated bool
}

type Options struct {
	Command            string
	Args               []string
	Dir                string
	Env                []string
	Timeout            time.Duration
	UsePTY             bool
	MaxTranscriptBytes int
	OutputWriter       io.Writer
	OnEvent            func(Event)
}

// Run executes the command once. A positive Timeout bounds the run; on expiry
// the whole process group is killed and Result.Err wraps ErrTimeout.
func Run(ctx context.Context, opts Options) Result {
	start := time.Now().UTC()
	result := Result{
		ExitCode:  -1,
		StartedAt: start,
	}

	command := strings.TrimSpace(opts.Command)
	if command == "" {
		result.Err = fmt.Errorf("command is required")
		event := newEvent("command_error", "command is empty", nil)
		result.Events = append(result.Events, event)
		dispatchEvent(opts.OnEvent, event)
		return finish(result, nil)
	}
	opts.Command = command
	if opts.MaxTranscriptBytes <= 0 {
		opts.MaxTranscriptBytes = DefaultMaxTranscriptBytes
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	transcript := newCappedBuffer(opts.MaxTranscriptBytes)
	output := io.Writer(transcript)
	if opts.OutputWriter != nil {
		output = io.MultiWriter(opts.OutputWriter, transcript)
	}

	var code int
	var events []Event
	var err error
	if opts.UsePTY {
		code, events, err = runWithPTY(runCtx, opts, output)
		result.Events = append(result.Events, events...)
		dispatchEvents(opts.OnEvent, events)
		if err == nil || !errors.Is(err, errPTYUnsupported) {
			return finish(withOutcome(result, runCtx, code, err), transcript)
		}
		fallback := newEvent("command_warn", "pty unavailable, falling back to pipes", map[string]any{
			"error": err.Error(),
		})
		result.Events = append(result.Events, fallback)
		dispatchEvent(opts.OnEvent, fallback)
	}

	code, events, err = runPiped(runCtx, opts, output)
	result.Events = append(result.Events, events...)
	dispatchEvents(opts.OnEvent, events)
	return finish(withOutcome(result, runCtx, code, err), transcript)
}

func withOutcome(result Result, runCtx context.Context, code int, err error) Result {
	result.ExitCode = code
	result.Err = err
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return result
}

func finish(result Result, transcript *cappedBuffer) Result {
	if transcript != nil {
		result.Transcript = transcript.String()
		result.TranscriptTruncated = transcript.Truncated()
	}
	result.EndedAt = time.Now().UTC()
	result.Duration = result.EndedAt.Sub(result.StartedAt)
	return result
}

func newCommand(ctx context.Context, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

func runPiped(ctx context.Context, opts Options, output io.Writer) (int, []Event, error) {
	cmd := newCommand(ctx, opts)
	setProcessGroup(cmd)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return exitCode(cmd, err), []Event{
			newEvent("command_error", "command failed to start", map[string]any{"error": err.Error()}),
		}, err
	}
	events := []Event{
		newEvent("command_started", "command started", map[string]any{
			"command": opts.Command,
			"pid":     cmd.Process.Pid,
			"mode":    "pipe",
		}),
	}

	err := cmd.Wait()
	code := exitCode(cmd, err)
	events = append(events, newEvent("command_ended", "command exited", map[string]any{
		"exit_code": code,
	}))
	return code, events, err
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil && errors.Is(err, exec.ErrNotFound) {
		return 127
	}
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func newEvent(eventType, message string, data map[string]any) Event {
	cloned := map[string]any(nil)
	if data != nil {
		cloned = maps.Clone(data)
	}
	return Event{
		Type:    eventType,
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Message: message,
		Data:    cloned,
	}
}

func dispatchEvents(handler func(Event), events []Event) {
	for _, event := range events {
		dispatchEvent(handler, event)
	}
}

func dispatchEvent(handler func(Event), event Event) {
	if handler != nil {
		handler(event)
	}
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
	mu        sync.Mutex
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = DefaultMaxTranscriptBytes
	}
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.max - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) <= remaining {
		_, _ = c.buf.Write(p)
		return len(p), nil
	}
	_, _ = c.buf.Write(p[:remaining])
	c.truncated = true
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
