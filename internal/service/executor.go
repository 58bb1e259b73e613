package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bcrosbie/personaliz/internal/brief"
	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/metrics"
	"github.com/bcrosbie/personaliz/internal/redact"
	"github.com/bcrosbie/personaliz/internal/runner"
	"github.com/bcrosbie/personaliz/internal/store"
	"go.uber.org/zap"
)

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerPeriodic = "periodic"

	transcriptTailBytes = 4000
)

type RunOutcome struct {
	AgentID    int64  `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	Trigger    string `json:"trigger"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

type runDetails struct {
	Trigger         string `json:"trigger"`
	ExitCode        int    `json:"exit_code"`
	DurationMS      int64  `json:"duration_ms"`
	TimedOut        bool   `json:"timed_out"`
	TranscriptTail  string `json:"transcript_tail,omitempty"`
	TranscriptTrunc bool   `json:"transcript_truncated,omitempty"`
	Error           string `json:"error,omitempty"`
}

type ExecutorOptions struct {
	WorkDir            string
	UsePTY             bool
	MaxTranscriptBytes int
	Redactor           *redact.Redactor
	// Secrets returns literal values to scrub from transcripts, such as the
	// configured API key.
	Secrets func() []string
}

// Executor spawns agent commands and records the executed/success/error
// audit trail. It also serves as the poller's periodic action.
type Executor struct {
	store  store.Store
	opts   ExecutorOptions
	logger *zap.Logger
}

func NewExecutor(st store.Store, opts ExecutorOptions, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.New(true, nil)
	}
	return &Executor{
		store:  st,
		opts:   opts,
		logger: logger.With(zap.String("component", "executor")),
	}
}

// Run executes agent once. Command failures are reported in the outcome and
// the agent log, not as an error.
func (e *Executor) Run(ctx context.Context, agent domain.Agent, trigger string) RunOutcome {
	outcome := RunOutcome{AgentID: agent.ID, AgentName: agent.Name, Trigger: trigger, ExitCode: -1}
	logger := e.logger.With(zap.Int64("agent_id", agent.ID), zap.String("agent", agent.Name), zap.String("trigger", trigger))

	args, err := DecodeArgs(agent.Args)
	if err != nil {
		outcome.Error = err.Error()
		e.record(ctx, agent, domain.LogEventError, fmt.Sprintf("Agent %s has invalid args", agent.Name), runDetails{Trigger: trigger, ExitCode: -1, Error: outcome.Error})
		metrics.AgentRunsTotal.WithLabelValues(trigger, "error").Inc()
		return outcome
	}

	e.record(ctx, agent, domain.LogEventExecuted, fmt.Sprintf("Agent %s started", agent.Name), runDetails{Trigger: trigger})
	logger.Info("agent run started", zap.String("command", agent.Command))

	result := runner.Run(ctx, runner.Options{
		Command:            agent.Command,
		Args:               args,
		Dir:                e.opts.WorkDir,
		Env:                brief.Env(briefInput(agent, trigger)),
		Timeout:            time.Duration(agent.Timeout) * time.Millisecond,
		UsePTY:             e.opts.UsePTY,
		MaxTranscriptBytes: e.opts.MaxTranscriptBytes,
	})

	redactor := e.opts.Redactor
	if e.opts.Secrets != nil {
		redactor = redactor.WithSecrets(e.opts.Secrets()...)
	}
	tail := redact.Tail(redactor.Apply(result.Transcript), transcriptTailBytes)

	outcome.ExitCode = result.ExitCode
	outcome.DurationMS = result.Duration.Milliseconds()
	outcome.TimedOut = result.TimedOut
	outcome.Output = tail
	details := runDetails{
		Trigger:         trigger,
		ExitCode:        result.ExitCode,
		DurationMS:      outcome.DurationMS,
		TimedOut:        result.TimedOut,
		TranscriptTail:  tail,
		TranscriptTrunc: result.TranscriptTruncated,
	}

	if result.Err != nil {
		outcome.Error = redactor.Apply(result.Err.Error())
		details.Error = outcome.Error
		e.record(ctx, agent, domain.LogEventError, fmt.Sprintf("Agent %s failed", agent.Name), details)
		metrics.AgentRunsTotal.WithLabelValues(trigger, "error").Inc()
		logger.Warn("agent run failed",
			zap.Int("exit_code", result.ExitCode),
			zap.Bool("timed_out", result.TimedOut),
			zap.Duration("duration", result.Duration),
			zap.String("error", outcome.Error),
		)
		return outcome
	}

	outcome.Success = true
	e.record(ctx, agent, domain.LogEventSuccess, fmt.Sprintf("Agent %s completed", agent.Name), details)
	metrics.AgentRunsTotal.WithLabelValues(trigger, "success").Inc()
	logger.Info("agent run completed", zap.Duration("duration", result.Duration))
	return outcome
}

// RunPeriodic runs the agent named in a periodic handler's config_json.
// Handlers without an agent only mark the tick.
func (e *Executor) RunPeriodic(ctx context.Context, handler domain.EventHandler) error {
	cfg, err := domain.ParseHandlerConfig(handler.ConfigJSON)
	if err != nil {
		return err
	}
	if cfg.Agent == "" {
		e.logger.Info("periodic handler fired", zap.String("handler", handler.Name))
		return nil
	}

	agent, found, err := e.store.GetAgentByName(ctx, cfg.Agent)
	if err != nil {
		return err
	}
	if !found {
		return domain.NotFound(fmt.Sprintf("agent %q referenced by handler %q not found", cfg.Agent, handler.Name))
	}
	if !agent.IsActive {
		e.logger.Info("skipping inactive agent", zap.String("handler", handler.Name), zap.String("agent", agent.Name))
		return nil
	}

	outcome := e.Run(ctx, agent, TriggerPeriodic)
	if !outcome.Success {
		return domain.ExternalCheck(fmt.Sprintf("agent %q failed", agent.Name), errors.New(outcome.Error))
	}
	return nil
}

func briefInput(agent domain.Agent, trigger string) brief.Input {
	return brief.Input{
		AgentID:     agent.ID,
		Name:        agent.Name,
		Description: domain.Deref(agent.Description),
		Role:        domain.Deref(agent.Role),
		Goal:        domain.Deref(agent.Goal),
		Tools:       domain.Deref(agent.Tools),
		ConfigJSON:  agent.ConfigJSON,
		Trigger:     trigger,
		Schedule:    agent.Schedule,
	}
}

func (e *Executor) record(ctx context.Context, agent domain.Agent, eventType, message string, details runDetails) {
	raw, err := json.Marshal(details)
	if err != nil {
		e.logger.Error("failed to encode run details", zap.Error(err))
		raw = nil
	}
	var detailPtr *string
	if raw != nil {
		detailPtr = domain.StringPtr(string(raw))
	}
	if _, err := e.store.LogAgentEvent(ctx, domain.AgentLog{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		EventType: eventType,
		Message:   message,
		Details:   detailPtr,
	}); err != nil {
		e.logger.Error("failed to write agent log",
			zap.Int64("agent_id", agent.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
