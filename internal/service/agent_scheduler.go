package service

import (
	"context"
	"sync"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/schedule"
	"github.com/bcrosbie/personaliz/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AgentScheduler fires active agents on their own schedules. A run that is
// still in progress causes the next activation of the same agent to be
// skipped.
type AgentScheduler struct {
	store    store.Store
	executor *Executor
	logger   *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewAgentScheduler(st store.Store, executor *Executor, logger *zap.Logger) *AgentScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "agent_scheduler"))
	cronLogger := cronZapLogger{logger: logger.Sugar()}
	return &AgentScheduler{
		store:    st,
		executor: executor,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		entries: map[int64]cron.EntryID{},
	}
}

// Start registers every active agent and starts the cron engine.
func (s *AgentScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("agent scheduler started", zap.Int("agents", s.Len()))
	return nil
}

// Stop halts the engine and waits for running jobs to return.
func (s *AgentScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	cancel()
	<-stopCtx.Done()
	s.logger.Info("agent scheduler stopped")
}

// Reload replaces the registered jobs with the current set of active agents.
// Agents whose schedule does not parse are logged and left out.
func (s *AgentScheduler) Reload(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, agent := range agents {
		if !agent.IsActive {
			continue
		}
		parsed, spec, err := schedule.Parse(agent.Schedule, agent.ScheduleTime)
		if err != nil {
			s.logger.Warn("skipping agent with invalid schedule",
				zap.String("agent", agent.Name),
				zap.String("schedule", agent.Schedule),
				zap.Error(err),
			)
			continue
		}
		s.entries[agent.ID] = s.cron.Schedule(parsed, s.job(agent.ID))
		s.logger.Debug("agent scheduled", zap.String("agent", agent.Name), zap.String("spec", spec))
	}
	return nil
}

func (s *AgentScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun reports the next activation registered for agentID.
func (s *AgentScheduler) NextRun(agentID int64) (string, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[agentID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	entry := s.cron.Entry(entryID)
	if entry.Next.IsZero() {
		return "", false
	}
	return domain.FormatTime(entry.Next), true
}

// job reloads the agent at fire time so edits made since registration apply.
func (s *AgentScheduler) job(agentID int64) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		agent, found, err := s.store.GetAgentByID(ctx, agentID)
		if err != nil {
			s.logger.Error("failed to load scheduled agent", zap.Int64("agent_id", agentID), zap.Error(err))
			return
		}
		if !found || !agent.IsActive {
			return
		}
		s.executor.Run(ctx, agent, TriggerSchedule)
	})
}

// cronZapLogger adapts zap to cron.Logger.
type cronZapLogger struct {
	logger *zap.SugaredLogger
}

func (l cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
