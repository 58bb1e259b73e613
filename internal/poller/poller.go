// Package poller runs the background sweep over active event handlers.
//
// A sweep loads the active handlers, evaluates them in store order, and
// records a check time for each handler that was due. Sweeps are separated by
// a fixed tick, so handlers with an interval below the tick fire at most once
// per sweep.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/metrics"
	"go.uber.org/zap"
)

const DefaultTick = 10 * time.Second

const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already running"
	StatusStopped        = "stopped"
	StatusNotRunning     = "not running"
)

// HandlerStore is the slice of the store the poller needs.
type HandlerStore interface {
	ListEventHandlers(ctx context.Context) ([]domain.EventHandler, error)
	UpdateEventHandlerLastCheck(ctx context.Context, id int64) (bool, error)
}

// PeriodicAction performs the work of a periodic handler.
type PeriodicAction interface {
	RunPeriodic(ctx context.Context, handler domain.EventHandler) error
}

type Options struct {
	Checker Checker
	Action  PeriodicAction
	Logger  *zap.Logger
	Tick    time.Duration
	Now     func() time.Time
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Handlers   int
	Dispatched int
	NotDue     int
	Failed     int
}

type Poller struct {
	store   HandlerStore
	checker Checker
	action  PeriodicAction
	logger  *zap.Logger
	tick    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(store HandlerStore, opts Options) *Poller {
	if opts.Checker == nil {
		opts.Checker = NewHTTPChecker(DefaultCheckTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		store:   store,
		checker: opts.Checker,
		action:  opts.Action,
		logger:  opts.Logger.With(zap.String("component", "poller")),
		tick:    opts.Tick,
		now:     opts.Now,
	}
}

// Start spawns the sweep loop. Calling it while running is a no-op.
func (p *Poller) Start() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return StatusAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	previous := p.done
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done

	go p.loop(ctx, previous, done)

	metrics.PollerRunning.Set(1)
	p.logger.Info("event poller started", zap.Duration("tick", p.tick))
	return StatusStarted
}

// Stop signals the loop to exit at the next sweep boundary. It does not wait
// for an in-flight sweep; use Wait for that.
func (p *Poller) Stop() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return StatusNotRunning
	}
	p.cancel()
	p.running = false
	p.cancel = nil

	metrics.PollerRunning.Set(0)
	p.logger.Info("event poller stopped")
	return StatusStopped
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns the status string matching the current state.
func (p *Poller) Status() string {
	if p.Running() {
		return "running"
	}
	return StatusStopped
}

// Wait blocks until the most recently started loop has exited.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// loop runs sweeps until ctx is cancelled. A loop started right after Stop
// waits for the previous loop to exit, so sweeps never overlap.
func (p *Poller) loop(ctx context.Context, previous <-chan struct{}, done chan struct{}) {
	defer close(done)

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return
		}
	}

	timer := time.NewTimer(p.tick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.Sweep(ctx)

		timer.Reset(p.tick)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Sweep evaluates every active handler once. A stop signal does not cut a
// sweep short, and no error aborts it.
func (p *Poller) Sweep(ctx context.Context) SweepReport {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	defer func() {
		metrics.PollerSweepsTotal.Inc()
		metrics.PollerSweepDuration.Observe(time.Since(started).Seconds())
	}()

	var report SweepReport
	handlers, err := p.store.ListEventHandlers(ctx)
	if err != nil {
		metrics.PollerErrorsTotal.WithLabelValues("list_handlers").Inc()
		p.logger.Error("failed to load event handlers", zap.Error(err))
		return report
	}
	report.Handlers = len(handlers)

	for _, handler := range handlers {
		if !Due(handler, p.now()) {
			report.NotDue++
			metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "not_due").Inc()
			continue
		}

		report.Dispatched++
		if !p.dispatch(ctx, handler) {
			report.Failed++
		}

		updated, err := p.store.UpdateEventHandlerLastCheck(ctx, handler.ID)
		if err != nil {
			metrics.PollerErrorsTotal.WithLabelValues("last_check").Inc()
			p.logger.Error("failed to record handler check",
				zap.Int64("handler_id", handler.ID),
				zap.String("handler", handler.Name),
				zap.Error(err),
			)
			continue
		}
		if !updated {
			p.logger.Debug("handler removed during sweep", zap.Int64("handler_id", handler.ID))
		}
	}
	return report
}

// Due reports whether handler should be evaluated at now. A missing or
// unparseable last_check is always due; otherwise the interval boundary is
// inclusive.
func Due(handler domain.EventHandler, now time.Time) bool {
	if handler.LastCheck == nil {
		return true
	}
	last, err := domain.ParseTime(*handler.LastCheck)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(handler.IntervalSeconds)*time.Second
}

// dispatch runs the type-specific work for one due handler and reports
// whether it succeeded.
func (p *Poller) dispatch(ctx context.Context, handler domain.EventHandler) (ok bool) {
	logger := p.logger.With(
		zap.Int64("handler_id", handler.ID),
		zap.String("handler", handler.Name),
		zap.String("event_type", handler.EventType),
	)
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "failed").Inc()
			logger.Error("handler check panicked", zap.Any("panic", recovered))
			ok = false
		}
	}()

	var (
		result CheckResult
		err    error
	)
	switch handler.EventType {
	case domain.HandlerPolling, domain.HandlerWeb:
		if domain.Deref(handler.URL) == "" {
			metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "skipped").Inc()
			logger.Warn("handler has no url, skipping check")
			return true
		}
		if handler.EventType == domain.HandlerPolling {
			result, err = p.checker.CheckURL(ctx, handler)
		} else {
			result, err = p.checker.CheckWeb(ctx, handler)
		}
	case domain.HandlerPeriodic:
		if p.action == nil {
			metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "skipped").Inc()
			logger.Info("periodic handler fired")
			return true
		}
		err = p.action.RunPeriodic(ctx, handler)
	default:
		metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "unknown_type").Inc()
		logger.Warn("unknown event handler type, skipping check")
		return true
	}

	if err != nil {
		metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "failed").Inc()
		logger.Warn("handler check failed", zap.Int("status", result.StatusCode), zap.Error(err))
		return false
	}
	metrics.HandlerChecksTotal.WithLabelValues(handler.EventType, "ok").Inc()
	logger.Info("handler check succeeded",
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", result.Bytes),
		zap.Int("matches", result.Matches),
	)
	return true
}
