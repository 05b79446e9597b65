package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Scheduler triggers epochs from a cron expression. Overlapping triggers
// are skipped, so two epochs never run at once.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
}

// NewScheduler creates a scheduler with seconds precision
func NewScheduler(runner *Runner, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner: runner,
		logger: logger,
	}
}

// Schedule registers the epoch job under expr, e.g. "0 */5 * * * *"
func (s *Scheduler) Schedule(ctx context.Context, expr string) error {
	id, err := s.cron.AddFunc(expr, func() {
		s.trigger(ctx)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule: %w", err)
	}
	s.logger.Info("Epoch schedule added", "cron", expr, "entry_id", id)
	return nil
}

func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	it, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Warn("Skipping scheduled epoch, previous epoch still running")
	case err != nil:
		s.logger.Error("Scheduled epoch failed", "error", err)
	default:
		s.logger.Info("Scheduled epoch completed", "epoch", it.Epoch, "lockdown", it.LockdownStatus)
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop waits for a running epoch to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timeout")
		return ctx.Err()
	}
}
