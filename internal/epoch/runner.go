package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
)

// ErrBusy is returned when an epoch is already running
var ErrBusy = errors.New("an epoch is already running")

// EpochRunner executes a single epoch
type EpochRunner interface {
	Run(ctx context.Context, epoch int) (model.Iteration, error)
}

// Summary describes a finished run
type Summary struct {
	Epochs    int  `json:"epochs"`
	Failures  int  `json:"failures"`
	LastEpoch int  `json:"last_epoch"`
	Lockdown  bool `json:"lockdown"`
}

// Runner drives epochs back to back with the configured waits
type Runner struct {
	pipeline EpochRunner
	store    store.Store
	config   ConfigSource
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	mu       sync.Mutex
}

// NewRunner creates a runner. Epoch numbers continue after the last stored iteration.
func NewRunner(pipeline EpochRunner, s store.Store, cfg ConfigSource, logger *slog.Logger) *Runner {
	return &Runner{
		pipeline: pipeline,
		store:    s,
		config:   cfg,
		logger:   logger,
		sleep:    sleep,
	}
}

// NextEpoch returns the epoch number following the newest stored iteration
func NextEpoch(ctx context.Context, s store.Store) (int, error) {
	recent, err := s.RecentIterations(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to read last iteration: %w", err)
	}
	if len(recent) == 0 {
		return 1, nil
	}
	return registry.EpochOf(recent[0]) + 1, nil
}

// RunOnce executes the next epoch unless another one is in progress
func (r *Runner) RunOnce(ctx context.Context) (model.Iteration, error) {
	if !r.mu.TryLock() {
		return model.Iteration{}, ErrBusy
	}
	defer r.mu.Unlock()

	epoch, err := NextEpoch(ctx, r.store)
	if err != nil {
		return model.Iteration{}, err
	}
	return r.pipeline.Run(ctx, epoch)
}

// Run executes up to max_epochs epochs. It stops early on lockdown when
// stop_on_lockdown is set, and when ctx ends. A failed epoch is logged,
// counted and followed by the next one.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	for summary.Epochs < r.config.Current().MaxEpochs {
		cfg := r.config.Current()

		it, err := r.RunOnce(ctx)
		summary.Epochs++
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err != nil {
			summary.Failures++
			r.logger.Error("Epoch failed", "run", summary.Epochs, "error", err)
		} else {
			summary.LastEpoch = it.Epoch
			summary.Lockdown = it.LockdownStatus
			if it.LockdownStatus && cfg.StopOnLockdown {
				r.logger.Info("Lockdown reached, stopping", "epoch", it.Epoch)
				return summary, nil
			}
		}

		if summary.Epochs >= r.config.Current().MaxEpochs {
			break
		}
		if err := r.wait(ctx, cfg.FirewallUpdateWait(), cfg.AttackDuration(), cfg.MonitorAccumulationWait(), cfg.BetweenEpochWait()); err != nil {
			return summary, err
		}
	}

	r.logger.Info("Run finished",
		"epochs", summary.Epochs,
		"failures", summary.Failures,
		"last_epoch", summary.LastEpoch,
		"lockdown", summary.Lockdown)
	return summary, nil
}

// wait sleeps through each phase between two epochs: firewall settle,
// attack window, alert accumulation and the pause between epochs
func (r *Runner) wait(ctx context.Context, phases ...time.Duration) error {
	for _, d := range phases {
		if err := r.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
