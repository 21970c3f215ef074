// Package scheduler runs periodic queue maintenance on cron schedules: the
// stale-claim reaper and, when enabled, automatic retries of failed items.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds the maintenance schedules. Specs use the standard five-field
// cron syntax or descriptors such as "@every 1m".
type Config struct {
	ReapSchedule  string        `mapstructure:"reap_schedule"`
	AutoRetry     bool          `mapstructure:"auto_retry"`
	RetrySchedule string        `mapstructure:"retry_schedule"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

// Maintainer performs the maintenance passes. intake.Service implements it.
type Maintainer interface {
	Reap(ctx context.Context) (int, error)
	AutoRetry(ctx context.Context) (int, error)
}

// Scheduler owns a cron runner for the maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	m       Maintainer
	cfg     Config
	logger  *zap.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New registers the configured jobs without starting them.
func New(m Maintainer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if m == nil {
		return nil, errors.New("scheduler: maintainer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	adapter := cronLogger{logger: logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, m: m, cfg: cfg, logger: logger, baseCtx: ctx, cancel: cancel}

	if cfg.ReapSchedule != "" {
		if _, err := c.AddFunc(cfg.ReapSchedule, s.reap); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.ReapSchedule, err)
		}
	}
	if cfg.AutoRetry {
		if cfg.RetrySchedule == "" {
			cancel()
			return nil, errors.New("scheduler: auto retry requires a retry schedule")
		}
		if _, err := c.AddFunc(cfg.RetrySchedule, s.retry); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid retry schedule %q: %w", cfg.RetrySchedule, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started",
		zap.String("reap_schedule", s.cfg.ReapSchedule),
		zap.Bool("auto_retry", s.cfg.AutoRetry))
	s.cron.Start()
}

// Stop cancels in-flight passes and waits for them, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop wait: %w", ctx.Err())
	}
}

// RunOnce performs one reap pass and, when enabled, one retry pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if _, err := s.m.Reap(ctx); err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	if s.cfg.AutoRetry {
		if _, err := s.m.AutoRetry(ctx); err != nil {
			return fmt.Errorf("auto retry: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) reap() {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RunTimeout)
	defer cancel()
	n, err := s.m.Reap(ctx)
	if err != nil {
		s.logger.Error("reap pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("reap pass finished", zap.Int("reaped", n))
	}
}

func (s *Scheduler) retry() {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RunTimeout)
	defer cancel()
	n, err := s.m.AutoRetry(ctx)
	if err != nil {
		s.logger.Error("auto retry pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("auto retry pass finished", zap.Int("retried", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
