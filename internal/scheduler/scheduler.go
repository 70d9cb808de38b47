// Package scheduler runs the periodic engine jobs: the automatic settlement
// check of every auto-settling program and the vesting tick.
//
// Both jobs are idempotent, so the schedules only bound latency. A run that
// is still going when the next one fires is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/options"
	"github.com/atmx/settlement-engine/internal/settlement"
)

const (
	DefaultSettlementSchedule = "@every 1m"
	DefaultVestingSchedule    = "@every 1h"
	DefaultRunTimeout         = 5 * time.Minute
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Settlement *settlement.Job
	Options    *options.Ledger

	// Schedules use cron syntax or descriptors such as "@every 5m", in UTC.
	SettlementSchedule string
	VestingSchedule    string
	RunTimeout         time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Settlement == nil {
		return errors.New("settlement job is required")
	}
	if cfg.Options == nil {
		return errors.New("options ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SettlementSchedule == "" {
		cfg.SettlementSchedule = DefaultSettlementSchedule
	}
	if cfg.VestingSchedule == "" {
		cfg.VestingSchedule = DefaultVestingSchedule
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return nil
}

type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{log: cfg.Logger, cfg: cfg, ctx: context.Background()}

	logger := cronLogger{log: cfg.Logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(cfg.SettlementSchedule, func() { s.RunSettlement(s.context()) }); err != nil {
		return nil, fmt.Errorf("settlement schedule %q: %w", cfg.SettlementSchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.VestingSchedule, func() { s.RunVesting(s.context()) }); err != nil {
		return nil, fmt.Errorf("vesting schedule %q: %w", cfg.VestingSchedule, err)
	}
	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Run starts the schedules and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler: started",
		"settlement", s.cfg.SettlementSchedule,
		"vesting", s.cfg.VestingSchedule,
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler: stopped")
	return nil
}

// RunSettlement checks every auto-settling program once. A failing program
// does not stop the others.
func (s *Scheduler) RunSettlement(ctx context.Context) {
	for _, prog := range s.cfg.Settlement.Programs() {
		if !prog.AutoSettle {
			continue
		}
		runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
		res, err := s.cfg.Settlement.CheckAndExecuteAuto(runCtx, prog.ID)
		cancel()

		job := "settle:" + string(prog.ID)
		if err != nil {
			metrics.SchedulerRuns.WithLabelValues(job, "error").Inc()
			s.log.Error("scheduler: auto settlement failed", "program", prog.ID, "period", res.PeriodID, "error", err)
			continue
		}
		outcome := "noop"
		if res.Executed {
			outcome = "executed"
			s.log.Info("scheduler: auto settlement executed", "program", prog.ID, "period", res.PeriodID)
		}
		metrics.SchedulerRuns.WithLabelValues(job, outcome).Inc()
	}
}

// RunVesting advances all vesting grants to the current time.
func (s *Scheduler) RunVesting(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	updated, err := s.cfg.Options.TickVesting(runCtx, s.cfg.Clock.Now())
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("vesting", "error").Inc()
		s.log.Error("scheduler: vesting tick failed", "error", err)
		return
	}
	metrics.SchedulerRuns.WithLabelValues("vesting", "ok").Inc()
	if len(updated) > 0 {
		s.log.Info("scheduler: vesting tick", "grants", len(updated))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
