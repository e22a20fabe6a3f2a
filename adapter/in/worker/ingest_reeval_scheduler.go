// Package worker runs background jobs: the periodic batch re-evaluation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ingest_server/core/service/classification"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReevaluationRunner runs one batch re-evaluation.
type ReevaluationRunner interface {
	Run(ctx context.Context) (*classification.ReevaluationSummary, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Schedule   string        // standard 5-field cron expression
	RunTimeout time.Duration // upper bound of one run
}

// DefaultSchedulerConfig runs nightly at 03:00.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Schedule:   "0 3 * * *",
		RunTimeout: time.Hour,
	}
}

// ReevalScheduler triggers batch re-evaluation on a cron schedule. A tick that
// fires while the previous run is still going is skipped.
type ReevalScheduler struct {
	runner  ReevaluationRunner
	config  *SchedulerConfig
	cron    *cron.Cron
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs    atomic.Int64
	skipped atomic.Int64
	log     zerolog.Logger
}

// NewReevalScheduler validates the schedule and creates a stopped scheduler.
func NewReevalScheduler(runner ReevaluationRunner, config *SchedulerConfig) (*ReevalScheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid re-evaluation schedule %q: %w", config.Schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ReevalScheduler{
		runner: runner,
		config: config,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		log:    zerolog.New(os.Stdout).With().Timestamp().Str("component", "reeval-scheduler").Logger(),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.RunNow() }))
	return s, nil
}

// WithLogger replaces the component logger.
func (s *ReevalScheduler) WithLogger(l zerolog.Logger) *ReevalScheduler {
	s.log = l.With().Str("component", "reeval-scheduler").Logger()
	return s
}

// Start starts the cron loop.
func (s *ReevalScheduler) Start() {
	s.log.Info().Str("schedule", s.config.Schedule).Msg("scheduler started")
	s.cron.Start()
}

// Stop stops scheduling, cancels an in-flight run and waits for it.
func (s *ReevalScheduler) Stop() {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.wg.Wait()
	s.log.Info().Int64("runs", s.runs.Load()).Int64("skipped", s.skipped.Load()).Msg("scheduler stopped")
}

// RunNow runs one batch synchronously. Returns false if a run was already in
// progress.
func (s *ReevalScheduler) RunNow() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn().Msg("previous re-evaluation still running, tick skipped")
		return false
	}
	s.wg.Add(1)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	ctx := s.ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	s.runs.Add(1)
	summary, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, classification.ErrBatchFailed):
		s.log.Warn().Str("summary", summary.String()).Msg("scheduled re-evaluation finished with failures")
	case err != nil:
		s.log.Error().Err(err).Msg("scheduled re-evaluation failed")
	case summary != nil:
		s.log.Info().Str("summary", summary.String()).Msg("scheduled re-evaluation finished")
	}
	return true
}

// Stats returns how many runs executed and how many ticks were skipped.
func (s *ReevalScheduler) Stats() (runs, skipped int64) {
	return s.runs.Load(), s.skipped.Load()
}
