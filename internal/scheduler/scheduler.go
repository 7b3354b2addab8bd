// Package scheduler triggers ingestion runs on per-job cadences and
// guards against overlapping runs of the same job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"

	"news_ingest/internal/coordinator"
	"news_ingest/internal/domain"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Runner executes one ingestion run. The coordinator implements it.
type Runner interface {
	Run(ctx context.Context, jobName string, sources []coordinator.Source) (*domain.ScrapeRun, error)
}

// Job is one row of the scheduler's table: a named set of sources on a
// cadence. Cadence is a standard cron expression ("*/15 * * * *") or
// "@every <duration>".
type Job struct {
	Name    string
	Cadence string
	Enabled bool
	Sources []coordinator.Source
}

type cadence struct {
	expr  *cronexpr.Expression
	every time.Duration
}

func parseCadence(raw string) (cadence, error) {
	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return cadence{}, fmt.Errorf("parse @every duration: %w", err)
		}
		return cadence{every: d}, nil
	}
	expr, err := cronexpr.Parse(raw)
	if err != nil {
		return cadence{}, fmt.Errorf("parse cron expression: %w", err)
	}
	return cadence{expr: expr}, nil
}

// due reports whether a job last started at lastStarted should fire now.
// A job that has never run is due immediately.
func (c cadence) due(lastStarted, now time.Time) bool {
	if lastStarted.IsZero() {
		return true
	}
	if c.expr != nil {
		next := c.expr.Next(lastStarted)
		return !next.IsZero() && !next.After(now)
	}
	return now.Sub(lastStarted) >= c.every
}

type jobState struct {
	job         Job
	cadence     cadence
	running     atomic.Bool
	lastStarted time.Time // guarded by Scheduler.mu
}

// Scheduler holds the job table and fires due jobs on each tick.
// Overlapping triggers of the same job are skipped and logged, never
// queued: the per-job running flag is the overlap guard, and the manual
// trigger path honors it too.
type Scheduler struct {
	runner       Runner
	tickInterval time.Duration
	runTimeout   time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

func New(runner Runner, jobs []Job, tickInterval, runTimeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:       runner,
		tickInterval: tickInterval,
		runTimeout:   runTimeout,
		logger:       logger,
		now:          time.Now,
		jobs:         make(map[string]*jobState, len(jobs)),
	}

	for _, job := range jobs {
		c, err := parseCadence(job.Cadence)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", job.Name)
		}
		s.jobs[job.Name] = &jobState{job: job, cadence: c}
	}

	return s, nil
}

// Start runs the tick loop until ctx is done, then waits for in-flight
// runs to finish. Runs are cancelled cooperatively through ctx; an
// in-flight HTTP call completes or times out on its own.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "tick", s.tickInterval)

	s.tick(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight runs")
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.jobs {
		if !state.job.Enabled {
			continue
		}
		if !state.cadence.due(state.lastStarted, now) {
			continue
		}
		if !state.running.CompareAndSwap(false, true) {
			s.logger.Warn("skipping tick, previous run still active", "job", state.job.Name)
			continue
		}

		state.lastStarted = now
		s.wg.Add(1)
		go s.execute(ctx, state)
	}
}

// TriggerNow runs one job immediately, bypassing its cadence but not the
// overlap guard. It blocks until the run finishes.
func (s *Scheduler) TriggerNow(ctx context.Context, jobName string) (*domain.ScrapeRun, error) {
	s.mu.Lock()
	state, ok := s.jobs[jobName]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	if !state.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobName)
	}
	state.lastStarted = s.now()
	s.mu.Unlock()

	defer state.running.Store(false)

	s.logger.Info("manual trigger", "job", jobName)

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	return s.runner.Run(runCtx, state.job.Name, state.job.Sources)
}

func (s *Scheduler) execute(ctx context.Context, state *jobState) {
	defer s.wg.Done()
	defer state.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	run, err := s.runner.Run(runCtx, state.job.Name, state.job.Sources)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("run ended early", "job", state.job.Name, "error", err)
	}
	if run != nil && run.Status == domain.RunStatusFailed {
		s.logger.Error("run failed", "job", state.job.Name, "run_id", run.RunID)
	}
}
