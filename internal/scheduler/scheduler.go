// Package scheduler implements the Reconcile Scheduler (spec §4.I): a
// cron-driven tick source that claims due rows under `SELECT ... FOR UPDATE
// SKIP LOCKED` and fans them out to a bounded worker pool, one call into the
// Task Engine or Workflow Engine per row, catching every error so a single
// bad row never kills the loop. Grounded on
// rezkam/mono's jittered-startup/ticker reconciliation loop and the
// teacher's asyncWriteWorker/writeQueue worker pool with its
// close-then-wg.Wait() graceful shutdown.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/beammedia/control-plane/internal/metrics"
	"github.com/beammedia/control-plane/internal/store"
)

// Store is the subset of *store.Postgres the scheduler claims rows through.
type Store interface {
	ClaimPendingTasks(ctx context.Context, limit int) ([]store.Task, error)
	ClaimDuePollTasks(ctx context.Context, limit int) ([]store.Task, error)
	ClaimRunningWorkflowRuns(ctx context.Context, limit int) ([]store.WorkflowRun, error)
}

// TaskEngine is the subset of *task.Engine the scheduler drives.
type TaskEngine interface {
	Submit(ctx context.Context, taskID string) error
	Poll(ctx context.Context, taskID string) error
}

// WorkflowEngine is the subset of *workflow.Engine the scheduler drives.
type WorkflowEngine interface {
	Reconcile(ctx context.Context, runID string) error
}

// Config is the scheduler's tick cadence and fan-out policy (spec §6).
type Config struct {
	TaskInterval     time.Duration // default 5s
	WorkflowInterval time.Duration // default 10s
	BatchSize        int           // default 20
	Concurrency      int           // default 10
	MaxStartupJitter time.Duration // default 3s, avoids thundering herd across replicas
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		TaskInterval:     5 * time.Second,
		WorkflowInterval: 10 * time.Second,
		BatchSize:        20,
		Concurrency:      10,
		MaxStartupJitter: 3 * time.Second,
	}
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler is the Reconcile Scheduler.
type Scheduler struct {
	store     Store
	tasks     TaskEngine
	workflows WorkflowEngine
	cfg       Config
	log       zerolog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New builds a Scheduler.
func New(s Store, tasks TaskEngine, workflows WorkflowEngine, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		tasks:     tasks,
		workflows: workflows,
		cfg:       cfg,
		log:       logger.With().Str("component", "scheduler").Logger(),
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches the task and workflow tick loops in background goroutines
// and returns immediately. Call Stop to drain in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	taskSchedule, err := cronParser.Parse(fmt.Sprintf("@every %s", s.cfg.TaskInterval))
	if err != nil {
		return fmt.Errorf("parse task interval: %w", err)
	}
	workflowSchedule, err := cronParser.Parse(fmt.Sprintf("@every %s", s.cfg.WorkflowInterval))
	if err != nil {
		return fmt.Errorf("parse workflow interval: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runLoop(runCtx, taskSchedule, s.sweepTasks)
	go s.runLoop(runCtx, workflowSchedule, s.sweepWorkflows)

	s.log.Info().Dur("task_interval", s.cfg.TaskInterval).Dur("workflow_interval", s.cfg.WorkflowInterval).Msg("scheduler started")
	return nil
}

// Stop signals both tick loops to exit and waits for every in-flight row
// worker to finish — the teacher's Ledger.Close()/Syncer.Stop() discipline.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// runLoop jitters its first tick (avoiding a thundering herd across
// replicas restarting together), then fires tick on every cron.Schedule
// occurrence until ctx is cancelled.
func (s *Scheduler) runLoop(ctx context.Context, sched cron.Schedule, tick func(ctx context.Context)) {
	defer s.wg.Done()

	if s.cfg.MaxStartupJitter > 0 {
		jitter := time.Duration(rand.Int64N(int64(s.cfg.MaxStartupJitter)))
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	next := sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tick(ctx)
			next = sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) sweepTasks(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := s.store.ClaimPendingTasks(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("claim pending tasks")
	} else {
		metrics.SchedulerRowsClaimed.WithLabelValues("task_pending").Add(float64(len(pending)))
		for _, t := range pending {
			s.dispatch(ctx, "submit", t.ID, s.tasks.Submit)
		}
	}

	due, err := s.store.ClaimDuePollTasks(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("claim due poll tasks")
		return
	}
	metrics.SchedulerRowsClaimed.WithLabelValues("task_poll").Add(float64(len(due)))
	for _, t := range due {
		s.dispatch(ctx, "poll", t.ID, s.tasks.Poll)
	}
}

func (s *Scheduler) sweepWorkflows(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	runs, err := s.store.ClaimRunningWorkflowRuns(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("claim running workflow runs")
		return
	}
	metrics.SchedulerRowsClaimed.WithLabelValues("workflow_run").Add(float64(len(runs)))
	for _, r := range runs {
		s.dispatch(ctx, "reconcile", r.ID, s.workflows.Reconcile)
	}
}

// dispatch runs step(ctx, id) on a bounded worker, recovering from any panic
// and logging any error against the row rather than letting either escape
// and take the tick loop down with it (spec §4.I step 3, §7's Internal error
// handling).
func (s *Scheduler) dispatch(ctx context.Context, kind, id string, step func(ctx context.Context, id string) error) {
	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer func() {
			if r := recover(); r != nil {
				metrics.SchedulerPanicsRecovered.Inc()
				s.log.Error().Str("kind", kind).Str("id", id).Interface("panic", r).Msg("row worker panicked, row left for next tick")
			}
		}()

		if err := step(ctx, id); err != nil {
			s.log.Error().Err(err).Str("kind", kind).Str("id", id).Msg("row step failed")
		}
	}()
}
