// Package schedule implements the optional cron-triggered recurring
// run (a supplemented feature, not present in spec.md's distillation;
// SPEC_FULL.md §6's `[schedule]` config table). Grounded on teacher
// internal/batch/{config,scheduler}.go, generalized from many named
// batch configs to the single recurring `run <repo>` trigger this
// domain needs, and from a stop-channel to context cancellation to
// match the rest of the module's blocking-operation convention.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/refactor-orch/internal/config"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a five-field cron expression the same way the
// teacher's batch scheduler does; New uses it to parse its expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler triggers a recurring `run` invocation on cfg's cron
// schedule, capping the total number of triggered runs at MaxRuns
// (zero means unlimited).
type Scheduler struct {
	cfg       config.ScheduleConfig
	sched     cron.Schedule
	pollEvery time.Duration

	// Logger receives a warning line for each triggered run that
	// returns an error. Nil falls back to slog.Default().
	Logger *slog.Logger

	mu        sync.Mutex
	lastRun   time.Time
	running   bool
	runsFired int
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// New validates cfg.Cron and returns a Scheduler ready to Start. It
// returns an error immediately if the schedule is enabled but the
// cron expression cannot be parsed, matching BatchConfig.Validate's
// fail-fast discipline.
func New(cfg config.ScheduleConfig) (*Scheduler, error) {
	if !cfg.Enabled {
		return &Scheduler{cfg: cfg}, nil
	}
	if cfg.Cron == "" {
		return nil, fmt.Errorf("schedule: cron expression is required when [schedule].enabled is true")
	}
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", cfg.Cron, err)
	}
	return &Scheduler{cfg: cfg, sched: sched, pollEvery: time.Minute}, nil
}

// NextRun returns the next scheduled trigger time, or the zero time if
// the schedule is disabled.
func (s *Scheduler) NextRun() time.Time {
	if !s.cfg.Enabled {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Next(s.effectiveLastRun())
}

func (s *Scheduler) effectiveLastRun() time.Time {
	if s.lastRun.IsZero() {
		// Mirrors the teacher: treat "never run" as "last run 24h ago"
		// so a schedule due within the last day fires on the first poll
		// instead of waiting a full period.
		return time.Now().Add(-24 * time.Hour)
	}
	return s.lastRun
}

// ShouldRun reports whether a new run should be triggered now: the
// schedule is enabled, nothing is currently running, the run cap
// (if any) has not been reached, and the cron schedule's next fire
// time relative to the last run has passed.
func (s *Scheduler) ShouldRun() bool {
	if !s.cfg.Enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	if s.cfg.MaxRuns > 0 && s.runsFired >= s.cfg.MaxRuns {
		return false
	}
	return time.Now().After(s.sched.Next(s.effectiveLastRun()))
}

// MarkRunning records that a triggered run has started.
func (s *Scheduler) MarkRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.runsFired++
}

// MarkComplete records that the triggered run has finished, regardless
// of outcome, and stamps the last-run time used for the next fire
// computation.
func (s *Scheduler) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastRun = time.Now()
}

// RunFunc is invoked once per triggered fire. Its error is not fatal
// to the scheduler loop; the caller is expected to log it.
type RunFunc func(context.Context) error

// Start polls ShouldRun once per pollEvery (default one minute,
// matching the teacher's ticker) until ctx is cancelled, invoking run
// synchronously for each fire — a recurring refactor run touches the
// same worktree/backup paths as any other run, so overlapping fires
// must never be allowed to race, unlike the teacher's fire-and-forget
// goroutine per named batch.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) error {
	if !s.cfg.Enabled {
		return nil
	}

	interval := s.pollEvery
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.ShouldRun() {
				continue
			}
			s.MarkRunning()
			err := run(ctx)
			s.MarkComplete()
			if err != nil {
				s.log().Warn("triggered run failed", "error", err)
			}
		}
	}
}
