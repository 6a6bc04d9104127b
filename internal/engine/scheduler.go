package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chronod/chronod/internal/cronexpr"
	"github.com/chronod/chronod/internal/executor"
	"github.com/chronod/chronod/internal/store"
)

const (
	// maxStoreFailures is how many consecutive poll-cycle store errors the
	// scheduler tolerates before declaring the store gone and stopping the
	// engine.
	maxStoreFailures = 3

	// minWake floors the sleep between cycles so a clock oddity never
	// degenerates into a busy loop.
	minWake = time.Second

	// sweepInterval spaces the run-retention purges.
	sweepInterval = 24 * time.Hour

	completeRetryDelay = 100 * time.Millisecond
)

// publisher is the narrow slice of Bus the scheduler needs.
type publisher interface {
	Publish(Event)
}

// scheduler owns the tick/dispatch loop: it polls the store for due jobs,
// hands them to a bounded worker pool, and records outcomes.
type scheduler struct {
	store  *store.Store
	exec   *executor.Executor
	bus    publisher
	logger *slog.Logger

	checkInterval time.Duration
	retentionDays int
	sem           *semaphore.Weighted

	// jobCtx covers in-flight executions; it outlives the loop context so
	// a graceful stop can let runs finish before interrupting them.
	jobCtx context.Context

	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}

	storeFailures int
	onFatal       func(error)
}

func newScheduler(st *store.Store, exec *executor.Executor, bus publisher, logger *slog.Logger,
	checkInterval time.Duration, retentionDays int, maxConcurrent int64, jobCtx context.Context) *scheduler {
	return &scheduler{
		store:         st,
		exec:          exec,
		bus:           bus,
		logger:        logger.With("component", "scheduler"),
		checkInterval: checkInterval,
		retentionDays: retentionDays,
		sem:           semaphore.NewWeighted(maxConcurrent),
		jobCtx:        jobCtx,
		wake:          make(chan struct{}, 1),
		running:       make(map[string]struct{}),
	}
}

// prime prepares the store for ticking: runs left open by an unclean
// shutdown are closed, and enabled jobs without a next_run get one computed
// from now. Jobs already overdue are left as-is so the first cycle fires
// them once.
func (s *scheduler) prime() error {
	reconciled, err := s.store.ReconcileOrphans()
	if err != nil {
		return fmt.Errorf("reconcile runs: %w", err)
	}
	if reconciled > 0 {
		s.logger.Info("closed interrupted runs", "count", reconciled)
	}

	enabled := true
	jobs, err := s.store.ListJobs(store.JobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	now := time.Now().UTC()
	armed := 0
	for _, j := range jobs {
		if j.NextRun != nil {
			continue
		}
		sched, err := cronexpr.Parse(j.Cron)
		if err != nil {
			s.logger.Error("stored schedule no longer parses, job left unarmed",
				"job", j.Name, "cron", j.Cron, "error", err)
			continue
		}
		next, ok := sched.Next(now)
		if !ok {
			s.logger.Warn("schedule never fires, job left unarmed", "job", j.Name, "cron", j.Cron)
			continue
		}
		if err := s.store.SetNextRun(j.Name, &next); err != nil {
			return fmt.Errorf("arm job %q: %w", j.Name, err)
		}
		armed++
	}
	s.logger.Info("scheduler primed", "jobs", len(jobs), "armed", armed)
	return nil
}

// run is the scheduler loop. It exits when ctx is cancelled; in-flight
// executions continue under jobCtx and are awaited via drain.
func (s *scheduler) run(ctx context.Context) {
	var lastSweep time.Time
	for {
		if time.Since(lastSweep) >= sweepInterval {
			s.sweep()
			lastSweep = time.Now()
		}

		s.dispatchDue(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(s.untilNextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Wake nudges the loop to re-poll immediately, after a job mutation changed
// the earliest next_run.
func (s *scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchDue fires every due job once. Missed instants collapse into a
// single catch-up: next_run always advances from now, never from the missed
// instant.
func (s *scheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueJobs(now)
	if err != nil {
		s.storeFailure(err)
		return
	}
	s.storeFailures = 0
	if len(due) == 0 {
		return
	}
	s.bus.Publish(Event{Type: EventSchedulerTick, Detail: fmt.Sprintf("%d due", len(due))})

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		next := s.nextAfter(job.Cron, now)

		if !s.claim(job.Name) {
			s.skip(job.Name, next, "already running")
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.release(job.Name)
			s.skip(job.Name, next, "concurrency limit reached")
			continue
		}

		run, err := s.store.BeginRun(job.Name, now, next, true, store.TriggerSchedule)
		if err != nil {
			s.sem.Release(1)
			s.release(job.Name)
			s.storeFailure(err)
			return
		}

		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.release(job.Name)
			s.runJob(job, run)
		}()
	}
}

// Trigger runs the named job immediately with trigger=manual. The job's
// schedule is untouched: last_run updates, next_run does not advance.
// Disabled jobs may be triggered. Returns the opened run record; execution
// completes asynchronously.
func (s *scheduler) Trigger(name string) (*store.Run, error) {
	job, err := s.store.GetJob(name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %q: %w", name, store.ErrNotFound)
	}
	if !s.claim(name) {
		return nil, fmt.Errorf("job %q is already running", name)
	}
	if err := s.sem.Acquire(s.jobCtx, 1); err != nil {
		s.release(name)
		return nil, err
	}

	run, err := s.store.BeginRun(name, time.Now().UTC(), nil, false, store.TriggerManual)
	if err != nil {
		s.sem.Release(1)
		s.release(name)
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.release(name)
		s.runJob(*job, run)
	}()
	return run, nil
}

func (s *scheduler) runJob(job store.Job, run *store.Run) {
	s.bus.Publish(Event{Type: EventJobStarted, JobName: job.Name, RunID: run.ID})
	s.logger.Info("job started", "job", job.Name, "run_id", run.ID, "trigger", run.Trigger)

	res := s.exec.Execute(s.jobCtx, executor.Request{
		Command:    job.Command,
		WorkingDir: job.WorkingDir,
		Timeout:    time.Duration(job.TimeoutSeconds) * time.Second,
	})

	outcome := store.Outcome{
		EndedAt:  time.Now().UTC(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
	}
	if err := s.store.CompleteRun(run.ID, outcome); err != nil {
		s.logger.Warn("recording run outcome failed, retrying", "run_id", run.ID, "error", err)
		time.Sleep(completeRetryDelay)
		if err := s.store.CompleteRun(run.ID, outcome); err != nil {
			// Left open; the next startup reconciles it.
			s.logger.Error("recording run outcome failed", "run_id", run.ID, "error", err)
		}
	}

	code := res.ExitCode
	ev := Event{JobName: job.Name, RunID: run.ID, ExitCode: &code}
	switch {
	case res.TimedOut:
		ev.Type = EventJobTimedOut
		s.logger.Error("job timed out", "job", job.Name, "run_id", run.ID,
			"timeout_seconds", job.TimeoutSeconds, "duration", res.Duration)
	case res.Interrupted:
		ev.Type = EventJobFailed
		ev.Detail = executor.InterruptedMessage
		s.logger.Warn("job interrupted", "job", job.Name, "run_id", run.ID)
	case res.ExitCode != 0:
		ev.Type = EventJobFailed
		s.logger.Error("job failed", "job", job.Name, "run_id", run.ID,
			"exit_code", res.ExitCode, "duration", res.Duration)
	default:
		ev.Type = EventJobCompleted
		s.logger.Info("job completed", "job", job.Name, "run_id", run.ID, "duration", res.Duration)
	}
	s.bus.Publish(ev)
}

// drain waits for in-flight executions to finish, up to timeout. Reports
// whether everything completed.
func (s *scheduler) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[name]; busy {
		return false
	}
	s.running[name] = struct{}{}
	return true
}

func (s *scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

func (s *scheduler) skip(name string, next *time.Time, reason string) {
	if err := s.store.SetNextRun(name, next); err != nil {
		s.storeFailure(err)
		return
	}
	s.bus.Publish(Event{Type: EventJobSkipped, JobName: name, Detail: reason})
	s.logger.Warn("job skipped", "job", name, "reason", reason)
}

func (s *scheduler) nextAfter(expr string, now time.Time) *time.Time {
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return nil
	}
	next, ok := sched.Next(now)
	if !ok {
		return nil
	}
	return &next
}

func (s *scheduler) untilNextWake() time.Duration {
	wait := s.checkInterval
	next, err := s.store.EarliestNextRun()
	if err != nil {
		s.logger.Warn("polling earliest next run failed", "error", err)
		return wait
	}
	if next != nil {
		if d := time.Until(*next); d < wait {
			wait = d
		}
	}
	if wait < minWake {
		wait = minWake
	}
	return wait
}

func (s *scheduler) sweep() {
	purged, err := s.store.PurgeRunsOlderThan(s.retentionDays)
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("retention sweep", "purged", purged, "retention_days", s.retentionDays)
	}
}

func (s *scheduler) storeFailure(err error) {
	s.storeFailures++
	s.logger.Error("store operation failed", "error", err, "consecutive", s.storeFailures)
	if s.storeFailures == maxStoreFailures && s.onFatal != nil {
		s.onFatal(fmt.Errorf("store unavailable after %d consecutive failures: %w", s.storeFailures, err))
	}
}
