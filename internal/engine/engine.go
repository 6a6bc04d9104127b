// Package engine hosts the scheduler: it owns the store, the executor, the
// event bus and the tick loop, and exposes the job/run API the gateway and
// CLI are built on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/chronod/chronod/internal/config"
	"github.com/chronod/chronod/internal/executor"
	"github.com/chronod/chronod/internal/store"
)

// ErrNotRunning is returned by operations that need a started engine.
var ErrNotRunning = errors.New("engine is not running")

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running       bool  `json:"running"`
	TotalJobs     int   `json:"total_jobs"`
	EnabledJobs   int   `json:"enabled_jobs"`
	RunningJobs   int   `json:"running_jobs"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Engine ties the store, executor, bus and scheduler together behind one
// lifecycle. Start and Stop are idempotent.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	st         *store.Store
	bus        *Bus
	sched      *scheduler
	cancelLoop context.CancelFunc
	cancelJobs context.CancelFunc
}

func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "engine")}
}

// Start opens the store, reconciles interrupted runs, arms enabled jobs and
// launches the scheduler loop. Starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	st, err := store.Open(e.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	maxConcurrent := int64(e.cfg.MaxConcurrentJobs)
	if maxConcurrent <= 0 {
		maxConcurrent = int64(runtime.NumCPU() * 4)
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	bus := NewBus()
	sched := newScheduler(st, executor.New(e.logger), bus, e.logger,
		e.cfg.CheckInterval(), e.cfg.RunRetentionDays, maxConcurrent, jobCtx)
	sched.onFatal = e.fatalStop

	if err := sched.prime(); err != nil {
		cancelLoop()
		cancelJobs()
		bus.Close()
		st.Close()
		return err
	}

	e.st = st
	e.bus = bus
	e.sched = sched
	e.cancelLoop = cancelLoop
	e.cancelJobs = cancelJobs
	e.running = true
	e.startedAt = time.Now()

	go sched.run(loopCtx)

	bus.Publish(Event{Type: EventEngineStarted})
	e.logger.Info("engine started", "db", e.cfg.DBPath, "max_concurrent", maxConcurrent)
	return nil
}

// Stop shuts the engine down: the loop stops dispatching, in-flight runs
// get up to timeout to finish, stragglers are interrupted and recorded as
// such. A non-positive timeout uses the configured shutdown timeout.
// Stopping a stopped engine is a no-op.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	st, bus, sched := e.st, e.bus, e.sched
	cancelLoop, cancelJobs := e.cancelLoop, e.cancelJobs
	e.st, e.bus, e.sched = nil, nil, nil
	e.mu.Unlock()

	if timeout <= 0 {
		timeout = e.cfg.ShutdownTimeout()
	}

	e.logger.Info("engine stopping", "timeout", timeout)
	bus.Publish(Event{Type: EventEngineStopping})
	cancelLoop()

	if !sched.drain(timeout) {
		e.logger.Warn("shutdown timeout reached, interrupting running jobs",
			"still_running", sched.runningCount())
		cancelJobs()
		// Kills are near-immediate; the grace period only covers the
		// outcome writes.
		sched.drain(5 * time.Second)
	} else {
		cancelJobs()
	}

	bus.Publish(Event{Type: EventEngineStopped})
	bus.Close()
	err := st.Close()
	e.logger.Info("engine stopped")
	return err
}

// fatalStop is invoked by the scheduler when the store is gone for good.
func (e *Engine) fatalStop(err error) {
	e.logger.Error("stopping engine", "error", err)
	e.mu.Lock()
	bus := e.bus
	e.mu.Unlock()
	if bus != nil {
		bus.Publish(Event{Type: EventEngineStopping, Detail: err.Error()})
	}
	go e.Stop(0)
}

// Status reports the engine snapshot. Job counts are zero when stopped.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return Status{}
	}
	st := Status{
		Running:       true,
		RunningJobs:   e.sched.runningCount(),
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}
	total, enabled, err := e.st.CountJobs()
	if err != nil {
		e.logger.Warn("counting jobs failed", "error", err)
		return st
	}
	st.TotalJobs = total
	st.EnabledJobs = enabled
	return st
}

// Subscribe attaches a named listener to the engine event stream.
func (e *Engine) Subscribe(name string) (<-chan Event, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, nil, ErrNotRunning
	}
	ch, cancel := e.bus.Subscribe(name)
	return ch, cancel, nil
}

// Store exposes the underlying store for read paths that bypass the facade
// (CLI standalone mode shares the implementation).
func (e *Engine) Store() (*store.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, ErrNotRunning
	}
	return e.st, nil
}

// --- job facade ---
//
// Thin wrappers over the store that poke the scheduler whenever a mutation
// may have changed the earliest next_run.

func (e *Engine) AddJob(j store.Job) (*store.Job, error) {
	st, sched, err := e.parts()
	if err != nil {
		return nil, err
	}
	job, err := st.AddJob(j)
	if err != nil {
		return nil, err
	}
	sched.Wake()
	return job, nil
}

func (e *Engine) GetJob(name string) (*store.Job, error) {
	st, _, err := e.parts()
	if err != nil {
		return nil, err
	}
	return st.GetJob(name)
}

func (e *Engine) ListJobs(f store.JobFilter) ([]store.Job, error) {
	st, _, err := e.parts()
	if err != nil {
		return nil, err
	}
	return st.ListJobs(f)
}

func (e *Engine) UpdateJob(name string, p store.JobPatch) (*store.Job, error) {
	st, sched, err := e.parts()
	if err != nil {
		return nil, err
	}
	job, err := st.UpdateJob(name, p)
	if err != nil {
		return nil, err
	}
	sched.Wake()
	return job, nil
}

func (e *Engine) DeleteJob(name string, purgeRuns bool) error {
	st, sched, err := e.parts()
	if err != nil {
		return err
	}
	if err := st.DeleteJob(name, purgeRuns); err != nil {
		return err
	}
	sched.Wake()
	return nil
}

// SetJobEnabled flips a job's enabled flag.
func (e *Engine) SetJobEnabled(name string, enabled bool) (*store.Job, error) {
	return e.UpdateJob(name, store.JobPatch{Enabled: &enabled})
}

// TriggerJob runs the named job now, outside its schedule.
func (e *Engine) TriggerJob(name string) (*store.Run, error) {
	_, sched, err := e.parts()
	if err != nil {
		return nil, err
	}
	return sched.Trigger(name)
}

func (e *Engine) ListRuns(f store.RunFilter) ([]store.Run, error) {
	st, _, err := e.parts()
	if err != nil {
		return nil, err
	}
	return st.ListRuns(f)
}

func (e *Engine) GetRun(id int64) (*store.Run, error) {
	st, _, err := e.parts()
	if err != nil {
		return nil, err
	}
	return st.GetRun(id)
}

func (e *Engine) LastRunFor(jobName string) (*store.Run, error) {
	st, _, err := e.parts()
	if err != nil {
		return nil, err
	}
	return st.LastRunFor(jobName)
}

func (e *Engine) parts() (*store.Store, *scheduler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, nil, ErrNotRunning
	}
	return e.st, e.sched, nil
}
