package engine

import "time"

// Event types published on the engine bus.
const (
	EventEngineStarted  = "engine.started"
	EventEngineStopping = "engine.stopping"
	EventEngineStopped  = "engine.stopped"
	EventSchedulerTick  = "scheduler.tick"
	EventJobStarted     = "job.started"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventJobTimedOut    = "job.timed_out"
	EventJobSkipped     = "job.skipped"
)

// Event is one engine lifecycle or job notification. Job fields are set for
// job.* events only.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	JobName  string    `json:"job_name,omitempty"`
	RunID    int64     `json:"run_id,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}
