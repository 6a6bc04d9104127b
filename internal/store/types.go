package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by management operations on unknown jobs or runs.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when adding a job whose name is taken.
	ErrDuplicateName = errors.New("job name already exists")
)

// Trigger records what caused a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// DefaultTimeoutSeconds applies when a job is added without a timeout.
const DefaultTimeoutSeconds = 300

// Job is the schedulable unit.
type Job struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Cron           string     `json:"cron"`
	Command        string     `json:"command"`
	WorkingDir     string     `json:"working_dir,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Tags           []string   `json:"tags,omitempty"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
}

// JobPatch holds optional fields for updating a job. Only non-nil fields
// are applied.
type JobPatch struct {
	Name           *string   `json:"name,omitempty"`
	Cron           *string   `json:"cron,omitempty"`
	Command        *string   `json:"command,omitempty"`
	WorkingDir     *string   `json:"working_dir,omitempty"`
	TimeoutSeconds *int      `json:"timeout_seconds,omitempty"`
	Tags           *[]string `json:"tags,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Tag     string
	Enabled *bool
}

// Run is one execution attempt of a job. JobName is denormalised so run
// history stays readable after its job is deleted.
type Run struct {
	ID        int64      `json:"id"`
	JobID     string     `json:"job_id"`
	JobName   string     `json:"job_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	TimedOut  bool       `json:"timed_out"`
	Trigger   Trigger    `json:"trigger"`
}

// Success reports whether the run completed cleanly.
func (r *Run) Success() bool {
	return r.ExitCode != nil && *r.ExitCode == 0 && !r.TimedOut
}

// Outcome completes a run.
type Outcome struct {
	EndedAt  time.Time
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	JobName    string
	Since      *time.Time
	Limit      int
	FailedOnly bool
}

// --- row types (sqlx scanning; timestamps stored as RFC3339 UTC text) ---

type jobRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Cron           string         `db:"cron"`
	Command        string         `db:"command"`
	WorkingDir     sql.NullString `db:"working_dir"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	Tags           string         `db:"tags"`
	Enabled        bool           `db:"enabled"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	LastRun        sql.NullString `db:"last_run"`
	NextRun        sql.NullString `db:"next_run"`
}

func (r jobRow) toJob() Job {
	return Job{
		ID:             r.ID,
		Name:           r.Name,
		Cron:           r.Cron,
		Command:        r.Command,
		WorkingDir:     r.WorkingDir.String,
		TimeoutSeconds: r.TimeoutSeconds,
		Tags:           splitTags(r.Tags),
		Enabled:        r.Enabled,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
		LastRun:        parseNullTime(r.LastRun),
		NextRun:        parseNullTime(r.NextRun),
	}
}

type runRow struct {
	ID        int64          `db:"id"`
	JobID     string         `db:"job_id"`
	JobName   string         `db:"job_name"`
	StartedAt string         `db:"started_at"`
	EndedAt   sql.NullString `db:"ended_at"`
	ExitCode  sql.NullInt64  `db:"exit_code"`
	Stdout    string         `db:"stdout"`
	Stderr    string         `db:"stderr"`
	TimedOut  bool           `db:"timed_out"`
	Trigger   string         `db:"trigger"`
}

func (r runRow) toRun() Run {
	run := Run{
		ID:        r.ID,
		JobID:     r.JobID,
		JobName:   r.JobName,
		StartedAt: parseTime(r.StartedAt),
		EndedAt:   parseNullTime(r.EndedAt),
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		TimedOut:  r.TimedOut,
		Trigger:   Trigger(r.Trigger),
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		run.ExitCode = &code
	}
	return run
}

// --- timestamp and tag codecs ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
