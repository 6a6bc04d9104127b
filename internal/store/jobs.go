package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chronod/chronod/internal/cronexpr"
)

const jobColumns = `id, name, cron, command, working_dir, timeout_seconds, tags, enabled,
	created_at, updated_at, last_run, next_run`

// AddJob validates and inserts a new job, returning the stored record with
// its assigned ID. When the job is enabled its next_run is computed
// immediately so the scheduler picks it up without waiting for a re-prime.
func (s *Store) AddJob(j Job) (*Job, error) {
	if j.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if j.Command == "" {
		return nil, fmt.Errorf("job command is required")
	}
	sched, err := cronexpr.Parse(j.Cron)
	if err != nil {
		return nil, err
	}
	if j.TimeoutSeconds == 0 {
		j.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if j.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeout_seconds must be positive")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.LastRun = nil
	j.NextRun = nil
	if j.Enabled {
		if next, ok := sched.Next(now); ok {
			j.NextRun = &next
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.Get(&exists, "SELECT COUNT(*) FROM jobs WHERE name = ?", j.Name); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%q: %w", j.Name, ErrDuplicateName)
	}

	_, err = tx.Exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Cron, j.Command, nullString(j.WorkingDir), j.TimeoutSeconds,
		joinTags(j.Tags), j.Enabled, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		formatNullTime(j.LastRun), formatNullTime(j.NextRun))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns the job with the given name, or nil when absent.
func (s *Store) GetJob(name string) (*Job, error) {
	var row jobRow
	err := s.db.Get(&row, "SELECT "+jobColumns+" FROM jobs WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j := row.toJob()
	return &j, nil
}

// ListJobs returns jobs matching the filter, ordered by name.
func (s *Store) ListJobs(f JobFilter) ([]Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var (
		where []string
		args  []interface{}
	)
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.Tag != "" {
		// tags is comma-joined; match whole elements only.
		where = append(where, "(',' || tags || ',') LIKE ?")
		args = append(args, "%,"+f.Tag+",%")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY name"

	var rows []jobRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// UpdateJob applies a patch to the named job and returns the updated
// record. A changed cron or enabled flag recomputes next_run; disabling
// clears it.
func (s *Store) UpdateJob(name string, p JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row, err := getJobRowTx(tx, name)
	if err != nil {
		return nil, err
	}
	j := row.toJob()

	rearm := false
	if p.Name != nil && *p.Name != j.Name {
		if *p.Name == "" {
			return nil, fmt.Errorf("job name is required")
		}
		var exists int
		if err := tx.Get(&exists, "SELECT COUNT(*) FROM jobs WHERE name = ?", *p.Name); err != nil {
			return nil, err
		}
		if exists > 0 {
			return nil, fmt.Errorf("%q: %w", *p.Name, ErrDuplicateName)
		}
		j.Name = *p.Name
	}
	if p.Cron != nil && *p.Cron != j.Cron {
		if _, err := cronexpr.Parse(*p.Cron); err != nil {
			return nil, err
		}
		j.Cron = *p.Cron
		rearm = true
	}
	if p.Command != nil {
		if *p.Command == "" {
			return nil, fmt.Errorf("job command is required")
		}
		j.Command = *p.Command
	}
	if p.WorkingDir != nil {
		j.WorkingDir = *p.WorkingDir
	}
	if p.TimeoutSeconds != nil {
		if *p.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("timeout_seconds must be positive")
		}
		j.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Tags != nil {
		j.Tags = *p.Tags
	}
	if p.Enabled != nil && *p.Enabled != j.Enabled {
		j.Enabled = *p.Enabled
		rearm = true
	}

	now := time.Now().UTC()
	j.UpdatedAt = now
	if rearm {
		j.NextRun = nil
		if j.Enabled {
			sched, err := cronexpr.Parse(j.Cron)
			if err != nil {
				return nil, err
			}
			if next, ok := sched.Next(now); ok {
				j.NextRun = &next
			}
		}
	}

	_, err = tx.Exec(`UPDATE jobs SET name = ?, cron = ?, command = ?, working_dir = ?,
		timeout_seconds = ?, tags = ?, enabled = ?, updated_at = ?, next_run = ?
		WHERE id = ?`,
		j.Name, j.Cron, j.Command, nullString(j.WorkingDir), j.TimeoutSeconds,
		joinTags(j.Tags), j.Enabled, formatTime(j.UpdatedAt), formatNullTime(j.NextRun), j.ID)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteJob removes the named job. With purgeRuns the job's run history is
// removed as well; otherwise runs are retained as orphan history under the
// defunct job_name.
func (s *Store) DeleteJob(name string, purgeRuns bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM jobs WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	if purgeRuns {
		if _, err := tx.Exec("DELETE FROM runs WHERE job_name = ?", name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetNextRun persists the next firing instant for a job; nil means the
// schedule yields no future instant.
func (s *Store) SetNextRun(name string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE jobs SET next_run = ? WHERE name = ?",
		formatNullTime(at), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	return nil
}

// DueJobs returns enabled jobs whose next_run is at or before now, ordered
// by next_run then name for a deterministic dispatch order.
func (s *Store) DueJobs(now time.Time) ([]Job, error) {
	var rows []jobRow
	err := s.db.Select(&rows, `SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, name`, formatTime(now))
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// EarliestNextRun returns the soonest next_run across enabled jobs, or nil
// when no job is armed.
func (s *Store) EarliestNextRun() (*time.Time, error) {
	var next sql.NullString
	err := s.db.Get(&next, "SELECT MIN(next_run) FROM jobs WHERE enabled = 1 AND next_run IS NOT NULL")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseNullTime(next), nil
}

// CountJobs returns the total and enabled job counts.
func (s *Store) CountJobs() (total, enabled int, err error) {
	if err = s.db.Get(&total, "SELECT COUNT(*) FROM jobs"); err != nil {
		return 0, 0, err
	}
	if err = s.db.Get(&enabled, "SELECT COUNT(*) FROM jobs WHERE enabled = 1"); err != nil {
		return 0, 0, err
	}
	return total, enabled, nil
}

func getJobRowTx(tx *sqlx.Tx, name string) (*jobRow, error) {
	var row jobRow
	err := tx.Get(&row, "SELECT "+jobColumns+" FROM jobs WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
