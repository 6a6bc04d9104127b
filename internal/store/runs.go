package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `id, job_id, job_name, started_at, ended_at, exit_code,
	stdout, stderr, timed_out, "trigger"`

// InterruptedMessage is recorded on runs cut short by shutdown, both by the
// executor on graceful drain and by orphan reconciliation on the next start.
const InterruptedMessage = "Interrupted by shutdown"

// BeginRun atomically advances a job's run state and opens a new run
// record: last_run is set to startedAt, next_run is replaced with next when
// advance is true (scheduled dispatch) and left untouched for manual
// triggers, and the run row is created with a null ended_at.
func (s *Store) BeginRun(jobName string, startedAt time.Time, next *time.Time, advance bool, trigger Trigger) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row, err := getJobRowTx(tx, jobName)
	if err != nil {
		return nil, err
	}

	if advance {
		_, err = tx.Exec("UPDATE jobs SET last_run = ?, next_run = ? WHERE id = ?",
			formatTime(startedAt), formatNullTime(next), row.ID)
	} else {
		_, err = tx.Exec("UPDATE jobs SET last_run = ? WHERE id = ?",
			formatTime(startedAt), row.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("advance job: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO runs (job_id, job_name, started_at, timed_out, "trigger")
		VALUES (?, ?, ?, 0, ?)`,
		row.ID, row.Name, formatTime(startedAt), string(trigger))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Run{
		ID:        id,
		JobID:     row.ID,
		JobName:   row.Name,
		StartedAt: startedAt.UTC(),
		Trigger:   trigger,
	}, nil
}

// CompleteRun records the outcome of a run. Runs are completed exactly
// once and never edited thereafter.
func (s *Store) CompleteRun(id int64, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE runs SET ended_at = ?, exit_code = ?, stdout = ?, stderr = ?, timed_out = ?
		WHERE id = ? AND ended_at IS NULL`,
		formatTime(o.EndedAt), o.ExitCode, o.Stdout, o.Stderr, o.TimedOut, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun returns a run by ID, or nil when absent.
func (s *Store) GetRun(id int64) (*Run, error) {
	var row runRow
	err := s.db.Get(&row, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run := row.toRun()
	return &run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (s *Store) ListRuns(f RunFilter) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var (
		where []string
		args  []interface{}
	)
	if f.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, f.JobName)
	}
	if f.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.FailedOnly {
		where = append(where, "(timed_out = 1 OR (exit_code IS NOT NULL AND exit_code != 0))")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY started_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []runRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toRun())
	}
	return runs, nil
}

// LastRunFor returns the most recent run of the named job, or nil when the
// job has never run.
func (s *Store) LastRunFor(jobName string) (*Run, error) {
	var row runRow
	err := s.db.Get(&row, "SELECT "+runColumns+` FROM runs WHERE job_name = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`, jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run := row.toRun()
	return &run, nil
}

// ReconcileOrphans closes every run left open by an unclean shutdown:
// ended_at is set to now, exit_code to -1 and stderr to the interruption
// marker. Returns the number of runs reconciled.
func (s *Store) ReconcileOrphans() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE runs SET ended_at = ?, exit_code = -1, stderr = ?, timed_out = 0
		WHERE ended_at IS NULL`,
		formatTime(time.Now()), InterruptedMessage)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeRunsOlderThan removes runs whose started_at is older than the given
// horizon in days. Returns the number of runs removed.
func (s *Store) PurgeRunsOlderThan(days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec("DELETE FROM runs WHERE started_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
