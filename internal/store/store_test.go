package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronod/chronod/internal/cronexpr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addTestJob(t *testing.T, s *Store, name string) *Job {
	t.Helper()
	j, err := s.AddJob(Job{
		Name:    name,
		Cron:    "*/5 * * * *",
		Command: "echo hi",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("add job %q: %v", name, err)
	}
	return j
}

func TestAddJob(t *testing.T) {
	s := openTestStore(t)

	j := addTestJob(t, s, "backup")
	if j.ID == "" {
		t.Error("expected assigned ID")
	}
	if j.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("timeout = %d, want default %d", j.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if j.NextRun == nil {
		t.Fatal("enabled job should have next_run computed on add")
	}
	if j.NextRun.Minute()%5 != 0 {
		t.Errorf("next_run %s not aligned to */5", j.NextRun)
	}

	got, err := s.GetJob("backup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != j.ID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAddJob_DuplicateName(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	_, err := s.AddJob(Job{Name: "backup", Cron: "* * * * *", Command: "true", Enabled: true})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestAddJob_InvalidCron(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AddJob(Job{Name: "bad", Cron: "61 * * * *", Command: "true"})
	var ice *cronexpr.InvalidCronError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InvalidCronError, got %v", err)
	}
	if ice.Field != cronexpr.FieldMinute {
		t.Errorf("field = %d, want minute", ice.Field)
	}
}

func TestGetJob_Missing(t *testing.T) {
	s := openTestStore(t)
	j, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nil, got %+v", j)
	}
}

func TestListJobs_Filters(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddJob(Job{Name: "b-job", Cron: "* * * * *", Command: "true", Enabled: true, Tags: []string{"nightly", "db"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddJob(Job{Name: "a-job", Cron: "* * * * *", Command: "true", Enabled: false, Tags: []string{"db"}}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListJobs(JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "a-job" || all[1].Name != "b-job" {
		t.Fatalf("expected name order [a-job b-job], got %+v", all)
	}

	enabled := true
	on, err := s.ListJobs(JobFilter{Enabled: &enabled})
	if err != nil {
		t.Fatal(err)
	}
	if len(on) != 1 || on[0].Name != "b-job" {
		t.Fatalf("enabled filter: got %+v", on)
	}

	tagged, err := s.ListJobs(JobFilter{Tag: "nightly"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tagged) != 1 || tagged[0].Name != "b-job" {
		t.Fatalf("tag filter: got %+v", tagged)
	}

	// "db" must not match a partial tag like "d".
	partial, err := s.ListJobs(JobFilter{Tag: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(partial) != 0 {
		t.Fatalf("partial tag matched: %+v", partial)
	}
}

func TestUpdateJob(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	cron := "0 3 * * *"
	timeout := 60
	j, err := s.UpdateJob("backup", JobPatch{Cron: &cron, TimeoutSeconds: &timeout})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if j.Cron != cron || j.TimeoutSeconds != 60 {
		t.Fatalf("patch not applied: %+v", j)
	}
	if j.NextRun == nil || j.NextRun.Hour() != 3 || j.NextRun.Minute() != 0 {
		t.Fatalf("next_run not recomputed for new cron: %v", j.NextRun)
	}

	off := false
	j, err = s.UpdateJob("backup", JobPatch{Enabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	if j.Enabled || j.NextRun != nil {
		t.Fatalf("disable should clear next_run: %+v", j)
	}
}

func TestUpdateJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpdateJob("ghost", JobPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteJob_RetainsOrphanHistory(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	run, err := s.BeginRun("backup", time.Now(), nil, false, TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run.ID, Outcome{EndedAt: time.Now(), ExitCode: 0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob("backup", false); err != nil {
		t.Fatal(err)
	}
	runs, err := s.ListRuns(RunFilter{JobName: "backup"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected orphan history retained, got %d runs", len(runs))
	}
}

func TestDeleteJob_Purge(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	run, err := s.BeginRun("backup", time.Now(), nil, false, TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run.ID, Outcome{EndedAt: time.Now(), ExitCode: 0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob("backup", true); err != nil {
		t.Fatal(err)
	}
	runs, err := s.ListRuns(RunFilter{JobName: "backup"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected purged history, got %d runs", len(runs))
	}
	if err := s.DeleteJob("backup", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestBeginRun_ScheduledAdvance(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(5 * time.Minute)
	run, err := s.BeginRun("backup", now, &next, true, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if run.ID == 0 {
		t.Error("expected assigned run ID")
	}

	j, err := s.GetJob("backup")
	if err != nil {
		t.Fatal(err)
	}
	if j.LastRun == nil || !j.LastRun.Equal(now) {
		t.Errorf("last_run = %v, want %s", j.LastRun, now)
	}
	if j.NextRun == nil || !j.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %s", j.NextRun, next)
	}
}

func TestBeginRun_ManualKeepsSchedule(t *testing.T) {
	s := openTestStore(t)
	j := addTestJob(t, s, "backup")
	before := *j.NextRun

	if _, err := s.BeginRun("backup", time.Now(), nil, false, TriggerManual); err != nil {
		t.Fatal(err)
	}
	after, err := s.GetJob("backup")
	if err != nil {
		t.Fatal(err)
	}
	if after.NextRun == nil || !after.NextRun.Equal(before) {
		t.Fatalf("manual trigger moved next_run: %v → %v", before, after.NextRun)
	}
	if after.LastRun == nil {
		t.Fatal("manual trigger should set last_run")
	}
}

func TestCompleteRun_OnlyOnce(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	run, err := s.BeginRun("backup", time.Now(), nil, false, TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run.ID, Outcome{EndedAt: time.Now(), ExitCode: 1, Stderr: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run.ID, Outcome{EndedAt: time.Now(), ExitCode: 0}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second completion should fail with ErrNotFound, got %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 || got.Stderr != "boom" {
		t.Fatalf("first outcome overwritten: %+v", got)
	}
	if got.Success() {
		t.Error("exit 1 must not be a success")
	}
}

func TestListRuns_OrderAndFilters(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run, err := s.BeginRun("backup", base.Add(time.Duration(i)*time.Minute), nil, false, TriggerSchedule)
		if err != nil {
			t.Fatal(err)
		}
		code := 0
		if i == 1 {
			code = 2
		}
		if err := s.CompleteRun(run.ID, Outcome{EndedAt: base.Add(time.Duration(i)*time.Minute + time.Second), ExitCode: code}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(RunFilter{JobName: "backup"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Fatal("runs not most-recent-first")
		}
	}

	failed, err := s.ListRuns(RunFilter{FailedOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ExitCode == nil || *failed[0].ExitCode != 2 {
		t.Fatalf("failed filter: got %+v", failed)
	}

	limited, err := s.ListRuns(RunFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit filter: got %d", len(limited))
	}

	last, err := s.LastRunFor("backup")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.StartedAt.Equal(runs[0].StartedAt) {
		t.Fatalf("last run mismatch: %+v", last)
	}
}

func TestReconcileOrphans(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	run, err := s.BeginRun("backup", time.Now(), nil, false, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.ReconcileOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil {
		t.Fatal("orphan not closed")
	}
	if got.ExitCode == nil || *got.ExitCode != -1 {
		t.Errorf("exit_code = %v, want -1", got.ExitCode)
	}
	if got.Stderr != InterruptedMessage {
		t.Errorf("stderr = %q, want %q", got.Stderr, InterruptedMessage)
	}
	if got.TimedOut {
		t.Error("reconciled run must not be marked timed out")
	}

	// Second pass finds nothing.
	n, err = s.ReconcileOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second reconcile = %d, want 0", n)
	}
}

func TestPurgeRunsOlderThan(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "backup")

	old := time.Now().UTC().AddDate(0, 0, -40)
	run, err := s.BeginRun("backup", old, nil, false, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run.ID, Outcome{EndedAt: old.Add(time.Second), ExitCode: 0}); err != nil {
		t.Fatal(err)
	}
	fresh, err := s.BeginRun("backup", time.Now(), nil, false, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(fresh.ID, Outcome{EndedAt: time.Now(), ExitCode: 0}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeRunsOlderThan(30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	runs, err := s.ListRuns(RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != fresh.ID {
		t.Fatalf("wrong survivor: %+v", runs)
	}

	if _, err := s.PurgeRunsOlderThan(0); err == nil {
		t.Fatal("expected error for non-positive horizon")
	}
}

func TestDueJobs_Ordering(t *testing.T) {
	s := openTestStore(t)
	addTestJob(t, s, "b-job")
	addTestJob(t, s, "a-job")

	due := time.Now().UTC().Add(-time.Minute)
	if err := s.SetNextRun("a-job", &due); err != nil {
		t.Fatal(err)
	}
	if err := s.SetNextRun("b-job", &due); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.DueJobs(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].Name != "a-job" || jobs[1].Name != "b-job" {
		t.Fatalf("tie-break order wrong: %+v", jobs)
	}
}
