package executor

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestExecute_Success(t *testing.T) {
	e := New(nil)
	res := e.Execute(context.Background(), Request{Command: "echo hi", Timeout: 10 * time.Second})

	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hi") {
		t.Errorf("stdout = %q, want to contain 'hi'", res.Stdout)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	e := New(nil)
	res := e.Execute(context.Background(), Request{Command: "exit 3", Timeout: 10 * time.Second})

	if runtime.GOOS == "windows" {
		// cmd /c exit 3 also reports 3; keep the assertion portable.
		if res.ExitCode == 0 {
			t.Fatalf("expected non-zero exit, got %+v", res)
		}
		return
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Success() {
		t.Error("non-zero exit must not be a success")
	}
}

func TestExecute_Stderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell syntax")
	}
	e := New(nil)
	res := e.Execute(context.Background(), Request{Command: "echo oops >&2", Timeout: 10 * time.Second})

	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q, want to contain 'oops'", res.Stderr)
	}
}

func TestExecute_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix sleep")
	}
	e := New(nil)
	start := time.Now()
	res := e.Execute(context.Background(), Request{Command: "sleep 60", Timeout: time.Second})

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout kill took %s", elapsed)
	}
	if !res.TimedOut {
		t.Fatalf("expected timed out, got %+v", res)
	}
	if res.ExitCode == 0 {
		t.Error("timed-out run must carry a non-zero exit code")
	}
	if res.Success() {
		t.Error("timed-out run must not be a success")
	}
}

func TestExecute_TimeoutKillsChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell syntax")
	}
	e := New(nil)
	start := time.Now()
	// The shell spawns a grandchild; the process-group kill must reach it,
	// otherwise Wait blocks until the grandchild releases the pipes.
	res := e.Execute(context.Background(), Request{Command: "sleep 60 & wait", Timeout: time.Second})

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("tree kill took %s", elapsed)
	}
	if !res.TimedOut {
		t.Fatalf("expected timed out, got %+v", res)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix sleep")
	}
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, Request{Command: "sleep 60", Timeout: time.Minute})
	if !res.Interrupted {
		t.Fatalf("expected interrupted, got %+v", res)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if res.Stderr != InterruptedMessage {
		t.Errorf("stderr = %q, want %q", res.Stderr, InterruptedMessage)
	}
}

func TestExecute_SpawnFailure(t *testing.T) {
	e := New(nil)
	// An unreadable working directory makes Start fail before any child exists.
	res := e.Execute(context.Background(), Request{
		Command:    "echo hi",
		WorkingDir: "/definitely/not/a/real/dir",
		Timeout:    10 * time.Second,
	})

	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("expected descriptive stderr for spawn failure")
	}
}

func TestExecute_WorkingDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix pwd")
	}
	dir := t.TempDir()
	e := New(nil)
	res := e.Execute(context.Background(), Request{Command: "pwd", WorkingDir: dir, Timeout: 10 * time.Second})

	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
	// Compare the basename: the OS may report a resolved physical path.
	if base := filepath.Base(dir); !strings.Contains(res.Stdout, base) {
		t.Errorf("pwd = %q, want to contain %q", res.Stdout, base)
	}
}

func TestCappedBuffer_Truncation(t *testing.T) {
	b := newCappedBuffer(8)
	if _, err := b.Write([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	if got := b.String(); got != "12345678" {
		t.Errorf("at cap: %q", got)
	}
	if _, err := b.Write([]byte("9")); err != nil {
		t.Fatal(err)
	}
	got := b.String()
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if !strings.HasPrefix(got, "12345678") {
		t.Errorf("expected capped prefix kept, got %q", got)
	}
}
