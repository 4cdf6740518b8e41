package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/runtime"
)

// fakePlane simulates the blocking docker exec primitive.
type fakePlane struct {
	delay      time.Duration
	out        runtime.ExecOutput
	err        error
	chunks     []string      // streamed before completion
	chunkEvery time.Duration // interval between chunks
}

func (f *fakePlane) Exec(ctx context.Context, _ string, spec runtime.ExecSpec) (runtime.ExecOutput, error) {
	for _, chunk := range f.chunks {
		select {
		case <-ctx.Done():
			return runtime.ExecOutput{}, ctx.Err()
		case <-time.After(f.chunkEvery):
		}
		if spec.OnOutput != nil {
			spec.OnOutput([]byte(chunk))
		}
	}
	select {
	case <-ctx.Done():
		return runtime.ExecOutput{}, ctx.Err()
	case <-time.After(f.delay):
	}
	return f.out, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContainer() *runtime.Container {
	return &runtime.Container{ID: "abc123", Name: "warden-test", Role: runtime.RoleAgent}
}

func TestExecute_Completed(t *testing.T) {
	plane := &fakePlane{out: runtime.ExecOutput{Stdout: "hello\n", ExitCode: 0}}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	res := e.Execute(context.Background(), testContainer(), Request{Command: "echo hello"})
	if !res.Completed() {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestExecute_NonZeroExitIsCompleted(t *testing.T) {
	plane := &fakePlane{out: runtime.ExecOutput{ExitCode: 42}}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	res := e.Execute(context.Background(), testContainer(), Request{Command: "exit 42"})
	if !res.Completed() {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
}

func TestExecute_TimedOutWithinBudget(t *testing.T) {
	plane := &fakePlane{delay: 10 * time.Second}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	start := time.Now()
	res := e.Execute(context.Background(), testContainer(), Request{
		Command: "sleep 100",
		Timeout: 200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if !res.TimedOut() {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.NoOutput {
		t.Error("absolute deadline should not be tagged as a no-output timeout")
	}
	// The caller must be released close to the deadline, not the worker's delay.
	if elapsed > 2*time.Second {
		t.Errorf("caller blocked for %s, want ~200ms", elapsed)
	}
}

func TestExecute_NoOutputTimeout(t *testing.T) {
	plane := &fakePlane{
		delay:      10 * time.Second,
		chunks:     []string{"partial "},
		chunkEvery: 10 * time.Millisecond,
	}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	res := e.Execute(context.Background(), testContainer(), Request{
		Command:         "slowloris",
		Timeout:         5 * time.Second,
		NoOutputTimeout: 300 * time.Millisecond,
	})
	if !res.TimedOut() {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if !res.NoOutput {
		t.Error("expected the silence deadline, not the absolute one")
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
}

func TestExecute_ConnectionFailureIsFailedNotTimeout(t *testing.T) {
	cause := errors.New("docker daemon unreachable")
	plane := &fakePlane{err: cause}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	start := time.Now()
	res := e.Execute(context.Background(), testContainer(), Request{Command: "pwd", Timeout: 5 * time.Second})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !errors.Is(res.Cause, cause) {
		t.Errorf("cause = %v, want wrapped %v", res.Cause, cause)
	}
	// Connection errors must surface immediately, not after the budget.
	if time.Since(start) > time.Second {
		t.Error("connection failure waited for the deadline")
	}
}

func TestExecute_FreshCallAfterTimeout(t *testing.T) {
	slow := &fakePlane{delay: 10 * time.Second}
	e := New(slow, config.TimeoutConfig{}, testLogger())
	ctr := testContainer()

	res := e.Execute(context.Background(), ctr, Request{Command: "sleep 100", Timeout: 100 * time.Millisecond})
	if !res.TimedOut() {
		t.Fatalf("first call: status = %s, want timed_out", res.Status)
	}

	// The abandoned worker's eventual result must never reach a new caller.
	e.plane = &fakePlane{out: runtime.ExecOutput{Stdout: "fresh", ExitCode: 0}}
	res = e.Execute(context.Background(), ctr, Request{Command: "echo fresh"})
	if !res.Completed() || res.Stdout != "fresh" {
		t.Fatalf("second call got %s/%q, want completed/\"fresh\"", res.Status, res.Stdout)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	plane := &fakePlane{delay: 10 * time.Second}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, testContainer(), Request{Command: "sleep 100", Timeout: 5 * time.Second})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed on cancellation", res.Status)
	}
	if !errors.Is(res.Cause, context.Canceled) {
		t.Errorf("cause = %v, want context.Canceled", res.Cause)
	}
}

func TestSanitize(t *testing.T) {
	plane := &fakePlane{out: runtime.ExecOutput{Stdout: "line1\r\nline2\xff\r\n"}}
	e := New(plane, config.TimeoutConfig{}, testLogger())

	res := e.Execute(context.Background(), testContainer(), Request{Command: "cat binary"})
	if strings.Contains(res.Stdout, "\r\n") {
		t.Error("CRLF not normalized")
	}
	if !strings.Contains(res.Stdout, "�") {
		t.Errorf("invalid UTF-8 not replaced: %q", res.Stdout)
	}
}
