// Package executor provides the timeout-guarded command executor.
// Every control-plane operation — health probe, process list, interrupt,
// arbitrary agent command — goes through the same guarded path with its own
// policy-derived budget. There is no unguarded call site: a single hung
// container or daemon call must never block a session past its deadline.
package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/runtime"
)

// abandonGrace is how much longer an abandoned worker keeps its own context
// alive after the caller has given up. The underlying exec may not support
// cancellation; the grace lets the goroutine unwind instead of leaking, while
// the generation tag guarantees its late result is discarded.
const abandonGrace = 30 * time.Second

// silenceCheckInterval is how often a running command is checked against the
// no-output deadline.
const silenceCheckInterval = 250 * time.Millisecond

// Status tags the outcome of a guarded execution.
type Status string

const (
	// StatusCompleted means the command finished within budget; ExitCode and
	// output are authoritative.
	StatusCompleted Status = "completed"
	// StatusTimedOut means the deadline elapsed first. The underlying exec
	// must be assumed to still be running server-side; no second command may
	// be issued against the container until a health probe confirms it is
	// responsive.
	StatusTimedOut Status = "timed_out"
	// StatusFailed means the control plane rejected or dropped the call.
	StatusFailed Status = "failed"
)

// Request is a single command plus optional overrides. Zero values fall back
// to the session's timeout policy.
type Request struct {
	Command string // Run through /bin/sh -c inside the container.

	Timeout         time.Duration // Overall budget. 0 = policy action timeout.
	NoOutputTimeout time.Duration // Max silence mid-command. 0 = disabled.

	WorkingDir string
	User       string
	Privileged bool // Firewall installation runs privileged.
}

// Result is the tagged outcome of one Request. Callers branch on Status
// rather than on error types.
type Result struct {
	Status   Status
	Stdout   string
	Stderr   string
	ExitCode int
	Cause    error         // Set when Status == StatusFailed.
	NoOutput bool          // True when the silence deadline fired, not the absolute one.
	Elapsed  time.Duration
}

// Completed reports whether the command ran to completion within budget.
func (r Result) Completed() bool { return r.Status == StatusCompleted }

// TimedOut reports whether either deadline elapsed before the command finished.
func (r Result) TimedOut() bool { return r.Status == StatusTimedOut }

// Output returns combined stdout and stderr.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ControlPlane is the blocking exec primitive the guard wraps. Implemented
// by runtime.Client.
type ControlPlane interface {
	Exec(ctx context.Context, containerID string, spec runtime.ExecSpec) (runtime.ExecOutput, error)
}

// Runner is the guarded execution contract consumed by the supervisor,
// health monitor, enforcer, and session.
type Runner interface {
	Execute(ctx context.Context, ctr *runtime.Container, req Request) Result
}

// Executor dispatches blocking container execs as abandonable units of work
// and bounds every wait with a policy-derived deadline.
type Executor struct {
	plane    ControlPlane
	timeouts config.TimeoutConfig
	logger   *slog.Logger

	// gen tags each dispatched call so a late result from an abandoned
	// worker is never delivered to a newer caller.
	gen atomic.Uint64
}

// New creates a guarded executor over the given control plane.
func New(plane ControlPlane, timeouts config.TimeoutConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{plane: plane, timeouts: timeouts, logger: logger}
}

type dispatch struct {
	gen uint64
	out runtime.ExecOutput
	err error
}

// Execute runs one command under a hard wall-clock deadline. The calling
// goroutine is released the moment the deadline elapses; the worker is not
// force-killed, but its eventual result is discarded.
func (e *Executor) Execute(ctx context.Context, ctr *runtime.Container, req Request) Result {
	budget := req.Timeout
	if budget <= 0 {
		budget = e.timeouts.ActionTimeout()
	}

	gen := e.gen.Add(1)
	partial := newPartialBuffer()

	spec := runtime.ExecSpec{
		Cmd:        []string{"/bin/sh", "-c", req.Command},
		WorkingDir: req.WorkingDir,
		User:       req.User,
		Privileged: req.Privileged,
		OnOutput:   partial.append,
	}

	// The worker gets its own context: caller cancellation must release the
	// caller, not tear the read loop out from under a command that might
	// still complete and be observed by the partial buffer.
	workerCtx, workerCancel := context.WithTimeout(context.WithoutCancel(ctx), budget+abandonGrace)

	resultCh := make(chan dispatch, 1) // buffered: abandoned worker never blocks on send
	start := time.Now()
	go func() {
		defer workerCancel()
		out, err := e.plane.Exec(workerCtx, ctr.ID, spec)
		resultCh <- dispatch{gen: gen, out: out, err: err}
	}()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	silence := time.NewTicker(silenceCheckInterval)
	defer silence.Stop()

	for {
		select {
		case d := <-resultCh:
			if d.gen != gen {
				continue // stale result from an abandoned worker
			}
			return e.finish(ctr, req, d, time.Since(start))

		case <-deadline.C:
			return e.timedOut(ctr, req, partial, time.Since(start), false)

		case <-silence.C:
			if req.NoOutputTimeout > 0 && partial.silentFor() > req.NoOutputTimeout {
				return e.timedOut(ctr, req, partial, time.Since(start), true)
			}

		case <-ctx.Done():
			e.logger.Debug("guarded exec cancelled",
				slog.String("container", ctr.Name),
				slog.String("command", req.Command),
			)
			return Result{Status: StatusFailed, Cause: ctx.Err(), Elapsed: time.Since(start)}
		}
	}
}

func (e *Executor) finish(ctr *runtime.Container, req Request, d dispatch, elapsed time.Duration) Result {
	if d.err != nil {
		// Connection errors surface immediately as Failed, not as a timeout.
		e.logger.Warn("guarded exec failed",
			slog.String("container", ctr.Name),
			slog.String("command", req.Command),
			slog.String("error", d.err.Error()),
		)
		return Result{
			Status:  StatusFailed,
			Stdout:  sanitize(d.out.Stdout),
			Stderr:  sanitize(d.out.Stderr),
			Cause:   d.err,
			Elapsed: elapsed,
		}
	}

	e.logger.Debug("guarded exec completed",
		slog.String("container", ctr.Name),
		slog.String("command", req.Command),
		slog.Int("exit_code", d.out.ExitCode),
		slog.Duration("elapsed", elapsed),
	)
	return Result{
		Status:   StatusCompleted,
		Stdout:   sanitize(d.out.Stdout),
		Stderr:   sanitize(d.out.Stderr),
		ExitCode: d.out.ExitCode,
		Elapsed:  elapsed,
	}
}

func (e *Executor) timedOut(ctr *runtime.Container, req Request, partial *partialBuffer, elapsed time.Duration, noOutput bool) Result {
	e.logger.Warn("guarded exec timed out",
		slog.String("container", ctr.Name),
		slog.String("command", req.Command),
		slog.Duration("elapsed", elapsed),
		slog.Bool("no_output", noOutput),
	)
	return Result{
		Status:   StatusTimedOut,
		Stdout:   sanitize(partial.String()),
		NoOutput: noOutput,
		Elapsed:  elapsed,
	}
}

// ExecuteControl runs a pure control-plane operation (probe, process list,
// interrupt) under the docker exec budget instead of the action budget.
func (e *Executor) ExecuteControl(ctx context.Context, ctr *runtime.Container, command string) Result {
	return e.Execute(ctx, ctr, Request{Command: command, Timeout: e.timeouts.DockerExecTimeout()})
}

// partialBuffer accumulates streamed output so a TimedOut result can carry
// whatever the command managed to print. Capped at the same limit as the
// runtime's own capture.
type partialBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	lastOutput time.Time
	remaining  int
}

func newPartialBuffer() *partialBuffer {
	return &partialBuffer{lastOutput: time.Now(), remaining: 1 << 20}
}

func (p *partialBuffer) append(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastOutput = time.Now()
	if p.remaining <= 0 {
		return
	}
	if len(chunk) > p.remaining {
		chunk = chunk[:p.remaining]
	}
	n, _ := p.buf.Write(chunk)
	p.remaining -= n
}

func (p *partialBuffer) silentFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastOutput)
}

func (p *partialBuffer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// sanitize normalizes CRLF and replaces invalid UTF-8 so adversarial binary
// output cannot corrupt downstream consumers.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return s
}
