// Package supervisor lists and signals processes inside a container.
// It is the recovery path for commands that exceed their no-output deadline
// while the container itself is still healthy: find the stuck process tree
// under the top-level shell and escalate signals until it dies or the retry
// budget runs out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/runtime"
)

// ErrEscalationExhausted is returned when the full signal ladder failed to
// clear the stuck process tree within the retry budget.
var ErrEscalationExhausted = errors.New("signal escalation exhausted")

// Signal is a POSIX signal name as understood by kill(1).
type Signal string

const (
	SigInt  Signal = "INT"
	SigTerm Signal = "TERM"
	SigKill Signal = "KILL"
)

// escalation is the signal ladder, gentlest first.
var escalation = []Signal{SigInt, SigTerm, SigKill}

// Process is one entry from the container's process table.
type Process struct {
	PID       int
	ParentPID int
	Command   string
}

// Supervisor issues process listings and signals through the guarded
// executor with health-check-class budgets.
type Supervisor struct {
	runner   executor.Runner
	timeouts config.TimeoutConfig
	logger   *slog.Logger
}

// New creates a Supervisor.
func New(runner executor.Runner, timeouts config.TimeoutConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{runner: runner, timeouts: timeouts, logger: logger}
}

// ListProcesses returns the container's process table. The listing excludes
// pid 1 and the ps invocation itself.
func (s *Supervisor) ListProcesses(ctx context.Context, ctr *runtime.Container) ([]Process, error) {
	res := s.runner.Execute(ctx, ctr, executor.Request{
		Command: "ps -eo pid,ppid,comm --no-headers",
		Timeout: s.timeouts.HealthCheckTimeout(),
	})
	switch res.Status {
	case executor.StatusCompleted:
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("ps exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
		}
		return parseProcessTable(res.Stdout), nil
	case executor.StatusTimedOut:
		return nil, fmt.Errorf("process listing timed out after %s", res.Elapsed)
	default:
		return nil, fmt.Errorf("process listing failed: %w", res.Cause)
	}
}

// Interrupt sends one signal to one process. The call is itself
// timeout-guarded so a wedged kill cannot block the session.
func (s *Supervisor) Interrupt(ctx context.Context, ctr *runtime.Container, pid int, sig Signal) executor.Result {
	return s.runner.Execute(ctx, ctr, executor.Request{
		Command: fmt.Sprintf("kill -%s %d", sig, pid),
		Timeout: s.timeouts.HealthCheckTimeout(),
	})
}

// InterruptStuck escalates signals against every process in the tree rooted
// at shellPID until none remain or the retry budget is spent. Between
// escalations it waits the interrupt timeout for the tree to unwind.
func (s *Supervisor) InterruptStuck(ctx context.Context, ctr *runtime.Container, shellPID int) error {
	retries := s.timeouts.Retries()
	for attempt := 0; attempt < retries; attempt++ {
		procs, err := s.ListProcesses(ctx, ctr)
		if err != nil {
			return fmt.Errorf("listing processes before escalation %d: %w", attempt+1, err)
		}
		targets := Descendants(procs, shellPID)
		if len(targets) == 0 {
			return nil
		}

		sig := escalation[min(attempt, len(escalation)-1)]
		s.logger.Warn("interrupting stuck process tree",
			slog.String("container", ctr.Name),
			slog.Int("shell_pid", shellPID),
			slog.Int("targets", len(targets)),
			slog.String("signal", string(sig)),
			slog.Int("attempt", attempt+1),
		)
		for _, p := range targets {
			res := s.Interrupt(ctx, ctr, p.PID, sig)
			if res.Status == executor.StatusFailed {
				return fmt.Errorf("signalling pid %d: %w", p.PID, res.Cause)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.timeouts.InterruptTimeout()):
		}
	}

	procs, err := s.ListProcesses(ctx, ctr)
	if err == nil && len(Descendants(procs, shellPID)) == 0 {
		return nil
	}
	return ErrEscalationExhausted
}

// Descendants returns every process whose ancestry chain leads to root,
// excluding root itself.
func Descendants(procs []Process, root int) []Process {
	children := make(map[int][]Process, len(procs))
	for _, p := range procs {
		children[p.ParentPID] = append(children[p.ParentPID], p)
	}

	var out []Process
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			out = append(out, child)
			queue = append(queue, child.PID)
		}
	}
	return out
}

// parseProcessTable parses `ps -eo pid,ppid,comm --no-headers` output,
// skipping pid 1 and the ps process itself.
func parseProcessTable(output string) []Process {
	var procs []Process
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		comm := strings.Join(fields[2:], " ")
		if pid == 1 || comm == "ps" {
			continue
		}
		procs = append(procs, Process{PID: pid, ParentPID: ppid, Command: comm})
	}
	return procs
}
