// Package health probes container liveness through the guarded executor.
// A probe is a minimal side-effect-free command; repeated failures mark the
// container dead and let the session trigger recreation. The monitor runs
// concurrently with the session's execute loop and must never be blocked by
// an in-flight agent command — every probe is its own guarded call with a
// short budget.
package health

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/runtime"
)

// probeCommand is a cheap working-directory query. It touches nothing.
const probeCommand = "pwd"

// State is a container's last-known health.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDead     State = "dead"
)

// Record tracks probe history for one container. Mutated only by the
// monitor; read by the session to decide whether to recreate.
type Record struct {
	ContainerID         string
	LastProbe           time.Time
	ConsecutiveFailures int
	State               State
}

// Monitor issues liveness probes and tracks per-container health records.
type Monitor struct {
	runner   executor.Runner
	timeouts config.TimeoutConfig
	logger   *slog.Logger

	// OnProbe, when set, observes every completed probe. Nil-safe.
	OnProbe func(Record)

	mu      sync.Mutex
	records map[string]*Record // keyed by container ID, so a probe against a superseded container can never condemn its replacement
}

// New creates a Monitor.
func New(runner executor.Runner, timeouts config.TimeoutConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		runner:   runner,
		timeouts: timeouts,
		logger:   logger,
		records:  make(map[string]*Record),
	}
}

// Probe issues one liveness check and returns the updated record.
// A completing probe resets the failure counter; a timeout or failure
// increments it, and reaching the retry ceiling transitions the container
// to dead.
func (m *Monitor) Probe(ctx context.Context, ctr *runtime.Container) Record {
	res := m.runner.Execute(ctx, ctr, executor.Request{
		Command: probeCommand,
		Timeout: m.timeouts.HealthCheckTimeout(),
	})

	m.mu.Lock()
	rec := m.record(ctr.ID)
	rec.LastProbe = time.Now()

	if res.Completed() && res.ExitCode == 0 {
		rec.ConsecutiveFailures = 0
		rec.State = StateHealthy
	} else {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= m.timeouts.Retries() {
			rec.State = StateDead
		} else {
			rec.State = StateDegraded
		}
	}
	snap := *rec
	m.mu.Unlock()

	if snap.State != StateHealthy {
		m.logger.Warn("health probe failed",
			slog.String("container", ctr.Name),
			slog.String("status", string(res.Status)),
			slog.Int("consecutive_failures", snap.ConsecutiveFailures),
			slog.String("state", string(snap.State)),
		)
	}
	if m.OnProbe != nil {
		m.OnProbe(snap)
	}
	return snap
}

// Current returns the last-known record without probing. A container never
// probed reports healthy with no history.
func (m *Monitor) Current(ctr *runtime.Container) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.record(ctr.ID)
}

// Reset discards the history kept for a superseded container and starts the
// replacement with a clean record. Called when the session recreates a dead
// container.
func (m *Monitor) Reset(old, replacement *runtime.Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old != nil {
		delete(m.records, old.ID)
	}
	m.records[replacement.ID] = &Record{ContainerID: replacement.ID, State: StateHealthy}
}

// Watch probes the container returned by current on a fixed interval until
// ctx is cancelled or a probe comes back dead, emitting each record. current
// is re-read every tick, so a container recreated mid-watch is picked up
// without restarting the watch; ticks where it returns nil are skipped. The
// channel is closed when the watch ends; the final emitted record carries
// the dead state and the condemned container's ID when that is why it
// stopped.
func (m *Monitor) Watch(ctx context.Context, current func() *runtime.Container, interval time.Duration) <-chan Record {
	out := make(chan Record, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ctr := current()
			if ctr == nil {
				continue
			}
			rec := m.Probe(ctx, ctr)
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			if rec.State == StateDead {
				return
			}
		}
	}()
	return out
}

// record returns the record for a container ID, creating it on first use.
// Caller must hold m.mu.
func (m *Monitor) record(id string) *Record {
	rec, ok := m.records[id]
	if !ok {
		rec = &Record{ContainerID: id, State: StateHealthy}
		m.records[id] = rec
	}
	return rec
}
