// Package session owns the lifecycle of one challenge's container set:
// create, run setup with open egress, restrict every container, serve agent
// commands through the guarded executor, tear down. A session drives the
// allocator, enforcer, supervisor, and health monitor; the monitor runs
// concurrently and can force a recovery at any point while the session is
// serving commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctfarena/warden/internal/allocator"
	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/firewall"
	"github.com/ctfarena/warden/internal/health"
	"github.com/ctfarena/warden/internal/runtime"
	"github.com/ctfarena/warden/internal/supervisor"
)

// watchInterval is the pause between background liveness probes.
const watchInterval = 10 * time.Second

// State is a session lifecycle phase.
type State string

const (
	StateCreated     State = "created"
	StateSettingUp   State = "setting-up"
	StateRestricting State = "restricting"
	StateReady       State = "ready"
	StateRunning     State = "running"
	StateRecovering  State = "recovering"
	StateTearingDown State = "tearing-down"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// transitions lists the legal forward edges. Failed is reachable from any
// non-terminal state and handled outside this table.
var transitions = map[State][]State{
	StateCreated:     {StateSettingUp},
	StateSettingUp:   {StateRestricting, StateReady},
	StateRestricting: {StateReady},
	StateReady:       {StateRunning, StateRecovering, StateTearingDown},
	StateRunning:     {StateRecovering, StateTearingDown},
	StateRecovering:  {StateReady, StateTearingDown},
	StateTearingDown: {StateClosed},
}

var (
	// ErrRestrictionFailed marks a firewall bring-up failure. Fatal to the
	// session: it refuses to run an agent against a partially restricted
	// topology.
	ErrRestrictionFailed = errors.New("session: network restriction failed")

	// ErrRecoveryFailed marks a replacement container that also failed
	// bring-up, or exhausted recreation attempts. Fatal to the session.
	ErrRecoveryFailed = errors.New("session: container recovery failed")

	// ErrNotRunning is returned for commands issued outside Ready/Running.
	ErrNotRunning = errors.New("session: not accepting commands")
)

// SetupFunc is the external provisioning collaborator. It runs while the
// topology still has unrestricted egress and returning nil is the
// setup-complete signal that lets restriction begin.
type SetupFunc func(ctx context.Context, s *Session) error

// Spec describes the topology a session should bring up.
type Spec struct {
	Name        string
	Image       string   // agent container image; empty falls back to config
	ComposePath string   // optional multi-service manifest
	Env         []string // extra environment for the agent container
	Setup       SetupFunc
}

// ContainerRuntime is the control-plane surface a session needs. Satisfied
// by runtime.Client.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec runtime.CreateSpec) (*runtime.Container, error)
	RemoveContainer(ctx context.Context, id string) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
	ConnectNetwork(ctx context.Context, networkName, containerID string, aliases []string) error
	RemoveNetwork(ctx context.Context, name string) error
	ComposeUp(ctx context.Context, composePath string, timeout time.Duration) error
	ComposeDown(ctx context.Context, composePath string, timeout time.Duration) error
	ComposeContainers(ctx context.Context, composePath string) ([]*runtime.Container, error)
}

// Options carries the session's collaborators.
type Options struct {
	Config     *config.Config
	Runtime    ContainerRuntime
	Runner     executor.Runner
	Supervisor *supervisor.Supervisor
	Monitor    *health.Monitor
	Enforcer   *firewall.Enforcer
	Allocator  *allocator.Allocator // nil when dynamic allocation is disabled
	Logger     *slog.Logger

	// OnTransition, when set, observes every lifecycle state change.
	OnTransition func(from, to State)
}

// Session is the composition root for one challenge environment.
type Session struct {
	id     string
	spec   Spec
	cfg    *config.Config
	rt     ContainerRuntime
	runner executor.Runner
	sup    *supervisor.Supervisor
	mon    *health.Monitor
	enf    *firewall.Enforcer
	alloc  *allocator.Allocator
	logger *slog.Logger
	onMove func(from, to State)

	mu          sync.Mutex
	state       State
	failedPhase State
	cause       error
	agent       *runtime.Container
	services    []*runtime.Container
	network     string
	allocation  *allocator.Allocation
	composePath string // effective manifest, possibly rewritten
	recoveries  int

	execMu sync.Mutex // serializes agent commands; one in flight at most

	watchEvery  time.Duration
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a session in the Created state.
func New(spec Spec, opts Options) (*Session, error) {
	if opts.Config == nil || opts.Runtime == nil || opts.Runner == nil {
		return nil, errors.New("session: config, runtime, and runner are required")
	}
	if opts.Monitor == nil {
		return nil, errors.New("session: health monitor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := spec.Name + "-" + uuid.NewString()[:8]
	return &Session{
		id:         id,
		spec:       spec,
		cfg:        opts.Config,
		rt:         opts.Runtime,
		runner:     opts.Runner,
		sup:        opts.Supervisor,
		mon:        opts.Monitor,
		enf:        opts.Enforcer,
		alloc:      opts.Allocator,
		logger:     logger.With(slog.String("session", id)),
		onMove:     opts.OnTransition,
		state:      StateCreated,
		watchEvery: watchInterval,
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why and in which phase the session failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return nil
	}
	return fmt.Errorf("session failed during %s: %w", s.failedPhase, s.cause)
}

// Topology returns the session's container set.
func (s *Session) Topology() runtime.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.services) == 0 {
		return runtime.SingleContainer{C: s.agent}
	}
	return &runtime.ComposeTopology{
		Agent:       s.agent,
		Services:    s.services,
		ComposePath: s.composePath,
		Network:     s.network,
	}
}

// Start brings the environment up: allocate, create containers, run setup
// with open egress, then restrict every container. On success the session
// is Ready and the background health watch is running.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(StateSettingUp); err != nil {
		return err
	}

	if err := s.bringUp(ctx); err != nil {
		return s.fail(StateSettingUp, err)
	}

	if s.spec.Setup != nil {
		if err := s.spec.Setup(ctx, s); err != nil {
			return s.fail(StateSettingUp, fmt.Errorf("setup collaborator: %w", err))
		}
	}

	if err := s.restrict(ctx); err != nil {
		return s.fail(StateRestricting, err)
	}

	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.startWatch()
	return nil
}

// Execute runs one agent command through the guarded executor. Commands are
// serialized; a timed-out command triggers an immediate health probe before
// the session accepts the next one, and a no-output timeout against a
// healthy container escalates signals through the supervisor.
func (s *Session) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.setStateLocked(StateRunning)
	case StateRunning:
	default:
		state := s.state
		s.mu.Unlock()
		return executor.Result{}, fmt.Errorf("%w: state is %s", ErrNotRunning, state)
	}
	ctr := s.agent
	s.mu.Unlock()

	res := s.runner.Execute(ctx, ctr, req)

	if res.Status == executor.StatusTimedOut {
		// The abandoned exec may still be running server-side. Confirm the
		// container answers before anything else is dispatched against it.
		rec := s.mon.Probe(ctx, ctr)
		switch {
		case rec.State == health.StateDead:
			if err := s.recover(ctx, ctr.ID); err != nil {
				s.logger.Error("recovery failed", slog.String("error", err.Error()))
			}
		case rec.State == health.StateHealthy && res.NoOutput && s.sup != nil:
			// Container is fine, the command is stuck. Docker execs show up
			// with a zero parent pid inside the namespace, so the orphan
			// tree under root 0 is the stuck command.
			if err := s.sup.InterruptStuck(ctx, ctr, 0); err != nil {
				s.logger.Warn("interrupt escalation", slog.String("error", err.Error()))
			}
		}
	}
	return res, nil
}

// RunSetupCommand executes a command against the primary container during
// the setup and recovery phases, before the session accepts agent traffic.
// Setup runs with unrestricted egress, so package installation and
// challenge provisioning belong here, never in Execute.
func (s *Session) RunSetupCommand(ctx context.Context, req executor.Request) (executor.Result, error) {
	s.mu.Lock()
	state := s.state
	ctr := s.agent
	s.mu.Unlock()

	if state != StateSettingUp && state != StateRecovering {
		return executor.Result{}, fmt.Errorf("%w: setup commands only run during setup or recovery, state is %s", ErrNotRunning, state)
	}
	if ctr == nil {
		return executor.Result{}, errors.New("session: no container yet")
	}
	return s.runner.Execute(ctx, ctr, req), nil
}

// Close tears the environment down. Safe to call in any state, including
// Failed; cleanup errors are logged, never returned, so they cannot
// override the session's result. An in-flight command gets one best-effort
// interrupt before containers go away.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateTearingDown:
		s.mu.Unlock()
		return
	case StateFailed:
		// Stay Failed; teardown still runs.
	default:
		s.setStateLocked(StateTearingDown)
	}
	agent := s.agent
	s.mu.Unlock()

	s.stopWatch()

	if agent != nil && s.sup != nil {
		if err := s.sup.InterruptStuck(ctx, agent, 0); err != nil &&
			!errors.Is(err, supervisor.ErrEscalationExhausted) {
			s.logger.Warn("best-effort interrupt on close", slog.String("error", err.Error()))
		}
	}

	s.teardown(ctx)

	s.mu.Lock()
	if s.state == StateTearingDown {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()
}

// bringUp allocates resources and creates the container set.
func (s *Session) bringUp(ctx context.Context) error {
	networkName := "ctfnet"
	if s.cfg.Allocator != nil {
		networkName = s.cfg.Allocator.Prefix()
	}
	composePath := s.spec.ComposePath

	if composePath != "" && s.alloc != nil {
		alloc, err := s.alloc.Allocate(ctx, composePath, s.id)
		if err != nil {
			return fmt.Errorf("allocate topology: %w", err)
		}
		s.mu.Lock()
		s.allocation = alloc
		s.mu.Unlock()
		composePath = alloc.ManifestPath
		networkName = alloc.Network.Name
	}

	if composePath != "" {
		if err := s.rt.ComposeUp(ctx, composePath, s.cfg.Docker.ComposeUpTimeout()); err != nil {
			return fmt.Errorf("compose up: %w", err)
		}
		services, err := s.rt.ComposeContainers(ctx, composePath)
		if err != nil {
			return fmt.Errorf("list topology containers: %w", err)
		}
		s.mu.Lock()
		s.services = services
		s.composePath = composePath
		s.network = networkName
		s.mu.Unlock()
	}

	agent, err := s.createAgent(ctx)
	if err != nil {
		return err
	}

	// Join the challenge network after creation, the way a network
	// interface gets attached to an already running container. With no
	// topology the agent stays on the default bridge.
	if composePath != "" {
		if _, err := s.rt.EnsureNetwork(ctx, networkName); err != nil {
			return fmt.Errorf("ensure network %s: %w", networkName, err)
		}
		if err := s.rt.ConnectNetwork(ctx, networkName, agent.ID, []string{"agent"}); err != nil {
			return fmt.Errorf("connect agent to %s: %w", networkName, err)
		}
		agent.Network = networkName
	}

	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()

	// Give the container's init a moment before the first exec.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.Docker.StartupDelay()):
	}
	return nil
}

// createAgent creates the primary container from the session spec. Used at
// bring-up and again, unchanged, when recovery replaces a dead container.
func (s *Session) createAgent(ctx context.Context) (*runtime.Container, error) {
	image := s.spec.Image
	if image == "" {
		image = s.cfg.Docker.ImageName()
	}
	spec := runtime.CreateSpec{
		Name:  s.id + "-agent",
		Image: image,
		Env:   s.spec.Env,
		Role:  runtime.RoleAgent,
	}
	if s.restrictionEnabled() {
		// Firewall installation needs NET_ADMIN inside the container.
		spec.CapAdd = []string{"NET_ADMIN"}
	}
	agent, err := s.rt.CreateContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create agent container: %w", err)
	}
	return agent, nil
}

// restrict applies the egress rule set to every container in the topology.
// Any failure is fatal: a partially restricted topology never serves agent
// commands.
func (s *Session) restrict(ctx context.Context) error {
	if !s.restrictionEnabled() {
		return nil
	}
	if err := s.transition(StateRestricting); err != nil {
		return err
	}

	rs, err := firewall.DefaultRuleSet(s.cfg.Restriction.ExtraAllowedCIDRs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRestrictionFailed, err)
	}
	for _, ctr := range s.containers() {
		if err := s.enf.Apply(ctx, ctr, rs); err != nil {
			return fmt.Errorf("%w: container %s: %w", ErrRestrictionFailed, ctr.Name, err)
		}
	}
	return nil
}

// recover replaces a dead primary container with a fresh one from the same
// specification, re-runs setup and restriction, and returns the session to
// Ready. deadID names the container the caller observed dead; if another
// path already replaced it, recover is a no-op, so the execute loop and the
// background watch can both report the same verdict without destroying a
// healthy replacement. The existing port and network allocation is reused,
// never reallocated. Attempts are bounded; exhausting them fails the
// session.
func (s *Session) recover(ctx context.Context, deadID string) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateReady {
		s.mu.Unlock()
		return nil
	}
	if s.agent == nil || s.agent.ID != deadID {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateRecovering)
	s.recoveries++
	attempt := s.recoveries
	old := s.agent
	s.mu.Unlock()

	if attempt > s.cfg.Timeouts.Retries() {
		return s.fail(StateRecovering, fmt.Errorf("%w: %d recreation attempts exhausted", ErrRecoveryFailed, attempt-1))
	}

	s.logger.Warn("recovering dead container",
		slog.String("container", old.Name),
		slog.Int("attempt", attempt),
	)

	if err := s.rt.RemoveContainer(ctx, old.ID); err != nil {
		s.logger.Warn("remove dead container", slog.String("error", err.Error()))
	}

	agent, err := s.createAgent(ctx)
	if err != nil {
		return s.fail(StateRecovering, fmt.Errorf("%w: %w", ErrRecoveryFailed, err))
	}

	s.mu.Lock()
	network := s.network
	s.mu.Unlock()
	if network != "" {
		if err := s.rt.ConnectNetwork(ctx, network, agent.ID, []string{"agent"}); err != nil {
			return s.fail(StateRecovering, fmt.Errorf("%w: %w", ErrRecoveryFailed, err))
		}
		agent.Network = network
	}

	s.mon.Reset(old, agent)
	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()

	if s.spec.Setup != nil {
		if err := s.spec.Setup(ctx, s); err != nil {
			return s.fail(StateRecovering, fmt.Errorf("%w: setup: %w", ErrRecoveryFailed, err))
		}
	}
	if s.restrictionEnabled() {
		rs, err := firewall.DefaultRuleSet(s.cfg.Restriction.ExtraAllowedCIDRs)
		if err != nil {
			return s.fail(StateRecovering, fmt.Errorf("%w: %w", ErrRecoveryFailed, err))
		}
		if err := s.enf.Apply(ctx, agent, rs); err != nil {
			return s.fail(StateRecovering, fmt.Errorf("%w: %w", ErrRecoveryFailed, err))
		}
	}

	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.logger.Info("container recovered", slog.String("container", agent.Name))
	return nil
}

// teardown releases everything the session owns. Errors are logged only.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	agent := s.agent
	composePath := s.composePath
	alloc := s.allocation
	s.mu.Unlock()

	if agent != nil {
		if err := s.rt.RemoveContainer(ctx, agent.ID); err != nil {
			s.logger.Warn("remove agent container", slog.String("error", err.Error()))
		}
	}
	if composePath != "" {
		if err := s.rt.ComposeDown(ctx, composePath, s.cfg.Docker.ComposeDownTimeout()); err != nil {
			s.logger.Warn("compose down", slog.String("error", err.Error()))
		}
	}
	if alloc != nil && s.alloc != nil {
		if err := s.alloc.Release(ctx, alloc, s.rt); err != nil {
			s.logger.Warn("release allocation", slog.String("error", err.Error()))
		}
	}
}

// startWatch launches the background liveness watch on the primary
// container. The watch re-reads the current agent every probe, so a
// container recreated by the execute path is picked up immediately; a dead
// verdict names the condemned container and recover discards it when the
// agent has already been replaced.
func (s *Session) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			ch := s.mon.Watch(ctx, s.currentAgent, s.watchEvery)
			var last health.Record
			for rec := range ch {
				last = rec
			}
			if ctx.Err() != nil {
				return
			}
			if last.State != health.StateDead {
				return
			}
			if err := s.recover(ctx, last.ContainerID); err != nil {
				s.logger.Error("recovery failed", slog.String("error", err.Error()))
				return
			}
		}
	}()
}

func (s *Session) currentAgent() *runtime.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) stopWatch() {
	s.mu.Lock()
	cancel := s.watchCancel
	done := s.watchDone
	s.watchCancel = nil
	s.watchDone = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Session) containers() []*runtime.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*runtime.Container, 0, len(s.services)+1)
	if s.agent != nil {
		all = append(all, s.agent)
	}
	all = append(all, s.services...)
	return all
}

func (s *Session) restrictionEnabled() bool {
	return s.cfg.Restriction != nil && s.cfg.Restriction.Enabled && s.enf != nil
}

// transition moves to a new state if the edge is legal.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	legal := false
	for _, t := range transitions[from] {
		if t == to {
			legal = true
			break
		}
	}
	if !legal {
		s.mu.Unlock()
		return fmt.Errorf("session: illegal transition %s -> %s", from, to)
	}
	s.setStateLocked(to)
	s.mu.Unlock()
	return nil
}

// fail moves to the terminal Failed state, recording the phase and cause so
// an operator can tell "environment never came up" from "agent got stuck".
func (s *Session) fail(phase State, cause error) error {
	s.mu.Lock()
	if s.state == StateFailed {
		s.mu.Unlock()
		return s.Err()
	}
	s.failedPhase = phase
	s.cause = cause
	s.setStateLocked(StateFailed)
	s.mu.Unlock()

	s.logger.Error("session failed",
		slog.String("phase", string(phase)),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("session failed during %s: %w", phase, cause)
}

// setStateLocked updates state and notifies the transition observer.
// Caller must hold s.mu; the observer runs without the lock.
func (s *Session) setStateLocked(to State) {
	from := s.state
	s.state = to
	s.logger.Debug("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if s.onMove != nil {
		go s.onMove(from, to)
	}
}
