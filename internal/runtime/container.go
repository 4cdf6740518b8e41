package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// maxOutputBytes caps captured stdout/stderr to prevent OOM from chatty or
// adversarial commands.
const maxOutputBytes = 1 << 20 // 1 MB

// execPollInterval is how often a finished exec is checked for its exit code.
const execPollInterval = 50 * time.Millisecond

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name    string
	Image   string
	Cmd     []string
	Env     []string
	Role    Role
	Network string      // Attach to this network at creation. Empty = default bridge.
	Ports   map[int]int // internal port -> host port bindings.
	CapAdd  []string    // e.g. NET_ADMIN when the egress firewall is enabled.
}

// ExecSpec describes one command to run inside an existing container.
type ExecSpec struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	User       string
	Privileged bool // Firewall installation needs elevated privilege.

	// OnOutput, when set, is invoked from the read loop for every chunk of
	// output. The executor uses it to extend its no-output deadline and to
	// keep partial output for timed-out commands.
	OnOutput func(p []byte)
}

// ExecOutput is the raw result of a control-plane exec.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CreateContainer creates and starts a container from the given spec and
// returns its handle. The caller owns the returned container and must remove
// it on teardown.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (*Container, error) {
	cfg := &container.Config{
		Image:     spec.Image,
		Cmd:       spec.Cmd,
		Env:       spec.Env,
		Tty:       true,
		OpenStdin: true,
	}

	hostCfg := &container.HostConfig{
		CapAdd: spec.CapAdd,
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for internal, host := range spec.Ports {
		p, err := nat.NewPort("tcp", fmt.Sprintf("%d", internal))
		if err != nil {
			return nil, fmt.Errorf("invalid internal port %d: %w", internal, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", host)}}
	}
	if len(bindings) > 0 {
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leak the created-but-unstartable container.
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	c.logger.Debug("container started",
		slog.String("name", spec.Name),
		slog.String("id", shortID(resp.ID)),
		slog.String("image", spec.Image),
	)

	return &Container{
		ID:        resp.ID,
		Name:      spec.Name,
		Role:      spec.Role,
		Network:   spec.Network,
		CreatedAt: time.Now(),
	}, nil
}

// RemoveContainer force-removes a container. "No such container" is not an
// error — removal is idempotent.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing container %s: %w", shortID(id), err)
	}
	return nil
}

// Exec runs one command inside a container and blocks until it finishes or
// ctx expires. This call can hang for as long as the daemon keeps the
// connection open — it is the primitive the timeout-guarded executor wraps,
// and must never be called on a session path without that guard.
func (c *Client) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecOutput, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		User:         spec.User,
		Privileged:   spec.Privileged,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("docker exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("docker exec attach: %w", err)
	}

	// stdcopy.StdCopy blocks on the hijacked connection. Force-close it when
	// the context ends so a hung container cannot wedge the read loop.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		attach.Close()
	}()

	var stdout, stderr bytes.Buffer
	outW := &notifyWriter{w: &limitedWriter{w: &stdout, remaining: maxOutputBytes}, onOutput: spec.OnOutput}
	errW := &notifyWriter{w: &limitedWriter{w: &stderr, remaining: maxOutputBytes}, onOutput: spec.OnOutput}

	if _, err := stdcopy.StdCopy(outW, errW, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
		}
		return ExecOutput{}, fmt.Errorf("docker exec read: %w", err)
	}

	exitCode, err := c.waitExecDone(ctx, created.ID)
	if err != nil {
		return ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, err
	}

	return ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// waitExecDone polls the exec instance until it reports completion and
// returns its exit code.
func (c *Client) waitExecDone(ctx context.Context, execID string) (int, error) {
	for {
		ins, err := c.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("docker exec inspect: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// limitedWriter stops writing after a byte limit. Excess data is silently
// discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

// notifyWriter reports every chunk to the exec's OnOutput hook so the
// executor can extend its no-output deadline.
type notifyWriter struct {
	w        io.Writer
	onOutput func(p []byte)
}

func (nw *notifyWriter) Write(p []byte) (int, error) {
	if nw.onOutput != nil && len(p) > 0 {
		nw.onOutput(p)
	}
	return nw.w.Write(p)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
