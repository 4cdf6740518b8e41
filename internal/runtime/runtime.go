// Package runtime wraps the Docker control plane for warden.
// It exposes the raw container-creation and exec primitives the rest of the
// system builds on. The exec primitive may block indefinitely when a
// container stops responding — callers must always go through the
// timeout-guarded executor, never call Exec directly from a session path.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

// Role distinguishes the agent's own container from challenge services.
type Role string

const (
	RoleAgent            Role = "agent"
	RoleChallengeService Role = "challenge-service"
)

// Container is one Docker-managed execution unit. It is owned exclusively by
// the session that created it and destroyed on teardown or unrecoverable
// health failure.
type Container struct {
	ID        string
	Name      string
	Role      Role
	Network   string // Network membership; empty = default bridge.
	CreatedAt time.Time
}

// Topology is a container plus zero or more sibling service containers that
// together form one challenge instance. The executor, enforcer, and health
// monitor are written against single containers; sessions iterate the
// topology to cover every member.
type Topology interface {
	// Primary returns the container the agent's commands run in.
	Primary() *Container
	// Containers returns every container in the topology, primary included.
	Containers() []*Container
}

// SingleContainer is a topology of exactly one container.
type SingleContainer struct {
	C *Container
}

func (s SingleContainer) Primary() *Container      { return s.C }
func (s SingleContainer) Containers() []*Container { return []*Container{s.C} }

// ComposeTopology is a multi-service challenge started from a compose
// manifest. The primary agent container is tracked separately from the
// services the manifest declares.
type ComposeTopology struct {
	Agent       *Container
	Services    []*Container
	ComposePath string // Manifest the topology was started from.
	Network     string // Virtual network every member is attached to.
}

func (t *ComposeTopology) Primary() *Container { return t.Agent }

func (t *ComposeTopology) Containers() []*Container {
	all := make([]*Container, 0, len(t.Services)+1)
	all = append(all, t.Agent)
	all = append(all, t.Services...)
	return all
}

// Client is the warden Docker control-plane client.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient creates a Docker client from the environment (DOCKER_HOST etc.)
// with API version negotiation.
func NewClient(logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, logger: logger}, nil
}

// Ping checks that the Docker daemon is reachable. Used as a readiness
// probe and by the health monitor to tell "container dead" apart from
// "daemon gone".
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.cli.Close()
}
