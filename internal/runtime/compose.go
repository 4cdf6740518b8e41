package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ComposeUp starts every service a compose manifest declares, recreating any
// stale containers from a previous run. Challenge images can take a long
// time to come up, so the budget is configuration-driven rather than the
// control-plane exec timeout.
func (c *Client) ComposeUp(ctx context.Context, composePath string, timeout time.Duration) error {
	return c.composeCommand(ctx, timeout, "-f", composePath, "up", "-d", "--force-recreate")
}

// ComposeDown stops and removes a compose topology's services.
func (c *Client) ComposeDown(ctx context.Context, composePath string, timeout time.Duration) error {
	return c.composeCommand(ctx, timeout, "-f", composePath, "down")
}

func (c *Client) composeCommand(ctx context.Context, timeout time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stderr = cmd.Stdout

	c.logger.Debug("running docker compose", slog.Any("args", args))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("docker compose %s timed out after %s", args[len(args)-1], timeout)
		}
		return fmt.Errorf("docker compose %s: %w: %s", args[len(args)-1], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// ComposeContainers resolves the running containers of a compose topology
// into handles. Every service container carries the challenge-service role;
// the agent container is created separately and is not part of the manifest.
func (c *Client) ComposeContainers(ctx context.Context, composePath string) ([]*Container, error) {
	cmd := exec.CommandContext(ctx, "docker", "compose", "-f", composePath, "ps", "-q")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker compose ps: %w", err)
	}

	var containers []*Container
	for _, id := range strings.Fields(string(out)) {
		ins, err := c.cli.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("inspecting compose container %s: %w", shortID(id), err)
		}
		netName := ""
		if ins.NetworkSettings != nil {
			for name := range ins.NetworkSettings.Networks {
				netName = name
				break
			}
		}
		created, _ := time.Parse(time.RFC3339Nano, ins.Created)
		containers = append(containers, &Container{
			ID:        ins.ID,
			Name:      strings.TrimPrefix(ins.Name, "/"),
			Role:      RoleChallengeService,
			Network:   netName,
			CreatedAt: created,
		})
	}
	return containers, nil
}
