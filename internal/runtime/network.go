package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
)

// EnsureNetwork returns the ID of the named bridge network, creating it when
// it does not exist yet.
func (c *Client) EnsureNetwork(ctx context.Context, name string) (string, error) {
	ins, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return ins.ID, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("inspecting network %s: %w", name, err)
	}

	created, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("creating network %s: %w", name, err)
	}
	c.logger.Debug("network created", slog.String("network", name))
	return created.ID, nil
}

// ConnectNetwork attaches a container to a network, creating the network on
// demand. Aliases keep intra-topology DNS names stable after renaming.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, containerID string, aliases []string) error {
	if _, err := c.EnsureNetwork(ctx, networkName); err != nil {
		return err
	}
	err := c.cli.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{Aliases: aliases})
	if err != nil && !strings.Contains(err.Error(), "already exists in network") {
		return fmt.Errorf("connecting %s to network %s: %w", shortID(containerID), networkName, err)
	}
	return nil
}

// RemoveNetwork removes a network. If the network still has active
// endpoints, every attached container is force-disconnected first. A missing
// network is not an error.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	err := c.cli.NetworkRemove(ctx, name)
	if err == nil || isNotFound(err) {
		return nil
	}
	if !strings.Contains(err.Error(), "has active endpoints") {
		return fmt.Errorf("removing network %s: %w", name, err)
	}

	ins, inspectErr := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if inspectErr != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}
	for containerID := range ins.Containers {
		if dErr := c.cli.NetworkDisconnect(ctx, name, containerID, true); dErr != nil {
			c.logger.Debug("network disconnect failed",
				slog.String("network", name),
				slog.String("container", shortID(containerID)),
				slog.String("error", dErr.Error()),
			)
		}
	}
	if err := c.cli.NetworkRemove(ctx, name); err != nil && !isNotFound(err) {
		return fmt.Errorf("removing network %s after disconnect: %w", name, err)
	}
	return nil
}

// ListNetworksByPrefix returns the names of all networks whose name starts
// with the given prefix followed by a dash. Used by the cleanup command to
// find leaked dynamic challenge networks.
func (c *Client) ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error) {
	nets, err := c.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	var names []string
	for _, n := range nets {
		if strings.HasPrefix(n.Name, prefix+"-") {
			names = append(names, n.Name)
		}
	}
	return names, nil
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
