package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ctfarena/warden/internal/allocator"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force-remove all dynamic challenge networks and stale port leases",
	Long: `Cleanup destroys every dynamically allocated challenge network on this
host, disconnecting any lingering containers first, and clears the port
lease table. Use it after a crashed run left networks and leases behind;
never run it while sessions are live.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (default $WARDEN_CONFIG or ~/.warden/config.json)")
	cleanupCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")
}

func runCleanup(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	logger := newLogger(flagDebug)

	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx := context.Background()

	names, err := c.Docker.ListNetworksByPrefix(ctx, cfg.Allocator.Prefix())
	if err != nil {
		return err
	}
	removed := 0
	for _, name := range names {
		if err := c.Docker.RemoveNetwork(ctx, name); err != nil {
			logger.Warn("removing network", slog.String("network", name), slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	pruned := 0
	if cfg.Allocator != nil {
		a := allocator.New(*cfg.Allocator, cfg.Timeouts, logger)
		if pruned, err = a.PruneLeases(0); err != nil {
			logger.Warn("pruning leases", slog.String("error", err.Error()))
		}
	}

	logger.Info("cleanup complete",
		slog.Int("networks_removed", removed),
		slog.Int("leases_pruned", pruned),
	)
	return nil
}
