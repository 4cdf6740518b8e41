package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctfarena/warden/internal/allocator"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/firewall"
	"github.com/ctfarena/warden/internal/health"
	"github.com/ctfarena/warden/internal/observability"
	"github.com/ctfarena/warden/internal/session"
	"github.com/ctfarena/warden/internal/supervisor"
)

var (
	flagConfig  string
	flagName    string
	flagImage   string
	flagCompose string
	flagDebug   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up a challenge environment and execute commands from stdin",
	Long: `Run brings up one challenge environment (agent container plus any
services the compose manifest declares), applies the egress restriction, and
then executes commands read line by line from stdin, printing each command's
output to stdout. The environment is torn down on EOF or interrupt.`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (default $WARDEN_CONFIG or ~/.warden/config.json)")
	runCmd.Flags().StringVarP(&flagName, "name", "n", "challenge", "session name")
	runCmd.Flags().StringVarP(&flagImage, "image", "i", "", "agent container image (default from config)")
	runCmd.Flags().StringVarP(&flagCompose, "compose", "f", "", "challenge topology manifest")
	runCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")
}

func runSession(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(flagDebug)

	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Docker.Ping(ctx); err != nil {
		return err
	}

	var alloc *allocator.Allocator
	if cfg.Allocator != nil && cfg.Allocator.DynamicPorts {
		alloc = allocator.New(*cfg.Allocator, cfg.Timeouts, logger)
	}

	mon := health.New(c.Runner, cfg.Timeouts, logger)
	enf := firewall.New(c.Runner, cfg.Timeouts, logger)

	var onTransition func(from, to session.State)
	if obs := c.Obs; obs != nil && obs.Metrics != nil {
		observability.InstrumentMonitor(mon, obs.Metrics)
		observability.InstrumentEnforcer(enf, obs.Metrics)
		if alloc != nil {
			observability.InstrumentAllocator(alloc, obs.Metrics)
		}
		onTransition = observability.SessionTransitionRecorder(obs.Metrics)
	}

	sess, err := session.New(session.Spec{
		Name:        flagName,
		Image:       flagImage,
		ComposePath: flagCompose,
	}, session.Options{
		Config:       cfg,
		Runtime:      c.Docker,
		Runner:       c.Runner,
		Supervisor:   supervisor.New(c.Runner, cfg.Timeouts, logger),
		Monitor:      mon,
		Enforcer:     enf,
		Allocator:    alloc,
		Logger:       logger,
		OnTransition: onTransition,
	})
	if err != nil {
		return err
	}

	logger.Info("bringing environment up", slog.String("session", sess.ID()))
	if err := sess.Start(ctx); err != nil {
		sess.Close(context.Background())
		return err
	}
	// Teardown runs on a fresh context so an interrupt that cancelled the
	// command loop cannot also cancel cleanup.
	defer sess.Close(context.Background())

	if obs := c.Obs; obs != nil && obs.Metrics != nil {
		obs.Metrics.ActiveSessions.Inc()
		defer obs.Metrics.ActiveSessions.Dec()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		command := scanner.Text()
		if command == "" {
			continue
		}

		res, err := sess.Execute(ctx, executor.Request{
			Command:         command,
			NoOutputTimeout: cfg.Timeouts.NoOutputTimeout(),
		})
		if err != nil {
			return err
		}
		switch {
		case res.Completed():
			fmt.Print(res.Output())
			if res.ExitCode != 0 {
				fmt.Fprintf(os.Stderr, "exit status %d\n", res.ExitCode)
			}
		case res.TimedOut():
			fmt.Print(res.Stdout)
			fmt.Fprintln(os.Stderr, "command timed out")
		default:
			fmt.Fprintf(os.Stderr, "command failed: %v\n", res.Cause)
		}
	}
	return scanner.Err()
}
