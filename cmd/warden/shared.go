package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/observability"
	"github.com/ctfarena/warden/internal/runtime"
)

// Components holds the subsystems every command mode shares. Built once by
// initShared, torn down by Cleanup.
type Components struct {
	Config *config.Config
	Logger *slog.Logger
	Docker *runtime.Client
	Runner executor.Runner
	Obs    *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig resolves the config file path and loads it, falling back to
// documented defaults when no file exists. WARDEN_CONFIG overrides the
// default location.
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = goutils.Env("WARDEN_CONFIG", config.DefaultConfigPath())
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && flagPath == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the process logger: JSON to stderr so command output on
// stdout stays clean for the agent loop.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initShared wires the Docker client, guarded executor, and observability.
// Callers must call Cleanup when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	docker, err := runtime.NewClient(logger)
	if err != nil {
		return nil, fmt.Errorf("initializing docker client: %w", err)
	}
	c.Docker = docker
	c.addCleanup(func() { _ = docker.Close() })

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	if obs != nil {
		obs.Health.AddCheck("docker", docker.Ping)
		c.addCleanup(func() { obs.Shutdown(context.Background()) })
	}

	var runner executor.Runner = executor.New(docker, cfg.Timeouts, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	c.Runner = runner
	return c, nil
}
