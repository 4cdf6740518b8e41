// Package config handles loading and validating warden configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for warden.
type Config struct {
	Timeouts      TimeoutConfig        `json:"timeouts" yaml:"timeouts"`
	Docker        DockerConfig         `json:"docker" yaml:"docker"`
	Restriction   *RestrictionConfig   `json:"restriction,omitempty" yaml:"restriction,omitempty"`     // nil = network restriction disabled
	Allocator     *AllocatorConfig     `json:"allocator,omitempty" yaml:"allocator,omitempty"`         // nil = fixed ports, shared external network
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// TimeoutConfig holds every wall-clock budget the environment manager uses.
// It is resolved once at session construction and never mutated afterwards —
// no component reads environment variables at runtime.
type TimeoutConfig struct {
	ActionSeconds      int `json:"action_seconds" yaml:"action_seconds"`             // Max time for one agent command. Default: 25.
	NoOutputSeconds    int `json:"no_output_seconds" yaml:"no_output_seconds"`       // Max silence before a command counts as stuck. Default: 25.
	DockerExecSeconds  int `json:"docker_exec_seconds" yaml:"docker_exec_seconds"`   // Max time for a single control-plane call. Default: 30.
	HealthCheckSeconds int `json:"health_check_seconds" yaml:"health_check_seconds"` // Budget for liveness probes and process listings. Default: 5.
	InterruptSeconds   int `json:"interrupt_seconds" yaml:"interrupt_seconds"`       // Wait between signal escalations. Default: 5.
	MaxRetries         int `json:"max_retries" yaml:"max_retries"`                   // Consecutive failures before giving up. Default: 3.
}

// ActionTimeout returns the per-command wall-clock budget.
func (t TimeoutConfig) ActionTimeout() time.Duration {
	return secondsOr(t.ActionSeconds, 25)
}

// NoOutputTimeout returns the max silence tolerated mid-command.
func (t TimeoutConfig) NoOutputTimeout() time.Duration {
	return secondsOr(t.NoOutputSeconds, 25)
}

// DockerExecTimeout returns the control-plane call budget.
func (t TimeoutConfig) DockerExecTimeout() time.Duration {
	return secondsOr(t.DockerExecSeconds, 30)
}

// HealthCheckTimeout returns the probe budget.
func (t TimeoutConfig) HealthCheckTimeout() time.Duration {
	return secondsOr(t.HealthCheckSeconds, 5)
}

// InterruptTimeout returns the pause between signal escalations.
func (t TimeoutConfig) InterruptTimeout() time.Duration {
	return secondsOr(t.InterruptSeconds, 5)
}

// Retries returns the retry ceiling shared by health probing, signal
// escalation, and allocator cleanup.
func (t TimeoutConfig) Retries() int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return 3
}

func secondsOr(v, def int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(def) * time.Second
}

// DockerConfig configures the Docker control plane.
type DockerConfig struct {
	Image                 string `json:"image" yaml:"image"`                                     // Agent container image. Default: "ctfarena/warden-runtime:latest".
	StartupDelaySeconds   int    `json:"startup_delay_seconds" yaml:"startup_delay_seconds"`     // Wait after container start before first exec. Default: 1.
	ComposeUpTimeoutSec   int    `json:"compose_up_timeout_s" yaml:"compose_up_timeout_s"`       // docker compose up budget. Default: 600.
	ComposeDownTimeoutSec int    `json:"compose_down_timeout_s" yaml:"compose_down_timeout_s"`   // docker compose down budget. Default: 100.
}

// ImageName returns the configured runtime image, defaulting when empty.
func (d DockerConfig) ImageName() string {
	if d.Image != "" {
		return d.Image
	}
	return "ctfarena/warden-runtime:latest"
}

// StartupDelay returns the pause between container start and the first exec.
func (d DockerConfig) StartupDelay() time.Duration {
	return secondsOr(d.StartupDelaySeconds, 1)
}

// ComposeUpTimeout returns the docker compose up budget.
func (d DockerConfig) ComposeUpTimeout() time.Duration {
	return secondsOr(d.ComposeUpTimeoutSec, 600)
}

// ComposeDownTimeout returns the docker compose down budget.
func (d DockerConfig) ComposeDownTimeout() time.Duration {
	return secondsOr(d.ComposeDownTimeoutSec, 100)
}

// RestrictionConfig configures the in-container egress firewall.
// When nil, containers run with unrestricted egress for their whole life.
type RestrictionConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ExtraAllowedCIDRs []string `json:"extra_allowed_cidrs,omitempty" yaml:"extra_allowed_cidrs,omitempty"` // Appended after the built-in private ranges.
}

// AllocatorConfig configures dynamic port and network allocation.
// When nil, sessions reuse fixed host ports and the shared external network.
type AllocatorConfig struct {
	DynamicPorts       bool   `json:"dynamic_ports" yaml:"dynamic_ports"`
	PortRangeStart     int    `json:"port_range_start" yaml:"port_range_start"`           // Inclusive. Default: 10000.
	PortRangeEnd       int    `json:"port_range_end" yaml:"port_range_end"`               // Inclusive. Default: 20000.
	LeaseFile          string `json:"lease_file,omitempty" yaml:"lease_file,omitempty"`   // Host-wide lease file. Default: <tmp>/warden-ports.json.
	PortWaitMaxSeconds int    `json:"port_wait_max_seconds" yaml:"port_wait_max_seconds"` // Outer cap on waiting for a free port. Default: 60.
	NetworkPrefix      string `json:"network_prefix" yaml:"network_prefix"`               // Base name for challenge networks. Default: "ctfnet".
}

// PortRange returns the inclusive pool bounds, defaulting to 10000–20000.
func (a *AllocatorConfig) PortRange() (int, int) {
	start, end := 10000, 20000
	if a != nil && a.PortRangeStart > 0 {
		start = a.PortRangeStart
	}
	if a != nil && a.PortRangeEnd > 0 {
		end = a.PortRangeEnd
	}
	return start, end
}

// LeasePath returns the lease file path, defaulting under the OS temp dir.
func (a *AllocatorConfig) LeasePath() string {
	if a != nil && a.LeaseFile != "" {
		return a.LeaseFile
	}
	return filepath.Join(os.TempDir(), "warden-ports.json")
}

// PortWaitMax returns the outer cap on waiting for pool pressure to clear.
func (a *AllocatorConfig) PortWaitMax() time.Duration {
	if a != nil && a.PortWaitMaxSeconds > 0 {
		return time.Duration(a.PortWaitMaxSeconds) * time.Second
	}
	return 60 * time.Second
}

// Prefix returns the base network name challenge manifests declare.
func (a *AllocatorConfig) Prefix() string {
	if a != nil && a.NetworkPrefix != "" {
		return a.NetworkPrefix
	}
	return "ctfnet"
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection on exec failures.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.warden/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/warden.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".warden", "config.json")
}

// Default returns a Config with every knob at its documented default.
// Used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Timeout tunables and feature flags can be set in the config
// file or overridden by environment variables. Environment variables take
// precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
// Env vars take precedence over config values.
func applyEnvOverrides(cfg *Config) {
	overrideInt("WARDEN_ACTION_TIMEOUT", &cfg.Timeouts.ActionSeconds)
	overrideInt("WARDEN_NO_OUTPUT_TIMEOUT", &cfg.Timeouts.NoOutputSeconds)
	overrideInt("WARDEN_DOCKER_EXEC_TIMEOUT", &cfg.Timeouts.DockerExecSeconds)
	overrideInt("WARDEN_HEALTH_CHECK_TIMEOUT", &cfg.Timeouts.HealthCheckSeconds)
	overrideInt("WARDEN_INTERRUPT_TIMEOUT", &cfg.Timeouts.InterruptSeconds)
	overrideInt("WARDEN_MAX_RETRIES", &cfg.Timeouts.MaxRetries)

	if env := os.Getenv("WARDEN_IMAGE"); env != "" {
		cfg.Docker.Image = env
	}

	if env := os.Getenv("WARDEN_ENABLE_NETWORK_RESTRICTION"); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			if cfg.Restriction == nil {
				cfg.Restriction = &RestrictionConfig{}
			}
			cfg.Restriction.Enabled = v
		}
	}

	if env := os.Getenv("WARDEN_DYNAMIC_PORTS"); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			if cfg.Allocator == nil {
				cfg.Allocator = &AllocatorConfig{}
			}
			cfg.Allocator.DynamicPorts = v
		}
	}
	if env := os.Getenv("WARDEN_PORT_RANGE_START"); env != "" {
		if cfg.Allocator == nil {
			cfg.Allocator = &AllocatorConfig{}
		}
		overrideInt("WARDEN_PORT_RANGE_START", &cfg.Allocator.PortRangeStart)
	}
	if env := os.Getenv("WARDEN_PORT_RANGE_END"); env != "" {
		if cfg.Allocator == nil {
			cfg.Allocator = &AllocatorConfig{}
		}
		overrideInt("WARDEN_PORT_RANGE_END", &cfg.Allocator.PortRangeEnd)
	}
}

func overrideInt(key string, dst *int) {
	env := os.Getenv(key)
	if env == "" {
		return
	}
	v, err := strconv.Atoi(env)
	if err != nil || v <= 0 {
		return
	}
	*dst = v
}

// Validate rejects configurations no session could run under.
func (c *Config) Validate() error {
	if c.Timeouts.ActionSeconds < 0 || c.Timeouts.NoOutputSeconds < 0 ||
		c.Timeouts.DockerExecSeconds < 0 || c.Timeouts.HealthCheckSeconds < 0 ||
		c.Timeouts.InterruptSeconds < 0 || c.Timeouts.MaxRetries < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if a := c.Allocator; a != nil {
		start, end := a.PortRange()
		if start > end {
			return fmt.Errorf("allocator port range [%d,%d] is empty", start, end)
		}
		if start < 1024 {
			return fmt.Errorf("allocator port range must not include privileged ports (start %d)", start)
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
