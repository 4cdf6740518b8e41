package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if got := cfg.Timeouts.ActionTimeout(); got != 25*time.Second {
		t.Errorf("ActionTimeout = %v, want 25s", got)
	}
	if got := cfg.Timeouts.NoOutputTimeout(); got != 25*time.Second {
		t.Errorf("NoOutputTimeout = %v, want 25s", got)
	}
	if got := cfg.Timeouts.DockerExecTimeout(); got != 30*time.Second {
		t.Errorf("DockerExecTimeout = %v, want 30s", got)
	}
	if got := cfg.Timeouts.HealthCheckTimeout(); got != 5*time.Second {
		t.Errorf("HealthCheckTimeout = %v, want 5s", got)
	}
	if got := cfg.Timeouts.InterruptTimeout(); got != 5*time.Second {
		t.Errorf("InterruptTimeout = %v, want 5s", got)
	}
	if got := cfg.Timeouts.Retries(); got != 3 {
		t.Errorf("Retries = %d, want 3", got)
	}
	if got := cfg.Docker.ImageName(); got != "ctfarena/warden-runtime:latest" {
		t.Errorf("ImageName = %q", got)
	}
	if got := cfg.Docker.StartupDelay(); got != time.Second {
		t.Errorf("StartupDelay = %v, want 1s", got)
	}
	if cfg.Restriction != nil {
		t.Error("Restriction should default to nil (disabled)")
	}
	if cfg.Observability != nil {
		t.Error("Observability should default to nil (disabled)")
	}
}

func TestAllocatorNilSafeGetters(t *testing.T) {
	var a *AllocatorConfig

	start, end := a.PortRange()
	if start != 10000 || end != 20000 {
		t.Errorf("PortRange = [%d,%d], want [10000,20000]", start, end)
	}
	if got := a.PortWaitMax(); got != 60*time.Second {
		t.Errorf("PortWaitMax = %v, want 60s", got)
	}
	if got := a.Prefix(); got != "ctfnet" {
		t.Errorf("Prefix = %q, want ctfnet", got)
	}
	if got := a.LeasePath(); got == "" {
		t.Error("LeasePath should never be empty")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"timeouts": {"action_seconds": 40, "max_retries": 5},
		"docker": {"image": "ctfarena/custom:v2"},
		"restriction": {"enabled": true, "extra_allowed_cidrs": ["203.0.113.0/24"]},
		"allocator": {"dynamic_ports": true, "port_range_start": 15000, "port_range_end": 16000}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Timeouts.ActionTimeout(); got != 40*time.Second {
		t.Errorf("ActionTimeout = %v, want 40s", got)
	}
	if got := cfg.Timeouts.Retries(); got != 5 {
		t.Errorf("Retries = %d, want 5", got)
	}
	// Unset fields keep their documented defaults.
	if got := cfg.Timeouts.NoOutputTimeout(); got != 25*time.Second {
		t.Errorf("NoOutputTimeout = %v, want 25s", got)
	}
	if got := cfg.Docker.ImageName(); got != "ctfarena/custom:v2" {
		t.Errorf("ImageName = %q", got)
	}
	if cfg.Restriction == nil || !cfg.Restriction.Enabled {
		t.Fatal("restriction should be enabled")
	}
	if len(cfg.Restriction.ExtraAllowedCIDRs) != 1 {
		t.Errorf("ExtraAllowedCIDRs = %v", cfg.Restriction.ExtraAllowedCIDRs)
	}
	start, end := cfg.Allocator.PortRange()
	if start != 15000 || end != 16000 {
		t.Errorf("PortRange = [%d,%d], want [15000,16000]", start, end)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
timeouts:
  no_output_seconds: 10
allocator:
  dynamic_ports: true
  network_prefix: arena
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Timeouts.NoOutputTimeout(); got != 10*time.Second {
		t.Errorf("NoOutputTimeout = %v, want 10s", got)
	}
	if cfg.Allocator == nil || !cfg.Allocator.DynamicPorts {
		t.Fatal("allocator should be enabled")
	}
	if got := cfg.Allocator.Prefix(); got != "arena" {
		t.Errorf("Prefix = %q, want arena", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error should wrap os.ErrNotExist, got %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, "bad.json", `{"timeouts": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, "config.json", `{"timeouts": {"action_seconds": 40}}`)

	t.Setenv("WARDEN_ACTION_TIMEOUT", "90")
	t.Setenv("WARDEN_MAX_RETRIES", "7")
	t.Setenv("WARDEN_IMAGE", "ctfarena/override:latest")
	t.Setenv("WARDEN_ENABLE_NETWORK_RESTRICTION", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Timeouts.ActionTimeout(); got != 90*time.Second {
		t.Errorf("ActionTimeout = %v, want 90s (env should win over file)", got)
	}
	if got := cfg.Timeouts.Retries(); got != 7 {
		t.Errorf("Retries = %d, want 7", got)
	}
	if got := cfg.Docker.ImageName(); got != "ctfarena/override:latest" {
		t.Errorf("ImageName = %q", got)
	}
	if cfg.Restriction == nil || !cfg.Restriction.Enabled {
		t.Error("restriction should be enabled via env")
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("WARDEN_ACTION_TIMEOUT", "not-a-number")
	t.Setenv("WARDEN_MAX_RETRIES", "-2")

	cfg := Default()
	if got := cfg.Timeouts.ActionTimeout(); got != 25*time.Second {
		t.Errorf("ActionTimeout = %v, want default 25s", got)
	}
	if got := cfg.Timeouts.Retries(); got != 3 {
		t.Errorf("Retries = %d, want default 3", got)
	}
}

func TestEnvOverrideCreatesAllocator(t *testing.T) {
	t.Setenv("WARDEN_DYNAMIC_PORTS", "true")
	t.Setenv("WARDEN_PORT_RANGE_START", "12000")
	t.Setenv("WARDEN_PORT_RANGE_END", "13000")

	cfg := Default()
	if cfg.Allocator == nil || !cfg.Allocator.DynamicPorts {
		t.Fatal("allocator should be created and enabled via env")
	}
	start, end := cfg.Allocator.PortRange()
	if start != 12000 || end != 13000 {
		t.Errorf("PortRange = [%d,%d], want [12000,13000]", start, end)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero value", cfg: Config{}},
		{
			name:    "negative timeout",
			cfg:     Config{Timeouts: TimeoutConfig{ActionSeconds: -1}},
			wantErr: true,
		},
		{
			name:    "empty port range",
			cfg:     Config{Allocator: &AllocatorConfig{PortRangeStart: 16000, PortRangeEnd: 15000}},
			wantErr: true,
		},
		{
			name:    "privileged ports",
			cfg:     Config{Allocator: &AllocatorConfig{PortRangeStart: 80, PortRangeEnd: 9000}},
			wantErr: true,
		},
		{
			name: "valid allocator",
			cfg:  Config{Allocator: &AllocatorConfig{PortRangeStart: 15000, PortRangeEnd: 16000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
