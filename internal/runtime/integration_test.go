package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// testImage is the runtime image the integration tests exec into. Build it
// (or pull any shell-capable image and tag it) before running with a live
// daemon; without it the tests skip.
const testImage = "ctfarena/warden-runtime:latest"

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker daemon not available")
	}
}

func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		t.Skipf("image %s not present", testImage)
	}
}

func newLiveClient(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func startTestContainer(t *testing.T, c *Client, capAdd []string) *Container {
	t.Helper()
	ctx := context.Background()
	ctr, err := c.CreateContainer(ctx, CreateSpec{
		Name:   fmt.Sprintf("warden-it-%d", time.Now().UnixNano()),
		Image:  testImage,
		Cmd:    []string{"sleep", "300"},
		Role:   RoleAgent,
		CapAdd: capAdd,
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	t.Cleanup(func() { c.RemoveContainer(context.Background(), ctr.ID) })
	return ctr
}

func TestLiveDaemonPing(t *testing.T) {
	skipIfNoDocker(t)
	c := newLiveClient(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestLiveContainerLifecycle(t *testing.T) {
	skipIfNoDocker(t)
	skipIfNoImage(t)
	c := newLiveClient(t)
	ctx := context.Background()

	ctr := startTestContainer(t, c, nil)
	if ctr.ID == "" || ctr.Role != RoleAgent {
		t.Fatalf("container = %+v", ctr)
	}

	out, err := c.Exec(ctx, ctr.ID, ExecSpec{Cmd: []string{"/bin/sh", "-c", "echo alive"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out.ExitCode != 0 || !strings.Contains(out.Stdout, "alive") {
		t.Fatalf("exec output = %+v", out)
	}

	out, err = c.Exec(ctx, ctr.ID, ExecSpec{Cmd: []string{"/bin/sh", "-c", "exit 7"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", out.ExitCode)
	}

	if err := c.RemoveContainer(ctx, ctr.ID); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	// Removal is idempotent.
	if err := c.RemoveContainer(ctx, ctr.ID); err != nil {
		t.Fatalf("second RemoveContainer: %v", err)
	}
}

func TestLiveNetworkLifecycle(t *testing.T) {
	skipIfNoDocker(t)
	skipIfNoImage(t)
	c := newLiveClient(t)
	ctx := context.Background()

	name := fmt.Sprintf("warden-it-net-%d", time.Now().UnixNano())
	if _, err := c.EnsureNetwork(ctx, name); err != nil {
		t.Fatalf("EnsureNetwork: %v", err)
	}
	t.Cleanup(func() { c.RemoveNetwork(context.Background(), name) })

	// Ensuring twice returns the same network instead of erroring.
	if _, err := c.EnsureNetwork(ctx, name); err != nil {
		t.Fatalf("second EnsureNetwork: %v", err)
	}

	ctr := startTestContainer(t, c, nil)
	if err := c.ConnectNetwork(ctx, name, ctr.ID, []string{"agent"}); err != nil {
		t.Fatalf("ConnectNetwork: %v", err)
	}

	names, err := c.ListNetworksByPrefix(ctx, "warden-it-net-")
	if err != nil {
		t.Fatalf("ListNetworksByPrefix: %v", err)
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("network %s not listed in %v", name, names)
	}

	if err := c.RemoveContainer(ctx, ctr.ID); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if err := c.RemoveNetwork(ctx, name); err != nil {
		t.Fatalf("RemoveNetwork: %v", err)
	}
}
