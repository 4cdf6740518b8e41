package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctfarena/warden/internal/config"
)

const sampleManifest = `services:
  web:
    image: challenge/web:latest
    container_name: web
    environment:
      FLAG_PATH: /flag.txt
    ports:
      - 8000
    networks:
      - ctfnet
`

func newTestAllocator(t *testing.T, start, end int) *Allocator {
	t.Helper()
	cfg := config.AllocatorConfig{
		DynamicPorts:       true,
		PortRangeStart:     start,
		PortRangeEnd:       end,
		LeaseFile:          filepath.Join(t.TempDir(), "leases.json"),
		PortWaitMaxSeconds: 1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, config.TimeoutConfig{MaxRetries: 3}, logger)
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker-compose.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readRewritten(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestAllocateRewritesManifest(t *testing.T) {
	a := newTestAllocator(t, 10000, 10010)
	manifest := writeManifest(t, sampleManifest)

	alloc, err := a.Allocate(context.Background(), manifest, "sess-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	t.Cleanup(func() { a.Release(context.Background(), alloc, nil) })

	if len(alloc.Ports) != 1 {
		t.Fatalf("got %d port mappings, want 1", len(alloc.Ports))
	}
	pm := alloc.Ports[0]
	if pm.Internal != 8000 {
		t.Fatalf("internal port = %d, want 8000 unchanged", pm.Internal)
	}
	if pm.Host < 10000 || pm.Host > 10010 {
		t.Fatalf("host port %d outside pool", pm.Host)
	}

	doc := readRewritten(t, alloc.ManifestPath)
	services := doc["services"].(map[string]any)
	svcName := "web-" + alloc.Suffix
	svc, ok := services[svcName].(map[string]any)
	if !ok {
		t.Fatalf("rewritten manifest lacks service %q; has %v", svcName, services)
	}
	if got := svc["container_name"]; got != "web-"+alloc.Suffix {
		t.Fatalf("container_name = %v", got)
	}
	ports := svc["ports"].([]any)
	if got, want := fmt.Sprint(ports[0]), fmt.Sprintf("%d:8000", pm.Host); got != want {
		t.Fatalf("rewritten port = %q, want %q", got, want)
	}

	// Unrelated fields survive verbatim.
	env := svc["environment"].(map[string]any)
	if env["FLAG_PATH"] != "/flag.txt" {
		t.Fatalf("environment not preserved: %v", env)
	}

	// The service joins the suffixed network under its original name.
	networks := svc["networks"].(map[string]any)
	member, ok := networks[alloc.Network.Name].(map[string]any)
	if !ok {
		t.Fatalf("service not on network %s: %v", alloc.Network.Name, networks)
	}
	aliases := member["aliases"].([]any)
	if len(aliases) != 1 || aliases[0] != "web" {
		t.Fatalf("aliases = %v, want [web]", aliases)
	}

	// The topology network is internally created, bridge driver.
	topNets := doc["networks"].(map[string]any)
	netDef := topNets[alloc.Network.Name].(map[string]any)
	if netDef["driver"] != "bridge" || netDef["name"] != alloc.Network.Name {
		t.Fatalf("network definition = %v", netDef)
	}
}

func TestConcurrentSessionsGetDisjointPorts(t *testing.T) {
	dir := t.TempDir()
	lease := filepath.Join(dir, "leases.json")
	mk := func() *Allocator {
		cfg := config.AllocatorConfig{
			PortRangeStart:     10000,
			PortRangeEnd:       10010,
			LeaseFile:          lease,
			PortWaitMaxSeconds: 1,
		}
		return New(cfg, config.TimeoutConfig{MaxRetries: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	a1, a2 := mk(), mk()

	m1 := writeManifest(t, sampleManifest)
	m2 := writeManifest(t, sampleManifest)

	alloc1, err := a1.Allocate(context.Background(), m1, "sess-1")
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	alloc2, err := a2.Allocate(context.Background(), m2, "sess-2")
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}

	p1, p2 := alloc1.Ports[0].Host, alloc2.Ports[0].Host
	if p1 == p2 {
		t.Fatalf("both sessions drew host port %d", p1)
	}
	if alloc1.Ports[0].Internal != 8000 || alloc2.Ports[0].Internal != 8000 {
		t.Fatal("internal ports must stay 8000 on both")
	}
	if alloc1.Network.Name == alloc2.Network.Name {
		t.Fatalf("both sessions share network %s", alloc1.Network.Name)
	}
}

func TestReleaseMakesPortsReusable(t *testing.T) {
	// Pool of exactly one port forces reuse to go through release.
	a := newTestAllocator(t, 10100, 10100)
	m := writeManifest(t, sampleManifest)

	alloc, err := a.Allocate(context.Background(), m, "sess-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(context.Background(), alloc, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(alloc.ManifestPath); !os.IsNotExist(err) {
		t.Fatal("rewritten manifest not removed on release")
	}

	again, err := a.Allocate(context.Background(), m, "sess-2")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if again.Ports[0].Host != 10100 {
		t.Fatalf("reused port = %d, want 10100", again.Ports[0].Host)
	}
}

func TestExhaustionAfterBoundedWait(t *testing.T) {
	a := newTestAllocator(t, 10200, 10200)
	m := writeManifest(t, sampleManifest)

	// A foreign session holds the only port.
	if _, err := a.tryAcquire("other-session", 1); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	start := time.Now()
	_, err := a.Allocate(context.Background(), m, "sess-1")
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("err = %v, want ErrAllocationExhausted", err)
	}
	if time.Since(start) < time.Second {
		t.Fatal("allocator gave up before the bounded wait elapsed")
	}
}

func TestExhaustionHonorsContext(t *testing.T) {
	a := newTestAllocator(t, 10300, 10300)
	m := writeManifest(t, sampleManifest)
	if _, err := a.tryAcquire("other-session", 1); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := a.Allocate(ctx, m, "sess-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

type flakyRemover struct {
	failures int
	calls    []string
}

func (r *flakyRemover) RemoveNetwork(_ context.Context, name string) error {
	r.calls = append(r.calls, name)
	if len(r.calls) <= r.failures {
		return errors.New("network has active endpoints")
	}
	return nil
}

func TestReleaseRetriesNetworkRemoval(t *testing.T) {
	a := newTestAllocator(t, 10400, 10410)
	m := writeManifest(t, sampleManifest)

	alloc, err := a.Allocate(context.Background(), m, "sess-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	remover := &flakyRemover{failures: 1}
	if err := a.Release(context.Background(), alloc, remover); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(remover.calls) != 2 {
		t.Fatalf("RemoveNetwork called %d times, want 2", len(remover.calls))
	}
	if remover.calls[0] != alloc.Network.Name {
		t.Fatalf("removed %q, want %q", remover.calls[0], alloc.Network.Name)
	}
}

func TestReleaseReportsButStillFreesPortsOnRemovalFailure(t *testing.T) {
	lease := filepath.Join(t.TempDir(), "leases.json")
	cfg := config.AllocatorConfig{
		PortRangeStart:     10500,
		PortRangeEnd:       10510,
		LeaseFile:          lease,
		PortWaitMaxSeconds: 1,
	}
	a := New(cfg, config.TimeoutConfig{MaxRetries: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := writeManifest(t, sampleManifest)

	alloc, err := a.Allocate(context.Background(), m, "sess-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	remover := &flakyRemover{failures: 100}
	if err := a.Release(context.Background(), alloc, remover); err == nil {
		t.Fatal("expected a cleanup warning error")
	}

	// Ports must be free again even though the network lingered.
	got, err := a.tryAcquire("sess-2", 1)
	if err != nil {
		t.Fatalf("tryAcquire after release: %v", err)
	}
	if got[0] != alloc.Ports[0].Host {
		// Any pool port is fine; the leased one just must not be held.
		var held bool
		_ = a.withLeases(func(table leaseTable) (leaseTable, error) {
			_, held = table[alloc.Ports[0].Host]
			return table, nil
		})
		if held {
			t.Fatal("released port still leased")
		}
	}
}

func TestFailedAllocateReleasesItsLeases(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	// Pool of one port: a leaked lease would starve the retry.
	a := newTestAllocator(t, 10800, 10800)

	dir := t.TempDir()
	manifest := filepath.Join(dir, "docker-compose.yaml")
	if err := os.WriteFile(manifest, []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	// Ports lease fine, but the rewritten manifest cannot be written next to
	// the original.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if _, err := a.Allocate(context.Background(), manifest, "sess-1"); err == nil {
		t.Fatal("Allocate should fail when the manifest directory is read-only")
	}

	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	alloc, err := a.Allocate(context.Background(), manifest, "sess-2")
	if err != nil {
		t.Fatalf("Allocate after failed attempt: %v", err)
	}
	if alloc.Ports[0].Host != 10800 {
		t.Fatalf("port = %d, want the single pool port back", alloc.Ports[0].Host)
	}
}

func TestPruneLeases(t *testing.T) {
	a := newTestAllocator(t, 10600, 10610)
	if _, err := a.tryAcquire("stale-session", 2); err != nil {
		t.Fatalf("seed leases: %v", err)
	}

	pruned, err := a.PruneLeases(0)
	if err != nil {
		t.Fatalf("PruneLeases: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned %d leases, want 2", pruned)
	}
	if _, err := a.tryAcquire("sess-1", 2); err != nil {
		t.Fatalf("pool not free after prune: %v", err)
	}
}

func TestSuffixShapesNames(t *testing.T) {
	a := newTestAllocator(t, 10700, 10710)
	m := writeManifest(t, sampleManifest)

	alloc, err := a.Allocate(context.Background(), m, "sess-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(alloc.Suffix) != 8 {
		t.Fatalf("suffix %q, want 8 characters", alloc.Suffix)
	}
	if !strings.HasPrefix(alloc.Network.Name, "ctfnet-") {
		t.Fatalf("network name %q, want ctfnet- prefix", alloc.Network.Name)
	}
	if !strings.Contains(alloc.ManifestPath, alloc.Suffix) {
		t.Fatalf("manifest path %q does not carry the suffix", alloc.ManifestPath)
	}
}
