// Package allocator hands out collision-free host ports and uniquely named
// bridge networks so many challenge topologies can run on one host at once.
// The port pool is the only resource shared across sessions, so leases live
// in a host-wide file guarded by flock(2). Everything else an allocation
// produces (rewritten manifest, network name) is session-private.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ctfarena/warden/internal/config"
)

// retryInterval is the pause between pool scans while waiting for a free
// port. Pool pressure is expected to be transient under parallel load.
const retryInterval = 2 * time.Second

// ErrAllocationExhausted is returned when no free port appears within the
// configured maximum wait. Fatal to session bring-up, retryable by the
// caller.
var ErrAllocationExhausted = errors.New("allocator: port pool exhausted")

// PortMapping binds a service's declared internal port to a leased host
// port. The internal side never changes during rewriting.
type PortMapping struct {
	Service  string
	Internal int
	Host     int
}

// NetworkAllocation names the bridge network reserved for one session.
type NetworkAllocation struct {
	Name   string
	Suffix string
}

// Allocation is everything Allocate reserved for one session. Release
// returns it all.
type Allocation struct {
	Session      string
	Suffix       string
	Network      NetworkAllocation
	Ports        []PortMapping
	ManifestPath string // rewritten compose file, sibling of the original
}

// NetworkRemover tears down the session's bridge network. Satisfied by
// runtime.Client.
type NetworkRemover interface {
	RemoveNetwork(ctx context.Context, name string) error
}

// Allocator draws ports from the shared pool and rewrites topology
// manifests. Safe for use by concurrent sessions in one process and across
// processes on the same host.
type Allocator struct {
	cfg      config.AllocatorConfig
	timeouts config.TimeoutConfig
	logger   *slog.Logger

	// OnAllocate and OnRelease, when set, observe every allocation outcome
	// and every Release returning ports to the pool. A failed allocation
	// rolls its own leases back silently. Nil-safe.
	OnAllocate func(ports int, err error)
	OnRelease  func(ports int)
}

// New creates an Allocator.
func New(cfg config.AllocatorConfig, timeouts config.TimeoutConfig, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Allocator{cfg: cfg, timeouts: timeouts, logger: logger}
}

// Allocate parses manifestPath, leases one host port per declared internal
// port, and writes a rewritten manifest next to the original with service
// names, container names, and the network uniquely suffixed. Internal ports
// are preserved; only host-side mappings change.
func (a *Allocator) Allocate(ctx context.Context, manifestPath, sessionID string) (*Allocation, error) {
	alloc, err := a.allocate(ctx, manifestPath, sessionID)
	if a.OnAllocate != nil {
		ports := 0
		if alloc != nil {
			ports = len(alloc.Ports)
		}
		a.OnAllocate(ports, err)
	}
	return alloc, err
}

func (a *Allocator) allocate(ctx context.Context, manifestPath, sessionID string) (*Allocation, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	decls, err := declaredPorts(doc)
	if err != nil {
		return nil, err
	}

	hosts, err := a.acquire(ctx, sessionID, len(decls))
	if err != nil {
		return nil, err
	}

	mappings := make([]PortMapping, len(decls))
	for i, d := range decls {
		mappings[i] = PortMapping{Service: d.service, Internal: d.internal, Host: hosts[i]}
	}

	suffix := shortSuffix()
	networkName := a.cfg.Prefix() + "-" + suffix

	// Past this point the leases are held, so every failure must give them
	// back before returning.
	rollback := func(stage string, err error) (*Allocation, error) {
		if _, relErr := a.releasePorts(sessionID); relErr != nil {
			a.logger.Warn("release after failed "+stage, slog.String("error", relErr.Error()))
		}
		return nil, err
	}

	rewritten, err := rewriteManifest(doc, suffix, a.cfg.Prefix(), networkName, mappings)
	if err != nil {
		return rollback("rewrite", err)
	}

	out, err := yaml.Marshal(rewritten)
	if err != nil {
		return rollback("serialize", fmt.Errorf("serialize rewritten manifest: %w", err))
	}
	outPath := filepath.Join(filepath.Dir(manifestPath), "docker-compose-"+suffix+".yaml")
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return rollback("write", fmt.Errorf("write rewritten manifest: %w", err))
	}

	a.logger.Info("allocation complete",
		slog.String("session", sessionID),
		slog.String("network", networkName),
		slog.Int("ports", len(mappings)),
	)
	return &Allocation{
		Session:      sessionID,
		Suffix:       suffix,
		Network:      NetworkAllocation{Name: networkName, Suffix: suffix},
		Ports:        mappings,
		ManifestPath: outPath,
	}, nil
}

// Release returns the allocation's ports to the pool, removes the rewritten
// manifest, and tears down the network. Network removal fails transiently
// while containers are still detaching, so it retries with exponential
// backoff up to the configured retry ceiling. The returned error is a
// cleanup warning for the caller to log; it must never fail the session.
func (a *Allocator) Release(ctx context.Context, alloc *Allocation, networks NetworkRemover) error {
	if alloc == nil {
		return nil
	}

	var errs []error
	released, err := a.releasePorts(alloc.Session)
	if err != nil {
		errs = append(errs, fmt.Errorf("release ports: %w", err))
	} else if released > 0 && a.OnRelease != nil {
		a.OnRelease(released)
	}
	if alloc.ManifestPath != "" {
		if err := os.Remove(alloc.ManifestPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove rewritten manifest: %w", err))
		}
	}

	if networks != nil && alloc.Network.Name != "" {
		backoff := time.Second
		var last error
	removal:
		for attempt := 0; attempt < a.timeouts.Retries(); attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					last = ctx.Err()
					break removal
				case <-time.After(backoff):
					backoff *= 2
				}
			}
			if last = networks.RemoveNetwork(ctx, alloc.Network.Name); last == nil {
				break
			}
			a.logger.Warn("network removal failed, retrying",
				slog.String("network", alloc.Network.Name),
				slog.Int("attempt", attempt+1),
				slog.String("error", last.Error()),
			)
		}
		if last != nil {
			errs = append(errs, fmt.Errorf("remove network %s: %w", alloc.Network.Name, last))
		}
	}
	return errors.Join(errs...)
}

// acquire leases n distinct ports for sessionID, scanning the pool in
// randomized order and retrying until the outer wait cap. All n ports are
// taken in one lease-file transaction so a partially satisfied request
// never holds leases.
func (a *Allocator) acquire(ctx context.Context, sessionID string, n int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}
	deadline := time.Now().Add(a.cfg.PortWaitMax())
	for {
		ports, err := a.tryAcquire(sessionID, n)
		if err == nil {
			return ports, nil
		}
		if !errors.Is(err, errPoolBusy) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %d ports requested, waited %s", ErrAllocationExhausted, n, a.cfg.PortWaitMax())
		}
		a.logger.Debug("port pool busy, waiting",
			slog.String("session", sessionID),
			slog.Int("requested", n),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// errPoolBusy marks a scan that found too few free ports; acquire retries.
var errPoolBusy = errors.New("allocator: not enough free ports this scan")

func (a *Allocator) tryAcquire(sessionID string, n int) ([]int, error) {
	var picked []int
	err := a.withLeases(func(table leaseTable) (leaseTable, error) {
		start, end := a.cfg.PortRange()
		candidates := make([]int, 0, end-start+1)
		for p := start; p <= end; p++ {
			if _, leased := table[p]; !leased {
				candidates = append(candidates, p)
			}
		}
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})

		picked = picked[:0]
		for _, p := range candidates {
			if len(picked) == n {
				break
			}
			// The lease file does not know about foreign listeners, so
			// confirm the port actually binds before taking it.
			if !portFree(p) {
				continue
			}
			picked = append(picked, p)
		}
		if len(picked) < n {
			return nil, errPoolBusy
		}
		now := time.Now()
		for _, p := range picked {
			table[p] = leaseEntry{Session: sessionID, Acquired: now}
		}
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

func (a *Allocator) releasePorts(sessionID string) (int, error) {
	released := 0
	err := a.withLeases(func(table leaseTable) (leaseTable, error) {
		for p, lease := range table {
			if lease.Session == sessionID {
				delete(table, p)
				released++
			}
		}
		return table, nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// PruneLeases drops every lease older than olderThan and reports how many
// were removed. With a zero duration it clears the table, which is what the
// cleanup command wants after it has destroyed all dynamic networks.
func (a *Allocator) PruneLeases(olderThan time.Duration) (int, error) {
	pruned := 0
	cutoff := time.Now().Add(-olderThan)
	err := a.withLeases(func(table leaseTable) (leaseTable, error) {
		for p, lease := range table {
			if lease.Acquired.Before(cutoff) {
				delete(table, p)
				pruned++
			}
		}
		return table, nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// portFree reports whether the host port currently binds on loopback.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// shortSuffix returns an eight-character unique tag for names.
func shortSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
