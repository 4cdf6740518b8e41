package allocator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// leaseEntry records who holds a port and since when.
type leaseEntry struct {
	Session  string    `json:"session"`
	Acquired time.Time `json:"acquired"`
}

// leaseTable maps host port to its lease.
type leaseTable map[int]leaseEntry

// withLeases runs fn against the lease table under an exclusive flock on
// the lease file, then writes the table back. The lock spans the full
// read-modify-write so concurrent sessions, including ones in other
// processes, never interleave pool scans.
func (a *Allocator) withLeases(fn func(leaseTable) (leaseTable, error)) error {
	path := a.cfg.LeasePath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lease file %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock lease file %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read lease file: %w", err)
	}

	table := leaseTable{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &table); err != nil {
			// A corrupt table would deadlock every future allocation.
			// Start fresh and let the bind probe catch live collisions.
			a.logger.Warn("lease file corrupt, resetting",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			table = leaseTable{}
		}
	}

	updated, err := fn(table)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize lease table: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lease file: %w", err)
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("write lease file: %w", err)
	}
	return nil
}
