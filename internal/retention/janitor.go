// Package retention persists backup records through pluggable drivers and
// expires them once they fall outside the retention window.
//
// Drivers:
//   - memory:   in-process map (default, tests)
//   - local:    one JSONL file per backup, optionally gzipped
//   - sqlite:   modernc.org/sqlite catalog
//   - postgres: pgxpool catalog
//
// The janitor runs as a background goroutine and respects context
// cancellation. Expiry only flips completed records to expired; nothing is
// deleted.
package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// DefaultRetentionDays is the janitor-wide window. Backups created with
// their own RetentionDays carry an ExpiresAt and ignore it.
const DefaultRetentionDays = 30

// Janitor owns the driver registry and the expiry loop.
type Janitor struct {
	interval      time.Duration
	retentionDays int
	now           func() time.Time

	drivers        map[string]contracts.BackupDriver
	driverMu       sync.RWMutex
	defaultBackend string
}

// CycleStats is what one expiry sweep did.
type CycleStats struct {
	Expired map[string]int
	Errors  []error
}

// NewJanitor creates a janitor. Intervals under a minute fall back to an hour.
func NewJanitor(interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{
		interval:      interval,
		retentionDays: retentionDays,
		now:           time.Now,
		drivers:       make(map[string]contracts.BackupDriver),
	}
}

// SetClock replaces time.Now.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

func (j *Janitor) RetentionDays() int { return j.retentionDays }

// RegisterDriver adds a backup driver. The first registered driver becomes
// the default backend.
func (j *Janitor) RegisterDriver(driver contracts.BackupDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.drivers) == 0 {
		j.defaultBackend = kind
	}
	j.drivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Backup driver registered")
}

// SetDefaultBackend picks the driver used when a request names none.
func (j *Janitor) SetDefaultBackend(kind string) error {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	if _, ok := j.drivers[kind]; !ok {
		return fmt.Errorf("backup driver %q not registered", kind)
	}
	j.defaultBackend = kind
	return nil
}

func (j *Janitor) DefaultBackend() string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	return j.defaultBackend
}

// Driver returns the driver for kind, or the default driver when kind is empty.
func (j *Janitor) Driver(kind string) (contracts.BackupDriver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	if kind == "" {
		kind = j.defaultBackend
	}
	d, ok := j.drivers[kind]
	return d, ok
}

// Drivers returns the registered kinds, sorted.
func (j *Janitor) Drivers() []string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	kinds := make([]string, 0, len(j.drivers))
	for k := range j.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Start runs the expiry loop until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Strs("drivers", j.Drivers()).
		Str("default_backend", j.DefaultBackend()).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle expires completed backups past their own ExpiresAt, or older
// than the janitor's window when they have none, on every registered driver.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	now := j.now()
	cutoff := now.AddDate(0, 0, -j.retentionDays)
	stats := CycleStats{Expired: make(map[string]int)}

	j.driverMu.RLock()
	drivers := make([]contracts.BackupDriver, 0, len(j.drivers))
	for _, d := range j.drivers {
		drivers = append(drivers, d)
	}
	j.driverMu.RUnlock()

	total := 0
	for _, d := range drivers {
		n, err := d.MarkExpired(ctx, now, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("backend", d.Kind()).Msg("Retention cycle error")
			stats.Errors = append(stats.Errors, fmt.Errorf("%s: %w", d.Kind(), err))
			continue
		}
		stats.Expired[d.Kind()] = n
		total += n
	}

	if total > 0 {
		log.Info().
			Int("expired", total).
			Time("cutoff", cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// HealthCheck reports the first failing driver.
func (j *Janitor) HealthCheck(ctx context.Context) error {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	for kind, d := range j.drivers {
		if err := d.HealthCheck(ctx); err != nil {
			return fmt.Errorf("backup driver %s: %w", kind, err)
		}
	}
	return nil
}
