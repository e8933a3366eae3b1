package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// MemoryDriver keeps backups in process. Nothing survives a restart.
type MemoryDriver struct {
	mu      sync.RWMutex
	backups map[string]models.BackupRecord
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{backups: make(map[string]models.BackupRecord)}
}

func (d *MemoryDriver) Kind() string { return "memory" }

func (d *MemoryDriver) Save(_ context.Context, rec *models.BackupRecord) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := cloneRecord(rec)
	cp.Location = "memory://" + rec.BackupID
	d.backups[rec.BackupID] = cp
	return cp.Location, nil
}

func (d *MemoryDriver) Load(_ context.Context, backupID string) (*models.BackupRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.backups[backupID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "Backup", Key: backupID}
	}
	cp := cloneRecord(&rec)
	return &cp, nil
}

func (d *MemoryDriver) List(_ context.Context, agentID string) ([]models.BackupRecord, error) {
	d.mu.RLock()
	out := make([]models.BackupRecord, 0, len(d.backups))
	for _, rec := range d.backups {
		if agentID == "" || rec.AgentID == agentID {
			out = append(out, cloneRecord(&rec))
		}
	}
	d.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (d *MemoryDriver) MarkExpired(_ context.Context, now, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, rec := range d.backups {
		if rec.Expired(now, cutoff) {
			rec.Status = models.BackupExpired
			d.backups[id] = rec
			n++
		}
	}
	return n, nil
}

func (d *MemoryDriver) HealthCheck(context.Context) error { return nil }

func cloneRecord(rec *models.BackupRecord) models.BackupRecord {
	cp := *rec
	cp.Configuration = rec.Configuration.Clone()
	if rec.EnvVars != nil {
		cp.EnvVars = make(map[string]string, len(rec.EnvVars))
		for k, v := range rec.EnvVars {
			cp.EnvVars[k] = v
		}
	}
	return cp
}

func sortNewestFirst(recs []models.BackupRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].BackupTime.Equal(recs[j].BackupTime) {
			return recs[i].BackupTime.After(recs[j].BackupTime)
		}
		return recs[i].BackupID > recs[j].BackupID
	})
}
