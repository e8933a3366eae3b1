// Package registry is the in-memory agent descriptor registry.
// Supports file-based snapshot persistence so registrations survive restarts.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents map[string]*models.AgentDescriptor `json:"agents"`
}

// MemoryRegistry implements contracts.AgentRegistry with one map guarded by
// one RWMutex. Descriptors are copied in and out.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentDescriptor

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewMemoryRegistry creates a registry. When dataDir is non-empty the
// registry is persisted to dataDir/agents.json.
func NewMemoryRegistry(dataDir string) *MemoryRegistry {
	r := &MemoryRegistry{
		agents: make(map[string]*models.AgentDescriptor),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, registry persistence disabled")
		} else {
			r.snapshotPath = filepath.Join(dataDir, "agents.json")
			r.loadSnapshot()
			go r.saveLoop()
		}
	}

	log.Info().Str("snapshot", r.snapshotPath).Int("agents", len(r.agents)).Msg("Agent registry configured")
	return r
}

// requestSave signals the background goroutine to persist data.
func (r *MemoryRegistry) requestSave() {
	if r.snapshotPath == "" {
		return
	}
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (r *MemoryRegistry) saveLoop() {
	for {
		select {
		case <-r.doneCh:
			return
		case <-r.saveCh:
			time.Sleep(500 * time.Millisecond)
			r.saveSnapshot()
		}
	}
}

func (r *MemoryRegistry) saveSnapshot() {
	r.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Agents: r.agents}, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal registry snapshot")
		return
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write registry snapshot")
		return
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", r.snapshotPath).Msg("Failed to rename registry snapshot")
		return
	}
	log.Debug().Str("path", r.snapshotPath).Msg("Registry snapshot saved")
}

func (r *MemoryRegistry) loadSnapshot() {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", r.snapshotPath).Msg("Failed to read registry snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", r.snapshotPath).Msg("Failed to parse registry snapshot, starting fresh")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, desc := range snap.Agents {
		if err := desc.Validate(); err != nil {
			log.Warn().Err(err).Str("agent", id).Msg("Dropping invalid descriptor from snapshot")
			continue
		}
		r.agents[id] = desc
	}
	log.Info().Int("agents", len(r.agents)).Str("path", r.snapshotPath).Msg("Registry snapshot loaded")
}

// Close stops the save loop and flushes a final snapshot.
// Safe to call multiple times.
func (r *MemoryRegistry) Close() error {
	r.closeOnce.Do(func() {
		close(r.doneCh)
		if r.snapshotPath != "" {
			r.saveSnapshot()
		}
	})
	return nil
}

func clone(d *models.AgentDescriptor) *models.AgentDescriptor {
	cp := *d
	cp.Capabilities = append([]models.Capability(nil), d.Capabilities...)
	cp.PrimaryCapabilities = append([]models.Capability(nil), d.PrimaryCapabilities...)
	cp.Dependencies = append([]string(nil), d.Dependencies...)
	if d.Endpoints != nil {
		cp.Endpoints = make(map[string]string, len(d.Endpoints))
		for env, url := range d.Endpoints {
			cp.Endpoints[env] = url
		}
	}
	return &cp
}

// ── AgentRegistry ───────────────────────────────────────────

func (r *MemoryRegistry) RegisterAgent(_ context.Context, desc *models.AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.agents[desc.ID]; exists {
		r.mu.Unlock()
		return &models.ValidationError{Field: "id", Message: "agent already registered: " + desc.ID}
	}
	cp := clone(desc)
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now().UTC()
	}
	r.agents[desc.ID] = cp
	r.mu.Unlock()
	r.requestSave()
	return nil
}

func (r *MemoryRegistry) UnregisterAgent(_ context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if ok {
		r.requestSave()
	}
	return nil
}

func (r *MemoryRegistry) GetRegisteredAgent(_ context.Context, agentID string) (*models.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "Agent", Key: agentID}
	}
	return clone(d), nil
}

// ListAgents returns every descriptor sorted by id.
func (r *MemoryRegistry) ListAgents(_ context.Context) ([]models.AgentDescriptor, error) {
	r.mu.RLock()
	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, *clone(d))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByCapability returns agents declaring c, sorted by id.
func (r *MemoryRegistry) FindByCapability(_ context.Context, c models.Capability) ([]models.AgentDescriptor, error) {
	r.mu.RLock()
	var out []models.AgentDescriptor
	for _, d := range r.agents {
		if d.HasCapability(c) {
			out = append(out, *clone(d))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) SetHealth(_ context.Context, agentID string, healthy bool) error {
	r.mu.Lock()
	d, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &models.NotFoundError{Entity: "Agent", Key: agentID}
	}
	changed := d.Healthy != healthy
	d.Healthy = healthy
	r.mu.Unlock()
	if changed {
		r.requestSave()
	}
	return nil
}
