// Package persistence restores area snapshots at startup and saves them
// whenever an area changes.
package persistence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"
	"areapresence/internal/store"

	"go.uber.org/zap"
)

// CheckpointInterval is how often every area is saved regardless of changes,
// so the persisted countdowns stay close to the live ones.
const CheckpointInterval = 5 * time.Minute

// Manager keeps the store in step with the areas
type Manager struct {
	registry *areas.Registry
	store    store.Store
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	cancels []func()
	ticker  *clock.Ticker
}

// NewManager creates a persistence manager
func NewManager(registry *areas.Registry, st store.Store, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		store:    st,
		clock:    clk,
		logger:   logger.Named("persistence"),
	}
}

// Start restores every area and begins saving. It must run before the
// areas are started.
func (m *Manager) Start() error {
	m.pruneUnknown()
	for _, u := range m.registry.List() {
		m.restore(u)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancels = append(m.cancels,
		m.registry.OnTransition(m.onTransition),
		m.registry.OnLightEvent(m.onLightEvent),
		m.registry.BeforeStop(m.save),
	)
	m.ticker = clock.Every(m.clock, CheckpointInterval, m.checkpoint)

	m.logger.Info("Persistence started", zap.Int("areas", len(m.registry.List())))
	return nil
}

// Stop stops saving. Snapshots taken by the areas' own shutdown are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	ticker := m.ticker
	m.ticker = nil
	m.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	for _, cancel := range cancels {
		cancel()
	}
	m.logger.Info("Persistence stopped")
}

func (m *Manager) restore(u *areas.Unit) {
	id := u.Area.ID

	rec, err := m.store.Load(store.KindOccupancy, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.logger.Debug("No saved occupancy state", zap.String("area", id))
	case err != nil:
		m.logger.Warn("Failed to load occupancy state", zap.String("area", id), zap.Error(err))
	default:
		snap, err := area.OccupancySnapshotFromAttributes(rec.Attributes)
		if err != nil {
			m.logger.Warn("Ignoring saved occupancy state", zap.String("area", id), zap.Error(err))
		} else {
			u.Occupancy.Restore(snap)
		}
	}

	rec, err = m.store.Load(store.KindLights, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.logger.Debug("No saved light state", zap.String("area", id))
	case err != nil:
		m.logger.Warn("Failed to load light state", zap.String("area", id), zap.Error(err))
	default:
		u.Lights.Restore(area.LightSnapshotFromAttributes(rec.Attributes))
	}
}

// pruneUnknown drops snapshots of areas that are no longer configured
func (m *Manager) pruneUnknown() {
	for _, kind := range []store.Kind{store.KindOccupancy, store.KindLights} {
		records, err := m.store.List(kind)
		if err != nil {
			m.logger.Warn("Failed to list saved states", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for id := range records {
			if _, ok := m.registry.Get(id); ok {
				continue
			}
			if err := m.store.Delete(kind, id); err != nil {
				m.logger.Warn("Failed to delete stale state", zap.String("area", id), zap.Error(err))
				continue
			}
			m.logger.Info("Deleted state of unconfigured area",
				zap.String("area", id),
				zap.String("kind", string(kind)))
		}
	}
}

func (m *Manager) onTransition(tr occupancy.Transition) {
	if u, ok := m.registry.Get(tr.Area); ok {
		m.saveOccupancy(u)
	}
}

func (m *Manager) onLightEvent(ev lightcontrol.Event) {
	if u, ok := m.registry.Get(ev.Area); ok {
		m.saveLights(u)
	}
}

func (m *Manager) checkpoint() {
	for _, u := range m.registry.List() {
		m.save(u)
	}
}

func (m *Manager) save(u *areas.Unit) {
	m.saveOccupancy(u)
	m.saveLights(u)
}

func (m *Manager) saveOccupancy(u *areas.Unit) {
	if err := m.put(store.KindOccupancy, u.Area.ID, u.Occupancy.Snapshot().Attributes()); err != nil {
		m.logger.Error("Failed to save occupancy state", zap.String("area", u.Area.ID), zap.Error(err))
	}
}

func (m *Manager) saveLights(u *areas.Unit) {
	if err := m.put(store.KindLights, u.Area.ID, u.Lights.Snapshot().Attributes()); err != nil {
		m.logger.Error("Failed to save light state", zap.String("area", u.Area.ID), zap.Error(err))
	}
}

func (m *Manager) put(kind store.Kind, id string, attrs map[string]interface{}) error {
	if err := m.store.Save(kind, id, attrs); err != nil {
		return fmt.Errorf("failed to save %s snapshot: %w", kind, err)
	}
	return nil
}
