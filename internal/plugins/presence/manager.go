// Package presence runs the area registry as a plugin. It starts after
// every sink has subscribed, so the first transitions reach all of them.
package presence

import (
	"areapresence/internal/areas"

	"go.uber.org/zap"
)

// Manager starts and stops the areas
type Manager struct {
	registry *areas.Registry
	logger   *zap.Logger
}

// NewManager creates a presence manager
func NewManager(registry *areas.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger.Named("presence"),
	}
}

// Start starts every area
func (m *Manager) Start() error {
	return m.registry.Start()
}

// Stop stops every area
func (m *Manager) Stop() {
	m.registry.Stop()
}

// Reset re-evaluates every area against the current sensor states
func (m *Manager) Reset() error {
	for _, u := range m.registry.List() {
		u.Occupancy.ForceReevaluate()
	}
	m.logger.Info("Re-evaluated all areas")
	return nil
}
