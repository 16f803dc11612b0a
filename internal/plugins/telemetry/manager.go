// Package telemetry writes area events to InfluxDB
package telemetry

import (
	"sync"

	"areapresence/internal/areas"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"go.uber.org/zap"
)

// Recorder is the metrics sink
type Recorder interface {
	RecordTransition(tr occupancy.Transition)
	RecordLightEvent(ev lightcontrol.Event)
}

// Manager forwards area events to the recorder. Writes are batched and
// asynchronous, so handlers never block on the network.
type Manager struct {
	events   areas.Events
	recorder Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	cancels []func()
}

// NewManager creates a telemetry manager
func NewManager(events areas.Events, recorder Recorder, logger *zap.Logger) *Manager {
	return &Manager{
		events:   events,
		recorder: recorder,
		logger:   logger.Named("telemetry"),
	}
}

// Start subscribes to the areas
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancels = append(m.cancels,
		m.events.OnTransition(m.recorder.RecordTransition),
		m.events.OnLightEvent(m.recorder.RecordLightEvent),
	)
	m.logger.Info("Telemetry started")
	return nil
}

// Stop unsubscribes from the areas
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
