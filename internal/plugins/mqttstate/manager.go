// Package mqttstate mirrors area transitions and light actions onto MQTT
package mqttstate

import (
	"errors"
	"sync"

	"areapresence/internal/areas"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"
	"areapresence/internal/publish"

	"go.uber.org/zap"
)

// Publisher is the outbound side of the MQTT connection
type Publisher interface {
	PublishTransition(tr occupancy.Transition) error
	PublishLightEvent(ev lightcontrol.Event, manual bool) error
}

// Manager forwards area events to the publisher
type Manager struct {
	events    areas.Events
	publisher Publisher
	isManual  func(areaID string) bool
	logger    *zap.Logger

	mu      sync.Mutex
	cancels []func()
}

// NewManager creates an MQTT state manager. isManual reports the manual
// control flag published with light events.
func NewManager(events areas.Events, publisher Publisher, isManual func(areaID string) bool, logger *zap.Logger) *Manager {
	return &Manager{
		events:    events,
		publisher: publisher,
		isManual:  isManual,
		logger:    logger.Named("mqttstate"),
	}
}

// Start subscribes to the areas
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancels = append(m.cancels,
		m.events.OnTransition(m.onTransition),
		m.events.OnLightEvent(m.onLightEvent),
	)
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

func (m *Manager) onTransition(tr occupancy.Transition) {
	m.report(m.publisher.PublishTransition(tr), tr.Area)
}

func (m *Manager) onLightEvent(ev lightcontrol.Event) {
	m.report(m.publisher.PublishLightEvent(ev, m.isManual(ev.Area)), ev.Area)
}

func (m *Manager) report(err error, areaID string) {
	switch {
	case err == nil:
	case errors.Is(err, publish.ErrNotConnected):
		// the retained message is rebuilt on the next change
		m.logger.Debug("MQTT not connected, dropping update", zap.String("area", areaID))
	default:
		m.logger.Warn("Failed to publish area update", zap.String("area", areaID), zap.Error(err))
	}
}
