// Package eventlog writes every transition and light command to the
// history database and prunes old rows.
package eventlog

import (
	"context"
	"sync"
	"time"

	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"go.uber.org/zap"
)

const (
	// Retention is how long rows are kept
	Retention = 30 * 24 * time.Hour

	// PruneInterval is how often old rows are deleted
	PruneInterval = 24 * time.Hour

	writeTimeout = 5 * time.Second
)

// Log is the write side of the history database
type Log interface {
	RecordTransition(ctx context.Context, tr occupancy.Transition) error
	RecordLightEvent(ctx context.Context, ev lightcontrol.Event) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager forwards area events to the log
type Manager struct {
	events areas.Events
	log    Log
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	cancels []func()
	ticker  *clock.Ticker
}

// NewManager creates an event log manager
func NewManager(events areas.Events, log Log, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		events: events,
		log:    log,
		clock:  clk,
		logger: logger.Named("eventlog"),
	}
}

// Start subscribes to the areas and prunes once
func (m *Manager) Start() error {
	m.mu.Lock()
	m.cancels = append(m.cancels,
		m.events.OnTransition(m.onTransition),
		m.events.OnLightEvent(m.onLightEvent),
	)
	m.ticker = clock.Every(m.clock, PruneInterval, m.prune)
	m.mu.Unlock()

	m.prune()
	m.logger.Info("Event log started", zap.Duration("retention", Retention))
	return nil
}

// Stop unsubscribes and stops pruning
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
}

func (m *Manager) onTransition(tr occupancy.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.log.RecordTransition(ctx, tr); err != nil {
		m.logger.Error("Failed to record transition",
			zap.String("area", tr.Area),
			zap.String("to", string(tr.To)),
			zap.Error(err))
	}
}

func (m *Manager) onLightEvent(ev lightcontrol.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.log.RecordLightEvent(ctx, ev); err != nil {
		m.logger.Error("Failed to record light event",
			zap.String("area", ev.Area),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

func (m *Manager) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	cutoff := m.clock.Now().Add(-Retention)
	n, err := m.log.Prune(ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to prune event log", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("Pruned event log", zap.Int64("rows", n), zap.Time("before", cutoff))
	}
}
