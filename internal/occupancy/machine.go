package occupancy

import (
	"fmt"
	"sync"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/clock"
	"areapresence/internal/state"

	"go.uber.org/zap"
)

// neverActive is how far back the last-inactive time starts, so that an
// area with no history starts out clear.
const neverActive = 48 * time.Hour

// Source is the entity state collaborator of the machine
type Source interface {
	Reader
	Track(entityIDs []string, handler state.ChangeHandler) (state.Subscription, error)
}

// Transition describes a committed change of area state
type Transition struct {
	Area          string     `json:"area"`
	From          area.State `json:"from"`
	To            area.State `json:"to"`
	ActiveSensors []string   `json:"active_sensors"`
	At            time.Time  `json:"at"`
}

// Handler receives transitions in the order they were committed
type Handler func(Transition)

// Diagnostics is a read-only view of the machine's internals
type Diagnostics struct {
	State             area.State    `json:"state"`
	ActiveSensors     []string      `json:"active_sensors"`
	LastActiveSensors []string      `json:"last_active_sensors"`
	PresenceSensors   []string      `json:"presence_sensors"`
	ClearRemaining    time.Duration `json:"clear_remaining"`
	ExtendedRemaining time.Duration `json:"extended_remaining"`
	LastInactive      time.Time     `json:"last_inactive"`
}

type handlerEntry struct {
	id int
	fn Handler
}

// Machine owns the state of one area. Evaluations are serialized and
// transitions are delivered to subscribers in commit order.
type Machine struct {
	area   *area.Area
	source Source
	clock  clock.Clock
	logger *zap.Logger

	// evalMu serializes evaluate, including delivery of its transition
	evalMu sync.Mutex

	mu         sync.Mutex
	current    area.State
	lastOff    time.Time
	active     []string
	lastActive []string
	aggregator *Aggregator
	running    bool

	clearTimer    *clock.Slot
	extendedTimer *clock.Slot
	ticker        *clock.Ticker
	subs          []state.Subscription

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextID     int
}

// NewMachine creates a machine for a, starting from clear
func NewMachine(a *area.Area, source Source, clk clock.Clock, logger *zap.Logger) *Machine {
	return &Machine{
		area:          a,
		source:        source,
		clock:         clk,
		logger:        logger.Named("occupancy").With(zap.String("area", a.ID)),
		current:       area.Clear,
		lastOff:       clk.Now().Add(-neverActive),
		clearTimer:    clock.NewSlot(clk),
		extendedTimer: clock.NewSlot(clk),
	}
}

// Area returns the area the machine runs for
func (m *Machine) Area() *area.Area {
	return m.area
}

// Restore seeds the machine from a persisted snapshot. The timeout
// windows are resumed from the persisted countdowns.
func (m *Machine) Restore(snap area.OccupancySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c, e := m.area.ClearTimeout, m.area.ExtendedTimeout

	m.current = snap.State
	m.lastActive = append([]string(nil), snap.LastActiveSensors...)

	switch {
	case snap.State == area.Clear:
		m.lastOff = now.Add(-neverActive)
	case snap.State == area.Extended:
		m.lastOff = now.Add(-(c + e - snap.ExtendedTimeout))
		if snap.ExtendedTimeout <= 0 || snap.ExtendedTimeout > e {
			m.lastOff = now.Add(-c)
		}
	case snap.ClearTimeout > 0 && snap.ClearTimeout <= c:
		m.lastOff = now.Add(-(c - snap.ClearTimeout))
	default:
		m.lastOff = now
	}

	m.logger.Info("Restored area state",
		zap.String("state", string(snap.State)),
		zap.Duration("since_inactive", now.Sub(m.lastOff)))
}

// Start builds the sensor set, subscribes to every input and runs the
// first evaluation.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("occupancy for %s already started", m.area.ID)
	}

	sensors := m.area.PresenceSensors(func(entityID string) string {
		return m.source.Read(entityID).StringAttribute("device_class")
	})
	m.aggregator = NewAggregator(m.area, sensors, m.source, m.logger)
	m.running = true
	m.mu.Unlock()

	m.logger.Info("Starting occupancy tracking",
		zap.Strings("presence_sensors", sensors),
		zap.Duration("clear_timeout", m.area.ClearTimeout),
		zap.Duration("extended_timeout", m.area.ExtendedTimeout))

	if len(sensors) > 0 {
		if err := m.track(sensors, m.onSensorChange); err != nil {
			m.Stop()
			return err
		}
	} else {
		m.logger.Warn("Area has no presence sensors")
	}

	var triggers []string
	for _, c := range m.area.TriggerConfigs() {
		triggers = append(triggers, c.Entity)
	}
	if len(triggers) > 0 {
		if err := m.track(triggers, m.onTriggerChange); err != nil {
			m.Stop()
			return err
		}
	}

	if h := m.area.Humidity; h.Enabled() {
		if m.source.Read(h.Occupied).Found && m.source.Read(h.Empty).Found {
			if err := m.track([]string{h.Occupied, h.Empty}, m.onTriggerChange); err != nil {
				m.Stop()
				return err
			}
		} else {
			m.logger.Warn("Humidity trend sensors not found, ignoring",
				zap.String("occupied", h.Occupied),
				zap.String("empty", h.Empty))
		}
	}

	m.mu.Lock()
	m.ticker = clock.Every(m.clock, m.area.UpdateInterval, func() { m.evaluate("interval") })
	m.mu.Unlock()

	m.evaluate("start")
	return nil
}

func (m *Machine) track(entityIDs []string, handler state.ChangeHandler) error {
	sub, err := m.source.Track(entityIDs, handler)
	if err != nil {
		return fmt.Errorf("failed to track %v: %w", entityIDs, err)
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes from all inputs and cancels every timer
func (m *Machine) Stop() {
	m.mu.Lock()
	m.running = false
	subs := m.subs
	m.subs = nil
	ticker := m.ticker
	m.ticker = nil
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if ticker != nil {
		ticker.Stop()
	}
	m.clearTimer.Stop()
	m.extendedTimer.Stop()

	m.logger.Info("Stopped occupancy tracking")
}

// CurrentState returns the committed area state
func (m *Machine) CurrentState() area.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ForceReevaluate runs an evaluation outside the usual triggers
func (m *Machine) ForceReevaluate() {
	m.evaluate("forced")
}

// Subscribe registers h for transitions. The returned function removes it.
func (m *Machine) Subscribe(h Handler) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: h})

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, e := range m.handlers {
			if e.id == id {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// Diagnostics returns the active sensors and timeout countdowns
func (m *Machine) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Diagnostics{
		State:             m.current,
		ActiveSensors:     append([]string{}, m.active...),
		LastActiveSensors: append([]string{}, m.lastActive...),
		ClearRemaining:    m.clearTimer.Remaining(),
		ExtendedRemaining: m.extendedTimer.Remaining(),
		LastInactive:      m.lastOff,
	}
	if m.aggregator != nil {
		d.PresenceSensors = m.aggregator.Sensors()
	}
	return d
}

// Snapshot returns the persistable view of the machine
func (m *Machine) Snapshot() area.OccupancySnapshot {
	d := m.Diagnostics()
	return area.OccupancySnapshot{
		State:             d.State,
		ActiveSensors:     d.ActiveSensors,
		LastActiveSensors: d.LastActiveSensors,
		ClearTimeout:      d.ClearRemaining,
		ExtendedTimeout:   d.ExtendedRemaining,
	}
}

func (m *Machine) onSensorChange(entityID string, oldReading, newReading state.Reading) {
	if !newReading.Found {
		return
	}
	if !newReading.Valid() {
		m.logger.Debug("Sensor has invalid state",
			zap.String("entity_id", entityID),
			zap.String("state", newReading.Value))
		return
	}

	transitioned := !oldReading.Found || oldReading.Value != newReading.Value
	if transitioned && !m.isActiveValue(newReading.Value) {
		m.mu.Lock()
		m.lastOff = m.clock.Now()
		m.mu.Unlock()
		m.clearTimer.Stop()

		m.logger.Debug("Sensor went inactive",
			zap.String("entity_id", entityID),
			zap.String("state", newReading.Value))
	}

	m.evaluate("sensor")
}

func (m *Machine) onTriggerChange(entityID string, _, newReading state.Reading) {
	if newReading.Found && !newReading.Valid() {
		m.logger.Debug("Trigger has invalid state",
			zap.String("entity_id", entityID),
			zap.String("state", newReading.Value))
		return
	}
	m.evaluate("trigger")
}

func (m *Machine) isActiveValue(value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aggregator == nil {
		return false
	}
	return m.aggregator.IsActive(value)
}

func (m *Machine) onTimeout() {
	m.evaluate("timeout")
}

// evaluate aggregates the sensors, resolves the target state and commits it
func (m *Machine) evaluate(reason string) {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	result := m.aggregator.Aggregate()
	if result.TrendDown {
		m.lastOff = now
	}

	m.active = result.Active
	if len(result.Active) > 0 {
		m.lastActive = append([]string(nil), result.Active...)
	}

	target := m.resolve(result.Occupied, now)
	from := m.current
	if target == from {
		m.mu.Unlock()
		return
	}

	m.current = target
	tr := Transition{
		Area:          m.area.ID,
		From:          from,
		To:            target,
		ActiveSensors: append([]string{}, result.Active...),
		At:            now,
	}
	m.mu.Unlock()

	m.logger.Info("Area state changed",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
		zap.Strings("active_sensors", tr.ActiveSensors))

	m.handlersMu.Lock()
	handlers := append([]handlerEntry(nil), m.handlers...)
	m.handlersMu.Unlock()

	for _, h := range handlers {
		h.fn(tr)
	}
}

// resolve runs the timeout branch and the secondary state resolution.
// Must be called with mu held.
func (m *Machine) resolve(occupied bool, now time.Time) area.State {
	if occupied {
		m.clearTimer.Stop()
		m.extendedTimer.Stop()
		return m.secondaryState()
	}

	// Only a presence vote takes an area out of clear. A sensor settling
	// back to an inactive value (after a restart, say) must not reopen it.
	if m.current == area.Clear {
		m.clearTimer.Stop()
		m.extendedTimer.Stop()
		return area.Clear
	}

	elapsed := now.Sub(m.lastOff)
	c := m.area.ClearTimeout
	e := c + m.area.ExtendedTimeout

	if !m.clearTimer.Armed() && elapsed < c {
		m.clearTimer.Set(c-elapsed, m.onTimeout)
	}

	if elapsed >= e {
		m.extendedTimer.Stop()
		return area.Clear
	}

	if elapsed >= c {
		m.clearTimer.Stop()
		if !m.extendedTimer.Armed() {
			m.extendedTimer.Set(e-elapsed, m.onTimeout)
		}
		return area.Extended
	}

	return m.secondaryState()
}

// secondaryState starts from occupied and lets the last matching
// trigger config win.
func (m *Machine) secondaryState() area.State {
	target := area.Occupied

	for _, c := range m.area.TriggerConfigs() {
		reading := m.source.Read(c.Entity)
		if !reading.Found {
			m.logger.Warn("Trigger entity not found, skipping",
				zap.String("entity_id", c.Entity),
				zap.String("for_state", string(c.State)))
			continue
		}
		if c.Triggered(reading.Value) {
			m.logger.Debug("Secondary state triggered",
				zap.String("entity_id", c.Entity),
				zap.String("state", string(c.State)))
			target = c.State
		}
	}

	return target
}
