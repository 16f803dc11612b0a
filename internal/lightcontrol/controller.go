// Package lightcontrol keeps an area's lights in line with its occupancy
// state, dimming for ambient light and backing off while a person has
// taken manual control.
package lightcontrol

import (
	"fmt"
	"sync"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/occupancy"
	"areapresence/internal/state"

	"go.uber.org/zap"
)

// EventKind identifies what the controller did
type EventKind string

const (
	EventTurnOn   EventKind = "turn_on"
	EventTurnOff  EventKind = "turn_off"
	EventManual   EventKind = "manual"
	EventReleased EventKind = "released"
)

// Event is emitted after a command was sent or manual control changed
type Event struct {
	Area        string     `json:"area"`
	Kind        EventKind  `json:"kind"`
	State       area.State `json:"state,omitempty"`
	Entities    []string   `json:"entities,omitempty"`
	Brightness  int        `json:"brightness,omitempty"`
	Illuminance float64    `json:"illuminance,omitempty"`
	At          time.Time  `json:"at"`
}

// EventHandler receives controller events
type EventHandler func(Event)

type eventEntry struct {
	id int
	fn EventHandler
}

// Controller drives the lights of one area
type Controller struct {
	area     *area.Area
	source   occupancy.Source
	haClient ha.HAClient
	clock    clock.Clock
	logger   *zap.Logger
	readOnly bool

	// cmdMu serializes state-driven procedures. Light change events
	// caused by our own commands arrive while it is held, so the light
	// change path must never take it.
	cmdMu sync.Mutex

	mu                sync.Mutex
	current           area.State
	targets           []string
	isOn              bool
	brightness        int
	lastOnIlluminance float64
	manual            bool
	fromController    bool
	enabled           bool
	running           bool
	sub               state.Subscription

	manualTimer *clock.Slot

	handlersMu sync.Mutex
	handlers   []eventEntry
	nextID     int
}

// NewController creates a controller for a. Commands are only logged
// when readOnly is set.
func NewController(a *area.Area, source occupancy.Source, haClient ha.HAClient, clk clock.Clock, logger *zap.Logger, readOnly bool) *Controller {
	return &Controller{
		area:        a,
		source:      source,
		haClient:    haClient,
		clock:       clk,
		logger:      logger.Named("lights").With(zap.String("area", a.ID)),
		readOnly:    readOnly,
		current:     area.Clear,
		enabled:     a.Lighting.ControlEnabled,
		manualTimer: clock.NewSlot(clk),
	}
}

// Restore seeds the controller from a persisted snapshot. A restored
// manual condition gets a fresh auto-release timer.
func (c *Controller) Restore(snap area.LightSnapshot) {
	c.mu.Lock()
	c.isOn = snap.IsOn
	c.brightness = snap.Brightness
	c.lastOnIlluminance = snap.LastOnIlluminance
	c.manual = snap.ManualControl
	c.fromController = snap.LastUpdateFromEntity
	manual := c.manual
	c.mu.Unlock()

	if manual {
		c.armRelease()
	}

	c.logger.Info("Restored light state",
		zap.Bool("is_on", snap.IsOn),
		zap.Int("brightness", snap.Brightness),
		zap.Bool("manual_control", snap.ManualControl))
}

// Start follows the managed lights
func (c *Controller) Start() error {
	lights := c.area.Lights()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("lights for %s already started", c.area.ID)
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("Starting light control",
		zap.Strings("lights", lights),
		zap.Bool("control_enabled", c.ControlEnabled()),
		zap.Bool("read_only", c.readOnly))

	if len(lights) == 0 {
		c.logger.Warn("Area has no lights configured")
		return nil
	}

	sub, err := c.source.Track(lights, c.OnLightStateChanged)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to track lights: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.refreshObservedLocked()
	c.mu.Unlock()
	return nil
}

// Stop releases the light subscription and the auto-release timer
func (c *Controller) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.running = false
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.manualTimer.Stop()

	c.logger.Info("Stopped light control")
}

// OnStateChanged reacts to an occupancy transition
func (c *Controller) OnStateChanged(tr occupancy.Transition) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	c.current = tr.To
	c.mu.Unlock()

	if tr.To == area.Clear {
		c.SetManualControl(false)
	}

	conf, ok := c.area.StateConfig(tr.To)
	if !ok || len(conf.Lights) == 0 {
		c.logger.Debug("No lights configured for state", zap.String("state", string(tr.To)))
		return
	}

	c.mu.Lock()
	c.targets = append([]string(nil), conf.Lights...)
	c.mu.Unlock()

	// A clear config that lists lights is applied like any other state.
	c.turnOn(conf)
}

// IsUnderManualControl reports whether automatic commands are suspended
func (c *Controller) IsUnderManualControl() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual
}

// SetManualControl writes the manual control flag. Enabling it arms the
// auto-release timer; disabling it cancels the timer.
func (c *Controller) SetManualControl(enabled bool) {
	c.mu.Lock()
	changed := c.manual != enabled
	c.manual = enabled
	c.mu.Unlock()

	if enabled {
		c.armRelease()
	} else {
		c.manualTimer.Stop()
	}

	if !changed {
		return
	}

	kind := EventReleased
	if enabled {
		kind = EventManual
	}
	c.logger.Info("Manual control changed", zap.Bool("manual_control", enabled))
	c.emit(Event{Kind: kind})
}

// SetControlEnabled toggles the administrative switch. While disabled
// the controller keeps its bookkeeping but sends no commands.
func (c *Controller) SetControlEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()

	c.logger.Info("Light control switched", zap.Bool("enabled", enabled))
}

// ControlEnabled reports the administrative switch
func (c *Controller) ControlEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Targets returns the lights of the active state config
func (c *Controller) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.targets...)
}

// Snapshot returns the persistable view of the controller
func (c *Controller) Snapshot() area.LightSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return area.LightSnapshot{
		IsOn:                 c.isOn,
		Brightness:           c.brightness,
		LastOnIlluminance:    c.lastOnIlluminance,
		ManualControl:        c.manual,
		LastUpdateFromEntity: c.fromController,
	}
}

// Subscribe registers h for controller events. The returned function
// removes it.
func (c *Controller) Subscribe(h EventHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, eventEntry{id: id, fn: h})

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, e := range c.handlers {
			if e.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnLightStateChanged classifies a change of a managed light. Only flips
// of the group between on and off count; a flip we caused ourselves is
// consumed, anything else is a person taking over.
func (c *Controller) OnLightStateChanged(entityID string, oldReading, newReading state.Reading) {
	c.mu.Lock()
	wasOn := c.groupOnLocked(entityID, &oldReading)
	c.refreshObservedLocked()
	nowOn := c.isOn
	c.mu.Unlock()

	if !isOnOff(oldReading) || !isOnOff(newReading) {
		return
	}
	if wasOn == nowOn {
		return
	}

	if oldReading.Restored || newReading.Restored {
		if c.IsUnderManualControl() {
			c.armRelease()
		}
		return
	}

	c.mu.Lock()
	if c.fromController {
		c.fromController = false
		c.mu.Unlock()
		c.logger.Debug("Light change caused by controller", zap.String("entity_id", entityID))
		return
	}
	c.mu.Unlock()

	c.logger.Info("Manual light change detected",
		zap.String("entity_id", entityID),
		zap.String("old", oldReading.Value),
		zap.String("new", newReading.Value),
		zap.Duration("manual_timeout", c.area.Lighting.ManualTimeout))

	c.mu.Lock()
	c.manual = true
	c.mu.Unlock()
	c.armRelease()

	c.emit(Event{Kind: EventManual, Entities: []string{entityID}})
}

// turnOn runs the illuminance-aware turn-on procedure for conf
func (c *Controller) turnOn(conf area.StateConfig) {
	nominal := conf.NominalBrightness()

	c.mu.Lock()
	if c.isOn && c.brightness == nominal {
		c.mu.Unlock()
		c.logger.Debug("Lights already on at brightness", zap.Int("brightness", nominal))
		return
	}

	illuminance := c.illuminanceLocked()
	brightness := ScaleBrightness(nominal, illuminance,
		c.area.Lighting.MinIlluminance, c.area.Lighting.MaxIlluminance)

	if reason := c.blockedLocked(); reason != "" {
		c.mu.Unlock()
		c.logger.Info(reason+": would turn on lights",
			zap.Strings("lights", conf.Lights),
			zap.Int("brightness", brightness),
			zap.Float64("illuminance", illuminance))
		return
	}

	if brightness == 0 {
		c.mu.Unlock()
		c.logger.Debug("Ambient light above threshold, turning off",
			zap.Float64("illuminance", illuminance))
		c.turnOff()
		return
	}

	if c.isOn && c.brightness == brightness {
		c.mu.Unlock()
		c.logger.Debug("Lights already at scaled brightness", zap.Int("brightness", brightness))
		return
	}

	flips := !c.anyOnLocked()
	if flips {
		c.fromController = true
	}
	c.isOn = true
	c.brightness = brightness
	targets := append([]string(nil), c.targets...)
	current := c.current
	c.mu.Unlock()

	c.logger.Info("Turning on lights",
		zap.Strings("lights", targets),
		zap.Int("brightness", brightness),
		zap.Float64("illuminance", illuminance),
		zap.String("state", string(current)))

	err := c.haClient.CallService("light", "turn_on", map[string]interface{}{
		"entity_id":  targets,
		"brightness": brightness,
	})
	if err != nil {
		c.commandFailed(flips, "turn_on", err)
		return
	}

	c.emit(Event{
		Kind:        EventTurnOn,
		State:       current,
		Entities:    targets,
		Brightness:  brightness,
		Illuminance: illuminance,
	})
}

// turnOff switches the group off unless it already is
func (c *Controller) turnOff() {
	c.mu.Lock()
	if !c.isOn {
		c.mu.Unlock()
		c.logger.Debug("Lights already off")
		return
	}

	targets := append([]string(nil), c.targets...)
	if len(targets) == 0 {
		targets = c.area.Lights()
	}

	if reason := c.blockedLocked(); reason != "" {
		c.mu.Unlock()
		c.logger.Info(reason+": would turn off lights", zap.Strings("lights", targets))
		return
	}

	flips := c.anyOnLocked()
	if flips {
		c.fromController = true
	}
	c.isOn = false
	c.brightness = 0
	current := c.current
	c.mu.Unlock()

	c.logger.Info("Turning off lights", zap.Strings("lights", targets))

	err := c.haClient.CallService("light", "turn_off", map[string]interface{}{
		"entity_id": targets,
	})
	if err != nil {
		c.commandFailed(flips, "turn_off", err)
		return
	}

	c.emit(Event{Kind: EventTurnOff, State: current, Entities: targets})
}

// commandFailed undoes the optimistic bookkeeping of a command that never
// reached Home Assistant. Dispatch is not retried.
func (c *Controller) commandFailed(flagged bool, service string, err error) {
	c.mu.Lock()
	if flagged {
		c.fromController = false
	}
	c.refreshObservedLocked()
	c.mu.Unlock()

	c.logger.Error("Failed to send light command",
		zap.String("service", service),
		zap.Error(err))
}

// blockedLocked returns why commands may not be sent, or "" if they may
func (c *Controller) blockedLocked() string {
	switch {
	case c.readOnly:
		return "READ-ONLY"
	case !c.enabled:
		return "Control disabled"
	case c.manual:
		return "Manual control"
	}
	return ""
}

// illuminanceLocked returns the ambient light level to dim against. While
// the lights are on the level recorded at switch-on is reused, since the
// sensor would otherwise measure our own lights.
func (c *Controller) illuminanceLocked() float64 {
	if c.isOn {
		return c.lastOnIlluminance
	}

	sensor := c.area.Lighting.IlluminanceSensor
	if sensor == "" {
		c.lastOnIlluminance = 0
		return 0
	}

	reading := c.source.Read(sensor)
	value, err := reading.Float()
	if err != nil {
		c.logger.Warn("Failed to read illuminance, assuming dark",
			zap.String("entity_id", sensor),
			zap.Error(err))
		value = 0
	}

	c.lastOnIlluminance = value
	return value
}

func (c *Controller) armRelease() {
	timeout := c.area.Lighting.ManualTimeout
	c.manualTimer.Set(timeout, c.releaseManual)
}

func (c *Controller) releaseManual() {
	c.logger.Info("Manual control timed out, resuming automatic control")
	c.SetManualControl(false)
}

// anyOnLocked reports whether any managed light currently reads on
func (c *Controller) anyOnLocked() bool {
	return c.groupOnLocked("", nil)
}

// groupOnLocked evaluates the group with override standing in for
// entityID, so callers can ask what the group looked like before a change.
func (c *Controller) groupOnLocked(entityID string, override *state.Reading) bool {
	for _, light := range c.area.Lights() {
		reading := c.source.Read(light)
		if override != nil && light == entityID {
			reading = *override
		}
		if reading.Found && reading.Value == "on" {
			return true
		}
	}
	return false
}

// refreshObservedLocked takes is_on and brightness from the lights as
// Home Assistant last reported them.
func (c *Controller) refreshObservedLocked() {
	on := false
	brightness := 0
	for _, light := range c.area.Lights() {
		reading := c.source.Read(light)
		if !reading.Found || reading.Value != "on" {
			continue
		}
		on = true
		b := MaxBrightness
		if v, ok := numberAttribute(reading, "brightness"); ok {
			b = int(v)
		}
		if b > brightness {
			brightness = b
		}
	}
	c.isOn = on
	c.brightness = brightness
}

func (c *Controller) emit(ev Event) {
	ev.Area = c.area.ID
	ev.At = c.clock.Now()

	c.handlersMu.Lock()
	handlers := append([]eventEntry(nil), c.handlers...)
	c.handlersMu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

func isOnOff(r state.Reading) bool {
	return r.Found && (r.Value == "on" || r.Value == "off")
}

func numberAttribute(r state.Reading, name string) (float64, bool) {
	switch v := r.Attributes[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
