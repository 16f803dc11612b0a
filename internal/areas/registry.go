// Package areas runs one occupancy machine and one light controller per
// configured area and wires them together.
package areas

import (
	"fmt"
	"sort"
	"sync"

	"areapresence/internal/area"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"go.uber.org/zap"
)

// Unit is the running pair for one area
type Unit struct {
	Area      *area.Area
	Occupancy *occupancy.Machine
	Lights    *lightcontrol.Controller

	unsubscribe func()
}

// Status is the externally visible view of a unit
type Status struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	State          area.State            `json:"state"`
	Occupancy      occupancy.Diagnostics `json:"occupancy"`
	Lights         area.LightSnapshot    `json:"lights"`
	LightTargets   []string              `json:"light_targets"`
	ControlEnabled bool                  `json:"control_enabled"`
}

// Status reports the unit's current state
func (u *Unit) Status() Status {
	return Status{
		ID:             u.Area.ID,
		Name:           u.Area.Name,
		State:          u.Occupancy.CurrentState(),
		Occupancy:      u.Occupancy.Diagnostics(),
		Lights:         u.Lights.Snapshot(),
		LightTargets:   u.Lights.Targets(),
		ControlEnabled: u.Lights.ControlEnabled(),
	}
}

// Events is the subscription surface of the registry used by event sinks
type Events interface {
	OnTransition(h occupancy.Handler) func()
	OnLightEvent(h lightcontrol.EventHandler) func()
}

// Registry owns every unit
type Registry struct {
	units  []*Unit
	byID   map[string]*Unit
	logger *zap.Logger

	mu         sync.Mutex
	running    bool
	beforeStop map[int]func(*Unit)
	nextHookID int
}

// NewRegistry builds a unit for each area. Areas are kept in the order given.
func NewRegistry(areaList []*area.Area, source occupancy.Source, haClient ha.HAClient, clk clock.Clock, logger *zap.Logger, readOnly bool) (*Registry, error) {
	r := &Registry{
		byID:       make(map[string]*Unit, len(areaList)),
		logger:     logger.Named("areas"),
		beforeStop: make(map[int]func(*Unit)),
	}

	for _, a := range areaList {
		if _, exists := r.byID[a.ID]; exists {
			return nil, fmt.Errorf("duplicate area id %q", a.ID)
		}
		u := &Unit{
			Area:      a,
			Occupancy: occupancy.NewMachine(a, source, clk, logger),
			Lights:    lightcontrol.NewController(a, source, haClient, clk, logger, readOnly),
		}
		r.units = append(r.units, u)
		r.byID[a.ID] = u
	}

	return r, nil
}

// Get returns the unit for id
func (r *Registry) Get(id string) (*Unit, bool) {
	u, ok := r.byID[id]
	return u, ok
}

// List returns all units in configuration order
func (r *Registry) List() []*Unit {
	out := make([]*Unit, len(r.units))
	copy(out, r.units)
	return out
}

// IDs returns the sorted area ids
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsManual reports whether the lights of id are under manual control
func (r *Registry) IsManual(id string) bool {
	u, ok := r.byID[id]
	return ok && u.Lights.IsUnderManualControl()
}

// OnTransition subscribes h to every area's machine
func (r *Registry) OnTransition(h occupancy.Handler) func() {
	cancels := make([]func(), 0, len(r.units))
	for _, u := range r.units {
		cancels = append(cancels, u.Occupancy.Subscribe(h))
	}
	return joinCancels(cancels)
}

// OnLightEvent subscribes h to every area's light controller
func (r *Registry) OnLightEvent(h lightcontrol.EventHandler) func() {
	cancels := make([]func(), 0, len(r.units))
	for _, u := range r.units {
		cancels = append(cancels, u.Lights.Subscribe(h))
	}
	return joinCancels(cancels)
}

// BeforeStop registers f to run for every unit at the start of Stop,
// while timers are still armed.
func (r *Registry) BeforeStop(f func(*Unit)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextHookID++
	id := r.nextHookID
	r.beforeStop[id] = f

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.beforeStop, id)
	}
}

// Start starts the light controllers, links them to their machines and
// then starts the machines. A failure stops everything already started.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("areas already started")
	}

	for i, u := range r.units {
		if err := r.startUnit(u); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.stopUnit(r.units[j])
			}
			return fmt.Errorf("failed to start area %s: %w", u.Area.ID, err)
		}
	}

	r.running = true
	r.logger.Info("Areas started", zap.Int("count", len(r.units)))
	return nil
}

func (r *Registry) startUnit(u *Unit) error {
	if err := u.Lights.Start(); err != nil {
		return err
	}
	u.unsubscribe = u.Occupancy.Subscribe(u.Lights.OnStateChanged)
	if err := u.Occupancy.Start(); err != nil {
		u.unsubscribe()
		u.unsubscribe = nil
		u.Lights.Stop()
		return err
	}
	return nil
}

// Stop stops every unit in reverse order
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	for _, f := range r.beforeStop {
		for _, u := range r.units {
			f(u)
		}
	}
	for i := len(r.units) - 1; i >= 0; i-- {
		r.stopUnit(r.units[i])
	}
	r.running = false
	r.logger.Info("Areas stopped")
}

func (r *Registry) stopUnit(u *Unit) {
	u.Occupancy.Stop()
	if u.unsubscribe != nil {
		u.unsubscribe()
		u.unsubscribe = nil
	}
	u.Lights.Stop()
}

func joinCancels(cancels []func()) func() {
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
