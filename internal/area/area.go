// Package area defines the room model shared by the occupancy machine and
// the light controller: the closed set of area states, per-state
// configuration and the typed snapshots persisted across restarts.
package area

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is one of the closed set of states an area can be in
type State string

const (
	Clear     State = "clear"
	Occupied  State = "occupied"
	Extended  State = "extended"
	Sleep     State = "sleep"
	Bright    State = "bright"
	Accessory State = "accessory"
)

var knownStates = map[State]struct{}{
	Clear:     {},
	Occupied:  {},
	Extended:  {},
	Sleep:     {},
	Bright:    {},
	Accessory: {},
}

// States returns every known state, sorted by name
func States() []State {
	states := make([]State, 0, len(knownStates))
	for s := range knownStates {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// Valid reports whether s is a member of the state set
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Secondary reports whether s is entered through a trigger entity rather
// than through the occupancy timeouts.
func (s State) Secondary() bool {
	return s.Valid() && s != Clear && s != Occupied && s != Extended
}

// ParseState converts a string into a State, case-insensitively
func ParseState(v string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown area state %q", v)
	}
	return s, nil
}

// PresenceMode decides how many presence sensors must be active
type PresenceMode string

const (
	// ModeAny treats the area as occupied when one sensor is active
	ModeAny PresenceMode = "any"
	// ModeAll requires every presence sensor to be active
	ModeAll PresenceMode = "all"
)

// StateConfig binds an area state to its trigger entity and the lights
// that should be on while it holds. Base states have no trigger entity.
type StateConfig struct {
	State    State
	Entity   string
	OnValue  string
	Lights   []string
	DimLevel int
}

// HasTrigger reports whether the state is entered through an entity
func (c StateConfig) HasTrigger() bool {
	return c.Entity != ""
}

// Triggered reports whether value is the configured on-value
func (c StateConfig) Triggered(value string) bool {
	return strings.ToLower(value) == c.OnValue
}

// NominalBrightness maps the 0-100 dim level onto the 0-255 scale
func (c StateConfig) NominalBrightness() int {
	return c.DimLevel * 255 / 100
}

// Humidity names the trend sensors that can hold an area occupied
type Humidity struct {
	Occupied string
	Empty    string
}

// Enabled reports whether both trend sensors are configured
func (h Humidity) Enabled() bool {
	return h.Occupied != "" && h.Empty != ""
}

// Presence configures which sensors vote on occupancy
type Presence struct {
	Platforms     []string
	DeviceClasses []string
	OnStates      []string
	Mode          PresenceMode
}

// Lighting configures the light controller of an area
type Lighting struct {
	ControlEnabled    bool
	ManualTimeout     time.Duration
	IlluminanceSensor string
	MinIlluminance    float64
	MaxIlluminance    float64
}

// Area is a room and everything needed to run its occupancy machine and
// light controller.
type Area struct {
	ID              string
	Name            string
	Entities        []string
	Presence        Presence
	Humidity        Humidity
	ClearTimeout    time.Duration
	ExtendedTimeout time.Duration
	UpdateInterval  time.Duration
	Lighting        Lighting
	States          []StateConfig
}

// StateConfig returns the configuration for s, if any. When s appears more
// than once the last entry wins.
func (a *Area) StateConfig(s State) (StateConfig, bool) {
	var found StateConfig
	ok := false
	for _, c := range a.States {
		if c.State == s {
			found = c
			ok = true
		}
	}
	return found, ok
}

// TriggerConfigs returns the state configs entered through a trigger
// entity, in configuration order.
func (a *Area) TriggerConfigs() []StateConfig {
	var out []StateConfig
	for _, c := range a.States {
		if c.HasTrigger() {
			out = append(out, c)
		}
	}
	return out
}

// Lights returns every light named by any state config, in first-seen order
func (a *Area) Lights() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range a.States {
		for _, l := range c.Lights {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// OnStates returns the values that count as an active presence reading
func (a *Area) OnStates() map[string]struct{} {
	values := a.Presence.OnStates
	if len(values) == 0 {
		values = []string{"on"}
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// PresenceSensors selects the members of the area that vote on occupancy.
// deviceClass returns the device_class attribute of an entity, or "" when
// unknown. Binary sensors without an allowed device class are skipped.
func (a *Area) PresenceSensors(deviceClass func(entityID string) string) []string {
	platforms := toSet(a.Presence.Platforms)
	classes := toSet(a.Presence.DeviceClasses)

	var sensors []string
	for _, entityID := range a.Entities {
		domain := entityID
		if i := strings.IndexByte(entityID, '.'); i >= 0 {
			domain = entityID[:i]
		}
		if _, ok := platforms[domain]; !ok {
			continue
		}
		if domain == "binary_sensor" {
			if _, ok := classes[deviceClass(entityID)]; !ok {
				continue
			}
		}
		sensors = append(sensors, entityID)
	}
	return sensors
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
