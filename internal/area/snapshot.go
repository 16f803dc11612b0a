package area

import (
	"fmt"
	"time"
)

// Attribute keys of the flat persisted maps
const (
	AttrState                = "state"
	AttrActiveSensors        = "active_sensors"
	AttrLastActiveSensors    = "last_active_sensors"
	AttrClearTimeout         = "clear_timeout"
	AttrExtendedTimeout      = "extended_timeout"
	AttrLastOnIlluminance    = "last_on_illuminance"
	AttrManualControl        = "manual_control"
	AttrLastUpdateFromEntity = "last_update_from_entity"
	AttrIsOn                 = "is_on"
	AttrBrightness           = "brightness"
)

// OccupancySnapshot is the persisted view of an occupancy machine.
// Countdowns are the time left on the clear and extended timers.
type OccupancySnapshot struct {
	State             State
	ActiveSensors     []string
	LastActiveSensors []string
	ClearTimeout      time.Duration
	ExtendedTimeout   time.Duration
}

// Attributes flattens the snapshot into its external map form
func (s OccupancySnapshot) Attributes() map[string]interface{} {
	return map[string]interface{}{
		AttrState:             string(s.State),
		AttrActiveSensors:     copyStrings(s.ActiveSensors),
		AttrLastActiveSensors: copyStrings(s.LastActiveSensors),
		AttrClearTimeout:      s.ClearTimeout.Seconds(),
		AttrExtendedTimeout:   s.ExtendedTimeout.Seconds(),
	}
}

// OccupancySnapshotFromAttributes parses a flat map. Unknown keys are
// ignored; a missing or unknown state is an error.
func OccupancySnapshotFromAttributes(attrs map[string]interface{}) (OccupancySnapshot, error) {
	raw, _ := attrs[AttrState].(string)
	st, err := ParseState(raw)
	if err != nil {
		return OccupancySnapshot{}, fmt.Errorf("invalid snapshot: %w", err)
	}

	return OccupancySnapshot{
		State:             st,
		ActiveSensors:     stringList(attrs[AttrActiveSensors]),
		LastActiveSensors: stringList(attrs[AttrLastActiveSensors]),
		ClearTimeout:      seconds(attrs[AttrClearTimeout]),
		ExtendedTimeout:   seconds(attrs[AttrExtendedTimeout]),
	}, nil
}

// LightSnapshot is the persisted view of a light controller
type LightSnapshot struct {
	IsOn                 bool    `json:"is_on"`
	Brightness           int     `json:"brightness"`
	LastOnIlluminance    float64 `json:"last_on_illuminance"`
	ManualControl        bool    `json:"manual_control"`
	LastUpdateFromEntity bool    `json:"last_update_from_entity"`
}

// Attributes flattens the snapshot into its external map form
func (s LightSnapshot) Attributes() map[string]interface{} {
	return map[string]interface{}{
		AttrIsOn:                 s.IsOn,
		AttrBrightness:           float64(s.Brightness),
		AttrLastOnIlluminance:    s.LastOnIlluminance,
		AttrManualControl:        s.ManualControl,
		AttrLastUpdateFromEntity: s.LastUpdateFromEntity,
	}
}

// LightSnapshotFromAttributes parses a flat map, leaving absent keys at
// their zero values.
func LightSnapshotFromAttributes(attrs map[string]interface{}) LightSnapshot {
	s := LightSnapshot{}
	s.IsOn, _ = attrs[AttrIsOn].(bool)
	s.ManualControl, _ = attrs[AttrManualControl].(bool)
	s.LastUpdateFromEntity, _ = attrs[AttrLastUpdateFromEntity].(bool)
	if v, ok := number(attrs[AttrBrightness]); ok {
		s.Brightness = int(v)
	}
	if v, ok := number(attrs[AttrLastOnIlluminance]); ok {
		s.LastOnIlluminance = v
	}
	return s
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// stringList accepts both []string and the []interface{} JSON decoding produces
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return copyStrings(list)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func seconds(v interface{}) time.Duration {
	n, ok := number(v)
	if !ok || n < 0 {
		return 0
	}
	return time.Duration(n * float64(time.Second))
}
