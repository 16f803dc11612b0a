package area

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	s, err := ParseState("Extended")
	require.NoError(t, err)
	assert.Equal(t, Extended, s)

	// a substring of a valid state is not a member
	_, err = ParseState("clea")
	assert.Error(t, err)

	_, err = ParseState("")
	assert.Error(t, err)

	assert.True(t, Sleep.Secondary())
	assert.False(t, Occupied.Secondary())
	assert.False(t, State("dancing").Valid())
	assert.Len(t, States(), 6)
}

func TestStateConfig(t *testing.T) {
	c := StateConfig{State: Sleep, Entity: "input_boolean.sleeping", OnValue: "on", DimLevel: 100}
	assert.True(t, c.HasTrigger())
	assert.True(t, c.Triggered("ON"))
	assert.False(t, c.Triggered("off"))
	assert.Equal(t, 255, c.NominalBrightness())

	c.DimLevel = 50
	assert.Equal(t, 127, c.NominalBrightness())
}

func TestArea_StateConfigLastWins(t *testing.T) {
	a := &Area{States: []StateConfig{
		{State: Occupied, DimLevel: 100},
		{State: Sleep, Entity: "input_boolean.a", OnValue: "on"},
		{State: Occupied, DimLevel: 40},
	}}

	c, ok := a.StateConfig(Occupied)
	require.True(t, ok)
	assert.Equal(t, 40, c.DimLevel)

	_, ok = a.StateConfig(Bright)
	assert.False(t, ok)

	assert.Len(t, a.TriggerConfigs(), 1)
}

func TestArea_Lights(t *testing.T) {
	a := &Area{States: []StateConfig{
		{State: Occupied, Lights: []string{"light.a", "light.b"}},
		{State: Sleep, Lights: []string{"light.b", "light.c"}},
	}}
	assert.Equal(t, []string{"light.a", "light.b", "light.c"}, a.Lights())
}

func TestArea_PresenceSensors(t *testing.T) {
	a := &Area{
		Entities: []string{
			"binary_sensor.motion",
			"binary_sensor.door",
			"binary_sensor.unclassified",
			"media_player.tv",
			"light.ceiling",
			"sensor.lux",
		},
		Presence: Presence{
			Platforms:     []string{"binary_sensor", "media_player"},
			DeviceClasses: []string{"motion", "occupancy", "presence"},
		},
	}

	classes := map[string]string{
		"binary_sensor.motion": "motion",
		"binary_sensor.door":   "door",
	}

	sensors := a.PresenceSensors(func(id string) string { return classes[id] })
	assert.Equal(t, []string{"binary_sensor.motion", "media_player.tv"}, sensors)
}

func TestArea_OnStatesDefault(t *testing.T) {
	a := &Area{}
	assert.Equal(t, map[string]struct{}{"on": {}}, a.OnStates())

	a.Presence.OnStates = []string{"on", "playing"}
	assert.Len(t, a.OnStates(), 2)
}

func TestOccupancySnapshot_Attributes(t *testing.T) {
	snap := OccupancySnapshot{
		State:             Extended,
		ActiveSensors:     []string{},
		LastActiveSensors: []string{"binary_sensor.motion"},
		ClearTimeout:      0,
		ExtendedTimeout:   45 * time.Second,
	}

	attrs := snap.Attributes()
	assert.Equal(t, "extended", attrs[AttrState])
	assert.Equal(t, 45.0, attrs[AttrExtendedTimeout])

	// survive a JSON round trip the way the store persists them
	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	parsed, err := OccupancySnapshotFromAttributes(decoded)
	require.NoError(t, err)
	assert.Equal(t, Extended, parsed.State)
	assert.Equal(t, []string{"binary_sensor.motion"}, parsed.LastActiveSensors)
	assert.Equal(t, 45*time.Second, parsed.ExtendedTimeout)
}

func TestOccupancySnapshot_InvalidState(t *testing.T) {
	_, err := OccupancySnapshotFromAttributes(map[string]interface{}{AttrState: "bogus"})
	assert.Error(t, err)

	_, err = OccupancySnapshotFromAttributes(map[string]interface{}{})
	assert.Error(t, err)
}

func TestLightSnapshotFromAttributes(t *testing.T) {
	s := LightSnapshotFromAttributes(map[string]interface{}{
		AttrIsOn:              true,
		AttrBrightness:        float64(128),
		AttrLastOnIlluminance: 12.5,
		AttrManualControl:     true,
	})

	assert.True(t, s.IsOn)
	assert.Equal(t, 128, s.Brightness)
	assert.Equal(t, 12.5, s.LastOnIlluminance)
	assert.True(t, s.ManualControl)
	assert.False(t, s.LastUpdateFromEntity)

	empty := LightSnapshotFromAttributes(nil)
	assert.Equal(t, LightSnapshot{}, empty)
}
