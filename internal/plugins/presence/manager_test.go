package presence

import (
	"testing"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/state"
	"areapresence/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_StartResetStop(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("binary_sensor.office_motion", "off", map[string]interface{}{"device_class": "motion"})

	states := state.NewManager(client, zap.NewNop())
	require.NoError(t, states.Sync())

	office := &area.Area{
		ID:       "office",
		Entities: []string{"binary_sensor.office_motion"},
		Presence: area.Presence{
			Platforms:     []string{"binary_sensor"},
			DeviceClasses: []string{"motion"},
			OnStates:      []string{"on"},
			Mode:          area.ModeAny,
		},
		ClearTimeout:    time.Minute,
		ExtendedTimeout: time.Minute,
		UpdateInterval:  time.Hour,
	}

	clk := clock.NewMockClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	registry, err := areas.NewRegistry([]*area.Area{office}, states, client, clk, zap.NewNop(), false)
	require.NoError(t, err)

	p, err := createPlugin(plugin.NewContext(client, registry, clk, zap.NewNop(), false))
	require.NoError(t, err)
	assert.Equal(t, "presence", p.Name())
	require.NoError(t, p.Start())

	client.SetState("binary_sensor.office_motion", "on", map[string]interface{}{"device_class": "motion"})
	u, _ := registry.Get("office")
	assert.Equal(t, area.Occupied, u.Occupancy.CurrentState())

	resettable, ok := p.(plugin.Resettable)
	require.True(t, ok)
	require.NoError(t, resettable.Reset())
	assert.Equal(t, area.Occupied, u.Occupancy.CurrentState())

	p.Stop()
	assert.Equal(t, 0, client.SubscriberCount("binary_sensor.office_motion"))
}
