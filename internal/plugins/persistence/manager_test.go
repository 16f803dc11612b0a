package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/state"
	"areapresence/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func kitchen() *area.Area {
	return &area.Area{
		ID:       "kitchen",
		Name:     "Kitchen",
		Entities: []string{"binary_sensor.kitchen_motion"},
		Presence: area.Presence{
			Platforms:     []string{"binary_sensor"},
			DeviceClasses: []string{"motion"},
			OnStates:      []string{"on"},
			Mode:          area.ModeAny,
		},
		ClearTimeout:    60 * time.Second,
		ExtendedTimeout: 30 * time.Second,
		UpdateInterval:  time.Hour,
		Lighting: area.Lighting{
			ControlEnabled: true,
			ManualTimeout:  10 * time.Minute,
			MinIlluminance: 10,
			MaxIlluminance: 50,
		},
		States: []area.StateConfig{
			{State: area.Occupied, Lights: []string{"light.kitchen"}, DimLevel: 100},
		},
	}
}

type fixture struct {
	client   *ha.MockClient
	clock    *clock.MockClock
	store    *store.BoltStore
	registry *areas.Registry
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client := ha.NewMockClient()
	client.SetState("binary_sensor.kitchen_motion", "off", map[string]interface{}{"device_class": "motion"})
	client.SetState("light.kitchen", "off", nil)

	states := state.NewManager(client, zap.NewNop())
	require.NoError(t, states.Sync())

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewMockClock(start)
	registry, err := areas.NewRegistry([]*area.Area{kitchen()}, states, client, clk, zap.NewNop(), false)
	require.NoError(t, err)

	return &fixture{
		client:   client,
		clock:    clk,
		store:    st,
		registry: registry,
		manager:  NewManager(registry, st, clk, zap.NewNop()),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start())
	require.NoError(t, f.registry.Start())
	t.Cleanup(func() {
		f.registry.Stop()
		f.manager.Stop()
	})
}

func (f *fixture) load(t *testing.T, kind store.Kind) map[string]interface{} {
	t.Helper()
	rec, err := f.store.Load(kind, "kitchen")
	require.NoError(t, err)
	return rec.Attributes
}

func TestManager_RestoresBeforeStart(t *testing.T) {
	f := newFixture(t)

	occ := area.OccupancySnapshot{State: area.Extended, ExtendedTimeout: 10 * time.Second}
	require.NoError(t, f.store.Save(store.KindOccupancy, "kitchen", occ.Attributes()))
	lights := area.LightSnapshot{ManualControl: true}
	require.NoError(t, f.store.Save(store.KindLights, "kitchen", lights.Attributes()))

	f.start(t)

	u, _ := f.registry.Get("kitchen")
	assert.Equal(t, area.Extended, u.Occupancy.CurrentState())
	assert.True(t, u.Lights.IsUnderManualControl())

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, area.Clear, u.Occupancy.CurrentState())
	assert.False(t, u.Lights.IsUnderManualControl())
}

func TestManager_CorruptSnapshotIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(store.KindOccupancy, "kitchen", map[string]interface{}{"state": "dancing"}))

	f.start(t)

	u, _ := f.registry.Get("kitchen")
	assert.Equal(t, area.Clear, u.Occupancy.CurrentState())
}

func TestManager_SavesOnChange(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "on")

	occ, err := area.OccupancySnapshotFromAttributes(f.load(t, store.KindOccupancy))
	require.NoError(t, err)
	assert.Equal(t, area.Occupied, occ.State)

	lights := area.LightSnapshotFromAttributes(f.load(t, store.KindLights))
	assert.True(t, lights.IsOn)
	assert.Equal(t, 255, lights.Brightness)
}

func TestManager_SavesLiveCountdownsOnShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Start())
	require.NoError(t, f.registry.Start())

	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "on")
	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "off")
	f.clock.Advance(20 * time.Second)

	f.registry.Stop()
	f.manager.Stop()

	occ, err := area.OccupancySnapshotFromAttributes(f.load(t, store.KindOccupancy))
	require.NoError(t, err)
	assert.Equal(t, area.Occupied, occ.State)
	assert.Equal(t, 40*time.Second, occ.ClearTimeout)
	assert.Equal(t, []string{"binary_sensor.kitchen_motion"}, occ.LastActiveSensors)
}

func TestManager_Checkpoint(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.store.Load(store.KindOccupancy, "kitchen")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	f.clock.Advance(CheckpointInterval)

	occ, err := area.OccupancySnapshotFromAttributes(f.load(t, store.KindOccupancy))
	require.NoError(t, err)
	assert.Equal(t, area.Clear, occ.State)
}

func TestManager_DeletesUnconfiguredAreas(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(store.KindOccupancy, "attic", area.OccupancySnapshot{State: area.Occupied}.Attributes()))
	require.NoError(t, f.store.Save(store.KindLights, "attic", area.LightSnapshot{}.Attributes()))

	f.start(t)

	_, err := f.store.Load(store.KindOccupancy, "attic")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = f.store.Load(store.KindLights, "attic")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
