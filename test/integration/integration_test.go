package integration

import (
	"testing"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/state"
	"areapresence/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "test_token_12345"

	// short real timeouts keep the scenarios fast
	clearTimeout    = 300 * time.Millisecond
	extendedTimeout = 300 * time.Millisecond

	waitFor = 3 * time.Second
	tick    = 20 * time.Millisecond
)

func seedKitchen(s *testutil.MockHAServer) {
	s.SetState("binary_sensor.kitchen_motion", "off", map[string]interface{}{"device_class": "motion"})
	s.SetState("light.kitchen", "off", map[string]interface{}{})
	s.SetState("light.kitchen_strip", "off", map[string]interface{}{})
	s.SetState("sensor.kitchen_illuminance", "0", map[string]interface{}{"unit_of_measurement": "lx"})
	s.SetState("input_boolean.sleeping", "off", map[string]interface{}{})
}

func kitchenArea() *area.Area {
	return &area.Area{
		ID:   "kitchen",
		Name: "Kitchen",
		Entities: []string{
			"binary_sensor.kitchen_motion",
			"light.kitchen",
			"light.kitchen_strip",
		},
		Presence: area.Presence{
			Platforms:     []string{"binary_sensor"},
			DeviceClasses: []string{"motion"},
			OnStates:      []string{"on"},
			Mode:          area.ModeAny,
		},
		ClearTimeout:    clearTimeout,
		ExtendedTimeout: extendedTimeout,
		UpdateInterval:  time.Minute,
		Lighting: area.Lighting{
			ControlEnabled:    true,
			ManualTimeout:     time.Minute,
			IlluminanceSensor: "sensor.kitchen_illuminance",
			MinIlluminance:    10,
			MaxIlluminance:    50,
		},
		States: []area.StateConfig{
			{State: area.Occupied, Lights: []string{"light.kitchen"}, DimLevel: 100},
			{State: area.Extended, Lights: []string{"light.kitchen"}, DimLevel: 50},
		},
	}
}

// setupTest seeds the kitchen entities, applies overrides on top, and
// connects a client.
func setupTest(t *testing.T, overrides ...func(*testutil.MockHAServer)) *testutil.TestEnv {
	t.Helper()
	env, err := testutil.NewTestEnv(testToken, func(s *testutil.MockHAServer) {
		seedKitchen(s)
		for _, o := range overrides {
			o(s)
		}
	})
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)
	return env
}

// waitForCall waits until a call to domain.service targeting entityID was
// recorded and returns the latest one.
func waitForCall(t *testing.T, env *testutil.TestEnv, domain, service, entityID string) testutil.ServiceCall {
	t.Helper()
	var found *testutil.ServiceCall
	require.Eventually(t, func() bool {
		found = testutil.FindServiceCallWithEntityID(env.GetServiceCalls(), domain, service, entityID)
		return found != nil
	}, waitFor, tick, "expected %s.%s for %s", domain, service, entityID)
	return *found
}

func waitForState(t *testing.T, env *testutil.TestEnv, entityID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := env.Server.GetState(entityID)
		return s != nil && s.State == want
	}, waitFor, tick, "expected %s to be %s", entityID, want)
}

func TestBasicConnection(t *testing.T) {
	env := setupTest(t)

	assert.True(t, env.Client.IsConnected())

	reading := env.States.Read("binary_sensor.kitchen_motion")
	assert.Equal(t, "off", reading.Value)
	assert.Equal(t, "motion", reading.StringAttribute("device_class"))

	t.Run("state changes reach the manager", func(t *testing.T) {
		changes := make(chan string, 1)
		sub, err := env.States.Track([]string{"binary_sensor.kitchen_motion"}, func(entityID string, _, newReading state.Reading) {
			changes <- newReading.Value
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		env.Server.ChangeState("binary_sensor.kitchen_motion", "on")
		require.Eventually(t, func() bool {
			return env.States.Read("binary_sensor.kitchen_motion").Value == "on"
		}, waitFor, tick)
		assert.Equal(t, "on", <-changes)
	})
}
