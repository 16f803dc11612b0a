package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/history"
	"areapresence/internal/occupancy"
	"areapresence/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var start = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

type fixture struct {
	client   *ha.MockClient
	registry *areas.Registry
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client := ha.NewMockClient()
	client.SetState("binary_sensor.kitchen_motion", "off", map[string]interface{}{"device_class": "motion"})
	client.SetState("light.kitchen", "off", nil)

	states := state.NewManager(client, zap.NewNop())
	require.NoError(t, states.Sync())

	kitchen := &area.Area{
		ID:       "kitchen",
		Name:     "Kitchen",
		Entities: []string{"binary_sensor.kitchen_motion"},
		Presence: area.Presence{
			Platforms:     []string{"binary_sensor"},
			DeviceClasses: []string{"motion"},
			OnStates:      []string{"on"},
			Mode:          area.ModeAny,
		},
		ClearTimeout:    time.Minute,
		ExtendedTimeout: time.Minute,
		UpdateInterval:  time.Hour,
		Lighting:        area.Lighting{ControlEnabled: true, ManualTimeout: 10 * time.Minute, MinIlluminance: 10, MaxIlluminance: 50},
		States: []area.StateConfig{
			{State: area.Occupied, Lights: []string{"light.kitchen"}, DimLevel: 100},
		},
	}

	registry, err := areas.NewRegistry([]*area.Area{kitchen}, states, client, clock.NewMockClock(start), zap.NewNop(), false)
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	t.Cleanup(registry.Stop)

	return &fixture{
		client:   client,
		registry: registry,
		server:   NewServer(registry, zap.NewNop(), 0),
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) areas.Status {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status areas.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHandleSitemap(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/areas/{id}/history")
	assert.Contains(t, w.Body.String(), "Areas: kitchen")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	var eps []Endpoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&eps))
	assert.Len(t, eps, len(endpoints))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nowhere", "").Code)
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["areas"])
}

func TestHandleAreas(t *testing.T) {
	f := newFixture(t)
	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "on")

	w := f.do(http.MethodGet, "/api/areas", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []areas.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, area.Occupied, list[0].State)
	assert.True(t, list[0].Lights.IsOn)

	status := decodeStatus(t, f.do(http.MethodGet, "/api/areas/kitchen", ""))
	assert.Equal(t, "Kitchen", status.Name)
	assert.Equal(t, []string{"binary_sensor.kitchen_motion"}, status.Occupancy.ActiveSensors)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/areas/attic", "").Code)
}

func TestHandleReevaluate(t *testing.T) {
	f := newFixture(t)

	status := decodeStatus(t, f.do(http.MethodPost, "/api/areas/kitchen/reevaluate", ""))
	assert.Equal(t, area.Clear, status.State)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/areas/kitchen/reevaluate", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/areas/attic/reevaluate", "").Code)
}

func TestHandleSetManual(t *testing.T) {
	f := newFixture(t)

	status := decodeStatus(t, f.do(http.MethodPost, "/api/areas/kitchen/manual", `{"enabled": true}`))
	assert.True(t, status.Lights.ManualControl)

	u, _ := f.registry.Get("kitchen")
	assert.True(t, u.Lights.IsUnderManualControl())

	status = decodeStatus(t, f.do(http.MethodPost, "/api/areas/kitchen/manual", `{"enabled": false}`))
	assert.False(t, status.Lights.ManualControl)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/areas/kitchen/manual", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/areas/kitchen/manual", `{}`).Code)
}

func TestHandleSetControl(t *testing.T) {
	f := newFixture(t)

	status := decodeStatus(t, f.do(http.MethodPost, "/api/areas/kitchen/control", `{"enabled": false}`))
	assert.False(t, status.ControlEnabled)

	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "on")
	light, err := f.client.GetState("light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "off", light.State)
}

func TestHandleHistory(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/areas/kitchen/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	db, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	defer db.Close()
	f.server.SetHistory(db)

	ctx := context.Background()
	for i, to := range []area.State{area.Occupied, area.Extended, area.Clear} {
		require.NoError(t, db.RecordTransition(ctx, occupancy.Transition{Area: "kitchen", To: to, At: start.Add(time.Duration(i) * time.Minute)}))
	}

	w = f.do(http.MethodGet, "/api/areas/kitchen/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []history.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "clear", entries[0].ToState)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/areas/kitchen/history?limit=lots", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/areas/attic/history", "").Code)
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	f.server.startStream()
	defer f.server.stopStream()

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return f.server.hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.client.SimulateStateChange("binary_sensor.kitchen_motion", "on")

	var msg StreamMessage
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "transition", msg.Type)
	require.NotNil(t, msg.Transition)
	assert.Equal(t, area.Occupied, msg.Transition.To)

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "light", msg.Type)
	require.NotNil(t, msg.Light)
	assert.Equal(t, 255, msg.Light.Brightness)
}
