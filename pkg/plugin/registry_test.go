package plugin_test

import (
	"errors"
	"fmt"
	"testing"

	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/state"
	"areapresence/pkg/plugin"

	_ "areapresence/internal/plugins/eventlog"
	_ "areapresence/internal/plugins/mqttstate"
	_ "areapresence/internal/plugins/persistence"
	_ "areapresence/internal/plugins/presence"
	_ "areapresence/internal/plugins/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder collects plugin lifecycle calls across plugins
type recorder struct {
	calls []string
}

type fakePlugin struct {
	name     string
	rec      *recorder
	startErr error
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Start() error {
	p.rec.calls = append(p.rec.calls, "start "+p.name)
	return p.startErr
}

func (p *fakePlugin) Stop() {
	p.rec.calls = append(p.rec.calls, "stop "+p.name)
}

func fakeFactory(rec *recorder, name string) plugin.Factory {
	return func(*plugin.Context) (plugin.Plugin, error) {
		rec.calls = append(rec.calls, "create "+name)
		return &fakePlugin{name: name, rec: rec}, nil
	}
}

// serviceLineup registers the service's plugin names and orders, out of
// order. factories replaces the fake factory of the named plugins.
func serviceLineup(t *testing.T, rec *recorder, factories map[string]plugin.Factory) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	for _, info := range []struct {
		name  string
		order int
	}{
		{"presence", 90},
		{"telemetry", 40},
		{"persistence", 10},
		{"mqttstate", 30},
		{"eventlog", 20},
	} {
		factory, ok := factories[info.name]
		if !ok {
			factory = fakeFactory(rec, info.name)
		}
		require.NoError(t, r.Register(plugin.PluginInfo{
			Name:    info.name,
			Order:   info.order,
			Factory: factory,
		}))
	}
	return r
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r := plugin.NewRegistry()
	factory := fakeFactory(&recorder{}, "presence")

	assert.Error(t, r.Register(plugin.PluginInfo{Factory: factory}))
	assert.Error(t, r.Register(plugin.PluginInfo{Name: "presence"}))

	require.NoError(t, r.Register(plugin.PluginInfo{Name: "presence", Order: 90, Factory: factory}))
	err := r.Register(plugin.PluginInfo{Name: "presence", Order: 10, Factory: factory})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
	assert.Equal(t, 90, r.List()[0].Order)
}

func TestRegistry_ListOrder(t *testing.T) {
	r := serviceLineup(t, &recorder{}, nil)

	var names []string
	for _, info := range r.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"persistence", "eventlog", "mqttstate", "telemetry", "presence"}, names)

	unordered := plugin.NewRegistry()
	require.NoError(t, unordered.Register(plugin.PluginInfo{Name: "presence", Factory: fakeFactory(&recorder{}, "presence")}))
	assert.Equal(t, plugin.DefaultOrder, unordered.List()[0].Order)
}

func TestRegistry_CreateAllSkipsUnavailable(t *testing.T) {
	rec := &recorder{}
	r := serviceLineup(t, rec, map[string]plugin.Factory{
		"mqttstate": func(*plugin.Context) (plugin.Plugin, error) {
			return nil, fmt.Errorf("mqttstate: no broker: %w", plugin.ErrUnavailable)
		},
		"telemetry": func(*plugin.Context) (plugin.Plugin, error) {
			return nil, fmt.Errorf("telemetry: no influxdb: %w", plugin.ErrUnavailable)
		},
	})

	plugins, err := r.CreateAll(&plugin.Context{Logger: zap.NewNop()})
	require.NoError(t, err)

	var names []string
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"persistence", "eventlog", "presence"}, names)
	assert.Equal(t, []string{"create persistence", "create eventlog", "create presence"}, rec.calls)
}

func TestRegistry_CreateAllStopsCreatedOnError(t *testing.T) {
	rec := &recorder{}
	r := serviceLineup(t, rec, map[string]plugin.Factory{
		"telemetry": func(*plugin.Context) (plugin.Plugin, error) {
			return nil, errors.New("bad bucket")
		},
	})

	plugins, err := r.CreateAll(nil)
	require.Error(t, err)
	assert.Nil(t, plugins)
	assert.Contains(t, err.Error(), "failed to create plugin telemetry")

	assert.Equal(t, []string{
		"create persistence",
		"create eventlog",
		"create mqttstate",
		"stop mqttstate",
		"stop eventlog",
		"stop persistence",
	}, rec.calls)
}

func TestStartAllStopAll(t *testing.T) {
	rec := &recorder{}
	plugins, err := serviceLineup(t, rec, nil).CreateAll(nil)
	require.NoError(t, err)
	rec.calls = nil

	started, err := plugin.StartAll(plugins, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, started, 5)

	plugin.StopAll(started, zap.NewNop())
	assert.Equal(t, []string{
		"start persistence",
		"start eventlog",
		"start mqttstate",
		"start telemetry",
		"start presence",
		"stop presence",
		"stop telemetry",
		"stop mqttstate",
		"stop eventlog",
		"stop persistence",
	}, rec.calls)
}

func TestStartAll_RollsBackOnFailure(t *testing.T) {
	rec := &recorder{}
	plugins := []plugin.Plugin{
		&fakePlugin{name: "persistence", rec: rec},
		&fakePlugin{name: "eventlog", rec: rec},
		&fakePlugin{name: "presence", rec: rec, startErr: errors.New("area failed")},
	}

	started, err := plugin.StartAll(plugins, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, started)
	assert.Contains(t, err.Error(), "failed to start plugin presence")

	assert.Equal(t, []string{
		"start persistence",
		"start eventlog",
		"start presence",
		"stop eventlog",
		"stop persistence",
	}, rec.calls)
}

func TestGlobalRegistry_ServicePlugins(t *testing.T) {
	orders := make(map[string]int)
	for _, info := range plugin.List() {
		orders[info.Name] = info.Order
	}
	assert.Equal(t, map[string]int{
		"persistence": 10,
		"eventlog":    20,
		"mqttstate":   30,
		"telemetry":   40,
		"presence":    90,
	}, orders)

	// without store, history, broker or influx only the areas themselves run
	client := ha.NewMockClient()
	require.NoError(t, client.Connect())
	states := state.NewManager(client, zap.NewNop())
	registry, err := areas.NewRegistry(nil, states, client, clock.NewRealClock(), zap.NewNop(), false)
	require.NoError(t, err)

	ctx := plugin.NewContext(client, registry, clock.NewRealClock(), zap.NewNop(), false)
	plugins, err := plugin.CreateAll(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "presence", plugins[0].Name())
}
