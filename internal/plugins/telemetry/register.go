package telemetry

import (
	"fmt"

	"areapresence/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "telemetry",
		Description: "Writes area state and light commands to InfluxDB",
		Order:       40,
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Metrics == nil {
		return nil, fmt.Errorf("telemetry: no influxdb: %w", plugin.ErrUnavailable)
	}
	return &pluginAdapter{manager: NewManager(ctx.Areas, ctx.Metrics, ctx.Logger)}, nil
}

type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string { return "telemetry" }
func (p *pluginAdapter) Start() error { return p.manager.Start() }
func (p *pluginAdapter) Stop()        { p.manager.Stop() }
