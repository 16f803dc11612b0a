package mqttstate

import (
	"fmt"

	"areapresence/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "mqttstate",
		Description: "Publishes area state and light actions to MQTT",
		Order:       30,
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Publisher == nil {
		return nil, fmt.Errorf("mqttstate: no broker: %w", plugin.ErrUnavailable)
	}
	return &pluginAdapter{manager: NewManager(ctx.Areas, ctx.Publisher, ctx.Areas.IsManual, ctx.Logger)}, nil
}

type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string { return "mqttstate" }
func (p *pluginAdapter) Start() error { return p.manager.Start() }
func (p *pluginAdapter) Stop()        { p.manager.Stop() }
