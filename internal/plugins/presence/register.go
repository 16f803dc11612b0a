package presence

import (
	"areapresence/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "presence",
		Description: "Runs the occupancy machine and light controller of every area",
		Order:       90, // After persistence (10) and the event sinks (20-40)
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return &pluginAdapter{manager: NewManager(ctx.Areas, ctx.Logger)}, nil
}

type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string { return "presence" }
func (p *pluginAdapter) Start() error { return p.manager.Start() }
func (p *pluginAdapter) Stop()        { p.manager.Stop() }

// Implement plugin.Resettable
func (p *pluginAdapter) Reset() error {
	return p.manager.Reset()
}
