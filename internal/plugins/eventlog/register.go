package eventlog

import (
	"fmt"

	"areapresence/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "eventlog",
		Description: "Records area transitions and light commands to SQLite",
		Order:       20,
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.History == nil {
		return nil, fmt.Errorf("eventlog: no history database: %w", plugin.ErrUnavailable)
	}
	return &pluginAdapter{manager: NewManager(ctx.Areas, ctx.History, ctx.Clock, ctx.Logger)}, nil
}

type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string { return "eventlog" }
func (p *pluginAdapter) Start() error { return p.manager.Start() }
func (p *pluginAdapter) Stop()        { p.manager.Stop() }
