package persistence

import (
	"fmt"

	"areapresence/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "persistence",
		Description: "Restores and saves area snapshots",
		Order:       10, // Restores before the areas start (90)
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Store == nil {
		return nil, fmt.Errorf("persistence: no store: %w", plugin.ErrUnavailable)
	}
	return &pluginAdapter{manager: NewManager(ctx.Areas, ctx.Store, ctx.Clock, ctx.Logger)}, nil
}

type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string { return "persistence" }
func (p *pluginAdapter) Start() error { return p.manager.Start() }
func (p *pluginAdapter) Stop()        { p.manager.Stop() }
