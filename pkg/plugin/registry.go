package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultOrder is used when a plugin registers without an Order
const DefaultOrder = 50

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	// Name is the unique identifier for the plugin.
	Name string

	// Description is a human-readable description of the plugin.
	Description string

	// Factory creates new instances of the plugin.
	Factory Factory

	// Order specifies the startup order. Lower values start first and
	// stop last. Sinks that must see the first transitions register
	// below the presence plugin (90).
	Order int
}

// Registry holds the plugins known to the binary
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]PluginInfo)}
}

// Register adds a plugin. Names must be unique.
func (r *Registry) Register(info PluginInfo) error {
	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %s registered twice", info.Name)
	}
	r.plugins[info.Name] = info
	return nil
}

// List returns all registered plugins sorted by Order, then name.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	result := make([]PluginInfo, 0, len(r.plugins))
	for _, info := range r.plugins {
		result = append(result, info)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// CreateAll instantiates the registered plugins in start order. Plugins
// whose factory reports ErrUnavailable are left out; any other factory
// error stops the plugins created so far.
func (r *Registry) CreateAll(ctx *Context) ([]Plugin, error) {
	infos := r.List()
	result := make([]Plugin, 0, len(infos))

	for _, info := range infos {
		p, err := info.Factory(ctx)
		if errors.Is(err, ErrUnavailable) {
			if ctx != nil && ctx.Logger != nil {
				ctx.Logger.Info("Plugin disabled", zap.String("plugin", info.Name), zap.Error(err))
			}
			continue
		}
		if err != nil {
			StopAll(result, nil)
			return nil, fmt.Errorf("failed to create plugin %s: %w", info.Name, err)
		}
		result = append(result, p)
	}

	return result, nil
}

// StartAll starts plugins in order. If one fails, the ones already
// started are stopped again and the error is returned.
func StartAll(plugins []Plugin, logger *zap.Logger) ([]Plugin, error) {
	started := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if err := p.Start(); err != nil {
			StopAll(started, logger)
			return nil, fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
		if logger != nil {
			logger.Info("Started plugin", zap.String("plugin", p.Name()))
		}
		started = append(started, p)
	}
	return started, nil
}

// StopAll stops plugins in reverse order
func StopAll(plugins []Plugin, logger *zap.Logger) {
	for i := len(plugins) - 1; i >= 0; i-- {
		plugins[i].Stop()
		if logger != nil {
			logger.Info("Stopped plugin", zap.String("plugin", plugins[i].Name()))
		}
	}
}

var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry from a plugin package's
// init(). It panics on an invalid or duplicate registration.
func Register(info PluginInfo) {
	if err := globalRegistry.Register(info); err != nil {
		panic(err)
	}
}

// List returns the plugins of the global registry in start order.
func List() []PluginInfo {
	return globalRegistry.List()
}

// CreateAll creates all plugins from the global registry.
func CreateAll(ctx *Context) ([]Plugin, error) {
	return globalRegistry.CreateAll(ctx)
}
