// Package plugin provides the plugin system interfaces and registry.
// Plugins register themselves with the global registry from init()
// functions, so the binary's imports decide which plugins run.
package plugin

import "errors"

// ErrUnavailable is returned by a factory whose required service is not
// configured. CreateAll skips such plugins instead of failing.
var ErrUnavailable = errors.New("plugin: required service not configured")

// Plugin is the core interface that all plugins must implement.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	Name() string

	// Start sets up subscriptions and background work.
	Start() error

	// Stop unsubscribes and releases resources.
	Stop()
}

// Resettable is an optional interface for plugins that can re-evaluate
// their inputs on demand.
type Resettable interface {
	Reset() error
}

// Factory is a function that creates a new plugin instance given a context.
type Factory func(ctx *Context) (Plugin, error)
