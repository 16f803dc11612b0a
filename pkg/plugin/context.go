package plugin

import (
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/history"
	"areapresence/internal/metrics"
	"areapresence/internal/publish"
	"areapresence/internal/store"

	"go.uber.org/zap"
)

// Context provides dependencies to plugins during initialization.
// Optional services are nil when they are not configured; plugins that
// need one return ErrUnavailable from their factory.
type Context struct {
	// HAClient provides access to Home Assistant for service calls
	HAClient ha.HAClient

	// Areas holds the occupancy machine and light controller of every area
	Areas *areas.Registry

	// Clock is the time source shared with the areas
	Clock clock.Clock

	Store     store.Store
	History   *history.DB
	Publisher *publish.Publisher
	Metrics   *metrics.Recorder

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	// ReadOnly indicates whether the application is in read-only mode.
	ReadOnly bool
}

// NewContext creates a new plugin context with the required dependencies.
// Optional services are set on the returned struct.
func NewContext(
	haClient ha.HAClient,
	registry *areas.Registry,
	clk clock.Clock,
	logger *zap.Logger,
	readOnly bool,
) *Context {
	return &Context{
		HAClient: haClient,
		Areas:    registry,
		Clock:    clk,
		Logger:   logger,
		ReadOnly: readOnly,
	}
}
