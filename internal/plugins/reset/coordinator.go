package reset

import (
	"fmt"

	"areapresence/internal/ha"
	"areapresence/internal/state"
	"areapresence/pkg/plugin"

	"go.uber.org/zap"
)

// Source is the entity state collaborator of the coordinator
type Source interface {
	Track(entityIDs []string, handler state.ChangeHandler) (state.Subscription, error)
}

// Coordinator watches a Home Assistant toggle and orchestrates resets of
// every resettable plugin when it is switched on.
type Coordinator struct {
	entityID     string
	source       Source
	haClient     ha.HAClient
	logger       *zap.Logger
	readOnly     bool
	plugins      []PluginWithName
	subscription state.Subscription
}

// PluginWithName pairs a resettable plugin with its name for logging
type PluginWithName struct {
	Name   string
	Plugin plugin.Resettable
}

// Resettables picks the plugins that implement plugin.Resettable
func Resettables(plugins []plugin.Plugin) []PluginWithName {
	var result []PluginWithName
	for _, p := range plugins {
		if r, ok := p.(plugin.Resettable); ok {
			result = append(result, PluginWithName{Name: p.Name(), Plugin: r})
		}
	}
	return result
}

// NewCoordinator creates a new reset coordinator for entityID
func NewCoordinator(entityID string, source Source, haClient ha.HAClient, logger *zap.Logger, readOnly bool, plugins []PluginWithName) *Coordinator {
	return &Coordinator{
		entityID: entityID,
		source:   source,
		haClient: haClient,
		logger:   logger.Named("reset"),
		readOnly: readOnly,
		plugins:  plugins,
	}
}

// Start begins monitoring the reset entity
func (c *Coordinator) Start() error {
	c.logger.Info("Starting Reset Coordinator",
		zap.String("entity_id", c.entityID),
		zap.Int("plugin_count", len(c.plugins)),
		zap.Bool("read_only", c.readOnly))

	sub, err := c.source.Track([]string{c.entityID}, c.handleResetChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.entityID, err)
	}
	c.subscription = sub

	return nil
}

// Stop cleans up the coordinator
func (c *Coordinator) Stop() {
	if c.subscription != nil {
		c.subscription.Unsubscribe()
		c.subscription = nil
	}
	c.logger.Info("Reset Coordinator stopped")
}

func (c *Coordinator) handleResetChange(entityID string, oldReading, newReading state.Reading) {
	// Only act on off -> on
	if newReading.Value != "on" || oldReading.Value == "on" {
		return
	}

	c.logger.Info("Reset triggered - coordinating reset", zap.String("entity_id", entityID))

	// Turn the toggle back off first so a failing plugin cannot leave it stuck on
	if !c.readOnly {
		err := c.haClient.CallService(state.Domain(entityID), "turn_off", map[string]interface{}{
			"entity_id": entityID,
		})
		if err != nil {
			c.logger.Error("Failed to turn reset off", zap.Error(err))
		}
	} else {
		c.logger.Info("READ-ONLY: Would turn reset entity off")
	}

	c.executeReset()
}

// executeReset calls Reset() on all plugins in order
func (c *Coordinator) executeReset() {
	successCount := 0
	errorCount := 0

	for _, p := range c.plugins {
		if err := p.Plugin.Reset(); err != nil {
			c.logger.Error("Failed to reset plugin",
				zap.String("plugin", p.Name),
				zap.Error(err))
			errorCount++
			continue
		}
		c.logger.Info("Successfully reset plugin", zap.String("plugin", p.Name))
		successCount++
	}

	c.logger.Info("Reset complete",
		zap.Int("success", successCount),
		zap.Int("errors", errorCount),
		zap.Int("total", len(c.plugins)))
}
