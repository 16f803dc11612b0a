// Package occupancy infers whether an area is occupied from its presence
// sensors and runs the clear/extended timeout state machine on top of it.
package occupancy

import (
	"fmt"

	"areapresence/internal/area"
	"areapresence/internal/state"

	"go.uber.org/zap"
)

// Reader reads the current state of an entity
type Reader interface {
	Read(entityID string) state.Reading
}

// Aggregate is the outcome of one pass over an area's sensors
type Aggregate struct {
	// Active lists the contributing entities, including a humidity
	// up-trend sensor when it is holding the area.
	Active []string
	// Occupied is the combined vote under the configured presence mode
	Occupied bool
	// TrendDown is set while the humidity down-trend sensor reports on
	TrendDown bool
}

// Aggregator votes on occupancy across a fixed set of presence sensors
type Aggregator struct {
	sensors  []string
	onStates map[string]struct{}
	mode     area.PresenceMode
	humidity area.Humidity
	reader   Reader
	logger   *zap.Logger
}

// NewAggregator creates an aggregator over sensors
func NewAggregator(a *area.Area, sensors []string, reader Reader, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		sensors:  sensors,
		onStates: a.OnStates(),
		mode:     a.Presence.Mode,
		humidity: a.Humidity,
		reader:   reader,
		logger:   logger,
	}
}

// Sensors returns the presence sensors the aggregator votes over
func (g *Aggregator) Sensors() []string {
	out := make([]string, len(g.sensors))
	copy(out, g.sensors)
	return out
}

// IsActive reports whether value counts as presence
func (g *Aggregator) IsActive(value string) bool {
	_, ok := g.onStates[value]
	return ok
}

// Aggregate reads every sensor once. Missing and invalid sensors do not
// vote; a failing read only drops that sensor.
func (g *Aggregator) Aggregate() Aggregate {
	var result Aggregate
	present := 0

	for _, sensor := range g.sensors {
		reading, err := g.read(sensor)
		if err != nil {
			g.logger.Error("Error reading sensor state", zap.String("entity_id", sensor), zap.Error(err))
			continue
		}
		if !reading.Found {
			g.logger.Info("Sensor not found, skipping", zap.String("entity_id", sensor))
			continue
		}
		if !reading.Valid() {
			g.logger.Debug("Sensor unavailable, skipping",
				zap.String("entity_id", sensor),
				zap.String("state", reading.Value))
			continue
		}
		if g.IsActive(reading.Value) {
			result.Active = append(result.Active, sensor)
			present++
		}
	}

	switch g.mode {
	case area.ModeAll:
		result.Occupied = len(g.sensors) > 0 && present == len(g.sensors)
	default:
		result.Occupied = present > 0
	}

	if present == 0 && g.humidity.Enabled() {
		up, upErr := g.read(g.humidity.Occupied)
		down, downErr := g.read(g.humidity.Empty)
		if upErr == nil && downErr == nil && up.Found && down.Found {
			if up.Value == "on" && down.Value != "on" {
				result.Active = append(result.Active, g.humidity.Occupied)
				result.Occupied = true
			}
			if down.Value == "on" {
				result.TrendDown = true
			}
		}
	}

	return result
}

// read isolates a panicking reader so one sensor cannot abort the pass
func (g *Aggregator) read(entityID string) (reading state.Reading, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading %s: %v", entityID, r)
		}
	}()
	return g.reader.Read(entityID), nil
}
