// Package store persists area snapshots across restarts.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot was saved for an area
var ErrNotFound = errors.New("not found")

// Kind separates the snapshot types kept for each area
type Kind string

const (
	KindOccupancy Kind = "occupancy"
	KindLights    Kind = "lights"
)

var kinds = []Kind{KindOccupancy, KindLights}

// Record is one persisted snapshot in its flat attribute form
type Record struct {
	Attributes map[string]interface{} `json:"attributes"`
	SavedAt    time.Time              `json:"saved_at"`
}

// Store defines the persistence interface.
type Store interface {
	Save(kind Kind, areaID string, attrs map[string]interface{}) error
	Load(kind Kind, areaID string) (*Record, error)
	Delete(kind Kind, areaID string) error
	List(kind Kind) (map[string]*Record, error)
	Close() error
}
