// Package state keeps a local cache of Home Assistant entity states and
// fans their changes out to the area controllers.
package state

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"areapresence/internal/ha"

	"go.uber.org/zap"
)

// invalidValues are states that carry no information about the device
var invalidValues = map[string]struct{}{
	"":            {},
	"unknown":     {},
	"unavailable": {},
	"none":        {},
}

// IsValidValue reports whether value is a meaningful entity state
func IsValidValue(value string) bool {
	_, invalid := invalidValues[strings.ToLower(value)]
	return !invalid
}

// Reading is a point-in-time view of one entity
type Reading struct {
	EntityID   string
	Value      string
	Attributes map[string]interface{}
	Found      bool
	Restored   bool
}

// Valid reports whether the entity exists and reports a usable state
func (r Reading) Valid() bool {
	return r.Found && IsValidValue(r.Value)
}

// Float parses the reading as a number
func (r Reading) Float() (float64, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("entity %s has no usable state %q", r.EntityID, r.Value)
	}
	v, err := strconv.ParseFloat(r.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("entity %s state %q is not numeric: %w", r.EntityID, r.Value, err)
	}
	return v, nil
}

// StringAttribute returns a string attribute of the reading
func (r Reading) StringAttribute(name string) string {
	if r.Attributes == nil {
		return ""
	}
	v, _ := r.Attributes[name].(string)
	return v
}

// Domain returns the part of the entity ID before the dot
func (r Reading) Domain() string {
	return Domain(r.EntityID)
}

// Domain returns the platform prefix of an entity ID
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return ""
}

func readingOf(entityID string, s *ha.State) Reading {
	if s == nil {
		return Reading{EntityID: entityID}
	}
	return Reading{
		EntityID:   entityID,
		Value:      s.State,
		Attributes: s.Attributes,
		Found:      true,
		Restored:   s.Restored(),
	}
}

// ChangeHandler is called after the cache has been updated for entityID
type ChangeHandler func(entityID string, oldReading, newReading Reading)

// Subscription represents an active Track registration
type Subscription interface {
	Unsubscribe()
}

type trackEntry struct {
	id      int
	handler ChangeHandler
}

type subscription struct {
	manager   *Manager
	entityIDs []string
	id        int
}

func (s *subscription) Unsubscribe() {
	s.manager.untrack(s.entityIDs, s.id)
}

// Manager caches entity states and follows their changes
type Manager struct {
	client   ha.HAClient
	logger   *zap.Logger
	cache    map[string]*ha.State
	cacheMu  sync.RWMutex
	handlers map[string][]trackEntry
	haSubs   map[string]ha.Subscription
	nextID   int
	subsMu   sync.Mutex
}

// NewManager creates a new state cache on top of client
func NewManager(client ha.HAClient, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		logger:   logger.Named("state"),
		cache:    make(map[string]*ha.State),
		handlers: make(map[string][]trackEntry),
		haSubs:   make(map[string]ha.Subscription),
	}
}

// Sync replaces the cache with every state Home Assistant currently reports
func (m *Manager) Sync() error {
	m.logger.Info("Syncing entity states from Home Assistant...")

	states, err := m.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	cache := make(map[string]*ha.State, len(states))
	for _, s := range states {
		cache[s.EntityID] = s
	}

	m.cacheMu.Lock()
	m.cache = cache
	m.cacheMu.Unlock()

	m.logger.Info("Entity sync complete", zap.Int("entities", len(cache)))
	return nil
}

// Read returns the cached reading for entityID. Found is false when the
// entity does not exist.
func (m *Manager) Read(entityID string) Reading {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return readingOf(entityID, m.cache[entityID])
}

// EntityIDs returns every cached entity ID
func (m *Manager) EntityIDs() []string {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	return ids
}

// Track calls handler whenever any of entityIDs changes. Handlers run on
// the goroutine delivering the Home Assistant event, after the cache has
// been updated.
func (m *Manager) Track(entityIDs []string, handler ChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextID++
	id := m.nextID

	for _, entityID := range entityIDs {
		if _, ok := m.haSubs[entityID]; !ok {
			sub, err := m.client.SubscribeStateChanges(entityID, m.handleChange)
			if err != nil {
				m.removeLocked(entityIDs, id)
				return nil, fmt.Errorf("failed to subscribe to %s: %w", entityID, err)
			}
			m.haSubs[entityID] = sub
		}
		m.handlers[entityID] = append(m.handlers[entityID], trackEntry{id: id, handler: handler})
	}

	return &subscription{manager: m, entityIDs: entityIDs, id: id}, nil
}

func (m *Manager) untrack(entityIDs []string, id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.removeLocked(entityIDs, id)
}

// removeLocked drops the handlers registered under id and releases
// Home Assistant subscriptions nobody needs any more.
func (m *Manager) removeLocked(entityIDs []string, id int) {
	for _, entityID := range entityIDs {
		entries := m.handlers[entityID]
		kept := make([]trackEntry, 0, len(entries))
		for _, e := range entries {
			if e.id != id {
				kept = append(kept, e)
			}
		}

		if len(kept) > 0 {
			m.handlers[entityID] = kept
			continue
		}

		delete(m.handlers, entityID)
		if sub, ok := m.haSubs[entityID]; ok {
			if err := sub.Unsubscribe(); err != nil {
				m.logger.Warn("Failed to unsubscribe", zap.String("entity_id", entityID), zap.Error(err))
			}
			delete(m.haSubs, entityID)
		}
	}
}

func (m *Manager) handleChange(entityID string, _, newState *ha.State) {
	m.cacheMu.Lock()
	oldState := m.cache[entityID]
	if newState == nil {
		delete(m.cache, entityID)
	} else {
		m.cache[entityID] = newState
	}
	m.cacheMu.Unlock()

	oldReading := readingOf(entityID, oldState)
	newReading := readingOf(entityID, newState)

	m.logger.Debug("Entity changed",
		zap.String("entity_id", entityID),
		zap.String("old", oldReading.Value),
		zap.String("new", newReading.Value))

	m.subsMu.Lock()
	entries := append([]trackEntry(nil), m.handlers[entityID]...)
	m.subsMu.Unlock()

	for _, e := range entries {
		e.handler(entityID, oldReading, newReading)
	}
}
