package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient in memory for tests. State changes and
// the service calls that cause them notify subscribers synchronously.
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  *subscriberSet
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callErr      error
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// EntityIDs returns the entity_id targets of the call as a list
func (sc ServiceCall) EntityIDs() []string {
	return entityIDs(sc.Data)
}

type mockSubscription struct {
	entityID string
	id       string
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	s.mock.subscribers.remove(s.entityID, s.id)
	return nil
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  newSubscriberSet(),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subscribers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// SetCallError makes every following CallService fail with err.
// Pass nil to restore normal behaviour.
func (m *MockClient) SetCallError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callErr = err
}

// CallService records a service call and applies its effect on light,
// switch and input_boolean entities.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	if m.callErr != nil {
		err := m.callErr
		m.callsMu.Unlock()
		return err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	for _, entityID := range entityIDs(data) {
		m.applyServiceCall(entityID, domain, service, data)
	}

	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	id := m.subscribers.add(entityID, handler)
	return &mockSubscription{entityID: entityID, id: id, mock: m}, nil
}

// SubscriberCount returns how many handlers follow entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	return m.subscribers.count(entityID)
}

// SetState replaces an entity's state and attributes and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subscribers.dispatch(entityID, oldState, newState)
}

// SimulateStateChange changes an entity's state, keeping its attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	oldState := m.states[entityID]
	m.statesMu.RUnlock()

	attributes := make(map[string]interface{})
	if oldState != nil {
		for k, v := range oldState.Attributes {
			attributes[k] = v
		}
	}

	m.SetState(entityID, newStateValue, attributes)
}

// RemoveState deletes an entity so that lookups report it as missing
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	if oldState != nil {
		m.subscribers.dispatch(entityID, oldState, nil)
	}
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// applyServiceCall mirrors what Home Assistant would report after a call
func (m *MockClient) applyServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.RLock()
	oldState := m.states[entityID]
	m.statesMu.RUnlock()

	attributes := make(map[string]interface{})
	value := ""
	if oldState != nil {
		value = oldState.State
		for k, v := range oldState.Attributes {
			attributes[k] = v
		}
	}

	switch domain {
	case "light", "switch", "input_boolean":
		switch service {
		case "turn_on":
			value = "on"
			if b, ok := data["brightness"]; ok {
				attributes["brightness"] = b
			}
		case "turn_off":
			value = "off"
			delete(attributes, "brightness")
		default:
			return
		}
	default:
		return
	}

	m.SetState(entityID, value, attributes)
}

// entityIDs normalises the entity_id field of service data
func entityIDs(data map[string]interface{}) []string {
	switch v := data["entity_id"].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}
