// Package testutil provides a mock Home Assistant WebSocket server and an
// end-to-end test environment for the area controllers.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the parts of the Home Assistant WebSocket API the
// controllers use: auth, get_states, subscribe_events and call_service for
// lights, switches and input booleans.
type MockHAServer struct {
	server       *httptest.Server
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	token        string
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer creates a mock server accepting token
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		states: make(map[string]*EntityState),
		token:  token,
	}
}

// Start listens on a random local port
func (s *MockHAServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
}

// URL is the WebSocket endpoint clients should dial
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
}

// SetState sets a state and broadcasts the change
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.statesMu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// ChangeState changes an entity's state value, keeping its attributes
func (s *MockHAServer) ChangeState(entityID, state string) {
	s.SetState(entityID, state, s.attributes(entityID))
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

func (s *MockHAServer) attributes(entityID string) map[string]interface{} {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	attrs := make(map[string]interface{})
	if old := s.states[entityID]; old != nil {
		for k, v := range old.Attributes {
			attrs[k] = v
		}
	}
	return attrs
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	// events only go to authenticated connections
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.reply(wrapper, base.ID, nil)
		case "get_states":
			s.handleGetStates(wrapper, base.ID)
		case "call_service":
			s.handleCallService(wrapper, msg)
		}
	}
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result json.RawMessage) {
	success := true
	wrapper.write(Message{ID: id, Type: "result", Success: &success, Result: result})
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	s.reply(wrapper, id, statesJSON)
}

// handleCallService records the call, replies, then applies on/off services
// to known entities the way Home Assistant reports them.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	call := ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	}
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, call)
	s.callsMu.Unlock()

	s.reply(wrapper, req.ID, nil)

	switch req.Domain {
	case "light", "switch", "input_boolean":
	default:
		return
	}

	for _, entityID := range call.EntityIDs() {
		if s.GetState(entityID) == nil {
			continue
		}
		attrs := s.attributes(entityID)
		switch req.Service {
		case "turn_on":
			if b, ok := req.ServiceData["brightness"].(float64); ok {
				attrs["brightness"] = b
			}
			s.SetState(entityID, "on", attrs)
		case "turn_off":
			delete(attrs, "brightness")
			s.SetState(entityID, "off", attrs)
		}
	}
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventDataJSON, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      eventDataJSON,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}
