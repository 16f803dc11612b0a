package testutil

import (
	"fmt"

	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/ha"
	"areapresence/internal/state"

	"go.uber.org/zap"
)

// TestEnv is a mock Home Assistant with a real client and state manager
// connected to it over WebSocket.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	States *state.Manager
	Logger *zap.Logger

	registries []*areas.Registry
}

// NewTestEnv starts a mock server, lets seed create the initial entities,
// then connects and syncs a client.
//
//	env, err := testutil.NewTestEnv("test_token", func(s *testutil.MockHAServer) {
//	    s.SetState("binary_sensor.kitchen_motion", "off", map[string]interface{}{"device_class": "motion"})
//	})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string, seed func(*MockHAServer)) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(token)
	server.Start()
	if seed != nil {
		seed(server)
	}

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	states := state.NewManager(client, logger)
	if err := states.Sync(); err != nil {
		client.Disconnect()
		server.Stop()
		return nil, fmt.Errorf("failed to sync state: %w", err)
	}

	return &TestEnv{
		Server: server,
		Client: client,
		States: states,
		Logger: logger,
	}, nil
}

// StartAreas builds and starts a registry for areaList on the real clock.
// It is stopped by Cleanup.
func (e *TestEnv) StartAreas(areaList []*area.Area, readOnly bool) (*areas.Registry, error) {
	registry, err := areas.NewRegistry(areaList, e.States, e.Client, clock.NewRealClock(), e.Logger, readOnly)
	if err != nil {
		return nil, err
	}
	if err := registry.Start(); err != nil {
		return nil, fmt.Errorf("failed to start areas: %w", err)
	}
	e.registries = append(e.registries, registry)
	return registry, nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	for i := len(e.registries) - 1; i >= 0; i-- {
		e.registries[i].Stop()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
