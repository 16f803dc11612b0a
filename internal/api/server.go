package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"areapresence/internal/areas"
	"areapresence/internal/history"

	"go.uber.org/zap"
)

// HistoryReader is the query side of the history database
type HistoryReader interface {
	History(ctx context.Context, areaID string, limit int) ([]history.Entry, error)
}

// Server provides HTTP API endpoints for the areas
type Server struct {
	registry *areas.Registry
	history  HistoryReader
	hub      *Hub
	logger   *zap.Logger
	server   *http.Server
	cancels  []func()
}

// NewServer creates a new API server
func NewServer(registry *areas.Registry, logger *zap.Logger, port int) *Server {
	s := &Server{
		registry: registry,
		logger:   logger.Named("api"),
	}
	s.hub = NewHub(s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/areas", s.handleListAreas)
	mux.HandleFunc("GET /api/areas/{id}", s.handleGetArea)
	mux.HandleFunc("POST /api/areas/{id}/reevaluate", s.handleReevaluate)
	mux.HandleFunc("POST /api/areas/{id}/manual", s.handleSetManual)
	mux.HandleFunc("POST /api/areas/{id}/control", s.handleSetControl)
	mux.HandleFunc("GET /api/areas/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetHistory enables the history endpoint
func (s *Server) SetHistory(h HistoryReader) {
	s.history = h
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"areas":  len(s.registry.List()),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/api/areas", Method: "GET", Description: "State, sensors and lights of every area"},
	{Path: "/api/areas/{id}", Method: "GET", Description: "State, sensors and lights of one area"},
	{Path: "/api/areas/{id}/reevaluate", Method: "POST", Description: "Re-run the occupancy evaluation of an area"},
	{Path: "/api/areas/{id}/manual", Method: "POST", Description: "Set manual light control: {\"enabled\": true}"},
	{Path: "/api/areas/{id}/control", Method: "POST", Description: "Switch automatic light control: {\"enabled\": false}"},
	{Path: "/api/areas/{id}/history", Method: "GET", Description: "Recent transitions and light commands (?limit=N, max 200)"},
	{Path: "/ws", Method: "GET", Description: "WebSocket stream of transitions and light events"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Area Presence API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nAreas: %s\n", strings.Join(s.registry.IDs(), ", "))

	s.logger.Debug("Sitemap request served", zap.String("remote_addr", r.RemoteAddr))
}

// Start begins serving HTTP requests and streaming area events
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	s.startStream()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.stopStream()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func (s *Server) startStream() {
	go s.hub.Run()
	s.cancels = append(s.cancels,
		s.registry.OnTransition(s.hub.PublishTransition),
		s.registry.OnLightEvent(s.hub.PublishLightEvent),
	)
}

func (s *Server) stopStream() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.hub.Stop()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
