package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/store"
)

// MonitorControl is the slice of the monitoring loop the API needs.
type MonitorControl interface {
	Start(ctx context.Context)
	Stop()
	Active() bool
}

// Generator is the slice of the text-generation client the AI routes
// need.
type Generator interface {
	Chat(ctx context.Context, message string, metrics *store.Snapshot, anomalyCount int) (string, error)
	RuleSuggestion(ctx context.Context, description string) (string, error)
	AnalyzeAnomaly(ctx context.Context, anomaly store.Anomaly, metrics store.Snapshot) (string, error)
}

// Server exposes the REST and websocket surface over the in-memory
// store, the monitoring loop, and the broadcast hub.
type Server struct {
	store     *store.MemStore
	monitor   MonitorControl
	hub       *broadcast.Hub
	generator Generator
	logger    zerolog.Logger
}

// NewServer wires the handler dependencies. The generator is optional;
// without it the AI routes answer 503.
func NewServer(st *store.MemStore, monitor MonitorControl, hub *broadcast.Hub, generator Generator, logger zerolog.Logger) *Server {
	return &Server{
		store:     st,
		monitor:   monitor,
		hub:       hub,
		generator: generator,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the full route table with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/metrics", s.handleLatestMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/history", s.handleMetricsHistory).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleListAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/{id:[0-9]+}/status", s.handleAnomalyStatus).Methods(http.MethodPatch)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPatch)
	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleClearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/monitoring/toggle", s.handleMonitoringToggle).Methods(http.MethodPost)
	api.HandleFunc("/actions/execute", s.handleExecuteAction).Methods(http.MethodPost)
	api.HandleFunc("/ai/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/ai/rule-suggestion", s.handleRuleSuggestion).Methods(http.MethodPost)
	api.HandleFunc("/ai/analyze-anomaly", s.handleAnalyzeAnomaly).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.hub.ServeWS)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}
