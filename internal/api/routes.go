// Package api provides HTTP handlers and routing for the graph engine.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers. Extra
// middleware (auth, rate limiting) runs after logging and recovery.
func NewServer(h *Handlers, middleware ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(middleware)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(extra []mux.MiddlewareFunc) {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", s.handlers.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handlers.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handlers.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handlers.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/invoke", s.handlers.InvokeSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/cancel", s.handlers.CancelSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Graph library
	api.HandleFunc("/graphs", s.handlers.CreateGraph).Methods("POST")
	api.HandleFunc("/graphs", s.handlers.ListGraphs).Methods("GET")
	api.HandleFunc("/graphs/{id}", s.handlers.GetGraph).Methods("GET")
	api.HandleFunc("/graphs/{id}", s.handlers.DeleteGraph).Methods("DELETE")

	// Batches
	api.HandleFunc("/batches", s.handlers.CreateBatch).Methods("POST")
	api.HandleFunc("/batches", s.handlers.ListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handlers.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/run", s.handlers.RunBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/cancel", s.handlers.CancelBatch).Methods("POST")

	// Processor
	api.HandleFunc("/processor/status", s.handlers.ProcessorStatus).Methods("GET")
	api.HandleFunc("/processor/pause", s.handlers.PauseProcessor).Methods("POST")
	api.HandleFunc("/processor/resume", s.handlers.ResumeProcessor).Methods("POST")

	// Node kinds
	api.HandleFunc("/kinds", s.handlers.ListKinds).Methods("GET")
	api.HandleFunc("/kinds/{name}", s.handlers.GetKind).Methods("GET")

	// Preflight requests match here so CORSMiddleware can answer them.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	for _, mw := range extra {
		s.router.Use(mw)
	}
}
