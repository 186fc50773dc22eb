// Package api implements the HTTP/WebSocket Surface (spec §4.10):
// request/response routes for each State Store operation, plus one
// WebSocket stream per project for progress deltas.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/cryoboost/server/internal/clog"
	"github.com/cryoboost/server/internal/metrics"
)

// Server wires the State Store and project subsystems to a ServeMux.
type Server struct {
	deps *Dependencies
	mux  *http.ServeMux
}

// NewServer builds the full route table (spec §6 wire surface).
func NewServer(deps *Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the CORS-wrapped, metrics-instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.instrument(s.mux))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordAPIRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/api/v1/projects", s.handleProjects)
	s.mux.HandleFunc("/api/v1/projects/", s.handleProjectSubroutes)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createProject(w, r)
	default:
		methodNotAllowed(w)
	}
}

// handleProjectSubroutes dispatches /api/v1/projects/{op} by exact
// operation name; subscribe_progress upgrades to a WebSocket on that same
// path. It follows the teacher's path-suffix dispatch pattern instead of
// a regex router (spec §6).
func (s *Server) handleProjectSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	if path == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	switch {
	case path == "open":
		s.openProject(w, r)
	case path == "set_global":
		s.setGlobal(w, r)
	case path == "set_job_field":
		s.setJobField(w, r)
	case path == "start_pipeline":
		s.startPipeline(w, r)
	case path == "abort_pipeline":
		s.abortPipeline(w, r)
	case path == "reset_head":
		s.resetHead(w, r)
	case path == "subscribe_progress":
		s.subscribeProgress(w, r)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.Log.WithError(err).Warn("api: failed to encode response")
	}
}

// errorResponse is the wire shape for every failed operation (spec §7:
// "every failure has a stable machine-readable kind plus a human
// message").
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}
