// Package api serves a read-only JSON view of a running load test.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"crank/pkg/interfaces"
	"crank/pkg/types"
)

// Status is the live run the server reports on
type Status interface {
	Census() types.Census
	Progress() types.Progress
	Report() types.Report
}

// ARCHITECTURAL DISCOVERY: The status server is a pure observer. Every handler
// reads snapshots; none of them can block or steer the ramp
type Server struct {
	status   Status
	recorder interfaces.RunRecorder // nil when no run log is configured
	started  time.Time
	router   *http.ServeMux
	log      *log.Entry
}

// NewServer wires routes over status. recorder may be nil
func NewServer(status Status, recorder interfaces.RunRecorder, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Server{
		status:   status,
		recorder: recorder,
		started:  time.Now(),
		router:   http.NewServeMux(),
		log:      logger.WithField("component", "api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/census", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleCensus))))
	s.router.Handle("/api/progress", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleProgress))))
	s.router.Handle("/api/report", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleReport))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	RunLog    string          `json:"run_log"`
	Census    types.Census    `json:"census"`
	Ramp      types.RampState `json:"ramp"`
	System    map[string]any  `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - driver health; 503 only when the run
// log is configured and failing
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	runLog := "disabled"
	if s.recorder != nil {
		runLog = "healthy"
		if err := s.recorder.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			runLog = fmt.Sprintf("error: %v", err)
		}
	}

	report := s.status.Report()
	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		RunLog:    runLog,
		Census:    report.Census,
		Ramp:      report.RampState,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
			"faults":     report.Faults,
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.send(w, code, response)
}

// GET /api/census
func (s *Server) handleCensus(w http.ResponseWriter, r *http.Request) {
	if s.allowGet(w, r) {
		s.send(w, http.StatusOK, s.status.Census())
	}
}

// GET /api/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.allowGet(w, r) {
		s.send(w, http.StatusOK, s.status.Progress())
	}
}

// GET /api/report
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.allowGet(w, r) {
		s.send(w, http.StatusOK, s.status.Report())
	}
}

func (s *Server) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) send(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.send(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware lets a browser dashboard poll the
// driver from another origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
