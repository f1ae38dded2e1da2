// Package healthcheck serves liveness/readiness/metrics endpoints for an
// rconn, adapted from this codebase's fspipe daemon's health server: the
// same pluggable check/stats-provider shape, reworked to report on a
// connection's state instead of a pipe daemon's. Like Rconn itself, each
// named check's current Status is timestamped when it is entered, so
// /health and /metrics can report how long a check has held its current
// status the same way Rconn reports time-in-state.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the outcome of a single named check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check reports a named component's current status and an explanatory
// message.
type Check func() (Status, string)

// StatsProvider returns a flat map of a named component's current
// numeric/string stats, rendered as both JSON (/stats) and Prometheus
// text exposition (/metrics).
type StatsProvider func() map[string]any

// statusEntry is a check's most recently observed Status and when it was
// first observed, mirroring the (state, stateEntered) pair Rconn keeps
// for its own state machine.
type statusEntry struct {
	status Status
	since  time.Time
}

// Server serves /health, /health/live, /health/ready, /metrics, and
// /stats over its own listener, independent of any other HTTP router the
// owning daemon runs.
type Server struct {
	addr   string
	server *http.Server
	logger *slog.Logger

	mu          sync.RWMutex
	checks      map[string]Check
	stats       map[string]StatsProvider
	checkStates map[string]statusEntry

	startTime time.Time
}

// NewServer returns a Server bound to addr. Call RegisterCheck and
// RegisterStats before Start to populate it.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:        addr,
		logger:      logger,
		checks:      make(map[string]Check),
		stats:       make(map[string]StatsProvider),
		checkStates: make(map[string]statusEntry),
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterCheck adds a named health check, replacing any previous check
// registered under the same name.
func (s *Server) RegisterCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// RegisterStats adds a named stats provider, replacing any previous one
// registered under the same name.
func (s *Server) RegisterStats(name string, provider StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = provider
}

// Start begins serving in the background. ListenAndServe errors other
// than a clean shutdown are logged, not returned, since this runs
// detached from the caller.
func (s *Server) Start() {
	go func() {
		s.logger.Info("health server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "err", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// recordStatus resets name's since timestamp whenever its Status changes
// and returns how long it has held the current Status, the same
// transition-timestamping idiom Rconn.transition uses for stateEntered.
// Call sites must already hold s.mu for writing.
func (s *Server) recordStatus(name string, status Status) time.Duration {
	now := time.Now()
	entry, ok := s.checkStates[name]
	if !ok || entry.status != status {
		entry = statusEntry{status: status, since: now}
		s.checkStates[name] = entry
	}
	return now.Sub(entry.since)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	overall := StatusHealthy
	results := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		status, msg := check()
		held := s.recordStatus(name, status)
		results[name] = map[string]any{
			"status":              status,
			"message":             msg,
			"status_held_seconds": held.Seconds(),
		}
		switch {
		case status == StatusUnhealthy:
			overall = StatusUnhealthy
		case status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	resp := map[string]any{
		"status":    overall,
		"checks":    results,
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, check := range s.checks {
		if status, msg := check(); status == StatusUnhealthy {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "not_ready", "reason": name, "message": msg,
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP rconn_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE rconn_uptime_seconds gauge\n")
	fmt.Fprintf(w, "rconn_uptime_seconds %f\n", time.Since(s.startTime).Seconds())

	if len(s.checks) > 0 {
		fmt.Fprintf(w, "# HELP rconn_check_status_held_seconds Seconds a named check has held its current status\n")
		fmt.Fprintf(w, "# TYPE rconn_check_status_held_seconds gauge\n")
		for name, check := range s.checks {
			status, _ := check()
			held := s.recordStatus(name, status)
			fmt.Fprintf(w, "rconn_check_status_held_seconds{check=%q,status=%q} %f\n", name, status, held.Seconds())
		}
	}

	for name, provider := range s.stats {
		for key, value := range provider() {
			metricName := fmt.Sprintf("rconn_%s_%s", name, key)
			switch v := value.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", metricName, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", metricName, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", metricName, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", metricName, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", metricName, v)
			case bool:
				if v {
					fmt.Fprintf(w, "%s 1\n", metricName)
				} else {
					fmt.Fprintf(w, "%s 0\n", metricName)
				}
			case string:
				// String-valued stats have no Prometheus representation.
			}
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := map[string]any{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for name, provider := range s.stats {
		all[name] = provider()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(all)
}
