package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golem-project/worker-executor/pkg/coordinator"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/shard"
)

// HealthServer exposes HTTP /health, /ready and /metrics endpoints for a
// worker executor node, grounded on the teacher's HealthServer.
type HealthServer struct {
	assignment  *shard.Assignment
	coordinator *coordinator.Coordinator
	mux         *http.ServeMux
}

// NewHealthServer creates a health check HTTP server backed by this
// node's shard assignment and (if this node runs one) its coordinator.
func NewHealthServer(assignment *shard.Assignment, coord *coordinator.Coordinator) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		assignment:  assignment,
		coordinator: coord,
		mux:         mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server, blocking until it exits.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 if the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks whether the node is ready to accept worker
// invocations: it must have received a shard assignment. If this node
// runs a coordinator, its leader/follower role is reported in the checks
// but does not affect readiness.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.assignment != nil && hs.assignment.IsReady() {
		checks["shard_assignment"] = fmt.Sprintf("%d shards owned", len(hs.assignment.Current()))
	} else {
		checks["shard_assignment"] = "no assignment received yet"
		ready = false
		message = "Waiting for shard assignment"
	}

	if hs.coordinator != nil {
		if hs.coordinator.IsLeader() {
			checks["coordinator"] = "leader"
		} else {
			checks["coordinator"] = "follower"
		}
	} else {
		checks["coordinator"] = "not running on this node"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
