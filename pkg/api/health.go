package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
)

// ClusterState is what the readiness check needs from the manager
type ClusterState interface {
	Membership() types.MembershipSnapshot
	Leader() types.NodeID
	IsLeader() bool
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	state  ClusterState
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(state ClusterState) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		state: state,
		mux:   mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return hs.server.ListenAndServe()
}

// Close stops the HTTP server
func (hs *HealthServer) Close() error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Close()
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler reports component health
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metrics.HealthHandler()(w, r)
}

// readyHandler is ready once the node is quorate, a leader is known and the
// critical components report healthy
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.state == nil {
		checks["membership"] = "not initialized"
		ready = false
		message = "Manager not initialized"
	} else {
		snap := hs.state.Membership()
		if snap.Quorate {
			checks["membership"] = fmt.Sprintf("quorate (%d members, generation %d)", snap.MemberCount, snap.Generation)
		} else {
			checks["membership"] = "not quorate"
			ready = false
			message = "Waiting for quorum"
		}

		switch leader := hs.state.Leader(); {
		case hs.state.IsLeader():
			checks["leader"] = "self"
		case leader != "":
			checks["leader"] = string(leader)
		default:
			checks["leader"] = "no leader elected"
			ready = false
			if message == "" {
				message = "Waiting for leader election"
			}
		}
	}

	readiness := metrics.GetReadiness()
	for name, st := range readiness.Components {
		checks[name] = st
	}
	if readiness.Status != "ready" {
		ready = false
		if message == "" {
			message = readiness.Message
		}
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

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
