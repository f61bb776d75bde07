package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	snap     types.MembershipSnapshot
	leader   types.NodeID
	isLeader bool
}

func (f fakeState) Membership() types.MembershipSnapshot { return f.snap }
func (f fakeState) Leader() types.NodeID                 { return f.leader }
func (f fakeState) IsLeader() bool                       { return f.isLeader }

func quorate(members ...types.NodeID) types.MembershipSnapshot {
	return types.MembershipSnapshot{
		Quorate:     true,
		MemberCount: uint32(len(members)),
		Members:     members,
		Generation:  3,
	}
}

func readyComponents(t *testing.T) {
	t.Helper()
	metrics.SetCriticalComponents(metrics.ComponentScheduler)
	metrics.UpdateComponent(metrics.ComponentScheduler, true, "")
	t.Cleanup(func() {
		metrics.SetCriticalComponents(metrics.ComponentMembership, metrics.ComponentScheduler, metrics.ComponentReconciler)
	})
}

func TestHealthMethodNotAllowed(t *testing.T) {
	hs := NewHealthServer(nil)

	for _, path := range []string{"/health", "/ready"} {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			t.Run(method+path, func(t *testing.T) {
				req := httptest.NewRequest(method, path, nil)
				w := httptest.NewRecorder()
				hs.GetHandler().ServeHTTP(w, req)
				assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			})
		}
	}
}

func TestReadyHandler(t *testing.T) {
	readyComponents(t)

	tests := []struct {
		name        string
		state       ClusterState
		wantCode    int
		wantMessage string
		checks      map[string]string
	}{
		{
			name:     "leader and quorate",
			state:    fakeState{snap: quorate("n1", "n2"), leader: "n1", isLeader: true},
			wantCode: http.StatusOK,
			checks:   map[string]string{"leader": "self", "membership": "quorate (2 members, generation 3)"},
		},
		{
			name:     "follower with leader",
			state:    fakeState{snap: quorate("n1", "n2"), leader: "n2"},
			wantCode: http.StatusOK,
			checks:   map[string]string{"leader": "n2"},
		},
		{
			name:        "not quorate",
			state:       fakeState{leader: "n2"},
			wantCode:    http.StatusServiceUnavailable,
			wantMessage: "Waiting for quorum",
			checks:      map[string]string{"membership": "not quorate"},
		},
		{
			name:        "no leader",
			state:       fakeState{snap: quorate("n1")},
			wantCode:    http.StatusServiceUnavailable,
			wantMessage: "Waiting for leader election",
			checks:      map[string]string{"leader": "no leader elected"},
		},
		{
			name:        "nil manager",
			state:       nil,
			wantCode:    http.StatusServiceUnavailable,
			wantMessage: "Manager not initialized",
			checks:      map[string]string{"membership": "not initialized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(tt.state)
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()

			hs.readyHandler(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantMessage, resp.Message)
			assert.NotZero(t, resp.Timestamp)
			for k, v := range tt.checks {
				assert.Equal(t, v, resp.Checks[k], k)
			}
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "ready", resp.Status)
			} else {
				assert.Equal(t, "not ready", resp.Status)
			}
		})
	}
}

func TestReadyRequiresComponents(t *testing.T) {
	metrics.SetCriticalComponents(metrics.ComponentReconciler)
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
	t.Cleanup(func() {
		metrics.SetCriticalComponents(metrics.ComponentMembership, metrics.ComponentScheduler, metrics.ComponentReconciler)
	})

	hs := NewHealthServer(fakeState{snap: quorate("n1"), leader: "n1", isLeader: true})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.readyHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready: stopped", resp.Checks[metrics.ComponentReconciler])
	assert.Equal(t, "waiting for reconciler", resp.Message)
}

func TestLiveAndMetricsEndpoints(t *testing.T) {
	hs := NewHealthServer(nil)

	for _, path := range []string{"/live", "/metrics", "/health"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			hs.GetHandler().ServeHTTP(w, req)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}
}
