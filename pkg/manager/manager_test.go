package manager

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/reconciler"
	"github.com/cuemby/rgmanager/pkg/scheduler"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type emptyProbe struct{}

func (emptyProbe) FindProcesses(string, int, types.MatchMode, ...int) ([]types.ProcessRecord, error) {
	return nil, nil
}

func (emptyProbe) TerminateAll(string, syscall.Signal) (int, error) { return 0, nil }

func testGroups() []types.GroupDefinition {
	return []types.GroupDefinition{
		{ID: "db", Script: "/bin/true", PreferredNodes: []types.NodeID{"n1"}, Restricted: true, Autostart: true},
		{ID: "web", Script: "/bin/true", DependsOn: []string{"db"}, PreferredNodes: []types.NodeID{"n1"}, Restricted: true, Autostart: true},
	}
}

func newTestManager(t *testing.T, dataDir string, groups []types.GroupDefinition, opts ...Option) (*Manager, *agent.Fake) {
	t.Helper()

	fake := agent.NewFake()
	catalog := agent.NewCatalog()
	catalog.Register(agent.TypeScript, fake)

	cfg := &Config{
		NodeID:  "n1",
		DataDir: dataDir,
		Groups:  groups,
		Scheduler: scheduler.Config{
			AgentTimeout:    2 * time.Second,
			RelocationDelay: 50 * time.Millisecond,
			Retry: scheduler.RetryPolicy{
				MaxAttempts:    2,
				InitialBackoff: 5 * time.Millisecond,
				MaxBackoff:     20 * time.Millisecond,
				Multiplier:     2,
			},
		},
		Reconcile: reconciler.Config{Interval: 50 * time.Millisecond},
	}

	mgr, err := NewManager(cfg, append([]Option{WithCatalog(catalog), WithProbe(emptyProbe{})}, opts...)...)
	require.NoError(t, err)
	mgr.Start()
	t.Cleanup(func() { shutdown(t, mgr) })
	return mgr, fake
}

func shutdown(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, mgr.Shutdown(ctx))
}

func statusOf(mgr *Manager, id string) types.GroupStatus {
	for _, st := range mgr.Status() {
		if st.ID == id {
			return st
		}
	}
	return types.GroupStatus{}
}

func waitState(t *testing.T, mgr *Manager, id string, state types.GroupState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return statusOf(mgr, id).State == state
	}, waitFor, tick, "group %s never reached %s (now %s)", id, state, statusOf(mgr, id).State)
}

func TestStandaloneStartsAutostartGroups(t *testing.T) {
	mgr, fake := newTestManager(t, t.TempDir(), testGroups())

	waitState(t, mgr, "db", types.GroupStateStarted)
	waitState(t, mgr, "web", types.GroupStateStarted)

	assert.True(t, fake.Running("db"))
	assert.Equal(t, types.NodeID("n1"), statusOf(mgr, "web").Owner)

	snap := mgr.Membership()
	assert.True(t, snap.Quorate)
	assert.Equal(t, []types.NodeID{"n1"}, snap.Members)
	assert.Equal(t, types.NodeID("n1"), mgr.Leader())
	assert.True(t, mgr.IsLeader())
	assert.Nil(t, mgr.RaftStats())
}

func TestOperatorIntents(t *testing.T) {
	mgr, fake := newTestManager(t, t.TempDir(), testGroups())
	ctx := context.Background()
	waitState(t, mgr, "web", types.GroupStateStarted)

	require.NoError(t, mgr.Disable(ctx, "web"))
	waitState(t, mgr, "web", types.GroupStateStopped)
	assert.False(t, statusOf(mgr, "web").Enabled)
	assert.False(t, fake.Running("web"))
	assert.Equal(t, types.GroupStateStarted, statusOf(mgr, "db").State)

	require.NoError(t, mgr.Enable(ctx, "web", ""))
	waitState(t, mgr, "web", types.GroupStateStarted)

	require.NoError(t, mgr.Freeze(ctx, "db"))
	assert.True(t, statusOf(mgr, "db").Frozen)
	assert.ErrorIs(t, mgr.Enable(ctx, "db", ""), types.ErrGroupFrozen)
	require.NoError(t, mgr.Unfreeze(ctx, "db"))
	assert.False(t, statusOf(mgr, "db").Frozen)

	assert.ErrorIs(t, mgr.Enable(ctx, "ghost", ""), types.ErrGroupNotFound)
	assert.ErrorIs(t, mgr.Disable(ctx, "ghost"), types.ErrGroupNotFound)
	assert.ErrorIs(t, mgr.Freeze(ctx, "ghost"), types.ErrGroupNotFound)
	assert.ErrorIs(t, mgr.Relocate(ctx, "db", "n9"), types.ErrNodeNotMember)
	assert.ErrorIs(t, mgr.Enable(ctx, "db", "n9"), types.ErrNodeNotMember)

	// web runs wherever db is owned
	assert.ErrorIs(t, mgr.Relocate(ctx, "web", "n1"), types.ErrDependencyUnsatisfiable)
	assert.ErrorIs(t, mgr.Enable(ctx, "web", "n1"), types.ErrDependencyUnsatisfiable)
}

func TestEnableRefusedWithoutQuorum(t *testing.T) {
	groups := testGroups()
	for i := range groups {
		groups[i].Autostart = false
	}
	mgr, _ := newTestManager(t, t.TempDir(), groups, WithExternalMembership())
	ctx := context.Background()

	assert.ErrorIs(t, mgr.Enable(ctx, "db", ""), types.ErrNotQuorate)
	assert.ErrorIs(t, mgr.Relocate(ctx, "db", "n1"), types.ErrNotQuorate)

	assert.True(t, mgr.InjectMembership(membership.Event{Quorate: true, Members: []types.NodeID{"n1", "n2"}}))
	assert.ErrorIs(t, mgr.Enable(ctx, "web", ""), types.ErrDependencyUnsatisfiable, "db is still disabled")

	require.NoError(t, mgr.Enable(ctx, "db", ""))
	require.NoError(t, mgr.Enable(ctx, "web", ""))
	waitState(t, mgr, "web", types.GroupStateStarted)

	mgr.InjectMembership(membership.Event{Quorate: false, Members: []types.NodeID{"n1"}})
	assert.NotEqual(t, types.GroupStateStarted, statusOf(mgr, "web").State, "quorum loss sweeps synchronously")
	waitState(t, mgr, "db", types.GroupStateStopped)
}

func TestIntentsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	mgr, _ := newTestManager(t, dir, testGroups())
	waitState(t, mgr, "web", types.GroupStateStarted)
	require.NoError(t, mgr.Disable(context.Background(), "web"))
	waitState(t, mgr, "web", types.GroupStateStopped)
	shutdown(t, mgr)

	restarted, fake := newTestManager(t, dir, testGroups())
	waitState(t, restarted, "db", types.GroupStateStarted)

	st := statusOf(restarted, "web")
	assert.False(t, st.Enabled)
	assert.Equal(t, types.GroupStateStopped, st.State)
	assert.Zero(t, fake.Count("web", agent.ActionStart))
}

func TestHistoryRecorded(t *testing.T) {
	mgr, _ := newTestManager(t, t.TempDir(), testGroups())
	waitState(t, mgr, "db", types.GroupStateStarted)

	var history []*types.TransitionRecord
	require.Eventually(t, func() bool {
		var err error
		history, err = mgr.History("db", 0)
		return err == nil && len(history) >= 2
	}, waitFor, tick)

	assert.Equal(t, types.GroupStateStopped, history[0].From)
	assert.Equal(t, types.GroupStateStarting, history[0].To)
	assert.Equal(t, types.GroupStateStarted, history[1].To)
	assert.Equal(t, types.NodeID("n1"), history[1].Owner)
	assert.NotZero(t, history[1].Epoch)

	_, err := mgr.History("ghost", 0)
	assert.ErrorIs(t, err, types.ErrGroupNotFound)
}

func TestConfigInconsistencyExcludesGroup(t *testing.T) {
	groups := append(testGroups(), types.GroupDefinition{
		ID: "cache", Script: "/bin/true", DependsOn: []string{"ghost"}, Autostart: true,
	})
	mgr, fake := newTestManager(t, t.TempDir(), groups)

	require.Len(t, mgr.ConfigErrors(), 1)
	st := statusOf(mgr, "cache")
	assert.True(t, st.Excluded)
	assert.Contains(t, st.ExcludedReason, "ghost")

	err := mgr.Enable(context.Background(), "cache", "")
	assert.ErrorIs(t, err, types.ErrGroupExcluded)
	assert.ErrorIs(t, err, types.ErrDependencyUnsatisfiable)

	waitState(t, mgr, "web", types.GroupStateStarted)
	assert.Zero(t, fake.Count("cache", agent.ActionStart))
}

func TestIntentEventsPublished(t *testing.T) {
	mgr, _ := newTestManager(t, t.TempDir(), testGroups())
	sub := mgr.SubscribeEvents()
	defer mgr.UnsubscribeEvents(sub)

	require.NoError(t, mgr.Freeze(context.Background(), "db"))

	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventIntentChanged {
				assert.Equal(t, "db", ev.Group)
				assert.Equal(t, "freeze", ev.Message)
				return
			}
		case <-timeout:
			t.Fatal("no intent event")
		}
	}
}

func TestMetricsCollector(t *testing.T) {
	groups := append(testGroups(), types.GroupDefinition{
		ID: "cache", Script: "/bin/true", DependsOn: []string{"ghost"},
	})
	mgr, _ := newTestManager(t, t.TempDir(), groups)
	waitState(t, mgr, "web", types.GroupStateStarted)

	mgr.collector.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GroupsExcluded))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GroupsTotal.WithLabelValues(string(types.GroupStateStarted))))
	assert.Equal(t, "ready", metrics.GetReadiness().Components[metrics.ComponentMembership])
}

func TestTransitionRecord(t *testing.T) {
	ev := events.New(events.EventGroupStarted, "db", "owner n1")
	ev.Metadata["from"] = "starting"
	ev.Metadata["to"] = "started"
	ev.Metadata["owner"] = "n1"
	ev.Metadata["epoch"] = "7"

	rec, ok := transitionRecord(ev)
	require.True(t, ok)
	assert.Equal(t, types.GroupStateStarting, rec.From)
	assert.Equal(t, types.GroupStateStarted, rec.To)
	assert.Equal(t, uint64(7), rec.Epoch)
	assert.Equal(t, "owner n1", rec.Reason)

	_, ok = transitionRecord(events.New(events.EventQuorumLost, "", "quorum lost"))
	assert.False(t, ok)
	_, ok = transitionRecord(events.New(events.EventOrphanTerminated, "db", "killed"))
	assert.False(t, ok)
}
