package reconciler

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/registry"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu       sync.Mutex
	procs    map[string][]int
	stubborn map[string]bool // Ignore SIGTERM
	err      error
	signals  []syscall.Signal
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{procs: make(map[string][]int), stubborn: make(map[string]bool)}
}

func (p *fakeProbe) set(name string, pids ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[name] = pids
}

func (p *fakeProbe) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProbe) FindProcesses(pattern string, maxResults int, mode types.MatchMode, pids ...int) ([]types.ProcessRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, &types.TransientProbeError{Pattern: pattern, Err: p.err}
	}
	allowed := make(map[int]bool)
	for _, pid := range pids {
		allowed[pid] = true
	}

	records := []types.ProcessRecord{}
	for _, pid := range p.procs[pattern] {
		if mode == types.MatchPID && !allowed[pid] {
			continue
		}
		records = append(records, types.ProcessRecord{PID: pid, MatchedPattern: pattern})
		if len(records) >= maxResults {
			break
		}
	}
	return records, nil
}

func (p *fakeProbe) TerminateAll(pattern string, sig syscall.Signal) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.signals = append(p.signals, sig)
	n := len(p.procs[pattern])
	if sig == syscall.SIGKILL || !p.stubborn[pattern] {
		delete(p.procs, pattern)
	}
	return n, nil
}

func (p *fakeProbe) sent() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeScheduler struct {
	mu         sync.Mutex
	recovered  []string
	orphaned   map[string]bool
	reconciled int
	intents    map[string]types.GroupIntent
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{orphaned: make(map[string]bool), intents: make(map[string]types.GroupIntent)}
}

func (s *fakeScheduler) Recover(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = append(s.recovered, id)
}

func (s *fakeScheduler) SetOrphaned(id string, orphaned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphaned[id] = orphaned
}

func (s *fakeScheduler) MarkReconciled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled++
}

func (s *fakeScheduler) Intent(id string) (types.GroupIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	return intent, ok
}

func (s *fakeScheduler) isOrphaned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphaned[id]
}

func (s *fakeScheduler) recoveredGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recovered...)
}

func (s *fakeScheduler) reconciledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciled
}

type fixture struct {
	view  *membership.View
	reg   *registry.Registry
	sched *fakeScheduler
	probe *fakeProbe
}

func newFixture(t *testing.T, defs ...types.GroupDefinition) *fixture {
	t.Helper()
	reg, errs := registry.New(defs)
	require.Empty(t, errs)

	f := &fixture{
		view:  membership.NewView(),
		reg:   reg,
		sched: newFakeScheduler(),
		probe: newFakeProbe(),
	}
	f.view.Update(membership.Event{Quorate: true, Members: []types.NodeID{"n1"}})
	return f
}

func (f *fixture) reconciler(cfg Config, opts ...Option) *Reconciler {
	return NewReconciler(cfg, f.view, f.reg, f.sched, f.probe, opts...)
}

func (f *fixture) markStarted(t *testing.T, id string) {
	t.Helper()
	require.True(t, f.reg.CompareAndSetState(id, types.GroupStateStopped, types.GroupStateStarting, "n1", 1, 0))
	require.True(t, f.reg.CompareAndSetState(id, types.GroupStateStarting, types.GroupStateStarted, "n1", 1, 0))
}

func (f *fixture) state(id string) types.GroupState {
	g, _ := f.reg.Get(id)
	return g.State
}

func processGroup(id, name string) types.GroupDefinition {
	return types.GroupDefinition{ID: id, Autostart: true, Process: &types.ProcessSpec{Name: name}}
}

func TestStartedGroupWithoutProcessRecovers(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	f.markStarted(t, "web")
	r := f.reconciler(Config{})

	f.probe.set("httpd-web", 100)
	r.Reconcile()
	assert.Equal(t, types.GroupStateStarted, f.state("web"))
	assert.Empty(t, f.sched.recoveredGroups())

	f.probe.set("httpd-web")
	r.Reconcile()
	assert.Equal(t, types.GroupStateRecovering, f.state("web"))
	assert.Equal(t, []string{"web"}, f.sched.recoveredGroups())

	g, _ := f.reg.Get("web")
	assert.Equal(t, types.NodeID("n1"), g.Owner)
	assert.Equal(t, f.view.Current().Generation, g.LastTransitionEpoch)
}

func TestTransientProbeErrorSkipsGroup(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	f.markStarted(t, "web")
	r := f.reconciler(Config{})

	f.probe.failWith(errors.New("read /proc: too many open files"))
	r.Reconcile()

	assert.Equal(t, types.GroupStateStarted, f.state("web"), "probe failure is not a missing process")
	assert.Empty(t, f.sched.recoveredGroups())
}

func TestPIDFileRestrictsMatch(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "web.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("42\n"), 0o644))

	def := processGroup("web", "httpd-web")
	def.Process.PIDFile = pidFile

	tests := []struct {
		name     string
		pids     []int
		pidFile  bool
		expected types.GroupState
	}{
		{name: "pid alive", pids: []int{7, 42}, pidFile: true, expected: types.GroupStateStarted},
		{name: "same name, other pid", pids: []int{7}, pidFile: true, expected: types.GroupStateRecovering},
		{name: "pid file removed", pids: []int{42}, pidFile: false, expected: types.GroupStateRecovering},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, def)
			f.markStarted(t, "web")
			f.probe.set("httpd-web", tt.pids...)
			if !tt.pidFile {
				require.NoError(t, os.Remove(pidFile))
				defer func() { require.NoError(t, os.WriteFile(pidFile, []byte("42\n"), 0o644)) }()
			}

			f.reconciler(Config{}).Reconcile()
			assert.Equal(t, tt.expected, f.state("web"))
		})
	}
}

func TestOrphanTerminationEscalates(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	r := f.reconciler(Config{}, WithBroker(broker))

	f.probe.stubborn["httpd-web"] = true
	f.probe.set("httpd-web", 100, 101)

	r.Reconcile()
	assert.True(t, f.sched.isOrphaned("web"), "group held while orphans are present")
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.probe.sent())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventOrphanTerminated, ev.Type)
		assert.Equal(t, "web", ev.Group)
		assert.Equal(t, "2", ev.Metadata["count"])
	case <-time.After(time.Second):
		t.Fatal("no orphan event published")
	}

	r.Reconcile()
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.probe.sent())
	assert.True(t, f.sched.isOrphaned("web"), "held until a probe confirms the processes are gone")

	r.Reconcile()
	assert.False(t, f.sched.isOrphaned("web"))
	assert.Len(t, f.probe.sent(), 2)
	assert.Equal(t, types.GroupStateStopped, f.state("web"))
}

func TestDuplicateNameOrphansTerminated(t *testing.T) {
	f := newFixture(t, processGroup("g", "httpd-G"))
	r := f.reconciler(Config{})
	f.probe.set("httpd-G", 200, 201)

	r.Reconcile()
	records, err := f.probe.FindProcesses("httpd-G", 10, types.MatchName)
	require.NoError(t, err)
	assert.Empty(t, records)

	r.Reconcile()
	assert.False(t, f.sched.isOrphaned("g"))
}

func TestFirstPassProbeFailureHoldsGroup(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	r := f.reconciler(Config{})

	f.probe.failWith(errors.New("EMFILE"))
	r.Reconcile()
	assert.True(t, f.sched.isOrphaned("web"))

	f.probe.failWith(nil)
	r.Reconcile()
	assert.False(t, f.sched.isOrphaned("web"))
}

func TestFrozenGroupSkipped(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	f.markStarted(t, "web")
	f.sched.intents["web"] = types.GroupIntent{ID: "web", Enabled: true, Frozen: true}

	f.reconciler(Config{}).Reconcile()
	assert.Equal(t, types.GroupStateStarted, f.state("web"))
}

func TestStartOpensRestartGate(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	r := f.reconciler(Config{Interval: time.Hour})
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return f.sched.reconciledCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.Passes(), uint64(1))
}

func TestKilledProcessRecoversWithinOneInterval(t *testing.T) {
	const interval = 200 * time.Millisecond

	f := newFixture(t, processGroup("web", "httpd-web"))
	f.markStarted(t, "web")
	f.probe.set("httpd-web", 100)

	r := f.reconciler(Config{Interval: interval})
	r.Start()
	defer r.Stop()
	require.Eventually(t, func() bool { return f.sched.reconciledCount() == 1 }, time.Second, 5*time.Millisecond)

	f.probe.set("httpd-web")
	require.Eventually(t, func() bool {
		return f.state("web") == types.GroupStateRecovering
	}, interval+interval/2, 5*time.Millisecond)
}

func TestMembershipTransitionTriggersPass(t *testing.T) {
	f := newFixture(t, processGroup("web", "httpd-web"))
	f.markStarted(t, "web")
	f.probe.set("httpd-web", 100)

	r := f.reconciler(Config{Interval: time.Hour})
	r.Start()
	defer r.Stop()
	require.Eventually(t, func() bool { return f.sched.reconciledCount() == 1 }, time.Second, 5*time.Millisecond)

	f.probe.set("httpd-web")
	f.view.Update(membership.Event{Quorate: true, Members: []types.NodeID{"n1", "n2"}})

	require.Eventually(t, func() bool {
		return f.state("web") == types.GroupStateRecovering
	}, time.Second, 5*time.Millisecond)
}

func TestFailingStatusCheckRecovers(t *testing.T) {
	def := types.GroupDefinition{
		ID:        "api",
		Autostart: true,
		Check:     &types.CheckSpec{Type: types.CheckExec, Command: []string{"false"}, Retries: 2, Interval: time.Nanosecond},
	}
	f := newFixture(t, def)
	f.markStarted(t, "api")
	r := f.reconciler(Config{})

	r.Reconcile()
	assert.Equal(t, types.GroupStateStarted, f.state("api"), "one failure is below the retry threshold")

	r.Reconcile()
	assert.Equal(t, types.GroupStateRecovering, f.state("api"))
}

type resolver struct{ a agent.Agent }

func (r resolver) Resolve(*types.GroupDefinition) (agent.Agent, error) { return r.a, nil }

func TestAgentStatusWithoutProcessSpec(t *testing.T) {
	fake := agent.NewFake()
	def := types.GroupDefinition{ID: "db", Autostart: true}
	f := newFixture(t, def)
	f.markStarted(t, "db")
	r := f.reconciler(Config{}, WithAgents(resolver{fake}))

	require.NoError(t, fake.Start(t.Context(), &def))
	r.Reconcile()
	assert.Equal(t, types.GroupStateStarted, f.state("db"))

	fake.Kill("db")
	r.Reconcile()
	assert.Equal(t, types.GroupStateRecovering, f.state("db"))
	assert.Equal(t, []string{"db"}, f.sched.recoveredGroups())
}
