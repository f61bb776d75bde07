package reconciler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/health"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/probe"
	"github.com/cuemby/rgmanager/pkg/registry"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between periodic passes
const DefaultInterval = 10 * time.Second

const statusTimeout = 30 * time.Second

// ProcessProbe reads and signals the process table
type ProcessProbe interface {
	FindProcesses(pattern string, maxResults int, mode types.MatchMode, pids ...int) ([]types.ProcessRecord, error)
	TerminateAll(pattern string, sig syscall.Signal) (int, error)
}

// Scheduler is the part of the failover scheduler the reconciler drives
type Scheduler interface {
	Recover(id string)
	SetOrphaned(id string, orphaned bool)
	MarkReconciled()
	Intent(id string) (types.GroupIntent, bool)
}

// AgentResolver returns the agent serving a group
type AgentResolver interface {
	Resolve(def *types.GroupDefinition) (agent.Agent, error)
}

// Config configures the reconciler
type Config struct {
	Interval   time.Duration
	MaxResults int // Probe result bound per group
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithBroker publishes orphan terminations to b
func WithBroker(b *events.Broker) Option {
	return func(r *Reconciler) { r.broker = b }
}

// WithAgents checks Started groups that have no process spec through their
// agent's status action
func WithAgents(a AgentResolver) Option {
	return func(r *Reconciler) { r.agents = a }
}

type checkState struct {
	checker health.Checker
	status  *health.Status
	spec    types.CheckSpec
}

// Reconciler compares what the registry believes with what the process
// table shows. Started groups whose process is gone are sent to recovery;
// Stopped groups with a live process are held and their processes
// terminated, escalating from SIGTERM to SIGKILL on the next pass.
type Reconciler struct {
	cfg    Config
	view   *membership.View
	reg    *registry.Registry
	sched  Scheduler
	probe  ProcessProbe
	agents AgentResolver
	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex // Serializes passes
	signaled map[string]bool
	held     map[string]bool
	checks   map[string]*checkState
	passes   uint64

	triggerCh   chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
}

// NewReconciler creates a reconciler over the groups in reg
func NewReconciler(cfg Config, view *membership.View, reg *registry.Registry, sched Scheduler, p ProcessProbe, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = probe.DefaultMaxResults
	}

	r := &Reconciler{
		cfg:       cfg,
		view:      view,
		reg:       reg,
		sched:     sched,
		probe:     p,
		logger:    log.WithComponent("reconciler"),
		signaled:  make(map[string]bool),
		held:      make(map[string]bool),
		checks:    make(map[string]*checkState),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the first pass, opens the scheduler's restart gate, and
// continues on the interval and after every membership transition
func (r *Reconciler) Start() {
	r.unsubscribe = r.view.Subscribe(func(_, _ types.MembershipSnapshot) { r.Trigger() })
	go r.run()
}

// Stop stops the loop and waits for a running pass to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		close(r.stopCh)
	})
	<-r.doneCh
}

// Trigger requests an immediate pass
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	r.Reconcile()
	r.sched.MarkReconciled()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.triggerCh:
		case <-r.stopCh:
			return
		}
		r.Reconcile()
	}
}

// Reconcile performs one pass over every group
func (r *Reconciler) Reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++

	for _, g := range r.reg.All() {
		if g.Excluded {
			continue
		}
		if intent, ok := r.sched.Intent(g.ID); ok && intent.Frozen {
			continue
		}
		def, _ := r.reg.Definition(g.ID)

		switch g.State {
		case types.GroupStateStarted:
			r.reconcileStarted(g, &def)
		case types.GroupStateStopped:
			r.reconcileStopped(g, &def)
		default:
			delete(r.checks, g.ID)
		}
	}
}

// Passes returns how many passes have completed or started
func (r *Reconciler) Passes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

func (r *Reconciler) reconcileStarted(g types.ResourceGroup, def *types.GroupDefinition) {
	logger := r.logger.With().Str("group", g.ID).Logger()

	if def.Process != nil {
		records, err := r.findProcesses(def)
		if err != nil {
			metrics.ProbeErrorsTotal.Inc()
			logger.Warn().Err(err).Msg("Process probe failed, skipping group this pass")
			return
		}
		if len(records) == 0 {
			r.recover(g, "backing process not found")
			return
		}
	} else if r.agents != nil && def.Check == nil {
		if err := r.agentStatus(def); err != nil {
			logger.Warn().Err(err).Msg("Agent status failed")
			r.recover(g, "agent status failed")
			return
		}
	}

	if def.Check != nil {
		if unhealthy, msg := r.runCheck(g.ID, def); unhealthy {
			r.recover(g, "status check failed: "+msg)
		}
	}
}

// recover moves a Started group to Recovering and hands it to the scheduler
func (r *Reconciler) recover(g types.ResourceGroup, reason string) {
	snap := r.view.Current()
	if !r.reg.CompareAndSetState(g.ID, types.GroupStateStarted, types.GroupStateRecovering, g.Owner, snap.Generation, snap.Fingerprint) {
		r.logger.Debug().Str("group", g.ID).Msg("Group changed during probe, leaving it to the scheduler")
		return
	}
	delete(r.checks, g.ID)
	metrics.RecoveriesTotal.Inc()

	r.logger.Warn().
		Str("group", g.ID).
		Str("owner", string(g.Owner)).
		Uint64("epoch", snap.Generation).
		Str("reason", reason).
		Msg("Started group lost its process, recovering")

	ev := events.New(events.EventGroupRecovering, g.ID, reason)
	ev.Node = g.Owner
	ev.Metadata["from"] = string(types.GroupStateStarted)
	ev.Metadata["to"] = string(types.GroupStateRecovering)
	ev.Metadata["epoch"] = fmt.Sprintf("%d", snap.Generation)
	r.publish(ev)

	r.sched.Recover(g.ID)
}

func (r *Reconciler) reconcileStopped(g types.ResourceGroup, def *types.GroupDefinition) {
	delete(r.checks, g.ID)
	if def.Process == nil {
		return
	}
	logger := r.logger.With().Str("group", g.ID).Logger()

	records, err := r.probe.FindProcesses(def.Process.Name, r.cfg.MaxResults, types.MatchName)
	if err != nil {
		metrics.ProbeErrorsTotal.Inc()
		logger.Warn().Err(err).Msg("Process probe failed")
		// Nothing is known about a group we could not probe on the first pass
		if r.passes == 1 {
			r.hold(g.ID)
		}
		return
	}

	if len(records) == 0 {
		if r.held[g.ID] {
			logger.Info().Msg("Orphaned process gone, releasing group")
		}
		r.release(g.ID)
		return
	}

	// Hold before re-reading so the scheduler cannot start the group
	// between the check and the signal
	r.hold(g.ID)
	current, ok := r.reg.Get(g.ID)
	if !ok || current.State != types.GroupStateStopped || !current.UpdatedAt.Equal(g.UpdatedAt) {
		r.release(g.ID)
		return
	}

	sig := syscall.SIGTERM
	if r.signaled[g.ID] {
		sig = syscall.SIGKILL
	}
	count, err := r.probe.TerminateAll(def.Process.Name, sig)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to signal orphaned processes")
	}
	if count == 0 {
		return
	}
	r.signaled[g.ID] = true
	metrics.OrphansTerminatedTotal.Add(float64(count))

	logger.Warn().
		Str("process", def.Process.Name).
		Str("signal", sig.String()).
		Int("count", count).
		Msg("Terminated orphaned processes of stopped group")

	ev := events.New(events.EventOrphanTerminated, g.ID, fmt.Sprintf("signaled %d processes with %s", count, sig))
	ev.Metadata["process"] = def.Process.Name
	ev.Metadata["signal"] = sig.String()
	ev.Metadata["count"] = fmt.Sprintf("%d", count)
	r.publish(ev)
}

func (r *Reconciler) hold(id string) {
	if !r.held[id] {
		r.held[id] = true
		r.sched.SetOrphaned(id, true)
	}
}

func (r *Reconciler) release(id string) {
	delete(r.signaled, id)
	if r.held[id] {
		delete(r.held, id)
		r.sched.SetOrphaned(id, false)
	}
}

// findProcesses matches by name, restricted to the pid file's pid when one
// is configured. A missing pid file means no process.
func (r *Reconciler) findProcesses(def *types.GroupDefinition) ([]types.ProcessRecord, error) {
	spec := def.Process
	if spec.PIDFile == "" {
		return r.probe.FindProcesses(spec.Name, r.cfg.MaxResults, types.MatchName)
	}

	pid, err := probe.ReadPIDFile(spec.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.ProcessRecord{}, nil
		}
		return nil, &types.TransientProbeError{Pattern: spec.Name, Err: err}
	}
	return r.probe.FindProcesses(spec.Name, r.cfg.MaxResults, types.MatchPID, pid)
}

func (r *Reconciler) agentStatus(def *types.GroupDefinition) error {
	a, err := r.agents.Resolve(def)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	return agent.Invoke(ctx, a, agent.ActionStatus, def)
}

// runCheck runs the group's status check when due and reports whether the
// group just became unhealthy
func (r *Reconciler) runCheck(id string, def *types.GroupDefinition) (bool, string) {
	cs, ok := r.checks[id]
	if !ok {
		checker, err := health.New(id, *def.Check)
		if err != nil {
			r.logger.Error().Err(err).Str("group", id).Msg("Invalid status check")
			return false, ""
		}
		cs = &checkState{checker: checker, status: health.NewStatus(), spec: *def.Check}
		r.checks[id] = cs
	}

	if !cs.status.Due(cs.spec.Interval, time.Now()) {
		return false, ""
	}

	result := cs.checker.Check(context.Background())
	changed := cs.status.Update(result, health.Retries(cs.spec))

	if !result.Healthy {
		r.logger.Debug().
			Str("group", id).
			Int("failures", cs.status.ConsecutiveFailures).
			Str("message", result.Message).
			Msg("Status check failed")
	}
	return changed && !cs.status.Healthy, result.Message
}

func (r *Reconciler) publish(ev *events.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}
