package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/registry"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultAgentTimeout    = time.Minute
	defaultRelocationDelay = 5 * time.Second
)

// Config configures the failover scheduler
type Config struct {
	NodeID          types.NodeID
	AgentTimeout    time.Duration // Per invocation; a group's StopTimeout overrides it for stop
	RelocationDelay time.Duration // Time spent in Failed before ownership is released
	Retry           RetryPolicy
}

// AgentResolver returns the agent serving a group
type AgentResolver interface {
	Resolve(def *types.GroupDefinition) (agent.Agent, error)
}

// Announcer replicates placement decisions made by this node
type Announcer interface {
	// MarkFailed excludes node from future placement of group
	MarkFailed(group string, node types.NodeID) error

	// Claim pins group to node while node stays a member
	Claim(group string, node types.NodeID) error
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithBroker publishes transition events to b
func WithBroker(b *events.Broker) Option {
	return func(s *Scheduler) { s.broker = b }
}

// WithAnnouncer replicates failures and nofailback claims through a
func WithAnnouncer(a Announcer) Option {
	return func(s *Scheduler) { s.announcer = a }
}

type eventKind int

const (
	evEvaluate   eventKind = iota // Re-evaluate one group, or all when group is empty
	evMembership                  // Effective membership transition
	evResult                      // Agent invocation completed
	evRetry                       // Backoff elapsed
	evRelocate                    // Relocation delay elapsed
)

type event struct {
	kind   eventKind
	group  string
	seq    uint64
	action agent.Action
	err    error
	prev   types.MembershipSnapshot
	next   types.MembershipSnapshot
}

// groupRuntime is scheduler-private bookkeeping, guarded by transitionMu
type groupRuntime struct {
	intent types.GroupIntent

	seq          uint64       // Invalidates stale completions and timers
	inflight     agent.Action // Empty when no agent call is outstanding
	retryPending bool
	timer        *time.Timer

	attempts  int         // Failed invocations in the current phase
	restarts  []time.Time // Restarts inside the restart window
	lastError string
	orphaned  bool
}

// Scheduler drives every resource group through its state machine. A single
// worker goroutine consumes membership transitions, operator intents, agent
// completions and timers in order; each decision step runs under
// transitionMu and writes state only through the registry's
// compare-and-set.
type Scheduler struct {
	cfg       Config
	view      *membership.View
	reg       *registry.Registry
	agents    AgentResolver
	broker    *events.Broker
	announcer Announcer
	logger    zerolog.Logger

	transitionMu sync.Mutex
	groups       map[string]*groupRuntime
	reconciled   bool
	draining     bool

	queueMu sync.Mutex
	queue   []event
	notify  chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	inflight    sync.WaitGroup
}

// NewScheduler creates a scheduler for the groups in reg. Every enabled
// group waits for MarkReconciled before its first start.
func NewScheduler(cfg Config, view *membership.View, reg *registry.Registry, agents AgentResolver, opts ...Option) *Scheduler {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	if cfg.RelocationDelay <= 0 {
		cfg.RelocationDelay = defaultRelocationDelay
	}
	cfg.Retry = cfg.Retry.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		view:   view,
		reg:    reg,
		agents: agents,
		logger: log.WithComponent("scheduler").With().Str("node_id", string(cfg.NodeID)).Logger(),
		groups: make(map[string]*groupRuntime, reg.Len()),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, id := range reg.Order() {
		def, _ := reg.Definition(id)
		s.groups[id] = &groupRuntime{
			intent: types.GroupIntent{ID: id, Enabled: def.Autostart},
		}
		s.checkColocation(def)
	}

	return s
}

// checkColocation warns when a dependency can be placed where its
// dependent cannot run. Dependents follow their dependency's owner.
func (s *Scheduler) checkColocation(def types.GroupDefinition) {
	for _, dep := range def.DependsOn {
		depDef, ok := s.reg.Definition(dep)
		if !ok {
			continue
		}
		if !sameNodes(def.PreferredNodes, depDef.PreferredNodes) {
			s.logger.Warn().
				Str("group", def.ID).
				Str("dependency", dep).
				Msg("Dependency has a different failover domain; groups only start where their dependencies run")
		}
	}
}

// Start subscribes to membership transitions and begins the worker loop
func (s *Scheduler) Start() {
	s.unsubscribe = s.view.Subscribe(s.onMembership)
	go s.run()
	s.enqueue(event{kind: evEvaluate})
}

// Stop stops the worker, cancels outstanding agent calls and waits for them
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stopCh)
		s.cancel()

		s.transitionMu.Lock()
		for _, rt := range s.groups {
			if rt.timer != nil {
				rt.timer.Stop()
			}
		}
		s.transitionMu.Unlock()
	})
	<-s.doneCh
	s.inflight.Wait()
}

// Drain stops every local group in dependency order and waits until none
// is active or ctx ends. New starts are refused afterwards.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.transitionMu.Lock()
	s.draining = true
	s.transitionMu.Unlock()
	s.enqueue(event{kind: evEvaluate})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !s.anyActive() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) anyActive() bool {
	for _, g := range s.reg.All() {
		if g.State.Active() {
			return true
		}
	}
	return false
}

// MarkReconciled opens the restart gate after the first reconciliation pass
func (s *Scheduler) MarkReconciled() {
	s.transitionMu.Lock()
	already := s.reconciled
	s.reconciled = true
	s.transitionMu.Unlock()

	if !already {
		s.logger.Info().Msg("First reconciliation complete, scheduling enabled")
		s.enqueue(event{kind: evEvaluate})
	}
}

// SetOrphaned holds a group while a stray process from an earlier run is
// still present
func (s *Scheduler) SetOrphaned(id string, orphaned bool) {
	s.transitionMu.Lock()
	rt, ok := s.groups[id]
	changed := ok && rt.orphaned != orphaned
	if ok {
		rt.orphaned = orphaned
	}
	s.transitionMu.Unlock()

	if changed && !orphaned {
		s.enqueue(event{kind: evEvaluate, group: id})
	}
}

// Recover asks the scheduler to restart a group the reconciler moved to
// Recovering
func (s *Scheduler) Recover(id string) {
	s.enqueue(event{kind: evEvaluate, group: id})
}

// Trigger re-evaluates one group, or every group when id is empty
func (s *Scheduler) Trigger(id string) {
	s.enqueue(event{kind: evEvaluate, group: id})
}

// ApplyIntent replaces the operator intent of a group
func (s *Scheduler) ApplyIntent(intent types.GroupIntent) {
	s.transitionMu.Lock()
	rt, ok := s.groups[intent.ID]
	if ok {
		intent.ExcludedNodes = types.SortNodes(intent.ExcludedNodes)
		rt.intent = intent
	}
	s.transitionMu.Unlock()

	if ok {
		s.logger.Debug().
			Str("group", intent.ID).
			Bool("enabled", intent.Enabled).
			Bool("frozen", intent.Frozen).
			Str("relocate_to", string(intent.RelocateTo)).
			Msg("Intent applied")
		s.enqueue(event{kind: evEvaluate, group: intent.ID})
	}
}

// Intent returns the current intent of a group
func (s *Scheduler) Intent(id string) (types.GroupIntent, bool) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	rt, ok := s.groups[id]
	if !ok {
		return types.GroupIntent{}, false
	}
	intent := rt.intent
	intent.ExcludedNodes = append([]types.NodeID(nil), rt.intent.ExcludedNodes...)
	return intent, true
}

// CheckStart reports why an operator start of id would be refused
func (s *Scheduler) CheckStart(id string) error {
	g, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, types.ErrGroupNotFound)
	}
	if g.Excluded {
		// Every exclusion is rooted in a broken dependency
		return fmt.Errorf("%s: %s: %w: %w", id, g.ExcludedReason, types.ErrGroupExcluded, types.ErrDependencyUnsatisfiable)
	}

	s.transitionMu.Lock()
	frozen := s.groups[id].intent.Frozen
	s.transitionMu.Unlock()
	if frozen {
		return fmt.Errorf("%s: %w", id, types.ErrGroupFrozen)
	}

	if err := s.checkDependencies(id, map[string]bool{}); err != nil {
		return err
	}

	if !s.view.Current().Quorate {
		return types.ErrNotQuorate
	}
	return nil
}

func (s *Scheduler) checkDependencies(id string, seen map[string]bool) error {
	def, _ := s.reg.Definition(id)
	for _, dep := range def.DependsOn {
		if seen[dep] {
			continue
		}
		seen[dep] = true

		g, ok := s.reg.Get(dep)
		if !ok || g.Excluded {
			return fmt.Errorf("%s: dependency %s is not schedulable: %w", id, dep, types.ErrDependencyUnsatisfiable)
		}
		if intent, _ := s.Intent(dep); !intent.Enabled {
			return fmt.Errorf("%s: dependency %s is disabled: %w", id, dep, types.ErrDependencyUnsatisfiable)
		}
		if err := s.checkDependencies(dep, seen); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the operator view of every group, sorted by id
func (s *Scheduler) Status() []types.GroupStatus {
	groups := s.reg.All()

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	out := make([]types.GroupStatus, 0, len(groups))
	for _, g := range groups {
		rt := s.groups[g.ID]
		out = append(out, types.GroupStatus{
			ID:             g.ID,
			State:          g.State,
			Owner:          g.Owner,
			Enabled:        rt.intent.Enabled,
			Frozen:         rt.intent.Frozen,
			Excluded:       g.Excluded,
			ExcludedReason: g.ExcludedReason,
			LastError:      rt.lastError,
			Restarts:       len(rt.restarts),
			Epoch:          g.LastTransitionEpoch,
			UpdatedAt:      g.UpdatedAt,
		})
	}
	return out
}

func (s *Scheduler) enqueue(ev event) {
	s.queueMu.Lock()
	s.queue = append(s.queue, ev)
	s.queueMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.notify:
		case <-s.stopCh:
			return
		}

		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			select {
			case <-s.stopCh:
				return
			default:
			}
			s.handle(ev)
		}
	}
}

func (s *Scheduler) handle(ev event) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	switch ev.kind {
	case evMembership:
		s.logMembership(ev.prev, ev.next)
	case evResult:
		s.handleResult(ev)
	case evRetry:
		if rt := s.groups[ev.group]; rt != nil && rt.seq == ev.seq {
			rt.retryPending = false
			rt.timer = nil
		}
	case evRelocate:
		s.handleRelocate(ev)
	}

	// Every event may unblock other groups: dependencies finishing a
	// start, dependents finishing a stop, quorum returning
	s.evaluateAll()
}

// onMembership runs synchronously in the membership delivery path. Losing
// quorum moves every non-frozen and frozen group out of Started before
// Update returns.
func (s *Scheduler) onMembership(prev, next types.MembershipSnapshot) {
	if !next.Quorate {
		s.transitionMu.Lock()
		s.quorumLostSweep(next)
		s.transitionMu.Unlock()
	}
	s.enqueue(event{kind: evMembership, prev: prev, next: next})
}

func (s *Scheduler) quorumLostSweep(snap types.MembershipSnapshot) {
	for _, id := range s.reg.Order() {
		g, _ := s.reg.Get(id)
		rt := s.groups[id]

		switch g.State {
		case types.GroupStateStarted:
		case types.GroupStateStarting, types.GroupStateRecovering:
			if rt.inflight != "" {
				// Redirected to Stopping when the agent returns
				continue
			}
		default:
			continue
		}

		s.cancelTimer(rt)
		s.transition(id, g.State, types.GroupStateStopping, g.Owner, snap, "quorum lost")
	}
}

func (s *Scheduler) logMembership(prev, next types.MembershipSnapshot) {
	joined, left := membership.Diff(prev, next)

	ev := events.New(events.EventMembershipChanged, "", fmt.Sprintf("generation %d, %d members", next.Generation, next.MemberCount))
	ev.Node = s.cfg.NodeID
	ev.Metadata["quorate"] = fmt.Sprintf("%t", next.Quorate)
	ev.Metadata["fingerprint"] = fmt.Sprintf("%016x", next.Fingerprint)
	for _, n := range joined {
		ev.Metadata["joined."+string(n)] = "true"
	}
	for _, n := range left {
		ev.Metadata["left."+string(n)] = "true"
	}
	s.publish(ev)

	switch {
	case prev.Quorate && !next.Quorate:
		s.logger.Warn().Uint64("generation", next.Generation).Msg("Quorum lost, stopping local groups")
		s.publish(events.New(events.EventQuorumLost, "", "quorum lost"))
	case !prev.Quorate && next.Quorate:
		s.logger.Info().Uint64("generation", next.Generation).Msg("Quorum regained")
		s.publish(events.New(events.EventQuorumRegained, "", "quorum regained"))
	}
}

func (s *Scheduler) evaluateAll() {
	snap := s.view.Current()
	for _, id := range s.reg.Order() {
		s.evaluate(id, snap)
	}
}

// evaluate is one read-decide-write step for an idle group
func (s *Scheduler) evaluate(id string, snap types.MembershipSnapshot) {
	g, ok := s.reg.Get(id)
	if !ok || g.Excluded {
		return
	}
	rt := s.groups[id]
	if rt.inflight != "" || rt.retryPending {
		return
	}
	def, _ := s.reg.Definition(id)

	// Frozen groups only finish a stop forced by quorum loss
	if rt.intent.Frozen {
		if g.State == types.GroupStateStopping {
			s.dispatchStop(id, rt, &def)
		}
		return
	}

	switch g.State {
	case types.GroupStateStopped:
		if !s.reconciled || rt.orphaned || !s.wanted(&def, rt, snap) {
			return
		}
		if s.transition(id, g.State, types.GroupStateStarting, s.cfg.NodeID, snap, "placed on local node") {
			s.dispatch(id, rt, &def, agent.ActionStart)
		}

	case types.GroupStateStarted:
		if reason := s.stopReason(&def, rt, snap); reason != "" {
			if s.transition(id, g.State, types.GroupStateStopping, g.Owner, snap, reason) {
				s.dispatchStop(id, rt, &def)
			}
		}

	case types.GroupStateStarting:
		// Waiting for a retry that has now elapsed
		if reason := s.stopReason(&def, rt, snap); reason != "" {
			if s.transition(id, g.State, types.GroupStateStopping, g.Owner, snap, reason) {
				s.dispatchStop(id, rt, &def)
			}
			return
		}
		s.dispatch(id, rt, &def, agent.ActionStart)

	case types.GroupStateRecovering:
		s.recover(id, rt, &def, g, snap)

	case types.GroupStateStopping:
		s.dispatchStop(id, rt, &def)

	case types.GroupStateFailed:
		if rt.timer == nil {
			s.scheduleRelocation(id, rt)
		}
	}
}

// wanted reports whether the group should run on this node now
func (s *Scheduler) wanted(def *types.GroupDefinition, rt *groupRuntime, snap types.MembershipSnapshot) bool {
	return s.stopReason(def, rt, snap) == ""
}

// stopReason returns why a group must not run locally, or "" if it may
func (s *Scheduler) stopReason(def *types.GroupDefinition, rt *groupRuntime, snap types.MembershipSnapshot) string {
	switch {
	case !snap.Quorate:
		return "not quorate"
	case s.draining:
		return "shutting down"
	case !rt.intent.Enabled:
		return "disabled"
	}

	if owner := ColocatedOwner(snap, def, PlacementOf(rt.intent), s.placement); owner != s.cfg.NodeID {
		if owner == types.Unowned {
			return "no eligible owner"
		}
		return fmt.Sprintf("owner is %s", owner)
	}

	for _, dep := range def.DependsOn {
		g, ok := s.reg.Get(dep)
		if !ok || g.State != types.GroupStateStarted {
			return fmt.Sprintf("dependency %s not started", dep)
		}
	}
	return ""
}

// placement is the PlacementLookup over this node's replicated intents.
// Callers hold transitionMu.
func (s *Scheduler) placement(id string) (*types.GroupDefinition, Placement, bool) {
	def, ok := s.reg.Definition(id)
	rt := s.groups[id]
	if !ok || rt == nil {
		return nil, Placement{}, false
	}
	return &def, PlacementOf(rt.intent), true
}

func (s *Scheduler) recover(id string, rt *groupRuntime, def *types.GroupDefinition, g types.ResourceGroup, snap types.MembershipSnapshot) {
	if reason := s.stopReason(def, rt, snap); reason != "" {
		if s.transition(id, g.State, types.GroupStateStopping, g.Owner, snap, reason) {
			s.dispatchStop(id, rt, def)
		}
		return
	}

	// A retry of the same recovery is not a new restart
	if rt.attempts == 0 {
		if def.Recovery == types.RecoveryRelocate {
			s.fail(id, g.State, g.Owner, snap, "recovery policy is relocate")
			return
		}
		if s.restartBudgetExceeded(def, rt) {
			s.fail(id, g.State, g.Owner, snap, fmt.Sprintf("%d restarts within %s", def.MaxRestarts, def.RestartWindow))
			return
		}
		rt.restarts = append(rt.restarts, time.Now())
	}

	s.dispatch(id, rt, def, agent.ActionStart)
}

func (s *Scheduler) restartBudgetExceeded(def *types.GroupDefinition, rt *groupRuntime) bool {
	if def.MaxRestarts <= 0 {
		return false
	}
	if def.RestartWindow > 0 {
		cutoff := time.Now().Add(-def.RestartWindow)
		kept := rt.restarts[:0]
		for _, t := range rt.restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		rt.restarts = kept
	}
	return len(rt.restarts) >= def.MaxRestarts
}

// dispatchStop invokes the stop agent unless a local dependent is still
// active. The group is retried when the dependent's stop completes.
func (s *Scheduler) dispatchStop(id string, rt *groupRuntime, def *types.GroupDefinition) {
	if rt.inflight != "" || rt.retryPending {
		return
	}
	for _, dep := range s.reg.Dependents(id) {
		if g, ok := s.reg.Get(dep); ok && g.State.Active() {
			return
		}
	}
	s.dispatch(id, rt, def, agent.ActionStop)
}

// dispatch runs an agent action asynchronously and reports the result to
// the worker. Recovering groups are stopped before being started again.
func (s *Scheduler) dispatch(id string, rt *groupRuntime, def *types.GroupDefinition, action agent.Action) {
	rt.seq++
	seq := rt.seq
	rt.inflight = action

	g, _ := s.reg.Get(id)
	recovering := g.State == types.GroupStateRecovering

	timeout := s.cfg.AgentTimeout
	if action == agent.ActionStop && def.StopTimeout > 0 {
		timeout = def.StopTimeout
	}

	a, resolveErr := s.agents.Resolve(def)
	defCopy := *def
	attempt := rt.attempts + 1

	s.logger.Debug().
		Str("group", id).
		Str("action", string(action)).
		Int("attempt", attempt).
		Msg("Dispatching resource agent")

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		err := resolveErr
		if err == nil {
			ctx, cancel := context.WithTimeout(s.ctx, timeout)
			if recovering {
				if stopErr := agent.Invoke(ctx, a, agent.ActionStop, &defCopy); stopErr != nil {
					s.logger.Debug().Err(stopErr).Str("group", id).Msg("Stop before restart failed")
				}
			}
			err = agent.Invoke(ctx, a, action, &defCopy)
			cancel()
		}
		if err != nil {
			err = &types.ResourceAgentFailure{Group: id, Action: string(action), Attempt: attempt, Err: err}
		}

		s.enqueue(event{kind: evResult, group: id, seq: seq, action: action, err: err})
	}()
}

func (s *Scheduler) handleResult(ev event) {
	rt := s.groups[ev.group]
	if rt == nil || rt.seq != ev.seq {
		return
	}
	rt.inflight = ""

	g, _ := s.reg.Get(ev.group)
	def, _ := s.reg.Definition(ev.group)
	snap := s.view.Current()

	if expectedAction(g.State) != ev.action {
		s.logger.Debug().
			Str("group", ev.group).
			Str("state", string(g.State)).
			Str("action", string(ev.action)).
			Msg("Discarding result for a superseded action")
		return
	}

	if ev.err != nil {
		rt.attempts++
		rt.lastError = ev.err.Error()
		s.logger.Warn().Err(ev.err).Str("group", ev.group).Int("attempt", rt.attempts).Msg("Resource agent failed")
	}

	switch g.State {
	case types.GroupStateStarting, types.GroupStateRecovering:
		if ev.err == nil {
			// The snapshot cannot turn non-quorate between the check and
			// the compare-and-set into Started
			started := false
			s.view.Hold(func(cur types.MembershipSnapshot) {
				if reason := s.stopReason(&def, rt, cur); reason != "" {
					s.transition(ev.group, g.State, types.GroupStateStopping, g.Owner, cur, "started but "+reason)
					return
				}
				started = s.transition(ev.group, g.State, types.GroupStateStarted, s.cfg.NodeID, cur, "agent reported success")
			})
			if started {
				rt.lastError = ""
				s.claim(ev.group, &def, rt)
			}
			return
		}

		if reason := s.stopReason(&def, rt, snap); reason != "" {
			s.transition(ev.group, g.State, types.GroupStateStopping, g.Owner, snap, reason)
			return
		}
		if s.cfg.Retry.Exhausted(rt.attempts) {
			s.fail(ev.group, g.State, g.Owner, snap, "retry budget exhausted")
			return
		}
		s.scheduleRetry(ev.group, rt)

	case types.GroupStateStopping:
		if ev.err == nil {
			s.transition(ev.group, g.State, types.GroupStateStopped, types.Unowned, snap, "agent reported stopped")
			return
		}
		if s.cfg.Retry.Exhausted(rt.attempts) {
			s.fail(ev.group, g.State, g.Owner, snap, "stop retry budget exhausted")
			return
		}
		s.scheduleRetry(ev.group, rt)
	}
}

func expectedAction(state types.GroupState) agent.Action {
	switch state {
	case types.GroupStateStarting, types.GroupStateRecovering:
		return agent.ActionStart
	case types.GroupStateStopping:
		return agent.ActionStop
	}
	return ""
}

func (s *Scheduler) fail(id string, from types.GroupState, owner types.NodeID, snap types.MembershipSnapshot, reason string) {
	if !s.transition(id, from, types.GroupStateFailed, owner, snap, reason) {
		return
	}
	rt := s.groups[id]
	s.scheduleRelocation(id, rt)

	if s.announcer != nil {
		node := s.cfg.NodeID
		go func() {
			if err := s.announcer.MarkFailed(id, node); err != nil {
				s.logger.Warn().Err(err).Str("group", id).Msg("Failed to announce group failure")
			}
		}()
	}
}

// claim pins a nofailback group to this node
func (s *Scheduler) claim(id string, def *types.GroupDefinition, rt *groupRuntime) {
	if !def.NoFailback || rt.intent.RelocateTo == s.cfg.NodeID {
		return
	}
	rt.intent.RelocateTo = s.cfg.NodeID
	if s.announcer == nil {
		return
	}
	node := s.cfg.NodeID
	go func() {
		if err := s.announcer.Claim(id, node); err != nil {
			s.logger.Warn().Err(err).Str("group", id).Msg("Failed to announce placement claim")
		}
	}()
}

func (s *Scheduler) scheduleRetry(id string, rt *groupRuntime) {
	delay := s.cfg.Retry.Backoff(rt.attempts)
	rt.seq++
	seq := rt.seq
	rt.retryPending = true
	rt.timer = time.AfterFunc(delay, func() {
		s.enqueue(event{kind: evRetry, group: id, seq: seq})
	})

	s.logger.Info().
		Str("group", id).
		Int("attempt", rt.attempts).
		Dur("backoff", delay).
		Msg("Retrying resource agent")
}

func (s *Scheduler) scheduleRelocation(id string, rt *groupRuntime) {
	rt.seq++
	seq := rt.seq
	rt.timer = time.AfterFunc(s.cfg.RelocationDelay, func() {
		s.enqueue(event{kind: evRelocate, group: id, seq: seq})
	})
}

// handleRelocate releases a Failed group so the next eligible node can
// take it, excluding this node from its placement
func (s *Scheduler) handleRelocate(ev event) {
	rt := s.groups[ev.group]
	if rt == nil || rt.seq != ev.seq {
		return
	}
	rt.timer = nil

	g, _ := s.reg.Get(ev.group)
	if g.State != types.GroupStateFailed {
		return
	}

	rt.intent.ExcludedNodes = types.SortNodes(append(rt.intent.ExcludedNodes, s.cfg.NodeID))
	if rt.intent.RelocateTo == s.cfg.NodeID {
		rt.intent.RelocateTo = types.Unowned
	}
	s.transition(ev.group, types.GroupStateFailed, types.GroupStateStopped, types.Unowned, s.view.Current(), "relocating after failure")
}

func (s *Scheduler) cancelTimer(rt *groupRuntime) {
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	rt.retryPending = false
	rt.seq++
}

// transition applies a compare-and-set and, on success, resets the phase
// bookkeeping and announces the change
func (s *Scheduler) transition(id string, from, to types.GroupState, owner types.NodeID, snap types.MembershipSnapshot, reason string) bool {
	if !s.reg.CompareAndSetState(id, from, to, owner, snap.Generation, snap.Fingerprint) {
		s.logger.Debug().
			Str("group", id).
			Str("expected", string(from)).
			Str("to", string(to)).
			Msg("Compare-and-set lost, re-evaluating")
		return false
	}

	rt := s.groups[id]
	if from != to {
		rt.attempts = 0
	}

	s.logger.Info().
		Str("group", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Group transition decided")

	ev := events.New(events.ForState(to), id, reason)
	ev.Node = s.cfg.NodeID
	ev.Metadata["from"] = string(from)
	ev.Metadata["to"] = string(to)
	ev.Metadata["owner"] = string(owner)
	ev.Metadata["epoch"] = fmt.Sprintf("%d", snap.Generation)
	s.publish(ev)
	return true
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

func sameNodes(a, b []types.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := types.SortNodes(a), types.SortNodes(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
