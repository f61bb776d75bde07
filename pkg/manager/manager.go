package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/cluster"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/probe"
	"github.com/cuemby/rgmanager/pkg/reconciler"
	"github.com/cuemby/rgmanager/pkg/registry"
	"github.com/cuemby/rgmanager/pkg/scheduler"
	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds configuration for creating a Manager
type Config struct {
	NodeID         types.NodeID
	DataDir        string
	StorageBackend string
	ProcRoot       string
	Groups         []types.GroupDefinition
	Scheduler      scheduler.Config
	Reconcile      reconciler.Config

	// ContainerdSocket enables container groups when set
	ContainerdSocket string

	// Cluster enables raft replication; nil runs standalone
	Cluster *cluster.Config
}

// Option configures a Manager
type Option func(*Manager)

// WithCatalog replaces the default script and container agents
func WithCatalog(c *agent.Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithProbe replaces the procfs process probe
func WithProbe(p reconciler.ProcessProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// WithForwarder sets how a follower reaches the leader's API
func WithForwarder(f cluster.Forwarder) Option {
	return func(m *Manager) { m.forwarder = f }
}

// WithExternalMembership leaves a standalone manager non-quorate until
// InjectMembership delivers a snapshot
func WithExternalMembership() Option {
	return func(m *Manager) { m.external = true }
}

// Manager represents an rgmanager node: it owns the membership view, the
// group registry, the failover scheduler, the reconciler and, when
// clustered, the raft node replicating operator intents.
type Manager struct {
	nodeID types.NodeID

	store      storage.Store
	view       *membership.View
	reg        *registry.Registry
	sched      *scheduler.Scheduler
	recon      *reconciler.Reconciler
	broker     *events.Broker
	catalog    *agent.Catalog
	probe      reconciler.ProcessProbe
	fsm        *cluster.FSM
	node       *cluster.Node
	forwarder  cluster.Forwarder
	history    *HistoryRecorder
	collector  *MetricsCollector
	configErrs []error
	closers    []io.Closer
	external   bool
	logger     zerolog.Logger
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config, opts ...Option) (*Manager, error) {
	if cfg.NodeID == types.Unowned {
		return nil, fmt.Errorf("node id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		nodeID: cfg.NodeID,
		view:   membership.NewView(),
		broker: events.NewBroker(),
		logger: log.WithNodeID(string(cfg.NodeID)).With().Str("component", "manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	store, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	m.store = store

	reg, errs := registry.New(cfg.Groups)
	m.reg = reg
	m.configErrs = errs

	if m.catalog == nil {
		if err := m.defaultCatalog(cfg); err != nil {
			m.close()
			return nil, err
		}
	}
	if m.probe == nil {
		p, err := probe.New(cfg.ProcRoot)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("failed to create process probe: %w", err)
		}
		m.probe = p
	}

	m.fsm = cluster.NewFSM(store, m.intentDefaults)

	var announcer scheduler.Announcer = &localAnnouncer{fsm: m.fsm}
	if cfg.Cluster != nil {
		ccfg := *cfg.Cluster
		ccfg.NodeID = cfg.NodeID
		if ccfg.DataDir == "" {
			ccfg.DataDir = cfg.DataDir
		}
		node, err := cluster.NewNode(ccfg, m.fsm, m.view)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("failed to create cluster node: %w", err)
		}
		if m.forwarder != nil {
			node.SetForwarder(m.forwarder)
		}
		m.node = node
		announcer = node
	}

	schedCfg := cfg.Scheduler
	schedCfg.NodeID = cfg.NodeID
	m.sched = scheduler.NewScheduler(schedCfg, m.view, reg, m.catalog,
		scheduler.WithBroker(m.broker),
		scheduler.WithAnnouncer(announcer),
	)
	m.fsm.SetSink(m.sched)

	if err := m.loadIntents(); err != nil {
		if m.node != nil {
			_ = m.node.Shutdown()
		}
		m.close()
		return nil, err
	}

	m.recon = reconciler.NewReconciler(cfg.Reconcile, m.view, reg, m.sched, m.probe,
		reconciler.WithBroker(m.broker),
		reconciler.WithAgents(m.catalog),
	)
	m.history = NewHistoryRecorder(store, m.broker)
	m.collector = NewMetricsCollector(m)

	return m, nil
}

func (m *Manager) defaultCatalog(cfg *Config) error {
	m.catalog = agent.NewCatalog()
	m.catalog.Register(agent.TypeScript, agent.NewScriptAgent(cfg.NodeID))

	if cfg.ContainerdSocket != "" {
		ca, err := agent.NewContainerAgent(cfg.ContainerdSocket)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		m.catalog.Register(agent.TypeContainer, ca)
		m.closers = append(m.closers, ca)
	}
	return nil
}

// loadIntents hands the persisted intents to the scheduler before it starts
func (m *Manager) loadIntents() error {
	intents, err := m.store.ListIntents()
	if err != nil {
		return fmt.Errorf("failed to load intents: %w", err)
	}
	for _, intent := range intents {
		if _, ok := m.reg.Definition(intent.ID); !ok {
			m.logger.Warn().Str("group", intent.ID).Msg("Ignoring intent for unknown group")
			continue
		}
		m.sched.ApplyIntent(*intent)
	}
	m.logger.Debug().Int("intents", len(intents)).Msg("Persisted intents loaded")
	return nil
}

func (m *Manager) intentDefaults(id string) (types.GroupIntent, bool) {
	def, ok := m.reg.Definition(id)
	if !ok {
		return types.GroupIntent{}, false
	}
	return types.GroupIntent{ID: id, Enabled: def.Autostart}, true
}

// Start starts the event broker, scheduler, reconciler and, when
// clustered, the raft node
func (m *Manager) Start() {
	m.broker.Start()
	m.history.Start()
	m.sched.Start()

	for _, err := range m.configErrs {
		ev := events.New(events.EventConfigInconsistent, "", err.Error())
		var ci *types.ConfigInconsistency
		if errors.As(err, &ci) {
			ev.Group = ci.Group
		}
		ev.Node = m.nodeID
		m.broker.Publish(ev)
	}

	switch {
	case m.node != nil:
		m.node.Start()
	case !m.external:
		m.view.Update(membership.Event{Quorate: true, Members: []types.NodeID{m.nodeID}})
	}

	m.recon.Start()
	m.collector.Start()

	metrics.UpdateComponent(metrics.ComponentScheduler, true, "running")
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "running")
	m.logger.Info().
		Int("groups", m.reg.Len()).
		Bool("clustered", m.node != nil).
		Msg("Manager started")
}

// Shutdown stops every local group in dependency order, then stops all
// components. Groups still active when ctx ends are left running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.collector.Stop()
	m.recon.Stop()

	drainErr := m.sched.Drain(ctx)
	if drainErr != nil {
		m.logger.Warn().Err(drainErr).Msg("Groups still active at shutdown")
	}
	m.sched.Stop()

	var nodeErr error
	if m.node != nil {
		nodeErr = m.node.Shutdown()
	}

	m.history.Stop()
	m.broker.Stop()
	m.close()

	metrics.UpdateComponent(metrics.ComponentScheduler, false, "stopped")
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
	m.logger.Info().Msg("Manager stopped")

	if nodeErr != nil {
		return fmt.Errorf("failed to stop cluster node: %w", nodeErr)
	}
	return drainErr
}

func (m *Manager) close() {
	for _, c := range m.closers {
		_ = c.Close()
	}
	m.closers = nil
	if m.store != nil {
		_ = m.store.Close()
		m.store = nil
	}
}

// Enable requests that a group run. A non-empty node places it there.
func (m *Manager) Enable(ctx context.Context, id string, node types.NodeID) error {
	if err := m.sched.CheckStart(id); err != nil {
		return err
	}
	if node != types.Unowned {
		if err := m.checkPlaceable(id); err != nil {
			return err
		}
		if err := m.checkMember(node); err != nil {
			return err
		}
	}
	return m.apply(ctx, cluster.OpEnable, id, node)
}

// Disable requests that a group stop
func (m *Manager) Disable(ctx context.Context, id string) error {
	if err := m.checkGroup(id); err != nil {
		return err
	}
	return m.apply(ctx, cluster.OpDisable, id, types.Unowned)
}

// Freeze stops all transitions of a group except the quorum-loss sweep
func (m *Manager) Freeze(ctx context.Context, id string) error {
	if err := m.checkGroup(id); err != nil {
		return err
	}
	return m.apply(ctx, cluster.OpFreeze, id, types.Unowned)
}

// Unfreeze resumes transitions of a frozen group
func (m *Manager) Unfreeze(ctx context.Context, id string) error {
	if err := m.checkGroup(id); err != nil {
		return err
	}
	return m.apply(ctx, cluster.OpUnfreeze, id, types.Unowned)
}

// Relocate moves a group to node
func (m *Manager) Relocate(ctx context.Context, id string, node types.NodeID) error {
	if err := m.checkGroup(id); err != nil {
		return err
	}
	if err := m.checkPlaceable(id); err != nil {
		return err
	}
	if !m.view.Current().Quorate {
		return types.ErrNotQuorate
	}
	if err := m.checkMember(node); err != nil {
		return err
	}
	return m.apply(ctx, cluster.OpRelocate, id, node)
}

// ApplyCommand applies a command forwarded by another node
func (m *Manager) ApplyCommand(ctx context.Context, cmd cluster.Command) error {
	if m.node != nil {
		return m.node.Apply(ctx, cmd)
	}
	return m.fsm.ApplyCommand(cmd)
}

func (m *Manager) apply(ctx context.Context, op, id string, node types.NodeID) error {
	cmd, err := cluster.NewGroupCommand(op, id, node)
	if err != nil {
		return err
	}
	if err := m.ApplyCommand(ctx, cmd); err != nil {
		return err
	}

	ev := events.New(events.EventIntentChanged, id, op)
	ev.Node = m.nodeID
	if node != types.Unowned {
		ev.Metadata["node"] = string(node)
	}
	m.broker.Publish(ev)

	m.logger.Info().Str("group", id).Str("op", op).Str("node", string(node)).Msg("Operator intent applied")
	return nil
}

func (m *Manager) checkGroup(id string) error {
	if _, ok := m.reg.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, types.ErrGroupNotFound)
	}
	return nil
}

// checkPlaceable refuses explicit placement of a group that runs wherever
// its dependencies are owned
func (m *Manager) checkPlaceable(id string) error {
	def, _ := m.reg.Definition(id)
	if len(def.DependsOn) > 0 {
		return fmt.Errorf("%s follows its dependencies %s, relocate those instead: %w",
			id, strings.Join(def.DependsOn, ", "), types.ErrDependencyUnsatisfiable)
	}
	return nil
}

func (m *Manager) checkMember(node types.NodeID) error {
	if !m.view.Current().HasMember(node) {
		return fmt.Errorf("%s: %w", node, types.ErrNodeNotMember)
	}
	return nil
}

// Status returns the status of every group
func (m *Manager) Status() []types.GroupStatus {
	return m.sched.Status()
}

// Membership returns the current membership snapshot
func (m *Manager) Membership() types.MembershipSnapshot {
	return m.view.Current()
}

// InjectMembership feeds a membership event from an external transport
func (m *Manager) InjectMembership(ev membership.Event) bool {
	return m.view.Update(ev)
}

// History returns the most recent transitions of a group, oldest first
func (m *Manager) History(id string, limit int) ([]*types.TransitionRecord, error) {
	if err := m.checkGroup(id); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(id, limit)
}

// ConfigErrors returns the inconsistencies found in the group definitions
func (m *Manager) ConfigErrors() []error {
	return m.configErrs
}

// NodeID returns this node's id
func (m *Manager) NodeID() types.NodeID {
	return m.nodeID
}

// Leader returns the raft leader, or this node when standalone
func (m *Manager) Leader() types.NodeID {
	if m.node == nil {
		return m.nodeID
	}
	id, _ := m.node.Leader()
	return id
}

// IsLeader reports whether this node accepts intent changes directly
func (m *Manager) IsLeader() bool {
	return m.node == nil || m.node.IsLeader()
}

// RaftStats returns raft statistics, or nil when standalone
func (m *Manager) RaftStats() map[string]string {
	if m.node == nil {
		return nil
	}
	return m.node.Stats()
}

// SubscribeEvents returns a channel receiving every event
func (m *Manager) SubscribeEvents() events.Subscriber {
	return m.broker.Subscribe()
}

// UnsubscribeEvents removes an event subscription
func (m *Manager) UnsubscribeEvents(sub events.Subscriber) {
	m.broker.Unsubscribe(sub)
}

// localAnnouncer applies placement facts directly in standalone mode
type localAnnouncer struct {
	fsm *cluster.FSM
}

func (a *localAnnouncer) MarkFailed(group string, node types.NodeID) error {
	return a.announce(cluster.OpMarkFailed, group, node)
}

func (a *localAnnouncer) Claim(group string, node types.NodeID) error {
	return a.announce(cluster.OpClaim, group, node)
}

func (a *localAnnouncer) announce(op, group string, node types.NodeID) error {
	cmd, err := cluster.NewGroupCommand(op, group, node)
	if err != nil {
		return err
	}
	return a.fsm.ApplyCommand(cmd)
}
