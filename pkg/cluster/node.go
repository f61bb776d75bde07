package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const (
	// DefaultHeartbeatTimeout is tuned for LAN failover in a few seconds
	DefaultHeartbeatTimeout = 500 * time.Millisecond

	applyTimeout   = 5 * time.Second
	forwardTimeout = 10 * time.Second
	observerBuffer = 64
)

// Peer is one voting member of the cluster
type Peer struct {
	ID       types.NodeID
	RaftAddr string
	APIAddr  string
}

// Config configures a cluster node
type Config struct {
	NodeID           types.NodeID
	RaftAddr         string
	DataDir          string
	Peers            []Peer // Static voter set, self included
	HeartbeatTimeout time.Duration

	// Transport overrides the TCP transport on RaftAddr
	Transport raft.Transport

	// InMemory keeps the raft log, stable and snapshot stores in memory
	InMemory bool
}

// Forwarder sends a command to the leader's API
type Forwarder interface {
	Forward(ctx context.Context, apiAddr string, cmd Command) error
}

// Node is the raft-backed membership service. The leader tracks peer
// heartbeats and commits membership generations; every node feeds the
// committed generation, and whether it can see a leader, into its
// membership view.
type Node struct {
	cfg       Config
	raft      *raft.Raft
	fsm       *FSM
	view      *membership.View
	transport raft.Transport
	closers   []io.Closer
	peers     map[types.NodeID]Peer
	live      *liveness
	logger    zerolog.Logger

	mu        sync.Mutex
	leader    types.NodeID
	forwarder Forwarder

	viewMu sync.Mutex // Keeps read-then-update of the view ordered

	observer *raft.Observer
	obsCh    chan raft.Observation
	notify   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode creates the raft node and bootstraps the static peer set. Every
// peer bootstraps the same configuration; a node that already has state
// keeps it.
func NewNode(cfg Config, fsm *FSM, view *membership.View) (*Node, error) {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if len(cfg.Peers) == 0 {
		cfg.Peers = []Peer{{ID: cfg.NodeID, RaftAddr: cfg.RaftAddr}}
	}

	logger := log.WithComponent("cluster").With().Str("node_id", string(cfg.NodeID)).Logger()
	raftLogger := log.WithComponent("raft")

	n := &Node{
		cfg:    cfg,
		fsm:    fsm,
		view:   view,
		peers:  make(map[types.NodeID]Peer, len(cfg.Peers)),
		live:   newLiveness(cfg.NodeID),
		logger: logger,
		obsCh:  make(chan raft.Observation, observerBuffer),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, p := range cfg.Peers {
		n.peers[p.ID] = p
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(cfg.NodeID)
	rcfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	rcfg.ElectionTimeout = cfg.HeartbeatTimeout
	rcfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
	rcfg.CommitTimeout = 50 * time.Millisecond
	rcfg.LogOutput = raftLogger
	rcfg.LogLevel = "WARN"

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
	)
	if cfg.InMemory {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapStore = raft.NewInmemSnapshotStore()
	} else {
		dir := filepath.Join(cfg.DataDir, "raft")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create raft directory: %w", err)
		}

		ls, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create log store: %w", err)
		}
		n.closers = append(n.closers, ls)

		ss, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("failed to create stable store: %w", err)
		}
		n.closers = append(n.closers, ss)

		fs, err := raft.NewFileSnapshotStore(dir, 2, raftLogger)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
		logStore, stableStore, snapStore = ls, ss, fs
	}

	n.transport = cfg.Transport
	if n.transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("failed to resolve raft address: %w", err)
		}
		t, err := raft.NewTCPTransport(cfg.RaftAddr, addr, 3, 10*time.Second, raftLogger)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		n.transport = t
	}

	fsm.OnMembership(func(types.MembershipRecord) { n.refreshView() })

	r, err := raft.NewRaft(rcfg, fsm, logStore, stableStore, snapStore, n.transport)
	if err != nil {
		n.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r

	servers := make([]raft.Server, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.RaftAddr),
		})
	}
	if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		_ = r.Shutdown().Error()
		n.closeStores()
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	return n, nil
}

// Start begins tracking leadership and heartbeats
func (n *Node) Start() {
	n.observer = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.FailedHeartbeatObservation,
			raft.ResumedHeartbeatObservation, raft.PeerObservation:
			return true
		}
		return false
	})
	n.raft.RegisterObserver(n.observer)

	n.wg.Add(2)
	go n.observe()
	go n.commitLoop()

	n.refreshView()
}

// Shutdown stops raft and releases its stores
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		if n.observer != nil {
			n.raft.DeregisterObserver(n.observer)
		}
		close(n.stopCh)
		n.wg.Wait()

		err = n.raft.Shutdown().Error()
		if c, ok := n.transport.(io.Closer); ok {
			_ = c.Close()
		}
		n.closeStores()
	})
	return err
}

func (n *Node) closeStores() {
	for _, c := range n.closers {
		_ = c.Close()
	}
	n.closers = nil
}

// SetForwarder sets how commands reach the leader from a follower
func (n *Node) SetForwarder(f Forwarder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwarder = f
}

// IsLeader reports whether this node is the raft leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader and its API address
func (n *Node) Leader() (types.NodeID, string) {
	n.mu.Lock()
	id := n.leader
	n.mu.Unlock()
	return id, n.peers[id].APIAddr
}

// Stats returns raft statistics
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Apply replicates cmd, forwarding it to the leader from a follower
func (n *Node) Apply(ctx context.Context, cmd Command) error {
	if n.IsLeader() {
		return n.applyLocal(cmd)
	}

	leader, addr := n.Leader()
	if leader == types.Unowned {
		return types.ErrNotQuorate
	}

	n.mu.Lock()
	fwd := n.forwarder
	n.mu.Unlock()
	if fwd == nil || addr == "" {
		return fmt.Errorf("leader is %s: %w", leader, types.ErrNotLeader)
	}
	return fwd.Forward(ctx, addr, cmd)
}

func (n *Node) applyLocal(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%v: %w", err, types.ErrNotLeader)
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed replicates that group failed on node
func (n *Node) MarkFailed(group string, node types.NodeID) error {
	return n.submit(OpMarkFailed, group, node)
}

// Claim replicates that group is pinned to node
func (n *Node) Claim(group string, node types.NodeID) error {
	return n.submit(OpClaim, group, node)
}

func (n *Node) submit(op, group string, node types.NodeID) error {
	cmd, err := NewGroupCommand(op, group, node)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	return n.Apply(ctx, cmd)
}

// LiveMembers returns the peers the leader currently reaches. It is empty
// on followers.
func (n *Node) LiveMembers() []types.NodeID {
	if !n.IsLeader() {
		return nil
	}
	return n.live.members()
}

func (n *Node) observe() {
	defer n.wg.Done()

	for {
		select {
		case obs := <-n.obsCh:
			n.handleObservation(obs)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) handleObservation(obs raft.Observation) {
	switch o := obs.Data.(type) {
	case raft.LeaderObservation:
		leader := types.NodeID(o.LeaderID)
		n.mu.Lock()
		changed := n.leader != leader
		n.leader = leader
		n.mu.Unlock()
		if !changed {
			return
		}

		n.logger.Info().Str("leader", string(leader)).Msg("Leader changed")
		if leader == n.cfg.NodeID {
			n.live.reset(n.voters(), time.Now(), 2*n.cfg.HeartbeatTimeout)
		}
		n.refreshView()
		n.kick()

	case raft.FailedHeartbeatObservation:
		if n.live.fail(types.NodeID(o.PeerID)) {
			n.logger.Warn().
				Str("peer", string(o.PeerID)).
				Time("last_contact", o.LastContact).
				Msg("Peer stopped answering heartbeats")
			n.kick()
		}

	case raft.ResumedHeartbeatObservation:
		if n.live.resume(types.NodeID(o.PeerID)) {
			n.logger.Info().Str("peer", string(o.PeerID)).Msg("Peer answering heartbeats again")
			n.kick()
		}

	case raft.PeerObservation:
		if o.Removed {
			n.live.remove(types.NodeID(o.Peer.ID))
			n.kick()
		}
	}
}

func (n *Node) voters() []types.NodeID {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		ids := make([]types.NodeID, 0, len(n.cfg.Peers))
		for _, p := range n.cfg.Peers {
			ids = append(ids, p.ID)
		}
		return ids
	}

	var ids []types.NodeID
	for _, s := range future.Configuration().Servers {
		if s.Suffrage == raft.Voter {
			ids = append(ids, types.NodeID(s.ID))
		}
	}
	return ids
}

func (n *Node) kick() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// commitLoop commits a new membership generation whenever the leader's live
// set differs from the committed one
func (n *Node) commitLoop() {
	defer n.wg.Done()

	interval := n.cfg.HeartbeatTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-n.notify:
		case <-n.stopCh:
			return
		}
		n.maybeCommit()
	}
}

func (n *Node) maybeCommit() {
	if !n.IsLeader() || !n.live.settled(time.Now()) {
		return
	}

	members := n.live.members()
	cur, ok := n.fsm.Membership()
	if ok && equalNodes(cur.Members, members) {
		return
	}

	cmd, err := NewMembershipCommand(cur.Generation+1, members)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to build membership command")
		return
	}
	if err := n.applyLocal(cmd); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to commit membership generation")
		return
	}
	n.logger.Info().
		Uint64("generation", cur.Generation+1).
		Interface("members", members).
		Msg("Committed membership generation")
}

// refreshView publishes the committed members, quorate while a leader is
// known
func (n *Node) refreshView() {
	n.viewMu.Lock()
	defer n.viewMu.Unlock()

	n.mu.Lock()
	leader := n.leader
	n.mu.Unlock()

	rec, ok := n.fsm.Membership()
	n.view.Update(membership.Event{
		Quorate: ok && leader != types.Unowned,
		Members: rec.Members,
	})
}

func equalNodes(a, b []types.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
