package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/membership"
	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeartbeat = 100 * time.Millisecond

type testNode struct {
	*Node
	fsm       *FSM
	view      *membership.View
	transport *raft.InmemTransport
	addr      raft.ServerAddress
}

// loopbackForwarder delivers forwarded commands straight to the node owning
// the API address
type loopbackForwarder struct {
	nodes map[string]*testNode
}

func (f *loopbackForwarder) Forward(ctx context.Context, apiAddr string, cmd Command) error {
	n, ok := f.nodes[apiAddr]
	if !ok {
		return fmt.Errorf("no node at %s", apiAddr)
	}
	return n.Apply(ctx, cmd)
}

func newTestCluster(t *testing.T, ids ...types.NodeID) []*testNode {
	t.Helper()

	nodes := make([]*testNode, len(ids))
	peers := make([]Peer, len(ids))
	for i, id := range ids {
		addr, trans := raft.NewInmemTransport("")
		nodes[i] = &testNode{transport: trans, addr: addr}
		peers[i] = Peer{ID: id, RaftAddr: string(addr), APIAddr: "api-" + string(id)}
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.transport.Connect(b.addr, b.transport)
			}
		}
	}

	fwd := &loopbackForwarder{nodes: map[string]*testNode{}}
	for i, id := range ids {
		store, err := storage.NewBoltStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		tn := nodes[i]
		tn.fsm = NewFSM(store, knownGroups("db", "web"))
		tn.view = membership.NewView()

		node, err := NewNode(Config{
			NodeID:           id,
			RaftAddr:         string(tn.addr),
			Peers:            peers,
			HeartbeatTimeout: testHeartbeat,
			Transport:        tn.transport,
			InMemory:         true,
		}, tn.fsm, tn.view)
		require.NoError(t, err)
		tn.Node = node
		node.SetForwarder(fwd)
		fwd.nodes[peers[i].APIAddr] = tn
	}

	for _, n := range nodes {
		n.Start()
		t.Cleanup(func() { _ = n.Shutdown() })
	}
	return nodes
}

func waitMembers(t *testing.T, n *testNode, quorate bool, members ...types.NodeID) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := n.view.Current()
		if snap.Quorate != quorate {
			return false
		}
		if !quorate {
			return true
		}
		return assert.ObjectsAreEqual(members, snap.Members)
	}, 10*time.Second, 20*time.Millisecond, "node %s never reached quorate=%v members=%v", n.cfg.NodeID, quorate, members)
}

func leaderOf(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	return leader
}

func TestClusterFormsQuorateMembership(t *testing.T) {
	nodes := newTestCluster(t, "n1", "n2", "n3")

	for _, n := range nodes {
		waitMembers(t, n, true, "n1", "n2", "n3")
	}

	leader := leaderOf(t, nodes)
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, leader.LiveMembers())

	id, addr := nodes[0].Leader()
	assert.Equal(t, leader.cfg.NodeID, id)
	assert.Equal(t, "api-"+string(id), addr)
	assert.NotEmpty(t, leader.Stats())
}

func TestClusterForwardsCommandsToLeader(t *testing.T) {
	nodes := newTestCluster(t, "n1", "n2", "n3")
	for _, n := range nodes {
		waitMembers(t, n, true, "n1", "n2", "n3")
	}

	var follower *testNode
	for _, n := range nodes {
		if !n.IsLeader() {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	require.NoError(t, follower.MarkFailed("db", "n2"))
	require.NoError(t, follower.Claim("web", "n3"))

	cmd, err := NewGroupCommand(OpEnable, "ghost", "")
	require.NoError(t, err)
	assert.ErrorIs(t, follower.Apply(context.Background(), cmd), types.ErrGroupNotFound)

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			intents, err := n.fsm.Intents()
			if err != nil || len(intents) != 2 {
				return false
			}
			for _, in := range intents {
				switch in.ID {
				case "db":
					if !assert.ObjectsAreEqual([]types.NodeID{"n2"}, in.ExcludedNodes) {
						return false
					}
				case "web":
					if in.RelocateTo != "n3" {
						return false
					}
				}
			}
			return true
		}, 5*time.Second, 20*time.Millisecond, "intents not replicated to %s", n.cfg.NodeID)
	}
}

func TestClusterPartitionedMinorityLosesQuorum(t *testing.T) {
	nodes := newTestCluster(t, "n1", "n2", "n3")
	for _, n := range nodes {
		waitMembers(t, n, true, "n1", "n2", "n3")
	}
	before, _ := nodes[1].fsm.Membership()

	n1 := nodes[0]
	n1.transport.DisconnectAll()
	for _, n := range nodes[1:] {
		n.transport.Disconnect(n1.addr)
	}

	waitMembers(t, n1, false)
	waitMembers(t, nodes[1], true, "n2", "n3")
	waitMembers(t, nodes[2], true, "n2", "n3")

	after, _ := nodes[1].fsm.Membership()
	assert.Greater(t, after.Generation, before.Generation)

	cmd, err := NewGroupCommand(OpDisable, "db", "")
	require.NoError(t, err)
	err = n1.Apply(context.Background(), cmd)
	assert.Error(t, err, "minority cannot change intents")
}

func TestClusterRejoinRestoresMembership(t *testing.T) {
	nodes := newTestCluster(t, "n1", "n2", "n3")
	for _, n := range nodes {
		waitMembers(t, n, true, "n1", "n2", "n3")
	}

	n3 := nodes[2]
	n3.transport.DisconnectAll()
	for _, n := range nodes[:2] {
		n.transport.Disconnect(n3.addr)
	}
	waitMembers(t, nodes[0], true, "n1", "n2")

	for _, n := range nodes[:2] {
		n.transport.Connect(n3.addr, n3.transport)
		n3.transport.Connect(n.addr, n.transport)
	}
	for _, n := range nodes {
		waitMembers(t, n, true, "n1", "n2", "n3")
	}
}
