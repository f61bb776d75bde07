/*
Package cluster provides the replicated side of rgmanager: a Raft state
machine for operator intents and membership generations, and the node that
runs it.

# Membership

The Raft leader watches heartbeat observations for every voter. When it
gains leadership it presumes all voters live, waits two heartbeat timeouts,
and from then on commits a membership command whenever the reachable set
changes:

	heartbeat failed/resumed ──► liveness set ──► OpMembership{generation+1}
	                                                     │
	                                                     ▼
	                      every node: FSM.Apply ──► membership.View.Update

A node is quorate while it knows a leader. A partitioned minority loses its
leader within an election timeout and reports non-quorate, while the
majority elects a leader and commits a generation without the missing
nodes. Stale generations are ignored on apply.

# Intents

Enable, disable, freeze, unfreeze and relocate are replicated as
GroupCommands. The scheduler replicates its own placement facts the same
way: mark_failed excludes a node after a group fails there, and claim pins a
nofailback group to its current owner. Every applied intent is handed to the
IntentSink, which is the local scheduler.

Followers forward commands to the leader's API through a Forwarder. In
standalone mode the FSM is applied directly with ApplyCommand and no Node is
created.

# Usage

	fsm := cluster.NewFSM(store, defaults)
	fsm.SetSink(sched)

	node, err := cluster.NewNode(cluster.Config{
		NodeID:   "n1",
		RaftAddr: "10.0.0.1:7947",
		DataDir:  "/var/lib/rgmanager",
		Peers:    peers,
	}, fsm, view)
	if err != nil {
		return err
	}
	node.SetForwarder(client.NewForwarder(cfg.API.TLSDir))
	node.Start()
	defer node.Shutdown()
*/
package cluster
