/*
Package manager wires an rgmanager node together and exposes the operator
operations.

# Architecture

	┌──────────────────────────── MANAGER ─────────────────────────────┐
	│                                                                  │
	│   operator ops ──► cluster.FSM ◄── raft (clustered) ──► peers    │
	│   (enable, disable,     │                                        │
	│    freeze, relocate)    │ ApplyIntent                            │
	│                         ▼                                        │
	│   membership.View ──► scheduler.Scheduler ──► agent.Catalog      │
	│         │                 ▲        │                             │
	│         │                 │        └──► events.Broker ──► history│
	│         └──────────► reconciler.Reconciler ──► probe             │
	│                                                                  │
	└──────────────────────────────────────────────────────────────────┘

In clustered mode the cluster.Node feeds the membership view and replicates
intents through raft; operator commands issued on a follower are forwarded
to the leader. Standalone, the FSM is applied directly and the view holds a
single-member quorate snapshot, or whatever InjectMembership delivers when
the manager was built WithExternalMembership.

# Operations

	Enable(ctx, id, node)   start a group, optionally on a given member
	Disable(ctx, id)        stop a group
	Freeze / Unfreeze       suspend and resume transitions
	Relocate(ctx, id, node) move a group to a member
	Status()                per-group state, owner and intent
	Membership()            current snapshot
	History(id, limit)      recorded transitions, oldest first

Enable refuses with ErrGroupNotFound, ErrGroupExcluded, ErrGroupFrozen,
ErrDependencyUnsatisfiable or ErrNotQuorate before anything is replicated.

# Lifecycle

NewManager opens the store, builds the registry from the group definitions
and loads persisted intents into the scheduler. Start launches the
scheduler, the cluster node and the reconciler; the first reconciliation
pass must finish before any group starts. Shutdown drains local groups in
dependency order before stopping the components.

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:  "n1",
		DataDir: "/var/lib/rgmanager",
		Groups:  defs,
	})
	if err != nil {
		return err
	}
	mgr.Start()
	defer mgr.Shutdown(ctx)
*/
package manager
