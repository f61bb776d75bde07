/*
Package scheduler drives resource groups through their state machine and
decides where each group runs.

Every node runs its own scheduler against the same inputs: the membership
view, the static group definitions and the replicated operator intents.
Placement is a pure function of those inputs, so nodes that observe the same
membership agree on the owner of every group without exchanging messages.

# Architecture

A single worker goroutine consumes an ordered event queue. Each event is
handled under one transition lock and ends with a full evaluation of every
group in dependency order:

	┌──────────────────────────────────────────────────────────┐
	│                       Event Queue                         │
	│  evaluate | membership | agent result | retry | relocate  │
	└────────────────┬─────────────────────────────────────────┘
	                 │ (single worker, transition lock held)
	                 ▼
	┌──────────────────────────────────────────────────────────┐
	│  For each group, dependencies first:                      │
	│    read state → compute owner → compare-and-set → dispatch │
	└────────────────┬─────────────────────────────────────────┘
	                 │
	                 ▼
	┌──────────────────────────────────────────────────────────┐
	│  Resource agent call (async, with timeout)                │
	│  result re-enters the queue tagged with a sequence number │
	└──────────────────────────────────────────────────────────┘

Losing quorum does not go through the queue. The membership subscriber takes
the transition lock and moves every Started group to Stopping before
View.Update returns, so no reader ever observes a Started group on a
non-quorate node.

# State Machine

	Stopped ──► Starting ──► Started ──► Stopping ──► Stopped
	               │            │            │
	               ▼            ▼            ▼
	             Failed ◄── Recovering     Failed
	               │
	               └──(relocation delay)──► Stopped (node excluded)

Agent failures are retried with bounded exponential backoff. A group that
exhausts its retries goes to Failed; after the relocation delay it is
released with the local node excluded from its placement, so the next
eligible node takes it over.

# Ownership

Owner returns the node that should run a group:

  - nobody while the cluster is not quorate
  - an eligible operator relocation target
  - otherwise the first eligible member of the failover domain
  - otherwise, for unrestricted groups, the lowest eligible member

Groups with the nofailback flag pin themselves to the node that started them,
so a more preferred node rejoining does not pull them back.

# Dependencies

A group runs where its dependencies run. ColocatedOwner places it on the
node owning all of its dependencies, so when a dependency fails over or is
relocated its dependents follow. A group starts only after all its
dependencies are Started on this node, and
stops before any of them: a dependency's stop is deferred while one of its
dependents is still active.

# Usage

	sched := scheduler.NewScheduler(scheduler.Config{NodeID: "node-1"},
		view, reg, catalog, scheduler.WithBroker(broker))
	sched.Start()
	defer sched.Stop()

	// After the first reconciliation pass
	sched.MarkReconciled()
*/
package scheduler
