/*
Package reconciler detects drift between the registry's belief and the live
process table.

The reconciler runs on a fixed interval and immediately after every effective
membership transition. Each pass looks at every group that is not excluded or
frozen:

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Pass                        │
	│          (interval, or membership transition)               │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────────┐   ┌──────────────────┐
	│ Started groups  │   │ Stopped groups   │
	└─────┬───────────┘   └──────┬───────────┘
	      │                      │
	      ▼                      ▼
	  Probe process         Probe process
	  (and status check)    by name
	      │                      │
	      ▼                      ▼
	  Missing:              Found: hold the group,
	  Started → Recovering  SIGTERM, then SIGKILL

# Started Groups

A Started group with a process spec is probed by name, restricted to the pid
in its pid file when one is configured. Zero matches moves the group to
Recovering through the registry's compare-and-set and hands it to the
scheduler. A failed process-table read is a TransientProbeError: it is counted,
logged, and the group is left alone until the next pass.

Groups without a process spec are checked through their agent's status
action. Groups with a status check run it when due and recover after the
configured number of consecutive failures.

# Stopped Groups

A process found for a Stopped group is an orphan, typically left behind by an
earlier run of the manager. The group is held so the scheduler cannot start it,
the orphans receive SIGTERM, and SIGKILL on the next pass if they are still
present. The hold is released once a probe finds nothing.

# Restart Gate

After a restart every group is Stopped in memory. The first pass runs before
the scheduler is allowed to start anything, so orphans from the previous run
are found and held first. Groups that could not be probed on the first pass
are held until a later pass succeeds.
*/
package reconciler
