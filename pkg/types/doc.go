/*
Package types defines the data model shared by every rgmanager component.

# Resource groups

A resource group is a managed service with a start/stop/status contract and an
ordered failover domain. Its static shape is a GroupDefinition loaded from the
groups file; its runtime shape is a ResourceGroup held by the registry:

	GroupDefinition (static)          ResourceGroup (runtime)
	  ID, Type                          ID
	  DependsOn                         State       stopped|starting|started|
	  PreferredNodes                                stopping|failed|recovering
	  Restricted, NoFailback            Owner       node id or Unowned
	  Recovery, MaxRestarts             LastTransitionEpoch
	  Process, Script, Container        Excluded, ExcludedReason

Operator desire (enabled, frozen, placement overrides) lives in GroupIntent,
which is replicated across the cluster and persisted by the storage package.

# Membership

MembershipSnapshot is the immutable value published by the membership view.
Members is always sorted so that every node computes ownership from the same
ordering. A snapshot with no members is never quorate.

# Errors

Sentinel errors (ErrGroupNotFound, ErrNotQuorate, ...) are mapped to gRPC
status codes by the api package and to exit codes by the CLI. Typed errors
(TransientProbeError, ResourceAgentFailure, ConfigInconsistency) carry the
context needed for logging and all support errors.As.
*/
package types
