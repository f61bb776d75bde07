/*
Package api implements the rgmanager gRPC API: the operator surface of a
node and the path followers use to forward replicated commands to the raft
leader.

# Service

The GroupManager service (rgmanager.v1.GroupManager) is described by a
hand-written grpc.ServiceDesc whose messages are protobuf well-known types,
so no code generation is involved:

	EnableGroup    Struct{group, node}      → Empty
	DisableGroup   StringValue              → Empty
	FreezeGroup    StringValue              → Empty
	UnfreezeGroup  StringValue              → Empty
	RelocateGroup  Struct{group, node}      → Empty
	ListGroups     Empty                    → Struct{groups, config_errors}
	GetMembership  Empty                    → Struct
	GetHistory     Struct{group, limit}     → Struct{transitions}
	ApplyCommand   BytesValue (JSON)        → Empty
	WatchEvents    Empty                    → stream Struct

Epochs, generations and fingerprints are 64-bit and travel as strings.

# Errors

ToStatus maps the manager's sentinel errors to gRPC codes and attaches a
google.rpc.ErrorInfo with domain "rgmanager":

	ErrGroupNotFound            NotFound            GROUP_NOT_FOUND
	ErrDependencyUnsatisfiable  FailedPrecondition  DEPENDENCY_UNSATISFIABLE
	ErrGroupFrozen              FailedPrecondition  GROUP_FROZEN
	ErrGroupExcluded            FailedPrecondition  GROUP_EXCLUDED
	ErrNotQuorate               Unavailable         NOT_QUORATE
	ErrNotLeader                Unavailable         NOT_LEADER
	ErrNodeNotMember            InvalidArgument     NODE_NOT_MEMBER

FromStatus reverses the mapping on the client so errors.Is keeps working
across the wire.

# Health

HealthServer serves /health, /ready, /live and /metrics over HTTP. /ready
requires a quorate membership, a known leader and every critical component
registered with the metrics health checker.

# Usage

	srv := api.NewServer(mgr, grpc.Creds(credentials.NewTLS(tlsConfig)))
	go srv.Start(cfg.API.Addr)
	defer srv.Stop()

	hs := api.NewHealthServer(mgr)
	go hs.Start(cfg.API.HealthAddr)
*/
package api
