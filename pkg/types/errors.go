package types

import (
	"errors"
	"fmt"
)

var (
	ErrGroupNotFound           = errors.New("resource group not found")
	ErrDependencyUnsatisfiable = errors.New("resource group dependency unsatisfiable")
	ErrNotQuorate              = errors.New("cluster not quorate")
	ErrGroupFrozen             = errors.New("resource group frozen")
	ErrGroupExcluded           = errors.New("resource group excluded by configuration")
	ErrNotLeader               = errors.New("not the cluster leader")
	ErrNodeNotMember           = errors.New("node is not a cluster member")
)

// TransientProbeError reports a failed process-table read. It is distinct
// from a successful probe that matched nothing.
type TransientProbeError struct {
	Pattern string
	Err     error
}

func (e *TransientProbeError) Error() string {
	return fmt.Sprintf("probe %q: %v", e.Pattern, e.Err)
}

func (e *TransientProbeError) Unwrap() error { return e.Err }

// ResourceAgentFailure reports a failed start/stop/status invocation
type ResourceAgentFailure struct {
	Group   string
	Action  string
	Attempt int
	Err     error
}

func (e *ResourceAgentFailure) Error() string {
	return fmt.Sprintf("agent %s %s (attempt %d): %v", e.Action, e.Group, e.Attempt, e.Err)
}

func (e *ResourceAgentFailure) Unwrap() error { return e.Err }

// ConfigInconsistency reports a group definition that can never be scheduled
type ConfigInconsistency struct {
	Group  string
	Reason string
}

func (e *ConfigInconsistency) Error() string {
	return fmt.Sprintf("group %s: %s", e.Group, e.Reason)
}

// IsTransientProbe reports whether err is a process-table read failure
func IsTransientProbe(err error) bool {
	var pe *TransientProbeError
	return errors.As(err, &pe)
}
