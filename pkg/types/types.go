package types

import (
	"sort"
	"time"
)

// NodeID identifies a cluster member
type NodeID string

// Unowned marks a resource group that no node currently owns
const Unowned NodeID = ""

// GroupState represents the state of a resource group on the local node
type GroupState string

const (
	GroupStateStopped    GroupState = "stopped"
	GroupStateStarting   GroupState = "starting"
	GroupStateStarted    GroupState = "started"
	GroupStateStopping   GroupState = "stopping"
	GroupStateFailed     GroupState = "failed"
	GroupStateRecovering GroupState = "recovering"
)

// AllGroupStates lists every state in display order
var AllGroupStates = []GroupState{
	GroupStateStopped,
	GroupStateStarting,
	GroupStateStarted,
	GroupStateStopping,
	GroupStateFailed,
	GroupStateRecovering,
}

// Active reports whether the group may have a live process on this node
func (s GroupState) Active() bool {
	switch s {
	case GroupStateStarting, GroupStateStarted, GroupStateStopping, GroupStateRecovering:
		return true
	}
	return false
}

// RecoveryPolicy defines what happens when a started group loses its process
type RecoveryPolicy string

const (
	RecoveryRestart  RecoveryPolicy = "restart"  // restart in place
	RecoveryRelocate RecoveryPolicy = "relocate" // fail and move to the next node
)

// ProcessSpec describes the OS process backing a group
type ProcessSpec struct {
	Name    string // Exact process name (comm)
	PIDFile string // Optional pid file; restricts matches to that pid
}

// ContainerSpec describes a containerd-backed group
type ContainerSpec struct {
	Image  string
	Args   []string
	Env    []string
	Mounts []Mount
}

// Mount is a bind mount into a container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// CheckType defines the type of status check
type CheckType string

const (
	CheckHTTP CheckType = "http"
	CheckTCP  CheckType = "tcp"
	CheckExec CheckType = "exec"
)

// CheckSpec configures an application-level status check
type CheckSpec struct {
	Type     CheckType
	Endpoint string   // URL or host:port
	Command  []string // For exec type
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// GroupDefinition is the static configuration of a resource group
type GroupDefinition struct {
	ID             string
	Type           string // Agent type: "script", "container", ...
	DependsOn      []string
	PreferredNodes []NodeID // Failover domain, most preferred first
	Restricted     bool     // Never run outside PreferredNodes
	NoFailback     bool     // Stay on current owner when a better node rejoins
	Autostart      bool
	Recovery       RecoveryPolicy
	MaxRestarts    int           // Restarts allowed within RestartWindow (0 = unlimited)
	RestartWindow  time.Duration
	StopTimeout    time.Duration
	Process        *ProcessSpec
	Script         string
	Container      *ContainerSpec
	Check          *CheckSpec
}

// ResourceGroup is the runtime record of a managed group
type ResourceGroup struct {
	ID                  string
	State               GroupState
	Owner               NodeID
	LastTransitionEpoch uint64 // Membership generation that authorized the last transition
	LastFingerprint     uint64 // Membership fingerprint at the last transition
	UpdatedAt           time.Time
	Excluded            bool   // Config inconsistency; never scheduled
	ExcludedReason      string
}

// MembershipSnapshot is an immutable view of cluster quorum and membership
type MembershipSnapshot struct {
	Quorate     bool
	MemberCount uint32
	Fingerprint uint64
	Members     []NodeID // Sorted
	Generation  uint64   // Incremented on every effective transition
}

// HasMember reports whether id is a current member
func (s MembershipSnapshot) HasMember(id NodeID) bool {
	i := sort.Search(len(s.Members), func(i int) bool { return s.Members[i] >= id })
	return i < len(s.Members) && s.Members[i] == id
}

// MatchMode selects how a process probe matches the process table
type MatchMode int

const (
	MatchName MatchMode = iota // Exact process name
	MatchPID                   // Exact name and pid within an allowed set
)

// ProcessRecord is a live process matched by a probe
type ProcessRecord struct {
	PID            int
	MatchedPattern string
}

// GroupIntent is the operator-controlled, cluster-replicated desire for a group
type GroupIntent struct {
	ID            string
	Enabled       bool
	Frozen        bool
	ExcludedNodes []NodeID // Nodes where the group failed and must not be placed
	RelocateTo    NodeID   // Operator placement override
	UpdatedAt     time.Time
}

// MembershipRecord is the last committed membership generation
type MembershipRecord struct {
	Generation  uint64
	Members     []NodeID
	CommittedAt time.Time
}

// TransitionRecord is one entry of a group's transition history
type TransitionRecord struct {
	Group  string
	From   GroupState
	To     GroupState
	Owner  NodeID
	Epoch  uint64
	Reason string
	At     time.Time
}

// GroupStatus is the operator-facing status of a group
type GroupStatus struct {
	ID             string
	State          GroupState
	Owner          NodeID
	Enabled        bool
	Frozen         bool
	Excluded       bool
	ExcludedReason string
	LastError      string
	Restarts       int
	Epoch          uint64
	UpdatedAt      time.Time
}

// SortNodes returns a sorted, de-duplicated copy of ids
func SortNodes(ids []NodeID) []NodeID {
	seen := make(map[NodeID]bool, len(ids))
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if id == Unowned || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
