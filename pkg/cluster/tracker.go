package cluster

import (
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
)

// liveness tracks which peers the leader can reach, from heartbeat
// observations. It is only meaningful on the leader.
type liveness struct {
	mu       sync.Mutex
	self     types.NodeID
	live     map[types.NodeID]bool
	settleAt time.Time
}

func newLiveness(self types.NodeID) *liveness {
	return &liveness{self: self, live: map[types.NodeID]bool{self: true}}
}

// reset starts a leadership term: every voter is presumed live until a
// heartbeat fails, and nothing is committed before settle has elapsed
func (l *liveness) reset(voters []types.NodeID, now time.Time, settle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.live = make(map[types.NodeID]bool, len(voters)+1)
	for _, v := range voters {
		l.live[v] = true
	}
	l.live[l.self] = true
	l.settleAt = now.Add(settle)
}

// fail marks a peer unreachable and reports whether the set changed
func (l *liveness) fail(id types.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == l.self || !l.live[id] {
		return false
	}
	delete(l.live, id)
	return true
}

// resume marks a peer reachable and reports whether the set changed
func (l *liveness) resume(id types.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.live[id] {
		return false
	}
	l.live[id] = true
	return true
}

// remove drops a peer that left the raft configuration
func (l *liveness) remove(id types.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id != l.self {
		delete(l.live, id)
	}
}

// members returns the sorted live set
func (l *liveness) members() []types.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.NodeID, 0, len(l.live))
	for id := range l.live {
		out = append(out, id)
	}
	return types.SortNodes(out)
}

// settled reports whether a new term has collected enough heartbeats to
// commit a membership
func (l *liveness) settled(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !now.Before(l.settleAt)
}
