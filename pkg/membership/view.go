package membership

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

// Event is one notification from the membership transport
type Event struct {
	Quorate     bool
	MemberCount uint32
	Fingerprint uint64         // Zero means "compute from Members"
	Members     []types.NodeID // Optional when the transport only reports counts
}

// Callback receives every effective transition in delivery order
type Callback func(prev, next types.MembershipSnapshot)

type subscription struct {
	id int
	fn Callback
}

// View holds the most recently observed membership snapshot.
// Reads are lock-free; updates are serialized and delivered to subscribers
// synchronously in the order they were received.
type View struct {
	current atomic.Pointer[types.MembershipSnapshot]

	mu     sync.Mutex   // serializes Update and subscriber delivery
	holdMu sync.RWMutex // held by Hold; excludes the store in Update
	subsMu sync.RWMutex
	subs   []subscription
	nextID int

	logger zerolog.Logger
}

// NewView creates a view holding the empty, non-quorate snapshot
func NewView() *View {
	v := &View{logger: log.WithComponent("membership")}
	v.current.Store(&types.MembershipSnapshot{})
	return v
}

// Current returns the latest snapshot. It never blocks on a writer.
func (v *View) Current() types.MembershipSnapshot {
	return *v.current.Load()
}

// Hold runs fn with the current snapshot and keeps Update from replacing it
// until fn returns. Subscribers are notified after the store, so fn may be
// called while holding locks a subscriber takes. fn must not call Update.
func (v *View) Hold(fn func(types.MembershipSnapshot)) {
	v.holdMu.RLock()
	defer v.holdMu.RUnlock()
	fn(*v.current.Load())
}

// Update atomically replaces the snapshot. It returns false, and notifies
// nobody, when the event repeats the stored fingerprint and quorum flag.
// Subscribers must not call Update from their callback.
func (v *View) Update(ev Event) bool {
	members := types.SortNodes(ev.Members)

	count := ev.MemberCount
	if len(members) > 0 {
		count = uint32(len(members))
	}

	fingerprint := ev.Fingerprint
	if fingerprint == 0 {
		fingerprint = Fingerprint(members)
	}

	quorate := ev.Quorate && count > 0

	v.mu.Lock()
	defer v.mu.Unlock()

	prev := v.current.Load()
	if prev.Fingerprint == fingerprint && prev.Quorate == quorate {
		metrics.MembershipEventsTotal.WithLabelValues("duplicate").Inc()
		v.logger.Debug().
			Uint64("fingerprint", fingerprint).
			Bool("quorate", quorate).
			Msg("Duplicate membership notification suppressed")
		return false
	}

	next := &types.MembershipSnapshot{
		Quorate:     quorate,
		MemberCount: count,
		Fingerprint: fingerprint,
		Members:     members,
		Generation:  prev.Generation + 1,
	}
	v.holdMu.Lock()
	v.current.Store(next)
	v.holdMu.Unlock()

	metrics.MembershipEventsTotal.WithLabelValues("effective").Inc()
	metrics.MemberCount.Set(float64(count))
	metrics.MembershipGeneration.Set(float64(next.Generation))
	if quorate {
		metrics.Quorate.Set(1)
	} else {
		metrics.Quorate.Set(0)
	}

	v.logger.Info().
		Bool("quorate", quorate).
		Uint32("members", count).
		Uint64("fingerprint", fingerprint).
		Uint64("generation", next.Generation).
		Msg("Membership transition")

	v.subsMu.RLock()
	subs := make([]subscription, len(v.subs))
	copy(subs, v.subs)
	v.subsMu.RUnlock()

	for _, sub := range subs {
		sub.fn(*prev, *next)
	}

	return true
}

// Subscribe registers fn for every effective transition and returns a
// function that removes the subscription
func (v *View) Subscribe(fn Callback) func() {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()

	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, subscription{id: id, fn: fn})

	return func() {
		v.subsMu.Lock()
		defer v.subsMu.Unlock()
		for i, sub := range v.subs {
			if sub.id == id {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				return
			}
		}
	}
}

// Fingerprint digests a member set. The empty set digests to zero so that it
// matches the initial snapshot.
func Fingerprint(members []types.NodeID) uint64 {
	sorted := types.SortNodes(members)
	if len(sorted) == 0 {
		return 0
	}

	h := xxhash.New()
	for _, m := range sorted {
		_, _ = h.WriteString(string(m))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Diff returns the members that joined and left between two snapshots
func Diff(prev, next types.MembershipSnapshot) (joined, left []types.NodeID) {
	for _, m := range next.Members {
		if !prev.HasMember(m) {
			joined = append(joined, m)
		}
	}
	for _, m := range prev.Members {
		if !next.HasMember(m) {
			left = append(left, m)
		}
	}
	sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return joined, left
}
