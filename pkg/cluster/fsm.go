package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Replicated operations
const (
	OpEnable     = "enable"
	OpDisable    = "disable"
	OpFreeze     = "freeze"
	OpUnfreeze   = "unfreeze"
	OpRelocate   = "relocate"
	OpMarkFailed = "mark_failed"
	OpClaim      = "claim"
	OpMembership = "membership"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// GroupCommand is the payload of every intent operation
type GroupCommand struct {
	Group string       `json:"group"`
	Node  types.NodeID `json:"node,omitempty"`
	At    time.Time    `json:"at"`
}

// MembershipCommand is the payload of OpMembership
type MembershipCommand struct {
	Generation uint64         `json:"generation"`
	Members    []types.NodeID `json:"members"`
	At         time.Time      `json:"at"`
}

// NewGroupCommand builds an intent operation on group. node is the target
// of relocate, mark_failed and claim, and the optional target of enable.
func NewGroupCommand(op, group string, node types.NodeID) (Command, error) {
	data, err := json.Marshal(GroupCommand{Group: group, Node: node, At: time.Now()})
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// NewMembershipCommand builds a membership generation commit
func NewMembershipCommand(generation uint64, members []types.NodeID) (Command, error) {
	data, err := json.Marshal(MembershipCommand{
		Generation: generation,
		Members:    types.SortNodes(members),
		At:         time.Now(),
	})
	if err != nil {
		return Command{}, err
	}
	return Command{Op: OpMembership, Data: data}, nil
}

// IntentSink receives every intent after it changes
type IntentSink interface {
	ApplyIntent(intent types.GroupIntent)
}

// IntentDefaults returns the intent a known group has before any operator
// action, and false for unknown groups
type IntentDefaults func(id string) (types.GroupIntent, bool)

// FSM applies replicated operator intents and membership generations to
// the store. It serves as the Raft state machine in clustered mode and is
// applied directly in standalone mode.
type FSM struct {
	mu           sync.RWMutex
	store        storage.Store
	defaults     IntentDefaults
	sink         IntentSink
	onMembership func(types.MembershipRecord)
	logger       zerolog.Logger
}

// NewFSM creates a state machine persisting to store
func NewFSM(store storage.Store, defaults IntentDefaults) *FSM {
	return &FSM{
		store:    store,
		defaults: defaults,
		logger:   log.WithComponent("fsm"),
	}
}

// SetSink registers the receiver of applied intents
func (f *FSM) SetSink(sink IntentSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// OnMembership registers the receiver of committed membership generations
func (f *FSM) OnMembership(fn func(types.MembershipRecord)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMembership = fn
}

// Apply applies a Raft log entry to the FSM
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return f.ApplyCommand(cmd)
}

// ApplyCommand applies one command and returns its error, if any
func (f *FSM) ApplyCommand(cmd Command) error {
	if cmd.Op == OpMembership {
		var mc MembershipCommand
		if err := json.Unmarshal(cmd.Data, &mc); err != nil {
			return fmt.Errorf("failed to unmarshal membership: %w", err)
		}
		return f.applyMembership(mc)
	}

	var gc GroupCommand
	if err := json.Unmarshal(cmd.Data, &gc); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", cmd.Op, err)
	}
	return f.applyIntent(cmd.Op, gc)
}

func (f *FSM) applyIntent(op string, gc GroupCommand) error {
	f.mu.Lock()
	intent, err := f.loadIntent(gc.Group)
	if err != nil {
		f.mu.Unlock()
		return err
	}

	switch op {
	case OpEnable:
		intent.Enabled = true
		intent.ExcludedNodes = nil
		if gc.Node != types.Unowned {
			intent.RelocateTo = gc.Node
		}
	case OpDisable:
		intent.Enabled = false
	case OpFreeze:
		intent.Frozen = true
	case OpUnfreeze:
		intent.Frozen = false
	case OpRelocate:
		intent.RelocateTo = gc.Node
		intent.ExcludedNodes = without(intent.ExcludedNodes, gc.Node)
	case OpMarkFailed:
		intent.ExcludedNodes = types.SortNodes(append(intent.ExcludedNodes, gc.Node))
		if intent.RelocateTo == gc.Node {
			intent.RelocateTo = types.Unowned
		}
	case OpClaim:
		intent.RelocateTo = gc.Node
	default:
		f.mu.Unlock()
		return fmt.Errorf("unknown command: %s", op)
	}
	intent.UpdatedAt = gc.At

	if err := f.store.PutIntent(&intent); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to store intent: %w", err)
	}
	sink := f.sink
	f.mu.Unlock()

	f.logger.Debug().
		Str("op", op).
		Str("group", gc.Group).
		Str("node", string(gc.Node)).
		Msg("Intent applied")

	if sink != nil {
		sink.ApplyIntent(intent)
	}
	return nil
}

func (f *FSM) loadIntent(id string) (types.GroupIntent, error) {
	def, known := types.GroupIntent{}, true
	if f.defaults != nil {
		def, known = f.defaults(id)
	}
	if !known {
		return types.GroupIntent{}, fmt.Errorf("%s: %w", id, types.ErrGroupNotFound)
	}

	stored, err := f.store.GetIntent(id)
	if errors.Is(err, storage.ErrNotFound) {
		def.ID = id
		return def, nil
	}
	if err != nil {
		return types.GroupIntent{}, fmt.Errorf("failed to load intent: %w", err)
	}
	return *stored, nil
}

func (f *FSM) applyMembership(mc MembershipCommand) error {
	rec := types.MembershipRecord{
		Generation:  mc.Generation,
		Members:     types.SortNodes(mc.Members),
		CommittedAt: mc.At,
	}

	f.mu.Lock()
	if cur, err := f.store.GetMembership(); err == nil && cur.Generation >= rec.Generation {
		f.mu.Unlock()
		f.logger.Debug().
			Uint64("generation", rec.Generation).
			Uint64("current", cur.Generation).
			Msg("Ignoring stale membership generation")
		return nil
	}
	if err := f.store.PutMembership(&rec); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to store membership: %w", err)
	}
	fn := f.onMembership
	f.mu.Unlock()

	f.logger.Info().
		Uint64("generation", rec.Generation).
		Int("members", len(rec.Members)).
		Msg("Membership generation committed")

	if fn != nil {
		fn(rec)
	}
	return nil
}

// Membership returns the last committed membership record
func (f *FSM) Membership() (types.MembershipRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, err := f.store.GetMembership()
	if err != nil {
		return types.MembershipRecord{}, false
	}
	return *rec, true
}

// Intents returns every stored intent
func (f *FSM) Intents() ([]*types.GroupIntent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store.ListIntents()
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	intents, err := f.store.ListIntents()
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}

	snap := &Snapshot{Intents: intents}
	if rec, err := f.store.GetMembership(); err == nil {
		snap.Membership = rec
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read membership: %w", err)
	}
	return snap, nil
}

// Restore replaces the FSM state with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	if err := f.store.ReplaceIntents(snap.Intents); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to restore intents: %w", err)
	}
	if snap.Membership != nil {
		if err := f.store.PutMembership(snap.Membership); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("failed to restore membership: %w", err)
		}
	}
	sink, fn := f.sink, f.onMembership
	f.mu.Unlock()

	f.logger.Info().Int("intents", len(snap.Intents)).Msg("State restored from snapshot")

	if sink != nil {
		for _, intent := range snap.Intents {
			sink.ApplyIntent(*intent)
		}
	}
	if fn != nil && snap.Membership != nil {
		fn(*snap.Membership)
	}
	return nil
}

// Snapshot is a point-in-time copy of the replicated state
type Snapshot struct {
	Intents    []*types.GroupIntent    `json:"intents"`
	Membership *types.MembershipRecord `json:"membership,omitempty"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}

func without(nodes []types.NodeID, n types.NodeID) []types.NodeID {
	out := nodes[:0:0]
	for _, m := range nodes {
		if m != n {
			out = append(out, m)
		}
	}
	return out
}
