package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	intents []types.GroupIntent
}

func (s *recordingSink) ApplyIntent(intent types.GroupIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, intent)
}

func (s *recordingSink) last() types.GroupIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents[len(s.intents)-1]
}

type memSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSnapshotSink) ID() string    { return "test" }
func (s *memSnapshotSink) Close() error  { return nil }
func (s *memSnapshotSink) Cancel() error { s.cancelled = true; return nil }

func knownGroups(ids ...string) IntentDefaults {
	return func(id string) (types.GroupIntent, bool) {
		for _, known := range ids {
			if known == id {
				return types.GroupIntent{ID: id, Enabled: true}, true
			}
		}
		return types.GroupIntent{}, false
	}
}

func newTestFSM(t *testing.T) (*FSM, *recordingSink) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fsm := NewFSM(store, knownGroups("db", "web"))
	sink := &recordingSink{}
	fsm.SetSink(sink)
	return fsm, sink
}

func apply(t *testing.T, fsm *FSM, op, group string, node types.NodeID) error {
	t.Helper()
	cmd, err := NewGroupCommand(op, group, node)
	require.NoError(t, err)
	return fsm.ApplyCommand(cmd)
}

func TestFSMIntentOperations(t *testing.T) {
	fsm, sink := newTestFSM(t)

	require.NoError(t, apply(t, fsm, OpDisable, "db", ""))
	assert.False(t, sink.last().Enabled)

	require.NoError(t, apply(t, fsm, OpMarkFailed, "db", "n1"))
	require.NoError(t, apply(t, fsm, OpMarkFailed, "db", "n2"))
	assert.Equal(t, []types.NodeID{"n1", "n2"}, sink.last().ExcludedNodes)

	require.NoError(t, apply(t, fsm, OpRelocate, "db", "n2"))
	got := sink.last()
	assert.Equal(t, types.NodeID("n2"), got.RelocateTo)
	assert.Equal(t, []types.NodeID{"n1"}, got.ExcludedNodes, "relocation target no longer excluded")

	require.NoError(t, apply(t, fsm, OpMarkFailed, "db", "n2"))
	assert.Equal(t, types.Unowned, sink.last().RelocateTo, "failing on the target clears the override")

	require.NoError(t, apply(t, fsm, OpEnable, "db", ""))
	got = sink.last()
	assert.True(t, got.Enabled)
	assert.Empty(t, got.ExcludedNodes, "enable clears exclusions")

	require.NoError(t, apply(t, fsm, OpFreeze, "db", ""))
	assert.True(t, sink.last().Frozen)
	require.NoError(t, apply(t, fsm, OpUnfreeze, "db", ""))
	assert.False(t, sink.last().Frozen)

	require.NoError(t, apply(t, fsm, OpClaim, "db", "n3"))
	assert.Equal(t, types.NodeID("n3"), sink.last().RelocateTo)

	intents, err := fsm.Intents()
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "db", intents[0].ID)
	assert.Equal(t, types.NodeID("n3"), intents[0].RelocateTo)
}

func TestFSMEnableOnNode(t *testing.T) {
	fsm, sink := newTestFSM(t)

	require.NoError(t, apply(t, fsm, OpEnable, "web", "n2"))
	assert.Equal(t, types.NodeID("n2"), sink.last().RelocateTo)
}

func TestFSMUnknownGroup(t *testing.T) {
	fsm, sink := newTestFSM(t)

	err := apply(t, fsm, OpEnable, "ghost", "")
	assert.ErrorIs(t, err, types.ErrGroupNotFound)
	assert.Empty(t, sink.intents)
}

func TestFSMUnknownOp(t *testing.T) {
	fsm, _ := newTestFSM(t)

	err := apply(t, fsm, "explode", "db", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestFSMRaftApply(t *testing.T) {
	fsm, sink := newTestFSM(t)

	cmd, err := NewGroupCommand(OpFreeze, "web", "")
	require.NoError(t, err)
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	assert.Nil(t, fsm.Apply(&raft.Log{Data: data}))
	assert.True(t, sink.last().Frozen)

	resp := fsm.Apply(&raft.Log{Data: []byte("{")})
	assert.Error(t, resp.(error))
}

func TestFSMMembershipGenerations(t *testing.T) {
	fsm, _ := newTestFSM(t)

	var committed []types.MembershipRecord
	fsm.OnMembership(func(rec types.MembershipRecord) { committed = append(committed, rec) })

	_, ok := fsm.Membership()
	assert.False(t, ok)

	cmd, err := NewMembershipCommand(2, []types.NodeID{"n3", "n1", "n2"})
	require.NoError(t, err)
	require.NoError(t, fsm.ApplyCommand(cmd))

	rec, ok := fsm.Membership()
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Generation)
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, rec.Members)

	stale, err := NewMembershipCommand(1, []types.NodeID{"n1"})
	require.NoError(t, err)
	require.NoError(t, fsm.ApplyCommand(stale))

	rec, _ = fsm.Membership()
	assert.Equal(t, uint64(2), rec.Generation, "stale generation ignored")
	assert.Len(t, committed, 1)
}

func TestFSMSnapshotRestore(t *testing.T) {
	src, _ := newTestFSM(t)
	require.NoError(t, apply(t, src, OpDisable, "db", ""))
	require.NoError(t, apply(t, src, OpMarkFailed, "web", "n1"))
	cmd, err := NewMembershipCommand(4, []types.NodeID{"n1", "n2"})
	require.NoError(t, err)
	require.NoError(t, src.ApplyCommand(cmd))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	out := &memSnapshotSink{}
	require.NoError(t, snap.Persist(out))
	snap.Release()
	assert.False(t, out.cancelled)

	dst, sink := newTestFSM(t)
	require.NoError(t, apply(t, dst, OpFreeze, "web", ""))

	var restored types.MembershipRecord
	dst.OnMembership(func(rec types.MembershipRecord) { restored = rec })

	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(out.Bytes()))))

	intents, err := dst.Intents()
	require.NoError(t, err)
	require.Len(t, intents, 2)
	byID := map[string]*types.GroupIntent{}
	for _, in := range intents {
		byID[in.ID] = in
	}
	assert.False(t, byID["db"].Enabled)
	assert.False(t, byID["web"].Frozen, "restore replaces local state")
	assert.Equal(t, []types.NodeID{"n1"}, byID["web"].ExcludedNodes)

	assert.Equal(t, uint64(4), restored.Generation)
	assert.Len(t, sink.intents, 3, "one local apply plus two restored intents")
}
