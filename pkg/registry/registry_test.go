package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(id string, deps ...string) types.GroupDefinition {
	return types.GroupDefinition{ID: id, DependsOn: deps}
}

func TestNewInitialState(t *testing.T) {
	r, errs := New([]types.GroupDefinition{def("web", "db"), def("db")})
	require.Empty(t, errs)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "db", all[0].ID)
	assert.Equal(t, "web", all[1].ID)
	for _, g := range all {
		assert.Equal(t, types.GroupStateStopped, g.State)
		assert.Equal(t, types.Unowned, g.Owner)
		assert.False(t, g.Excluded)
	}

	assert.Equal(t, []string{"db", "web"}, r.Order())
	assert.Equal(t, []string{"web"}, r.Dependents("db"))
	assert.Empty(t, r.Dependents("web"))
}

func TestNewConfigInconsistency(t *testing.T) {
	tests := []struct {
		name     string
		defs     []types.GroupDefinition
		excluded []string
		healthy  []string
		errCount int
	}{
		{
			name:     "unknown dependency",
			defs:     []types.GroupDefinition{def("app", "missing"), def("db")},
			excluded: []string{"app"},
			healthy:  []string{"db"},
			errCount: 1,
		},
		{
			name:     "self cycle",
			defs:     []types.GroupDefinition{def("a", "a")},
			excluded: []string{"a"},
			errCount: 1,
		},
		{
			name:     "cycle excludes members and dependents",
			defs:     []types.GroupDefinition{def("a", "b"), def("b", "c"), def("c", "a"), def("front", "a"), def("solo")},
			excluded: []string{"a", "b", "c", "front"},
			healthy:  []string{"solo"},
			errCount: 1,
		},
		{
			name:     "transitive dependent of unknown",
			defs:     []types.GroupDefinition{def("ip", "nic"), def("fs", "ip"), def("nfs", "fs")},
			excluded: []string{"ip", "fs", "nfs"},
			errCount: 1,
		},
		{
			name:     "duplicate id",
			defs:     []types.GroupDefinition{def("a"), def("a")},
			healthy:  []string{"a"},
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, errs := New(tt.defs)
			require.Len(t, errs, tt.errCount)
			for _, err := range errs {
				var ci *types.ConfigInconsistency
				assert.True(t, errors.As(err, &ci))
			}

			for _, id := range tt.excluded {
				g, ok := r.Get(id)
				require.True(t, ok, id)
				assert.True(t, g.Excluded, id)
				assert.NotEmpty(t, g.ExcludedReason, id)
				assert.Equal(t, types.GroupStateStopped, g.State)
			}
			for _, id := range tt.healthy {
				g, ok := r.Get(id)
				require.True(t, ok, id)
				assert.False(t, g.Excluded, id)
			}
			assert.Len(t, r.Order(), r.Len())
		})
	}
}

func TestOrderDependenciesFirst(t *testing.T) {
	r, errs := New([]types.GroupDefinition{
		def("app", "db", "ip"),
		def("db", "fs"),
		def("fs"),
		def("ip"),
		def("monitor", "app"),
	})
	require.Empty(t, errs)

	order := r.Order()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		d, _ := r.Definition(id)
		for _, dep := range d.DependsOn {
			assert.Less(t, pos[dep], pos[id], "%s must precede %s", dep, id)
		}
	}
}

func TestCompareAndSetState(t *testing.T) {
	r, _ := New([]types.GroupDefinition{def("g")})

	assert.False(t, r.CompareAndSetState("g", types.GroupStateStarted, types.GroupStateStopping, "n1", 1, 10))
	g, _ := r.Get("g")
	assert.Equal(t, types.GroupStateStopped, g.State)

	require.True(t, r.CompareAndSetState("g", types.GroupStateStopped, types.GroupStateStarting, "n1", 3, 42))
	g, _ = r.Get("g")
	assert.Equal(t, types.GroupStateStarting, g.State)
	assert.Equal(t, types.NodeID("n1"), g.Owner)
	assert.Equal(t, uint64(3), g.LastTransitionEpoch)
	assert.Equal(t, uint64(42), g.LastFingerprint)

	assert.False(t, r.CompareAndSetState("missing", types.GroupStateStopped, types.GroupStateStarting, "n1", 3, 42))
}

func TestCompareAndSetStateSingleWinner(t *testing.T) {
	r, _ := New([]types.GroupDefinition{def("g")})

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.CompareAndSetState("g", types.GroupStateStopped, types.GroupStateStarting, "n1", 1, 1) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := New([]types.GroupDefinition{def("g")})

	g, _ := r.Get("g")
	g.State = types.GroupStateStarted

	stored, _ := r.Get("g")
	assert.Equal(t, types.GroupStateStopped, stored.State)
}
