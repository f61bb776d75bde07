package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

type entry struct {
	def   types.GroupDefinition
	group types.ResourceGroup
}

// Registry is the in-memory table of resource groups keyed by id.
// Definitions are fixed at construction; runtime state changes only through
// CompareAndSetState.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	order      []string            // Dependencies before dependents
	dependents map[string][]string // Reverse edges

	logger zerolog.Logger
}

// New builds a registry from static definitions. Every group starts Stopped
// and unowned. Groups with an unknown dependency or on a dependency cycle,
// and every group depending on them, are kept but marked Excluded; one
// ConfigInconsistency is returned per root cause.
func New(defs []types.GroupDefinition) (*Registry, []error) {
	r := &Registry{
		entries:    make(map[string]*entry, len(defs)),
		dependents: make(map[string][]string),
		logger:     log.WithComponent("registry"),
	}

	var errs []error
	now := time.Now()

	for _, def := range defs {
		if def.ID == "" {
			errs = append(errs, &types.ConfigInconsistency{Reason: "group without id"})
			continue
		}
		if _, dup := r.entries[def.ID]; dup {
			errs = append(errs, &types.ConfigInconsistency{Group: def.ID, Reason: "duplicate group id"})
			continue
		}
		def.DependsOn = uniqueSorted(def.DependsOn)
		r.entries[def.ID] = &entry{
			def: def,
			group: types.ResourceGroup{
				ID:        def.ID,
				State:     types.GroupStateStopped,
				Owner:     types.Unowned,
				UpdatedAt: now,
			},
		}
	}

	// Unknown dependencies
	for _, id := range r.sortedIDs() {
		e := r.entries[id]
		for _, dep := range e.def.DependsOn {
			if _, ok := r.entries[dep]; !ok {
				reason := fmt.Sprintf("depends on unknown group %q", dep)
				errs = append(errs, &types.ConfigInconsistency{Group: id, Reason: reason})
				r.exclude(id, reason)
				continue
			}
			r.dependents[dep] = append(r.dependents[dep], id)
		}
	}
	for dep := range r.dependents {
		sort.Strings(r.dependents[dep])
	}

	// Cycles
	for _, cycle := range r.findCycles() {
		reason := fmt.Sprintf("dependency cycle %s", strings.Join(cycle, " -> "))
		errs = append(errs, &types.ConfigInconsistency{Group: cycle[0], Reason: reason})
		for _, id := range cycle[:len(cycle)-1] {
			r.exclude(id, reason)
		}
	}

	// Exclusion propagates to dependents
	for _, id := range r.sortedIDs() {
		if r.entries[id].group.Excluded {
			r.excludeDependents(id)
		}
	}

	r.order = r.topoOrder()

	for _, err := range errs {
		r.logger.Error().Err(err).Msg("Configuration inconsistency")
	}
	r.updateMetrics()

	return r, errs
}

// Get returns a copy of the group record
func (r *Registry) Get(id string) (types.ResourceGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return types.ResourceGroup{}, false
	}
	return e.group, true
}

// All returns copies of every group record sorted by id
func (r *Registry) All() []types.ResourceGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ResourceGroup, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Definition returns the static definition of a group
func (r *Registry) Definition(id string) (types.GroupDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return types.GroupDefinition{}, false
	}
	return e.def, true
}

// Dependents returns the ids of groups that directly depend on id
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.dependents[id]...)
}

// Order returns every group id with dependencies ahead of their dependents.
// Excluded groups on a cycle are appended last in id order.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of groups
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CompareAndSetState moves a group from expected to next and records the new
// owner and the membership generation and fingerprint that authorized it. It
// returns false, changing nothing, if the group is unknown or its state is
// not expected.
func (r *Registry) CompareAndSetState(id string, expected, next types.GroupState, owner types.NodeID, epoch, fingerprint uint64) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.group.State != expected {
		r.mu.Unlock()
		metrics.CASConflictsTotal.Inc()
		return false
	}

	e.group.State = next
	e.group.Owner = owner
	e.group.LastTransitionEpoch = epoch
	e.group.LastFingerprint = fingerprint
	e.group.UpdatedAt = time.Now()
	r.mu.Unlock()

	if expected != next {
		metrics.TransitionsTotal.WithLabelValues(string(next)).Inc()
	}
	r.updateMetrics()

	r.logger.Debug().
		Str("group", id).
		Str("from", string(expected)).
		Str("to", string(next)).
		Str("owner", string(owner)).
		Uint64("epoch", epoch).
		Msg("Group state transition")

	return true
}

func (r *Registry) exclude(id, reason string) {
	e := r.entries[id]
	if e.group.Excluded {
		return
	}
	e.group.Excluded = true
	e.group.ExcludedReason = reason
}

func (r *Registry) excludeDependents(id string) {
	for _, dep := range r.dependents[id] {
		if r.entries[dep].group.Excluded {
			continue
		}
		r.exclude(dep, fmt.Sprintf("depends on excluded group %q", id))
		r.excludeDependents(dep)
	}
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findCycles returns each dependency cycle once, as a closed path
// starting and ending at the same group
func (r *Registry) findCycles() [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(r.entries))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range r.entries[id].def.DependsOn {
			if _, ok := r.entries[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				cycles = append(cycles, append(cycle, dep))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range r.sortedIDs() {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// topoOrder sorts ids so that every dependency precedes its dependents.
// Ties break by id for a stable order.
func (r *Registry) topoOrder() []string {
	indegree := make(map[string]int, len(r.entries))
	for id, e := range r.entries {
		for _, dep := range e.def.DependsOn {
			if _, ok := r.entries[dep]; ok {
				indegree[id]++
			}
		}
	}

	var ready []string
	for _, id := range r.sortedIDs() {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(r.entries))
	placed := make(map[string]bool, len(r.entries))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		placed[id] = true

		var next []string
		for _, d := range r.dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				next = append(next, d)
			}
		}
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	for _, id := range r.sortedIDs() {
		if !placed[id] {
			order = append(order, id)
		}
	}
	return order
}

func (r *Registry) updateMetrics() {
	r.mu.RLock()
	counts := make(map[types.GroupState]int, len(types.AllGroupStates))
	excluded := 0
	for _, e := range r.entries {
		counts[e.group.State]++
		if e.group.Excluded {
			excluded++
		}
	}
	r.mu.RUnlock()

	for _, s := range types.AllGroupStates {
		metrics.GroupsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.GroupsExcluded.Set(float64(excluded))
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
