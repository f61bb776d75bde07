package scheduler

import (
	"github.com/cuemby/rgmanager/pkg/types"
)

// Placement carries the replicated placement overrides of a group
type Placement struct {
	Excluded   []types.NodeID // Nodes the group failed on
	RelocateTo types.NodeID   // Operator or nofailback target
}

// PlacementOf extracts the placement overrides from an intent
func PlacementOf(intent types.GroupIntent) Placement {
	return Placement{Excluded: intent.ExcludedNodes, RelocateTo: intent.RelocateTo}
}

// Owner computes which node should run a group. It depends only on its
// arguments, so every node holding the same snapshot, definition and
// placement agrees on the answer.
//
// A non-quorate snapshot has no owner. Otherwise the relocation target wins
// when eligible, then the first eligible node of PreferredNodes. Groups with
// an unrestricted domain, or no domain at all, fall back to the lowest
// eligible member. A node is eligible when it is a member and not excluded.
func Owner(snap types.MembershipSnapshot, def *types.GroupDefinition, p Placement) types.NodeID {
	if !snap.Quorate {
		return types.Unowned
	}

	eligible := eligibility(snap, def, p)

	if p.RelocateTo != types.Unowned && eligible(p.RelocateTo) {
		return p.RelocateTo
	}

	for _, n := range def.PreferredNodes {
		if eligible(n) {
			return n
		}
	}

	if def.Restricted && len(def.PreferredNodes) > 0 {
		return types.Unowned
	}
	for _, n := range snap.Members {
		if eligible(n) {
			return n
		}
	}
	return types.Unowned
}

// PlacementLookup returns the definition and placement of a group
type PlacementLookup func(id string) (*types.GroupDefinition, Placement, bool)

// ColocatedOwner computes the owner of a group that may depend on others. A
// group runs on the node owning all of its dependencies, and has no owner
// when they are owned apart or that node is not eligible for the group
// itself. Groups without dependencies are placed by Owner. Like Owner, the
// answer only depends on replicated inputs.
func ColocatedOwner(snap types.MembershipSnapshot, def *types.GroupDefinition, p Placement, lookup PlacementLookup) types.NodeID {
	return colocatedOwner(snap, def, p, lookup, map[string]bool{def.ID: true})
}

func colocatedOwner(snap types.MembershipSnapshot, def *types.GroupDefinition, p Placement, lookup PlacementLookup, visiting map[string]bool) types.NodeID {
	if len(def.DependsOn) == 0 {
		return Owner(snap, def, p)
	}
	if !snap.Quorate {
		return types.Unowned
	}

	target := types.Unowned
	for _, dep := range def.DependsOn {
		if visiting[dep] {
			return types.Unowned
		}
		depDef, depPlacement, ok := lookup(dep)
		if !ok {
			return types.Unowned
		}

		visiting[dep] = true
		owner := colocatedOwner(snap, depDef, depPlacement, lookup, visiting)
		delete(visiting, dep)

		if owner == types.Unowned || (target != types.Unowned && owner != target) {
			return types.Unowned
		}
		target = owner
	}

	if !eligibility(snap, def, p)(target) {
		return types.Unowned
	}
	return target
}

// eligibility reports whether a node may run def: it is a member, the group
// has not failed there, and it is inside a restricted domain
func eligibility(snap types.MembershipSnapshot, def *types.GroupDefinition, p Placement) func(types.NodeID) bool {
	excluded := make(map[types.NodeID]bool, len(p.Excluded))
	for _, n := range p.Excluded {
		excluded[n] = true
	}

	inDomain := func(n types.NodeID) bool {
		if len(def.PreferredNodes) == 0 {
			return true
		}
		for _, d := range def.PreferredNodes {
			if d == n {
				return true
			}
		}
		return false
	}

	return func(n types.NodeID) bool {
		if n == types.Unowned || excluded[n] || !snap.HasMember(n) {
			return false
		}
		return !def.Restricted || inDomain(n)
	}
}
