// Package mlst implements the per-node MLST parent-election state machine
// (spec §4.2): reading only the local PVN snapshot, it elects a parent
// toward the root so the emergent tree approximates a maximum-leaf
// spanning tree, and drives PVN's published variable and RSU's parent and
// sleep gate.
//
// The plain and energy-aware variants (spec §9: "three compile-time MLST
// variants... model as a single algorithm parameterized by an energy-tier
// policy") share the same recompute loop through the TierPolicy interface.
package mlst

import "github.com/dkrupke/mlst-mesh/pkg/wire"

// Variable is the decoded, policy-agnostic view of a public variable:
// Dist holds one distance per energy tier (index 0 is always used; the
// energy-aware variant also uses indices 1 and 2 for middle/low).
type Variable struct {
	Dist          [3]uint8
	ParentID      uint16
	ChildrenCount uint8
	EnergyState   wire.EnergyTier
}

// TierPolicy subsumes the plain and energy-aware variants (spec §9).
// Tiers reports how many of Variable.Dist are meaningful; Admits decides
// whether a neighbor in the given energy state may serve as a parent at
// that tier; Encode/Decode convert to and from the wire layout.
type TierPolicy interface {
	Tiers() int
	VariableSize() int
	Admits(energy wire.EnergyTier, tier int) bool
	Encode(v Variable) []byte
	Decode(b []byte) (Variable, bool)
}

// PlainPolicy is the single-tier variant (spec §3 "Plain variant").
type PlainPolicy struct{}

func (PlainPolicy) Tiers() int        { return 1 }
func (PlainPolicy) VariableSize() int { return wire.PlainSize }

func (PlainPolicy) Admits(wire.EnergyTier, int) bool { return true }

func (PlainPolicy) Encode(v Variable) []byte {
	return wire.PlainVariable{
		DistanceToRoot: v.Dist[0],
		ParentID:       v.ParentID,
		ChildrenCount:  v.ChildrenCount,
	}.Encode()
}

func (PlainPolicy) Decode(b []byte) (Variable, bool) {
	pv, ok := wire.DecodePlainVariable(b)
	if !ok {
		return Variable{}, false
	}
	return Variable{
		Dist:          [3]uint8{pv.DistanceToRoot, wire.UnknownDist, wire.UnknownDist},
		ParentID:      pv.ParentID,
		ChildrenCount: pv.ChildrenCount,
	}, true
}

// EnergyAwarePolicy is the three-tier variant (spec §3 "Energy-aware
// variant"; §9 collapses the original's EA1/EA2/EA3 forks into this one
// policy). Tier 0 is "high energy ancestors only", tier 1 relaxes to
// "high or middle", tier 2 accepts any admitted candidate.
type EnergyAwarePolicy struct{}

func (EnergyAwarePolicy) Tiers() int        { return 3 }
func (EnergyAwarePolicy) VariableSize() int { return wire.EASize }

func (EnergyAwarePolicy) Admits(energy wire.EnergyTier, tier int) bool {
	switch tier {
	case 0:
		return energy == wire.EnergyHigh
	case 1:
		return energy == wire.EnergyHigh || energy == wire.EnergyMiddle
	case 2:
		return true
	default:
		return false
	}
}

func (EnergyAwarePolicy) Encode(v Variable) []byte {
	return wire.EAVariable{
		DistHigh:      v.Dist[0],
		DistMiddle:    v.Dist[1],
		DistLow:       v.Dist[2],
		ParentID:      v.ParentID,
		ChildrenCount: v.ChildrenCount,
		EnergyState:   v.EnergyState,
	}.Encode()
}

func (EnergyAwarePolicy) Decode(b []byte) (Variable, bool) {
	ea, ok := wire.DecodeEAVariable(b)
	if !ok {
		return Variable{}, false
	}
	return Variable{
		Dist:          [3]uint8{ea.DistHigh, ea.DistMiddle, ea.DistLow},
		ParentID:      ea.ParentID,
		ChildrenCount: ea.ChildrenCount,
		EnergyState:   ea.EnergyState,
	}, true
}
