package mlst

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/pvn"
	"github.com/dkrupke/mlst-mesh/pkg/rsu"
	"github.com/dkrupke/mlst-mesh/pkg/wire"
)

// Config parameterizes a Node (spec §6 configuration table, plus the
// ROOT flag and the policy selecting plain vs energy-aware).
type Config struct {
	ID                uint16
	Root              bool
	Policy            TierPolicy
	BasePeriod        time.Duration
	StayActivePeriods int
	MaxAgeOfParent    uint32
}

// DefaultConfig fills in spec §6's defaults for everything but ID, Root
// and Policy, which the caller must set.
func DefaultConfig() Config {
	return Config{
		BasePeriod:        1 * time.Second,
		StayActivePeriods: 3,
		MaxAgeOfParent:    5,
	}
}

type roundState int

const (
	stateUndefined roundState = iota
	stateLeafSleepable
	stateLeafAwake
	stateBackbone
)

type candidate struct {
	id       uint16
	variable Variable
}

// Node drives one instance of the MLST round loop (spec §4.2 "Round
// structure"), reading PVN and writing PVN's local variable plus RSU's
// parent and sleep gate.
type Node struct {
	cfg Config
	pvn *pvn.PVN
	rsu *rsu.RSU
	clk clock.Clock
	rnd clock.Random
	log logrus.FieldLogger

	mu            sync.Mutex
	parentID      uint16
	dist          [3]uint8
	childrenCount uint8
	energyState   wire.EnergyTier
	stayActiveFor int
	divisor       int
}

// New constructs a Node. Callers register Callbacks() with their PVN
// instance before calling Run.
func New(cfg Config, p *pvn.PVN, r *rsu.RSU, clk clock.Clock, rnd clock.Random, log logrus.FieldLogger) *Node {
	if cfg.BasePeriod <= 0 {
		cfg.BasePeriod = 1 * time.Second
	}
	if cfg.StayActivePeriods <= 0 {
		cfg.StayActivePeriods = 3
	}
	if cfg.MaxAgeOfParent <= 0 {
		cfg.MaxAgeOfParent = 5
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Node{
		cfg:  cfg,
		pvn:  p,
		rsu:  r,
		clk:  clk,
		rnd:  rnd,
		log:  log.WithField("component", "mlst").WithField("node", cfg.ID),
		dist: [3]uint8{wire.UnknownDist, wire.UnknownDist, wire.UnknownDist},
	}
}

// Callbacks returns the pvn.Callbacks this Node must be registered with
// (spec §4.2 "PVN change callback").
func (n *Node) Callbacks() pvn.Callbacks {
	return pvn.Callbacks{
		OnNew:    n.onPVNEvent,
		OnChange: n.onPVNEvent,
		OnDelete: n.onPVNDelete,
	}
}

func (n *Node) onPVNEvent(pvn.Entry) {
	n.mu.Lock()
	n.stayActiveFor = n.cfg.StayActivePeriods
	n.divisor = 3
	n.mu.Unlock()
}

func (n *Node) onPVNDelete(e pvn.Entry) {
	n.mu.Lock()
	n.stayActiveFor = n.cfg.StayActivePeriods
	n.divisor = 3
	if e.ID == n.parentID {
		n.parentID = wire.UndefinedID
		n.dist = [3]uint8{wire.UnknownDist, wire.UnknownDist, wire.UnknownDist}
	}
	n.mu.Unlock()
}

// IsUndefined reports mlst_is_undefined(): no parent has been elected
// yet.
func (n *Node) IsUndefined() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parentID == wire.UndefinedID
}

// IsLeaf reports whether this node is currently a leaf: defined and with
// zero children (spec §4.2 "Leaf definition").
func (n *Node) IsLeaf() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parentID != wire.UndefinedID && n.childrenCount == 0
}

// ParentID returns the currently elected parent, or wire.UndefinedID.
func (n *Node) ParentID() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parentID
}

// State returns a snapshot suitable for diagnostics (pkg/diag) or tests.
type State struct {
	ID            uint16
	Root          bool
	ParentID      uint16
	Dist          [3]uint8
	ChildrenCount uint8
	EnergyState   wire.EnergyTier
	Undefined     bool
	Leaf          bool
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return State{
		ID:            n.cfg.ID,
		Root:          n.cfg.Root,
		ParentID:      n.parentID,
		Dist:          n.dist,
		ChildrenCount: n.childrenCount,
		EnergyState:   n.energyState,
		Undefined:     n.parentID == wire.UndefinedID,
		Leaf:          n.parentID != wire.UndefinedID && n.childrenCount == 0,
	}
}

// SetEnergyState is the energy-aware variant's eamlst_set_energy_state
// (spec §6). It is a no-op under PlainPolicy beyond being stored and
// encoded, since PlainPolicy.Encode never reads it.
func (n *Node) SetEnergyState(s wire.EnergyTier) {
	n.mu.Lock()
	n.energyState = s
	n.mu.Unlock()
	n.updateLocalVariable()
}

// Send is mlst_send: hand payload to RSU for upstream delivery. Valid to
// call even while undefined (spec §6); RSU holds it until a parent is
// elected.
func (n *Node) Send(payload []byte) {
	n.rsu.Send(payload)
}

// Run drives the cooperative round loop (spec §4.2) until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.pvn.Open(); err != nil {
		return err
	}

	for {
		n.pvn.Sweep()

		switch n.classify() {
		case stateUndefined:
			n.rsu.DisallowSleep()
			n.ensurePVNOnline()
		case stateLeafSleepable:
			n.rsu.AllowSleep()
			n.ensurePVNOffline()
		case stateLeafAwake:
			n.rsu.AllowSleep()
			n.ensurePVNOnline()
		case stateBackbone:
			n.rsu.DisallowSleep()
			n.ensurePVNOnline()
		}

		select {
		case <-ctx.Done():
			_ = n.pvn.Close()
			return nil
		case <-time.After(n.periodDuration()):
		}

		n.recompute()
		if !n.cfg.Root {
			n.rsu.SetParent(n.ParentID())
		}
		if err := n.pvn.Publish(); err != nil {
			n.log.WithError(err).Warn("mlst: publish failed")
		}
		n.decrementCounters()
	}
}

func (n *Node) ensurePVNOnline() {
	if !n.pvn.Online() {
		if err := n.pvn.Open(); err != nil {
			n.log.WithError(err).Warn("mlst: failed to go online")
		}
	}
}

func (n *Node) ensurePVNOffline() {
	if n.pvn.Online() {
		if err := n.pvn.Close(); err != nil {
			n.log.WithError(err).Warn("mlst: failed to go offline")
		}
	}
}

func (n *Node) classify() roundState {
	if n.cfg.Root {
		return stateBackbone
	}

	n.mu.Lock()
	parentID := n.parentID
	isLeaf := n.childrenCount == 0
	stayActive := n.stayActiveFor
	n.mu.Unlock()

	if parentID == wire.UndefinedID {
		return stateUndefined
	}
	if !isLeaf {
		return stateBackbone
	}

	fresh := false
	if e, ok := n.pvn.Lookup(parentID); ok {
		fresh = clock.SatSub(n.clk.Seconds(), e.LastRefreshTimestamp) <= n.cfg.MaxAgeOfParent
	}
	if stayActive == 0 && fresh {
		return stateLeafSleepable
	}
	return stateLeafAwake
}

func (n *Node) periodDuration() time.Duration {
	n.mu.Lock()
	divisor := n.divisor
	n.mu.Unlock()
	if divisor < 1 {
		divisor = 1
	}
	factor := n.rnd.Float(0.8, 1.0)
	return time.Duration(float64(n.cfg.BasePeriod) * factor / float64(divisor))
}

func (n *Node) decrementCounters() {
	n.mu.Lock()
	if n.stayActiveFor > 0 {
		n.stayActiveFor--
	}
	if n.divisor > 1 {
		n.divisor--
	}
	n.mu.Unlock()
}

func (n *Node) recompute() {
	if n.cfg.Root {
		n.setRootVariable()
		return
	}

	tiers := n.cfg.Policy.Tiers()
	neighbors := n.pvn.Neighbors()

	var childrenCount uint8
	var candidates []candidate
	for _, nb := range neighbors {
		v, ok := n.cfg.Policy.Decode(nb.LastKnownVariable)
		if !ok {
			continue
		}
		if v.ParentID == wire.UndefinedID {
			// An undefined neighbor may pick us next round; treat it as a
			// prospective child.
			childrenCount++
			continue
		}
		if v.ParentID == n.cfg.ID || (tiers > 1 && v.EnergyState == wire.EnergyUndefined) {
			childrenCount++
			continue
		}
		candidates = append(candidates, candidate{id: nb.ID, variable: v})
	}

	bestDist := make([]uint8, tiers)
	for t := range bestDist {
		bestDist[t] = wire.UnknownDist
	}
	for _, c := range candidates {
		for t := 0; t < tiers; t++ {
			if !n.cfg.Policy.Admits(c.variable.EnergyState, t) {
				continue
			}
			if c.variable.Dist[t] == wire.UnknownDist {
				continue
			}
			d := c.variable.Dist[t] + 1
			if bestDist[t] == wire.UnknownDist || d < bestDist[t] {
				bestDist[t] = d
			}
		}
	}

	globalTier := -1
	for t := 0; t < tiers; t++ {
		if bestDist[t] != wire.UnknownDist {
			globalTier = t
			break
		}
	}

	// Among candidates tied on the winning tier's distance, a strictly
	// higher children_count wins outright (no tie recorded); only a
	// further tie on children_count counts toward the coin-flip defer
	// below (spec §4.2: "tied across multiple candidates with equal
	// (distance, children_count)").
	var chosen candidate
	found := false
	tieCount := 0
	if globalTier >= 0 {
		for _, c := range candidates {
			if !n.cfg.Policy.Admits(c.variable.EnergyState, globalTier) {
				continue
			}
			if c.variable.Dist[globalTier] == wire.UnknownDist || c.variable.Dist[globalTier]+1 != bestDist[globalTier] {
				continue
			}
			if !found {
				chosen, found, tieCount = c, true, 1
				continue
			}
			switch {
			case c.variable.ChildrenCount > chosen.variable.ChildrenCount:
				chosen = c
				tieCount = 1
			case c.variable.ChildrenCount == chosen.variable.ChildrenCount:
				tieCount++
				if c.id < chosen.id {
					chosen = c
				}
			}
		}
	}

	newDist := [3]uint8{wire.UnknownDist, wire.UnknownDist, wire.UnknownDist}
	for t := 0; t < tiers; t++ {
		newDist[t] = bestDist[t]
	}

	newParent := wire.UndefinedID
	if found {
		// Tie handling (spec §4.2): with probability 1/2, defer
		// commitment on a symmetric tie rather than pick arbitrarily.
		if tieCount > 1 && n.rnd.Float(0, 1) < 0.5 {
			newDist = [3]uint8{wire.UnknownDist, wire.UnknownDist, wire.UnknownDist}
		} else {
			newParent = chosen.id
		}
	}

	n.mu.Lock()
	changed := newParent != n.parentID || newDist != n.dist || childrenCount != n.childrenCount
	n.parentID = newParent
	n.dist = newDist
	n.childrenCount = childrenCount
	if changed {
		n.stayActiveFor = n.cfg.StayActivePeriods
		n.divisor = 3
	}
	n.mu.Unlock()

	n.updateLocalVariable()
}

func (n *Node) setRootVariable() {
	tiers := n.cfg.Policy.Tiers()
	dist := [3]uint8{wire.UnknownDist, wire.UnknownDist, wire.UnknownDist}
	for t := 0; t < tiers; t++ {
		dist[t] = 0
	}

	n.mu.Lock()
	n.parentID = wire.RootParentID
	n.dist = dist
	n.childrenCount = wire.RootChildren
	n.mu.Unlock()

	n.updateLocalVariable()
}

func (n *Node) updateLocalVariable() {
	n.mu.Lock()
	v := Variable{
		Dist:          n.dist,
		ParentID:      n.parentID,
		ChildrenCount: n.childrenCount,
		EnergyState:   n.energyState,
	}
	n.mu.Unlock()
	n.pvn.SetLocalVariable(n.cfg.Policy.Encode(v))
}
