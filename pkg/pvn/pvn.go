// Package pvn implements the Public-Variable Neighborhood gossip layer
// (spec §4.1): each node publishes a small fixed-size "public variable" on
// a broadcast channel and maintains, per one-hop neighbor, the most
// recently received copy together with its age.
package pvn

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/radio"
)

// DefaultMaxNeighbors bounds the neighbor table so a misbehaving or
// over-dense deployment cannot grow it without limit; the original C
// implementation has no such cap because its neighbor list lives in a
// fixed static memory pool sized at compile time (MAX_MLST_NEIGHBOURS).
const DefaultMaxNeighbors = 64

// CompareFunc reports whether new differs from old in a way that should
// fire OnChange. The default is byte-wise inequality (spec §4.1).
type CompareFunc func(old, new []byte) bool

func defaultCompare(old, new []byte) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i] != new[i] {
			return true
		}
	}
	return false
}

// Callbacks are fired synchronously from the goroutine that calls
// HandleFrame or Sweep — never from a separate goroutine — matching the
// single-threaded cooperative model of spec §5.
type Callbacks struct {
	OnNew    func(Entry)
	OnChange func(Entry)
	OnDelete func(Entry)
}

// Entry is a snapshot of one neighbor's last-known public variable.
type Entry struct {
	ID                   uint16
	LastKnownVariable    []byte
	LastRefreshTimestamp uint32
}

// Config parameterizes a PVN instance (spec §4.1 "Contract").
type Config struct {
	Port         int
	VariableSize int
	MaxAge       uint32
	MaxNeighbors int
	Compare      CompareFunc
	Callbacks    Callbacks
}

// PVN is one node's view of its one-hop neighborhood over a single
// broadcast channel. It owns the neighbor entries it creates (spec §3
// "Ownership"); callers never hold long-lived references into its map.
type PVN struct {
	cfg     Config
	clk     clock.Clock
	channel radio.Broadcast
	log     logrus.FieldLogger

	mu        sync.Mutex
	neighbors map[uint16]*Entry
	local     []byte
}

// New constructs a PVN bound to channel, driven by clk. cfg.Compare and
// cfg.MaxNeighbors fall back to their documented defaults when zero.
func New(cfg Config, channel radio.Broadcast, clk clock.Clock, log logrus.FieldLogger) *PVN {
	if cfg.Compare == nil {
		cfg.Compare = defaultCompare
	}
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = DefaultMaxNeighbors
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PVN{
		cfg:       cfg,
		clk:       clk,
		channel:   channel,
		log:       log.WithField("component", "pvn").WithField("port", cfg.Port),
		neighbors: make(map[uint16]*Entry),
		local:     make([]byte, cfg.VariableSize),
	}
}

// Open transitions the broadcast channel offline->online and begins
// delivering inbound frames to HandleFrame.
func (p *PVN) Open() error {
	return p.channel.Open(p.HandleFrame)
}

// Close transitions the broadcast channel online->offline. Offline PVNs
// neither receive nor spontaneously send (spec §4.1).
func (p *PVN) Close() error {
	return p.channel.Close()
}

// Online reports the channel's current state.
func (p *PVN) Online() bool {
	return p.channel.Online()
}

// SetCallbacks replaces the callback set. MLST uses this to bind its
// handlers after constructing both the PVN and the Node that owns them,
// breaking the constructor cycle between the two.
func (p *PVN) SetCallbacks(cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Callbacks = cb
}

// SetLocalVariable replaces the bytes that Publish transmits. The caller
// owns encoding; PVN treats the variable as opaque (spec §3).
func (p *PVN) SetLocalVariable(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local[:0], b...)
}

// Publish is broadcast_now: transmit the current local variable. If the
// channel is offline, Publish transiently opens it, sends, and recloses
// (spec §4.1), so the caller need not special-case sleeping nodes.
func (p *PVN) Publish() error {
	p.mu.Lock()
	payload := append([]byte(nil), p.local...)
	p.mu.Unlock()

	wasOffline := !p.channel.Online()
	if wasOffline {
		if err := p.channel.Open(p.HandleFrame); err != nil {
			p.log.WithError(err).Warn("pvn: transient open for publish failed")
			return err
		}
	}
	err := p.channel.Send(payload)
	if err != nil {
		p.log.WithError(err).Warn("pvn: publish send failed")
	}
	if wasOffline {
		_ = p.channel.Close()
	}
	return err
}

// HandleFrame is the broadcast receive path (spec §4.1 "receive"). It is
// registered as the channel's handler by Open/Publish; tests may also call
// it directly to simulate an inbound frame without a real radio.
func (p *PVN) HandleFrame(senderID uint16, payload []byte) {
	if len(payload) != p.cfg.VariableSize {
		p.log.WithFields(logrus.Fields{
			"sender": senderID,
			"got":    len(payload),
			"want":   p.cfg.VariableSize,
		}).Warn("pvn: misrouted or malformed frame dropped")
		return
	}

	now := p.clk.Seconds()

	p.mu.Lock()
	existing, found := p.neighbors[senderID]
	if !found {
		if len(p.neighbors) >= p.cfg.MaxNeighbors {
			p.mu.Unlock()
			p.log.WithField("sender", senderID).Warn("pvn: neighbor table full, dropping new entry")
			return
		}
		e := &Entry{
			ID:                   senderID,
			LastKnownVariable:    append([]byte(nil), payload...),
			LastRefreshTimestamp: now,
		}
		p.neighbors[senderID] = e
		snapshot := *e
		p.mu.Unlock()
		if p.cfg.Callbacks.OnNew != nil {
			p.cfg.Callbacks.OnNew(snapshot)
		}
		return
	}

	changed := p.cfg.Compare(existing.LastKnownVariable, payload)
	existing.LastKnownVariable = append(existing.LastKnownVariable[:0], payload...)
	existing.LastRefreshTimestamp = now
	snapshot := *existing
	p.mu.Unlock()

	if changed && p.cfg.Callbacks.OnChange != nil {
		p.cfg.Callbacks.OnChange(snapshot)
	}
}

// Sweep evicts every neighbor entry older than MaxAge (spec §4.1
// "sweep"), using saturating subtraction so a node that just booted never
// mistakes "now < last_refresh" for ancient age.
func (p *PVN) Sweep() {
	now := p.clk.Seconds()

	p.mu.Lock()
	var evicted []Entry
	for id, e := range p.neighbors {
		if clock.SatSub(now, e.LastRefreshTimestamp) > p.cfg.MaxAge {
			evicted = append(evicted, *e)
			delete(p.neighbors, id)
		}
	}
	p.mu.Unlock()

	for _, e := range evicted {
		if p.cfg.Callbacks.OnDelete != nil {
			p.cfg.Callbacks.OnDelete(e)
		}
	}
}

// Neighbors returns a point-in-time snapshot of the current neighbor
// table. Spec §4.1 allows unspecified iteration order and forbids relying
// on a restartable live walk; a snapshot slice satisfies both without
// exposing PVN's internal map to mutation races.
func (p *PVN) Neighbors() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.neighbors))
	for _, e := range p.neighbors {
		out = append(out, *e)
	}
	return out
}

// Lookup returns the current entry for id, if any. MLST uses this to
// re-resolve its weak reference to the parent's neighbor entry on every
// access rather than holding an alias into the map (spec §3 "Ownership",
// §9 design note).
func (p *PVN) Lookup(id uint16) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.neighbors[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size returns the current neighborhood size.
func (p *PVN) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.neighbors)
}

// PVNState is a JSON-serializable snapshot of a PVN instance, the Go
// equivalent of the original's pvn_print_state diagnostic dump.
type PVNState struct {
	Online        bool `json:"online"`
	NeighborCount int  `json:"neighbor_count"`
}

// State returns a point-in-time snapshot for diagnostics (pkg/diag's
// /state endpoint).
func (p *PVN) State() PVNState {
	p.mu.Lock()
	n := len(p.neighbors)
	p.mu.Unlock()
	return PVNState{Online: p.channel.Online(), NeighborCount: n}
}
