// Package sim provides an in-memory broadcast/unicast medium implementing
// pkg/radio's interfaces, so that full multi-node scenarios (spec §8) can
// run deterministically in a single test process instead of over real
// sockets. Delivery is synchronous (the sender's Send call invokes every
// reachable receiver's handler directly) so tests never race against
// background goroutines; handlers themselves must stay non-blocking, the
// same constraint the real radio callback imposes.
package sim

import (
	"sync"

	"github.com/dkrupke/mlst-mesh/pkg/radio"
)

// Filter decides whether a frame from->to on port should be delivered.
// Returning false drops the frame silently, modelling a lossy or
// out-of-range link. It is called once per (sender, receiver) pair for
// broadcasts and once for unicasts.
type Filter func(from, to uint16, port int, payload []byte) bool

// Medium is a shared virtual radio medium. Nodes register broadcast and
// unicast endpoints on it via NewBroadcast/NewUnicast.
type Medium struct {
	mu         sync.Mutex
	broadcasts map[int]map[uint16]*broadcastChan
	unicasts   map[int]map[uint16]*unicastChan
	filter     Filter
}

// NewMedium returns an empty medium that delivers to every registered,
// online peer (full mesh) unless SetFilter narrows that.
func NewMedium() *Medium {
	return &Medium{
		broadcasts: make(map[int]map[uint16]*broadcastChan),
		unicasts:   make(map[int]map[uint16]*unicastChan),
	}
}

// SetFilter installs a reachability/loss predicate. Pass nil to restore the
// default full-mesh, lossless behaviour.
func (m *Medium) SetFilter(f Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

func (m *Medium) allowed(from, to uint16, port int, payload []byte) bool {
	m.mu.Lock()
	f := m.filter
	m.mu.Unlock()
	if f == nil {
		return true
	}
	return f(from, to, port, payload)
}

// NewBroadcast registers nodeID on the given broadcast port and returns its
// radio.Broadcast view.
func (m *Medium) NewBroadcast(nodeID uint16, port int) radio.Broadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcasts[port] == nil {
		m.broadcasts[port] = make(map[uint16]*broadcastChan)
	}
	c := &broadcastChan{medium: m, id: nodeID, port: port}
	m.broadcasts[port][nodeID] = c
	return c
}

// NewUnicast registers nodeID on the given unicast port and returns its
// radio.Unicast view.
func (m *Medium) NewUnicast(nodeID uint16, port int) radio.Unicast {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unicasts[port] == nil {
		m.unicasts[port] = make(map[uint16]*unicastChan)
	}
	c := &unicastChan{medium: m, id: nodeID, port: port}
	m.unicasts[port][nodeID] = c
	return c
}

type broadcastChan struct {
	medium  *Medium
	id      uint16
	port    int
	mu      sync.Mutex
	online  bool
	handler radio.BroadcastHandler
}

func (c *broadcastChan) Open(handler radio.BroadcastHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.online = true
	return nil
}

func (c *broadcastChan) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = false
	return nil
}

func (c *broadcastChan) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *broadcastChan) Send(payload []byte) error {
	c.medium.mu.Lock()
	peers := c.medium.broadcasts[c.port]
	var targets []*broadcastChan
	for id, peer := range peers {
		if id == c.id {
			continue
		}
		targets = append(targets, peer)
	}
	c.medium.mu.Unlock()

	frame := append([]byte(nil), payload...)
	for _, peer := range targets {
		peer.mu.Lock()
		online, handler := peer.online, peer.handler
		peer.mu.Unlock()
		if !online || handler == nil {
			continue
		}
		if !c.medium.allowed(c.id, peer.id, c.port, frame) {
			continue
		}
		handler(c.id, frame)
	}
	return nil
}

type unicastChan struct {
	medium  *Medium
	id      uint16
	port    int
	mu      sync.Mutex
	online  bool
	handler radio.UnicastHandler
}

func (c *unicastChan) Open(handler radio.UnicastHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.online = true
	return nil
}

func (c *unicastChan) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = false
	return nil
}

func (c *unicastChan) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *unicastChan) Send(to uint16, payload []byte) error {
	c.medium.mu.Lock()
	peer := c.medium.unicasts[c.port][to]
	c.medium.mu.Unlock()
	if peer == nil {
		return nil // no such neighbor on the medium; packet is simply lost
	}

	peer.mu.Lock()
	online, handler := peer.online, peer.handler
	peer.mu.Unlock()
	if !online || handler == nil {
		return nil
	}
	if !c.medium.allowed(c.id, to, c.port, payload) {
		return nil
	}

	frame := append([]byte(nil), payload...)
	handler(c.id, frame)
	return nil
}
