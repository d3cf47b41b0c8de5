// Package udpradio implements pkg/radio's Broadcast and Unicast channels
// over real UDP sockets, the production analog of pkg/radio/sim's
// in-memory medium. A node's 16-bit id is not recoverable from a UDP
// socket the way the original firmware recovers it from a link-layer
// address, so every frame carries an explicit 2-byte little-endian id
// header that the channel strips on receive and adds on send.
package udpradio

import (
	"fmt"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// idHeaderSize is the length, in bytes, of the sender-id prefix every
// frame carries on the wire.
const idHeaderSize = 2

func encodeID(id uint16, payload []byte) []byte {
	out := make([]byte, idHeaderSize+len(payload))
	out[0] = byte(id)
	out[1] = byte(id >> 8)
	copy(out[idHeaderSize:], payload)
	return out
}

func decodeID(frame []byte) (uint16, []byte, bool) {
	if len(frame) < idHeaderSize {
		return 0, nil, false
	}
	id := uint16(frame[0]) | uint16(frame[1])<<8
	return id, frame[idHeaderSize:], true
}

// PeerTable maps node ids to the UDP address they listen on. It is built
// once from static configuration (spec §6 has no neighbor-discovery
// mechanism) and read concurrently by every channel a node opens.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[uint16]*net.UDPAddr
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[uint16]*net.UDPAddr)}
}

// Set records host (an IP literal or a resolvable name) as the address id
// listens on. No port is stored: Lookup adds the port, so one PeerTable
// serves every logical port (messaging, acknowledgement).
func (t *PeerTable) Set(id uint16, host string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return fmt.Errorf("udpradio: resolving host for node %d: %w", id, err)
		}
		ip = resolved.IP
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = &net.UDPAddr{IP: ip}
	return nil
}

// Lookup returns the address for id with port set, or false if id is
// unknown.
func (t *PeerTable) Lookup(id uint16, port int) (*net.UDPAddr, bool) {
	t.mu.RLock()
	base, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &net.UDPAddr{IP: base.IP, Port: port}, true
}

// setSocketOptions enables SO_REUSEADDR, and SO_BROADCAST when broadcast is
// true, on conn's underlying file descriptor, matching the teacher's pattern of reaching
// past net.Conn via SyscallConn to touch raw socket state (sockstats.go,
// wrap.go gatherAndReport).
func setSocketOptions(conn *net.UDPConn, broadcast bool) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		if broadcast {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// fd returns conn's raw file descriptor for diagnostics, via the same
// netfd helper the teacher's exporter uses to key connections by fd
// rather than duplicating the runtime's internal poller bookkeeping.
func fd(conn *net.UDPConn) int {
	return netfd.GetFdFromConn(conn)
}

func fieldLogger(log logrus.FieldLogger, component string, port int) logrus.FieldLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("component", component).WithField("port", port)
}
