package udpradio

import (
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/radio"
)

// Broadcast implements radio.Broadcast over a UDP socket bound to port on
// all IPv4 interfaces, sending to a broadcast address (typically a
// subnet's .255 address). PVN is its only caller.
type Broadcast struct {
	localID uint16
	port    int
	dest    *net.UDPAddr
	buf     *radio.PacketBuf
	log     logrus.FieldLogger

	mu      sync.Mutex
	conn    *net.UDPConn
	handler radio.BroadcastHandler
}

// NewBroadcast returns a Broadcast listening on 0.0.0.0:port and sending to
// broadcastAddr:port. bindAddr is not used: Open always binds the
// unspecified IPv4 address. buf is the node's
// single shared packet-staging buffer (spec §6); callers typically pass
// the same *radio.PacketBuf given to the node's Unicast channels, modeling
// the one physical radio buffer PVN and RSU take turns filling.
func NewBroadcast(localID uint16, bindAddr, broadcastAddr string, port int, buf *radio.PacketBuf, log logrus.FieldLogger) (*Broadcast, error) {
	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &Broadcast{
		localID: localID,
		port:    port,
		dest:    dest,
		buf:     buf,
		log:     fieldLogger(log, "udpradio.broadcast", port),
	}, nil
}

// Open implements radio.Broadcast.
func (b *Broadcast) Open(handler radio.BroadcastHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: b.port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	if err := setSocketOptions(conn, true); err != nil {
		conn.Close()
		return err
	}
	b.conn = conn
	b.handler = handler
	go b.receiveLoop(conn)
	return nil
}

// Close implements radio.Broadcast.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.handler = nil
	return err
}

// Online implements radio.Broadcast.
func (b *Broadcast) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Send implements radio.Broadcast, transiently opening the socket if it
// is currently closed (spec §4.1).
func (b *Broadcast) Send(payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	wasClosed := conn == nil
	b.mu.Unlock()

	if wasClosed {
		if err := b.Open(nil); err != nil {
			return err
		}
		defer b.Close()
		b.mu.Lock()
		conn = b.conn
		b.mu.Unlock()
	}

	frame := b.buf.Fill(encodeID(b.localID, payload))
	_, err := conn.WriteToUDP(frame, b.dest)
	b.buf.Release()
	return err
}

// FD returns the underlying socket's file descriptor, or -1 if closed.
func (b *Broadcast) FD() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return -1
	}
	return fd(b.conn)
}

func (b *Broadcast) receiveLoop(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		senderID, payload, ok := decodeID(buf[:n])
		if !ok {
			b.log.Warn("udpradio: short frame dropped")
			continue
		}
		if senderID == b.localID {
			continue
		}
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(senderID, append([]byte(nil), payload...))
		}
	}
}
