package udpradio

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/radio"
)

// Unicast implements radio.Unicast over a UDP socket bound to port,
// resolving destinations through a shared PeerTable. RSU opens two
// independent instances (data, acknowledgement) on two different ports.
type Unicast struct {
	localID uint16
	port    int
	peers   *PeerTable
	buf     *radio.PacketBuf
	log     logrus.FieldLogger

	mu      sync.Mutex
	conn    *net.UDPConn
	handler radio.UnicastHandler
}

// NewUnicast returns a Unicast bound to port, resolving peer addresses
// through peers. buf is the node's single shared packet-staging buffer
// (spec §6); RSU opens two Unicast instances (data, ack) that are expected
// to share the same buf, along with the node's Broadcast channel.
func NewUnicast(localID uint16, port int, peers *PeerTable, buf *radio.PacketBuf, log logrus.FieldLogger) *Unicast {
	return &Unicast{
		localID: localID,
		port:    port,
		peers:   peers,
		buf:     buf,
		log:     fieldLogger(log, "udpradio.unicast", port),
	}
}

// Open implements radio.Unicast.
func (u *Unicast) Open(handler radio.UnicastHandler) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: u.port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	if err := setSocketOptions(conn, false); err != nil {
		conn.Close()
		return err
	}
	u.conn = conn
	u.handler = handler
	go u.receiveLoop(conn)
	return nil
}

// Close implements radio.Unicast.
func (u *Unicast) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	u.handler = nil
	return err
}

// Online implements radio.Unicast.
func (u *Unicast) Online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// Send implements radio.Unicast, transiently opening the socket if it is
// currently closed (spec §4.1; RSU sleeps its data channel but must still
// be able to send a re-forwarded frame).
func (u *Unicast) Send(to uint16, payload []byte) error {
	addr, ok := u.peers.Lookup(to, u.port)
	if !ok {
		return fmt.Errorf("udpradio: no known address for node %d", to)
	}

	u.mu.Lock()
	conn := u.conn
	wasClosed := conn == nil
	u.mu.Unlock()

	if wasClosed {
		if err := u.Open(nil); err != nil {
			return err
		}
		defer u.Close()
		u.mu.Lock()
		conn = u.conn
		u.mu.Unlock()
	}

	frame := u.buf.Fill(encodeID(u.localID, payload))
	_, err := conn.WriteToUDP(frame, addr)
	u.buf.Release()
	return err
}

// FD returns the underlying socket's file descriptor, or -1 if closed.
func (u *Unicast) FD() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return -1
	}
	return fd(u.conn)
}

func (u *Unicast) receiveLoop(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		senderID, payload, ok := decodeID(buf[:n])
		if !ok {
			u.log.Warn("udpradio: short frame dropped")
			continue
		}
		if senderID == u.localID {
			continue
		}
		u.mu.Lock()
		handler := u.handler
		u.mu.Unlock()
		if handler != nil {
			handler(senderID, append([]byte(nil), payload...))
		}
	}
}
