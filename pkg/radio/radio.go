// Package radio defines the broadcast/unicast channel adapters that PVN and
// RSU are built on (spec §6: broadcast_open/send/close, unicast_open/send/close,
// a shared packet buffer). The protocol logic never talks to a socket
// directly — it only ever sees these two small interfaces, so tests can run
// many nodes over an in-memory medium (pkg/radio/sim) instead of real UDP.
package radio

import "errors"

// ErrClosed is returned by Send when the channel is not open.
var ErrClosed = errors.New("radio: channel is closed")

// BroadcastHandler is invoked for every inbound broadcast frame, with the
// 16-bit sender id already decoded from the link address (spec §3: "Each
// node has a stable 16-bit identifier derived from its link-layer address").
type BroadcastHandler func(senderID uint16, payload []byte)

// UnicastHandler is invoked for every inbound unicast frame.
type UnicastHandler func(senderID uint16, payload []byte)

// Broadcast is a one-hop broadcast channel bound to a single logical port.
// PVN is the only user.
type Broadcast interface {
	// Open transitions the channel offline->online and begins delivering
	// inbound frames to handler. Open on an already-open channel is a no-op.
	Open(handler BroadcastHandler) error
	// Close transitions online->offline. Close on an already-closed channel
	// is a no-op.
	Close() error
	// Online reports whether the channel currently accepts Send/receives.
	Online() bool
	// Send transmits payload to all one-hop neighbors. The caller may call
	// Send while offline; implementations must transiently open, send, and
	// reclose (spec §4.1: "may temporarily reopen a closed channel to send").
	Send(payload []byte) error
}

// Unicast is a point-to-point channel bound to a single logical port. RSU
// uses two independent instances: one for data, one for ACKs.
type Unicast interface {
	Open(handler UnicastHandler) error
	Close() error
	Online() bool
	// Send transmits payload to the single neighbor identified by to.
	Send(to uint16, payload []byte) error
}
