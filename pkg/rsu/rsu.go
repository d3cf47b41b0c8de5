// Package rsu implements Reliable Sleep-Enabled Unicast (spec §4.3): a
// hop-by-hop retrying unicast transport with ACKs, a FIFO send queue, a
// per-sender sequence-number dedup history, and a sleep gate tied to the
// caller's leaf/backbone status.
//
// All mutable state is owned by the single goroutine running Run; every
// other method only posts an event onto an internal channel (spec §5:
// "single-threaded cooperative... no shared state needs locks").
package rsu

import (
	"container/list"
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/history"
	"github.com/dkrupke/mlst-mesh/pkg/radio"
	"github.com/dkrupke/mlst-mesh/pkg/wire"
)

// Config parameterizes an RSU instance (spec §6 configuration table).
type Config struct {
	MessagingPort       int
	AcknowledgementPort int
	Timeout             time.Duration
	NextMsgDelay        time.Duration
	DelayOnFail         time.Duration
	MaxTries            uint8
	HistoryCapacity     int
	// Root marks this RSU as the sink: inbound data is delivered to the
	// new-message callback instead of being re-enqueued upstream.
	Root bool
}

// DefaultConfig mirrors spec §6's default column.
func DefaultConfig() Config {
	return Config{
		MessagingPort:       181,
		AcknowledgementPort: 182,
		Timeout:             200 * time.Millisecond,
		NextMsgDelay:        10 * time.Millisecond,
		DelayOnFail:         100 * time.Millisecond,
		MaxTries:            5,
		HistoryCapacity:     history.DefaultCapacity,
	}
}

// FailureFunc is invoked once per exhausted ACK wait, with the current
// parent and the element's try count so far (spec §6: rsunicast_set_failure_callback).
type FailureFunc func(parentID uint16, tries uint8)

// NewMessageFunc is invoked at the root for every distinct inbound
// datagram (spec §6: rsunicast_set_new_message_callback).
type NewMessageFunc func(payload []byte)

type queueElement struct {
	envelope []byte
	tries    uint8
}

type inboundFrame struct {
	sender  uint16
	payload []byte
}

type timerRole int

const (
	roleNone timerRole = iota
	roleSend
	roleAck
)

// RSU is one node's reliable unicast transport. Construct with New, install
// any callbacks, then run its event loop with Run before calling any other
// method.
type RSU struct {
	cfg  Config
	data radio.Unicast
	ack  radio.Unicast
	rnd  clock.Random
	hist *history.Cache
	log  logrus.FieldLogger

	failureCB FailureFunc
	newMsgCB  NewMessageFunc

	sendReqCh   chan []byte
	dataFrameCh chan inboundFrame
	ackFrameCh  chan inboundFrame
	setParentCh chan uint16
	setSleepCh  chan bool
	stateReqCh  chan chan RSUState

	// Owned exclusively by the Run goroutine from here down.
	queue      *list.List
	parent     uint16
	seq        uint8
	allowSleep bool
	online     bool
	timer      *time.Timer
	role       timerRole
}

// New constructs an RSU bound to the given data and ack unicast channels.
func New(cfg Config, data, ack radio.Unicast, rnd clock.Random, log logrus.FieldLogger) *RSU {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = history.DefaultCapacity
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &RSU{
		cfg:         cfg,
		data:        data,
		ack:         ack,
		rnd:         rnd,
		hist:        history.New(cfg.HistoryCapacity),
		log:         log.WithField("component", "rsu"),
		sendReqCh:   make(chan []byte),
		dataFrameCh: make(chan inboundFrame),
		ackFrameCh:  make(chan inboundFrame),
		setParentCh: make(chan uint16),
		setSleepCh:  make(chan bool),
		stateReqCh:  make(chan chan RSUState),
		queue:       list.New(),
		timer:       t,
	}
}

// SetFailureCallback installs fn. Must be called before Run starts.
func (r *RSU) SetFailureCallback(fn FailureFunc) { r.failureCB = fn }

// SetNewMessageCallback installs fn (root only). Must be called before Run
// starts.
func (r *RSU) SetNewMessageCallback(fn NewMessageFunc) { r.newMsgCB = fn }

// Send enqueues payload for delivery toward the current parent (spec
// §4.3 rsu_send). Safe to call from any goroutine once Run is running.
func (r *RSU) Send(payload []byte) {
	r.sendReqCh <- payload
}

// SetParent updates the unicast destination for future sends. It does not
// itself trigger transmission (spec §4.3).
func (r *RSU) SetParent(id uint16) {
	r.setParentCh <- id
}

// AllowSleep permits RSU to go offline once its queue drains.
func (r *RSU) AllowSleep() {
	r.setSleepCh <- true
}

// DisallowSleep forbids sleeping, waking RSU immediately if it was
// offline.
func (r *RSU) DisallowSleep() {
	r.setSleepCh <- false
}

// RSUState is a JSON-serializable snapshot of an RSU instance, the Go
// equivalent of the original's rsunicast_print_state diagnostic dump.
type RSUState struct {
	Parent     uint16 `json:"parent"`
	QueueLen   int    `json:"queue_len"`
	Online     bool   `json:"online"`
	AllowSleep bool   `json:"allow_sleep"`
}

// State returns a point-in-time snapshot for diagnostics (pkg/diag's
// /state endpoint). Safe to call from any goroutine once Run is running.
func (r *RSU) State() RSUState {
	resp := make(chan RSUState, 1)
	r.stateReqCh <- resp
	return <-resp
}

// Run drives the RSU event loop until ctx is cancelled. It must run in its
// own goroutine for the lifetime of the RSU.
func (r *RSU) Run(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		if r.role != roleNone {
			timerC = r.timer.C
		}
		select {
		case <-ctx.Done():
			return
		case payload := <-r.sendReqCh:
			r.onSend(payload)
		case id := <-r.setParentCh:
			r.parent = id
		case allow := <-r.setSleepCh:
			r.allowSleep = allow
			if allow {
				if r.queue.Len() == 0 {
					r.closeChannels()
				}
			} else if !r.online {
				r.openChannels()
			}
		case f := <-r.dataFrameCh:
			r.onDataRx(f.sender, f.payload)
		case f := <-r.ackFrameCh:
			r.onAckRx(f.sender)
		case resp := <-r.stateReqCh:
			resp <- RSUState{
				Parent:     r.parent,
				QueueLen:   r.queue.Len(),
				Online:     r.online,
				AllowSleep: r.allowSleep,
			}
		case <-timerC:
			role := r.role
			r.role = roleNone
			if role == roleSend {
				r.transmitHead()
			} else if role == roleAck {
				r.onAckTimeout()
			}
		}
	}
}

func (r *RSU) jitteredDelay() time.Duration {
	factor := r.rnd.Float(0.5, 1.0)
	return time.Duration(float64(r.cfg.NextMsgDelay) * factor)
}

func (r *RSU) backoffDelay(tries uint8) time.Duration {
	factor := r.rnd.Float(0, 1)
	t := float64(tries)
	return time.Duration(float64(r.cfg.DelayOnFail) * t * t * factor)
}

func (r *RSU) armTimer(d time.Duration, role timerRole) {
	r.stopTimer()
	r.timer.Reset(d)
	r.role = role
}

func (r *RSU) disarmTimer() {
	r.stopTimer()
	r.role = roleNone
}

func (r *RSU) stopTimer() {
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
}

func (r *RSU) openChannels() {
	if r.online {
		return
	}
	if err := r.data.Open(r.deliverDataFrame); err != nil {
		r.log.WithError(err).Warn("rsu: open data channel failed")
	}
	if err := r.ack.Open(r.deliverAckFrame); err != nil {
		r.log.WithError(err).Warn("rsu: open ack channel failed")
	}
	r.online = true
}

func (r *RSU) closeChannels() {
	if !r.online {
		return
	}
	_ = r.data.Close()
	_ = r.ack.Close()
	r.online = false
}

// deliverDataFrame/deliverAckFrame are the actual radio callbacks; they
// only forward the frame onto the event loop so every state mutation
// happens on the owning goroutine.
func (r *RSU) deliverDataFrame(sender uint16, payload []byte) {
	r.dataFrameCh <- inboundFrame{sender, append([]byte(nil), payload...)}
}

func (r *RSU) deliverAckFrame(sender uint16, payload []byte) {
	r.ackFrameCh <- inboundFrame{sender, append([]byte(nil), payload...)}
}

func (r *RSU) onSend(payload []byte) {
	envelope := wire.EncodeEnvelope(r.seq, payload)
	r.seq++
	wasEmpty := r.queue.Len() == 0
	if !r.online {
		r.openChannels()
	}
	r.queue.PushBack(&queueElement{envelope: envelope})
	if wasEmpty {
		r.armTimer(r.jitteredDelay(), roleSend)
	}
}

func (r *RSU) transmitHead() {
	if r.queue.Len() == 0 {
		return
	}
	head := r.queue.Front().Value.(*queueElement)
	if r.parent == wire.UndefinedID {
		r.armTimer(r.jitteredDelay(), roleSend)
		return
	}
	if err := r.data.Send(r.parent, head.envelope); err != nil {
		r.log.WithError(err).Warn("rsu: unicast send failed")
	}
	head.tries++
	r.armTimer(r.cfg.Timeout, roleAck)
}

func (r *RSU) onAckRx(senderID uint16) {
	if r.queue.Len() == 0 {
		r.log.WithField("sender", senderID).Debug("rsu: unsolicited ack ignored")
		return
	}
	r.disarmTimer()
	r.queue.Remove(r.queue.Front())
	r.afterHeadRemoved()
}

func (r *RSU) onAckTimeout() {
	if r.queue.Len() == 0 {
		return
	}
	head := r.queue.Front().Value.(*queueElement)
	if r.failureCB != nil {
		r.failureCB(r.parent, head.tries)
	}
	if head.tries > r.cfg.MaxTries {
		r.queue.Remove(r.queue.Front())
		r.afterHeadRemoved()
		return
	}
	r.armTimer(r.backoffDelay(head.tries), roleSend)
}

func (r *RSU) afterHeadRemoved() {
	if r.queue.Len() > 0 {
		r.armTimer(r.jitteredDelay(), roleSend)
		return
	}
	if r.allowSleep {
		r.closeChannels()
	}
}

func (r *RSU) onDataRx(senderID uint16, frame []byte) {
	seqNo, payload, ok := wire.DecodeEnvelope(frame)
	if !ok {
		r.log.WithField("sender", senderID).Warn("rsu: empty data frame dropped")
		return
	}
	if err := r.ack.Send(senderID, []byte{wire.AckByte}); err != nil {
		r.log.WithError(err).Warn("rsu: ack send failed")
	}

	if r.cfg.Root {
		if !r.hist.Seen(senderID, seqNo) {
			r.hist.Record(senderID, seqNo)
			if r.newMsgCB != nil {
				r.newMsgCB(payload)
			}
		}
		return
	}

	if r.hist.Seen(senderID, seqNo) {
		return
	}
	r.hist.Record(senderID, seqNo)
	r.onSend(payload)
}
