package rsu

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/radio/sim"
	"github.com/dkrupke/mlst-mesh/pkg/wire"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.NextMsgDelay = 1 * time.Millisecond
	cfg.DelayOnFail = 1 * time.Millisecond
	cfg.MaxTries = 5
	return cfg
}

// TestRSU_RetryExhaustion is spec §8 scenario 6: a permanently broken link
// to the parent must produce exactly MaxTries+1 transmission attempts and
// failure-callback invocations, then drain the queue and sleep.
func TestRSU_RetryExhaustion(t *testing.T) {
	medium := sim.NewMedium()
	medium.SetFilter(func(from, to uint16, port int, payload []byte) bool {
		return false // every link is broken
	})

	cfg := testConfig()
	data := medium.NewUnicast(2, cfg.MessagingPort)
	ack := medium.NewUnicast(2, cfg.AcknowledgementPort)
	rnd := clock.NewFakeRandom(0)

	type failure struct {
		parent uint16
		tries  uint8
	}
	failures := make(chan failure, 16)

	r := New(cfg, data, ack, rnd, nil)
	r.SetFailureCallback(func(parentID uint16, tries uint8) {
		failures <- failure{parentID, tries}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.SetParent(1)
	r.AllowSleep()
	r.Send([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	for want := uint8(1); want <= cfg.MaxTries+1; want++ {
		select {
		case f := <-failures:
			assert.Equal(t, f.parent, uint16(1))
			assert.Equal(t, f.tries, want)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for failure callback #%d", want)
		}
	}

	select {
	case f := <-failures:
		t.Fatalf("unexpected extra failure callback: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Assert(t, pollUntil(t, func() bool { return !data.Online() }, time.Second),
		"rsu must close its channels once the drained queue allows sleep")
}

// TestRSU_DedupDoesNotReforwardAfterAckLoss is spec §8 scenario 5: if the
// ACK for a forwarded message is lost and the sender retries, the
// forwarder must ACK again but must not deliver the duplicate twice.
func TestRSU_DedupDoesNotReforwardAfterAckLoss(t *testing.T) {
	medium := sim.NewMedium()

	cfg := testConfig()
	const (
		nodeA    = 1
		nodeB    = 2
		nodeRoot = 3
	)

	ackDroppedOnce := false
	medium.SetFilter(func(from, to uint16, port int, payload []byte) bool {
		if port == cfg.AcknowledgementPort && from == nodeB && to == nodeA && !ackDroppedOnce {
			ackDroppedOnce = true
			return false
		}
		return true
	})

	// Node A is not a full RSU in this test; it only needs to send raw
	// envelopes and observe acks, so it is modelled as a bare endpoint pair.
	aData := medium.NewUnicast(nodeA, cfg.MessagingPort)
	acksSeen := make(chan struct{}, 8)
	aAck := medium.NewUnicast(nodeA, cfg.AcknowledgementPort)
	assert.NilError(t, aAck.Open(func(sender uint16, payload []byte) {
		acksSeen <- struct{}{}
	}))

	bData := medium.NewUnicast(nodeB, cfg.MessagingPort)
	bAck := medium.NewUnicast(nodeB, cfg.AcknowledgementPort)
	rndB := clock.NewFakeRandom(0.5)
	rsuB := New(cfg, bData, bAck, rndB, nil)

	rootData := medium.NewUnicast(nodeRoot, cfg.MessagingPort)
	rootAck := medium.NewUnicast(nodeRoot, cfg.AcknowledgementPort)
	rndRoot := clock.NewFakeRandom(0.5)
	rootCfg := cfg
	rootCfg.Root = true
	rsuRoot := New(rootCfg, rootData, rootAck, rndRoot, nil)

	delivered := make(chan []byte, 8)
	rsuRoot.SetNewMessageCallback(func(payload []byte) {
		delivered <- payload
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rsuB.Run(ctx)
	go rsuRoot.Run(ctx)

	// An RSU starts offline; B (a backbone forwarder) and the root never
	// sleep, so open their channels the way the MLST round loop does.
	rsuB.DisallowSleep()
	rsuRoot.DisallowSleep()
	rsuB.SetParent(nodeRoot)

	envelope := wire.EncodeEnvelope(7, []byte{0x42})

	assert.NilError(t, aData.Send(nodeB, envelope)) // first delivery, ack lost
	select {
	case payload := <-delivered:
		assert.DeepEqual(t, payload, []byte{0x42})
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery to root")
	}

	assert.NilError(t, aData.Send(nodeB, envelope)) // retransmit of the same envelope
	select {
	case <-acksSeen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retransmitted ack")
	}

	select {
	case payload := <-delivered:
		t.Fatalf("duplicate delivered to root application: %+v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func pollUntil(t *testing.T, cond func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
