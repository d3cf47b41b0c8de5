package pvn

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/radio/sim"
)

func newTestPVN(t *testing.T, medium *sim.Medium, id uint16, clk clock.Clock, cb Callbacks) *PVN {
	t.Helper()
	ch := medium.NewBroadcast(id, 154)
	p := New(Config{
		Port:         154,
		VariableSize: 4,
		MaxAge:       15,
		Callbacks:    cb,
	}, ch, clk, nil)
	assert.NilError(t, p.Open())
	return p
}

func TestPVN_IdempotentNew(t *testing.T) {
	medium := sim.NewMedium()
	fc := clock.NewFake(0)

	var newCount, changeCount int
	p := newTestPVN(t, medium, 1, fc, Callbacks{
		OnNew:    func(Entry) { newCount++ },
		OnChange: func(Entry) { changeCount++ },
	})
	defer p.Close()

	payload := []byte{1, 2, 3, 4}
	p.HandleFrame(2, payload)
	p.HandleFrame(2, payload)
	p.HandleFrame(2, payload)

	assert.Equal(t, newCount, 1)
	assert.Equal(t, changeCount, 0)
	assert.Equal(t, p.Size(), 1)
}

func TestPVN_ChangeFiresOnDifferentBytes(t *testing.T) {
	medium := sim.NewMedium()
	fc := clock.NewFake(0)

	var changeCount int
	p := newTestPVN(t, medium, 1, fc, Callbacks{
		OnChange: func(Entry) { changeCount++ },
	})
	defer p.Close()

	p.HandleFrame(2, []byte{0, 0, 0, 0})
	p.HandleFrame(2, []byte{1, 0, 0, 0})
	p.HandleFrame(2, []byte{1, 0, 0, 0})

	assert.Equal(t, changeCount, 1)
}

func TestPVN_SweepEvictsOnlyStaleEntries(t *testing.T) {
	medium := sim.NewMedium()
	fc := clock.NewFake(0)

	var deleted []uint16
	p := newTestPVN(t, medium, 1, fc, Callbacks{
		OnDelete: func(e Entry) { deleted = append(deleted, e.ID) },
	})
	defer p.Close()

	p.HandleFrame(2, []byte{0, 0, 0, 0})
	fc.Advance(10)
	p.HandleFrame(3, []byte{0, 0, 0, 0}) // refreshed at t=10
	fc.Advance(10)                       // t=20: neighbor 2 is 20s old, neighbor 3 is 10s old

	p.Sweep()

	assert.DeepEqual(t, deleted, []uint16{2})
	assert.Equal(t, p.Size(), 1)
	_, ok := p.Lookup(3)
	assert.Assert(t, ok)
}

func TestPVN_MalformedFrameDropped(t *testing.T) {
	medium := sim.NewMedium()
	fc := clock.NewFake(0)

	var newCount int
	p := newTestPVN(t, medium, 1, fc, Callbacks{OnNew: func(Entry) { newCount++ }})
	defer p.Close()

	p.HandleFrame(2, []byte{1, 2, 3})
	assert.Equal(t, newCount, 0)
	assert.Equal(t, p.Size(), 0)
}

func TestPVN_PublishTransientlyOpensWhenOffline(t *testing.T) {
	medium := sim.NewMedium()
	fcA := clock.NewFake(0)
	fcB := clock.NewFake(0)

	var received []byte
	pA := newTestPVN(t, medium, 1, fcA, Callbacks{})
	pB := newTestPVN(t, medium, 2, fcB, Callbacks{
		OnNew: func(e Entry) { received = e.LastKnownVariable },
	})
	defer pA.Close()
	defer pB.Close()

	assert.NilError(t, pA.Close())
	assert.Assert(t, !pA.Online())

	pA.SetLocalVariable([]byte{7, 0, 0, 0})
	assert.NilError(t, pA.Publish())

	assert.Assert(t, !pA.Online(), "publish must reclose a transiently opened channel")
	assert.DeepEqual(t, received, []byte{7, 0, 0, 0})
}
