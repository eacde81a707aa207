package engine

import (
	"testing"

	"github.com/atsika/forwarder/internal/wire"
)

func TestPairDerivedState(t *testing.T) {
	cases := []struct {
		name     string
		l, s     wire.State
		expected derivedState
	}{
		{"both pending", wire.Pending, wire.Pending, stateHalf},
		{"l active only", wire.Active, wire.Pending, stateHalf},
		{"s active only", wire.Pending, wire.Active, stateHalf},
		{"both active", wire.Active, wire.Active, stateBoth},
		{"l lost", wire.Lost, wire.Active, stateDead},
		{"s lost", wire.Active, wire.Lost, stateDead},
		{"both lost", wire.Lost, wire.Lost, stateDead},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &pair{slots: [2]wire.Slot{
				SideL: {State: c.l},
				SideS: {State: c.s},
			}}
			if got := p.derived(); got != c.expected {
				t.Errorf("derived() = %v, want %v", got, c.expected)
			}
		})
	}
}

func TestNewPairTokensAndBuffer(t *testing.T) {
	p := newPair(7, wire.Slot{State: wire.Pending}, wire.Slot{State: wire.Pending}, 4096)
	if p.token(SideL) != 14 || p.token(SideS) != 15 {
		t.Errorf("tokens = (%d, %d), want (14, 15)", p.token(SideL), p.token(SideS))
	}
	if len(p.buf) != 4096 {
		t.Errorf("len(buf) = %d, want 4096", len(p.buf))
	}
	if p.createdAt.IsZero() {
		t.Error("createdAt not set")
	}
}

func TestPairBothBytes(t *testing.T) {
	p := newPair(1, wire.Slot{}, wire.Slot{}, 16)
	p.bytesLToS.Add(10)
	p.bytesSToL.Add(20)
	lToS, sToL := p.bothBytes()
	if lToS != 10 || sToL != 20 {
		t.Errorf("bothBytes() = (%d, %d), want (10, 20)", lToS, sToL)
	}
}

func TestSetSlot(t *testing.T) {
	p := newPair(1, wire.Slot{State: wire.Pending}, wire.Slot{State: wire.Pending}, 16)
	p.setSlot(SideL, wire.Slot{State: wire.Active})
	if p.slot(SideL).State != wire.Active {
		t.Errorf("slot(SideL).State = %v, want Active", p.slot(SideL).State)
	}
	if p.slot(SideS).State != wire.Pending {
		t.Errorf("slot(SideS).State should be untouched")
	}
}
