package engine

import (
	"sync/atomic"
	"time"

	"github.com/atsika/forwarder/internal/wire"
)

// derivedState is the pair-level state derived from its two slots.
type derivedState int

const (
	// stateHalf: no slot Lost and at most one Active (one Active and one
	// Pending, or both still Pending).
	stateHalf derivedState = iota
	// stateBoth: both slots Active — relay is enabled.
	stateBoth
	// stateDead: either slot Lost, or disconnect observed.
	stateDead
)

// pair is the forwarder's unit of work: one accepted inbound stream bound to
// one outbound connection. It is mutated exclusively by the engine's single
// goroutine; no locking is required.
type pair struct {
	id     uint64
	slots  [2]wire.Slot // indexed by Side
	tokens [2]uint64

	buf []byte // relay buffer, length client_buffer_size, owned exclusively by this pair

	bytesLToS atomic.Uint64
	bytesSToL atomic.Uint64

	createdAt time.Time
}

func newPair(id uint64, l, s wire.Slot, bufSize int) *pair {
	return &pair{
		id:        id,
		slots:     [2]wire.Slot{SideL: l, SideS: s},
		tokens:    [2]uint64{SideL: tokenFor(id, SideL), SideS: tokenFor(id, SideS)},
		buf:       make([]byte, bufSize),
		createdAt: time.Now(),
	}
}

func (p *pair) slot(side Side) wire.Slot     { return p.slots[side] }
func (p *pair) setSlot(side Side, s wire.Slot) { p.slots[side] = s }
func (p *pair) token(side Side) uint64       { return p.tokens[side] }

// derived computes the pair's HALF/BOTH/DEAD state from its two slots.
func (p *pair) derived() derivedState {
	l, s := p.slots[SideL].State, p.slots[SideS].State
	if l == wire.Lost || s == wire.Lost {
		return stateDead
	}
	if l == wire.Active && s == wire.Active {
		return stateBoth
	}
	return stateHalf
}

// bothBytes reports the byte counters for testability.
func (p *pair) bothBytes() (lToS, sToL uint64) {
	return p.bytesLToS.Load(), p.bytesSToL.Load()
}
