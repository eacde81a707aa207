// Package wire defines the Channel and Mid-channel contracts every
// transport implementation (TCP, TLS, UNIX) must satisfy, plus the
// ChannelState tagged variant a connection-pair slot holds.
package wire

import (
	"errors"

	"github.com/atsika/forwarder/internal/reactor"
)

// ErrWouldBlock signals "not ready now, try again on next readiness". It is
// not a failure — callers must treat it as a no-op and keep waiting.
var ErrWouldBlock = errors.New("wire: would block")

// ErrDisconnected is returned from Recv when the peer closed its side
// cleanly. Fatal for the pair, but not logged as an unexpected failure.
var ErrDisconnected = errors.New("wire: disconnected")

// Channel is a live, bidirectional byte stream bound to one transport
// endpoint. Implementations MUST translate a would-block condition into
// (0, ErrWouldBlock) from Recv, never a hard failure.
type Channel interface {
	// Send attempts to write p; may be short. Returns ErrWouldBlock on a
	// transient condition, any other error is fatal.
	Send(p []byte) (n int, err error)
	// Recv reads into p. (n>0, nil) is data; (0, ErrDisconnected) means the
	// peer closed; (0, ErrWouldBlock) means no data ready yet.
	Recv(p []byte) (n int, err error)
	// Fd returns the pollable handle backing this channel.
	Fd() int
	// Register subscribes Fd() with the reactor under token.
	Register(r *reactor.Reactor, token uint64) error
	// Deregister removes Fd() from the reactor. Idempotent.
	Deregister(r *reactor.Reactor) error
	// Close releases the underlying descriptor.
	Close() error
}

// AdvanceResult tags the outcome of one Mid-channel.Advance call.
type AdvanceResult int

const (
	// Still means the handshake needs another readiness event.
	Still AdvanceResult = iota
	// Done means the handshake completed; Channel is now usable.
	Done
)

// MidChannel is a not-yet-usable channel awaiting handshake completion.
// Advance consumes the MidChannel by value: on Still the returned MidChannel
// is the one to keep polling; the old reference must be discarded.
type MidChannel interface {
	// Advance drives one step of the handshake. On fatal failure the
	// implementation MUST deregister its own descriptor before returning
	// the error — the engine cannot do it afterward because ownership of
	// the descriptor is gone.
	Advance(r *reactor.Reactor) (result AdvanceResult, done Channel, next MidChannel, err error)
	// Fd returns the pollable handle backing this mid-channel.
	Fd() int
	// Register subscribes Fd() with the reactor under token.
	Register(r *reactor.Reactor, token uint64) error
	// Deregister removes Fd() from the reactor. Idempotent.
	Deregister(r *reactor.Reactor) error
	// Close releases the underlying descriptor without completing the
	// handshake (used when the peer slot fails first).
	Close() error
}

// State is the tagged variant over one endpoint slot. Swapping is a
// placeholder that the engine never stores in a pair slot: Advance returns
// the next Channel or MidChannel by value and the engine writes it straight
// into the slot, so no in-between state is ever observed.
type State int

const (
	// Swapping is the placeholder state. It is the zero value of State, so a
	// zero Slot{} (as returned alongside ok=false or an error) reports it.
	Swapping State = iota
	// Pending holds a MidChannel awaiting handshake completion.
	Pending
	// Active holds a usable Channel.
	Active
	// Lost means the slot's descriptor is not registered with the reactor.
	Lost
)

func (s State) String() string {
	switch s {
	case Swapping:
		return "Swapping"
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Lost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// Slot is one endpoint position (L or S) of a connection pair. Exactly one
// of Mid/Ch is meaningful depending on State; the descriptor is not cached
// in the slot, Fd asks whichever of the two is live.
type Slot struct {
	State State
	Mid   MidChannel
	Ch    Channel
}

// NewPendingSlot wraps a freshly produced mid-channel.
func NewPendingSlot(m MidChannel) Slot { return Slot{State: Pending, Mid: m} }

// NewActiveSlot wraps a freshly produced, already-usable channel.
func NewActiveSlot(c Channel) Slot { return Slot{State: Active, Ch: c} }

// Fd returns the descriptor backing whichever half of the slot is live, or
// -1 if the slot is Lost/Swapping.
func (s Slot) Fd() int {
	switch s.State {
	case Pending:
		return s.Mid.Fd()
	case Active:
		return s.Ch.Fd()
	default:
		return -1
	}
}
