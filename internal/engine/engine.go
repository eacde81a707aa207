// Package engine implements the forwarder's core: the connection table, the
// per-pair state machine, and the readiness-driven relay loop.
package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/atsika/forwarder/internal/endpoint"
	"github.com/atsika/forwarder/internal/metrics"
	"github.com/atsika/forwarder/internal/reactor"
	"github.com/atsika/forwarder/internal/wire"
	"golang.org/x/sys/unix"
)

// wakeToken is the reserved token for the shared wakeup eventfd: both the
// janitor's timer and any listener's handshake-completion Notify callback
// pulse the same fd under this token. It can never collide with a pair
// token: pair tokens are 2*conn_id(+1) with conn_id starting at 1, so the
// smallest pair token is 2 (tok_L) / 3 (tok_S).
const wakeToken uint64 = 1

// Config holds the engine-wide tunables exposed as CLI flags.
type Config struct {
	Capacity         int           // initial connection-table capacity
	EventBufferSize  int           // per-poll event batch size
	ClientBufferSize int           // per-pair relay buffer bytes
	HandshakeTimeout time.Duration // 0 disables the janitor sweep
	JanitorInterval  time.Duration
}

// Engine owns the notifier, the connection table, and every pair. It runs
// entirely on the goroutine that calls Run; no locking is used internally
// because no other goroutine touches the table.
type Engine struct {
	cfg       Config
	reactor   *reactor.Reactor
	listener  endpoint.Listener
	connector endpoint.Connector
	metrics   metrics.Metrics
	logger    *log.Logger

	table  map[uint64]*pair
	nextID uint64

	wakeFD      int
	stop        chan struct{}
	sweepResult chan int
}

// NewWakeFD creates an eventfd suitable for interrupting an Engine's blocked
// epoll_wait from outside its own goroutine. Callers that need to notify the
// engine from elsewhere (e.g. a Listener's background TLS handshake
// goroutine, via ListenerConfig.Notify) create one of these before
// constructing both the Listener and the Engine, and share it between them.
func NewWakeFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("engine: eventfd: %w", err)
	}
	return fd, nil
}

// Notify pulses wakeFD, interrupting a blocked Run call's epoll_wait so it
// re-evaluates any pending slots immediately rather than waiting on the next
// unrelated readiness edge.
func Notify(wakeFD int) {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(wakeFD, buf[:])
}

// New constructs an Engine. The listener and connector are expected to
// already be built (via endpoint.NewListener/NewConnector) by the caller
// (cmd/forwarder), keeping this package free of any knowledge of transport
// family names. wakeFD is an eventfd from NewWakeFD, already shared with any
// listener whose Notify callback needs to wake this engine.
func New(cfg Config, ln endpoint.Listener, conn endpoint.Connector, m metrics.Metrics, logger *log.Logger, wakeFD int) (*Engine, error) {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 2048
	}
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = 8192
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2048
	}
	if logger == nil {
		logger = log.Default()
	}
	if m == nil {
		m = metrics.NewDefault()
	}

	r, err := reactor.New(cfg.EventBufferSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		reactor:     r,
		listener:    ln,
		connector:   conn,
		metrics:     m,
		logger:      logger,
		table:       make(map[uint64]*pair, cfg.Capacity),
		nextID:      1,
		wakeFD:      wakeFD,
		stop:        make(chan struct{}),
		sweepResult: make(chan int, 1),
	}
	return e, nil
}

// Metrics exposes the engine's metrics sink, e.g. for a status endpoint.
func (e *Engine) Metrics() metrics.Metrics { return e.metrics }

// PairCount reports the current connection-table size (for tests/status).
func (e *Engine) PairCount() int { return len(e.table) }

// Close releases the notifier, listener, and wake descriptor. Run must have
// returned before Close is called.
func (e *Engine) Close() error {
	_ = unix.Close(e.wakeFD)
	_ = e.listener.Close()
	return e.reactor.Close()
}

// Run enters the event loop. It blocks until Wait returns a fatal error;
// any error from the notifier itself (as opposed to a per-pair error) is
// unrecoverable and propagated to the caller.
func (e *Engine) Run() error {
	if err := e.reactor.Register(e.listener.Fd(), reactor.ListenerToken); err != nil {
		return err
	}
	if err := e.reactor.Register(e.wakeFD, wakeToken); err != nil {
		return err
	}

	if e.cfg.HandshakeTimeout > 0 {
		go e.janitor()
	}

	for {
		events, err := e.reactor.Wait(-1)
		if err != nil {
			return fmt.Errorf("engine: poll: %w", err)
		}
		for _, ev := range events {
			switch ev.Token {
			case reactor.ListenerToken:
				e.handleAccept()
			case wakeToken:
				e.drainWake()
				reaped := e.servicePending()
				select {
				case e.sweepResult <- reaped:
				default:
				}
			default:
				e.handleEvent(ev.Token)
			}
		}
	}
}

// Stop signals the janitor goroutine to exit. The main Run loop has no
// external stop condition of its own; Stop only tears down the background
// janitor.
func (e *Engine) Stop() {
	close(e.stop)
}

// janitor wakes the main loop via the eventfd on an adaptive cadence: fast
// right after a sweep reaps a stuck pair, backing off toward an 8x steady
// interval when sweeps come up empty.
func (e *Engine) janitor() {
	poll := newAdaptivePoll(e.cfg.JanitorInterval, e.cfg.JanitorInterval*8)
	timer := time.NewTimer(poll.next())
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-timer.C:
			Notify(e.wakeFD)

			select {
			case reaped := <-e.sweepResult:
				if reaped > 0 {
					poll.reset()
				}
			case <-time.After(e.cfg.JanitorInterval):
			case <-e.stop:
				return
			}
			timer.Reset(poll.next())
		}
	}
}

func (e *Engine) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(e.wakeFD, buf[:])
}

// servicePending runs on every wakeToken event, whether it fired because the
// janitor's timer pulsed the eventfd or because a mid-channel (e.g. a TLS
// handshake goroutine) signaled completion outside of any fresh readiness
// edge on its own fd. It does two jobs over every still-HALF pair:
//
//  1. Re-probe any slot still Pending. A handshake that finished between
//     readiness edges (a server that speaks first, or a client that sends
//     nothing after its Finished message) would otherwise sit unnoticed
//     until some unrelated event happened to touch the same fd.
//  2. Tear down pairs that have been HALF longer than cfg.HandshakeTimeout,
//     once the re-probe above has had a chance to promote anything that
//     actually completed. This bound is only enforced when
//     cfg.HandshakeTimeout is configured; callers that leave it at zero
//     accept unbounded Pending lifetimes.
func (e *Engine) servicePending() int {
	timeoutEnabled := e.cfg.HandshakeTimeout > 0
	cutoff := time.Now().Add(-e.cfg.HandshakeTimeout)
	reaped := 0

	for id, p := range e.table {
		if p.derived() != stateHalf {
			continue
		}
		for _, side := range [2]Side{SideL, SideS} {
			if _, ok := e.table[id]; !ok {
				break
			}
			if p.slot(side).State == wire.Pending {
				e.advanceSlot(p, side)
			}
		}
		p, stillPresent := e.table[id]
		if !stillPresent {
			continue
		}
		if timeoutEnabled && p.derived() == stateHalf && p.createdAt.Before(cutoff) {
			e.teardown(p, "handshake timeout")
			reaped++
		}
	}
	return reaped
}

// handleAccept drains one ready connection off the listener, dials the
// matching outbound connection, and inserts the new pair into the table.
func (e *Engine) handleAccept() {
	slotL, ok, err := e.listener.Accept()
	if err != nil {
		e.logger.Printf("accept: %v", err)
		return
	}
	if !ok {
		return
	}

	slotS, err := e.connector.Connect()
	if err != nil {
		e.logger.Printf("connect: %v (inbound closed, pair not inserted)", err)
		closeSlot(slotL)
		return
	}

	id := e.nextID
	e.nextID++

	p := newPair(id, slotL, slotS, e.cfg.ClientBufferSize)

	if err := e.registerSlot(p, SideL); err != nil {
		e.logger.Printf("pair %d: register L: %v", id, err)
		closeSlot(slotL)
		closeSlot(slotS)
		return
	}
	if err := e.registerSlot(p, SideS); err != nil {
		e.logger.Printf("pair %d: register S: %v", id, err)
		_ = slotL.Mid.Deregister(e.reactor)
		closeSlot(slotL)
		closeSlot(slotS)
		return
	}

	e.table[id] = p
	e.metrics.IncrementPairsAccepted()

	// Probe each side immediately so synchronously-ready handshakes (e.g. a
	// plain TCP identity mid-channel, or a TLS handshake that happened to
	// finish before the next event) progress without waiting for another
	// readiness event.
	e.advanceSlot(p, SideL)
	if e.table[id] == nil {
		return // torn down during the L probe
	}
	e.advanceSlot(p, SideS)
}

func (e *Engine) registerSlot(p *pair, side Side) error {
	s := p.slot(side)
	tok := p.token(side)
	switch s.State {
	case wire.Pending:
		return s.Mid.Register(e.reactor, tok)
	case wire.Active:
		return s.Ch.Register(e.reactor, tok)
	}
	return nil
}

func closeSlot(s wire.Slot) {
	switch s.State {
	case wire.Pending:
		_ = s.Mid.Close()
	case wire.Active:
		_ = s.Ch.Close()
	}
}

// handleEvent dispatches a non-zero-token readiness event to its pair.
func (e *Engine) handleEvent(tok uint64) {
	id, side := pairFromToken(tok)
	p, ok := e.table[id]
	if !ok {
		// Benign race: the pair was torn down between the kernel queuing
		// this event and us processing it.
		e.logger.Printf("event for unknown pair %d side %s (benign race)", id, side)
		return
	}

	switch p.derived() {
	case stateBoth:
		e.relay(p, side)
	case stateHalf:
		if p.slot(side).State != wire.Active {
			e.advanceSlot(p, side)
		}
		// If slot(side) is already Active here, this is the paused side of
		// a HALF pair; it was deregistered and should not be delivering
		// events. Ignore stray wakeups rather than treat them as errors.
	case stateDead:
		e.teardown(p, "observed already-dead pair on event")
	}
}

// advanceSlot drives the per-slot handshake state machine one step forward:
// it calls into the mid-channel and applies whatever it reports (still
// pending, newly active, or fatally failed) to the pair.
func (e *Engine) advanceSlot(p *pair, side Side) {
	s := p.slot(side)
	if s.State != wire.Pending {
		return
	}

	result, ch, next, err := s.Mid.Advance(e.reactor)
	if err != nil {
		// The mid-channel has already deregistered and closed its own
		// descriptor before returning a fatal error.
		p.setSlot(side, wire.Slot{State: wire.Lost})
		e.metrics.IncrementHandshakeFailures()
		e.teardown(p, fmt.Sprintf("side %s handshake failed: %v", side, err))
		return
	}

	switch result {
	case wire.Still:
		p.setSlot(side, wire.Slot{State: wire.Pending, Mid: next})
	case wire.Done:
		p.setSlot(side, wire.Slot{State: wire.Active, Ch: ch})
		other := p.slot(side.Opposite())
		if other.State == wire.Active {
			// We are now BOTH: resume the previously-paused peer side.
			if err := other.Ch.Register(e.reactor, p.token(side.Opposite())); err != nil {
				e.failSlot(p, side.Opposite(), err)
				return
			}
		} else {
			// Still HALF with the newly-active side idled: deregister to
			// avoid accumulating events before the peer finishes.
			if err := ch.Deregister(e.reactor); err != nil {
				e.failSlot(p, side, err)
				return
			}
		}
	}
}

func (e *Engine) failSlot(p *pair, side Side, err error) {
	p.setSlot(side, wire.Slot{State: wire.Lost})
	e.teardown(p, fmt.Sprintf("side %s registration error: %v", side, err))
}

// relay drains Recv from side until it would block, a disconnect is
// observed, or a hard error occurs, writing every chunk read to the
// opposite side.
func (e *Engine) relay(p *pair, side Side) {
	src := p.slot(side)
	dstSide := side.Opposite()
	dst := p.slot(dstSide)
	if src.State != wire.Active || dst.State != wire.Active {
		return
	}

	for {
		n, err := src.Ch.Recv(p.buf)
		if err != nil {
			if errors.Is(err, wire.ErrWouldBlock) {
				return
			}
			if errors.Is(err, wire.ErrDisconnected) {
				e.teardown(p, fmt.Sprintf("disconnected on %s", side))
				return
			}
			e.teardown(p, fmt.Sprintf("recv error on %s: %v", side, err))
			return
		}
		if n == 0 {
			e.teardown(p, fmt.Sprintf("disconnected on %s", side))
			return
		}

		if err := writeAll(dst.Ch, p.buf[:n]); err != nil {
			e.teardown(p, fmt.Sprintf("send error on %s: %v", dstSide, err))
			return
		}
		e.countBytes(p, side, int64(n))
	}
}

// writeAll loops sending data to completion within the current event: a
// would-block mid-write is treated as fatal for the pair rather than
// carried over and resumed on a later event.
func writeAll(dst wire.Channel, data []byte) error {
	for len(data) > 0 {
		n, err := dst.Send(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (e *Engine) countBytes(p *pair, side Side, n int64) {
	if side == SideL {
		p.bytesLToS.Add(uint64(n))
		e.metrics.IncrementBytesLToS(n)
	} else {
		p.bytesSToL.Add(uint64(n))
		e.metrics.IncrementBytesSToL(n)
	}
}

// teardown deregisters both slots (errors logged and swallowed, since a
// deregistration failure here is never something the pair can still act on),
// closes their descriptors, and removes the pair from the table. Safe to
// call exactly once per pair; the pair is gone from the table afterward so
// a second call can never happen through normal dispatch.
func (e *Engine) teardown(p *pair, reason string) {
	for _, side := range [2]Side{SideL, SideS} {
		s := p.slot(side)
		switch s.State {
		case wire.Pending:
			if err := s.Mid.Deregister(e.reactor); err != nil {
				e.logger.Printf("pair %d: deregister %s (swallowed): %v", p.id, side, err)
			}
			_ = s.Mid.Close()
		case wire.Active:
			if err := s.Ch.Deregister(e.reactor); err != nil {
				e.logger.Printf("pair %d: deregister %s (swallowed): %v", p.id, side, err)
			}
			_ = s.Ch.Close()
		}
		p.setSlot(side, wire.Slot{State: wire.Lost})
	}
	delete(e.table, p.id)
	e.metrics.IncrementPairsTornDown()
	lToS, sToL := p.bothBytes()
	e.logger.Printf("pair %d torn down (%s): bytes L->S=%d S->L=%d", p.id, reason, lToS, sToL)
}
