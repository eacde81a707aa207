package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/atsika/forwarder/internal/reactor"
	"github.com/atsika/forwarder/internal/wire"
	"golang.org/x/sys/unix"
)

func init() {
	RegisterListenerFamily("tls", &tlsListenerFactory{})
}

// handshakeTimeout bounds how long a single TLS handshake goroutine may run
// before it is abandoned as fatal. The janitor (engine side) also reaps
// pairs stuck in Pending past cfg.HandshakeTimeout; this is a second,
// tighter bound scoped to the handshake call itself.
const handshakeTimeout = 15 * time.Second

type tlsListenerFactory struct{}

func (tlsListenerFactory) NewListener(cfg ListenerConfig) (Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("tls listener: no TLS configuration provided")
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tls listen %s: %w", cfg.Addr, err)
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("tls listen %s: unexpected listener type", cfg.Addr)
	}
	fd, err := rawFd(tln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &tlsListener{ln: tln, fd: fd, cfg: cfg}, nil
}

// tlsListener accepts a plain TCP stream and wraps it in a TLS mid-channel
// whose Advance drives the handshake.
type tlsListener struct {
	ln  *net.TCPListener
	fd  int
	cfg ListenerConfig
}

func (l *tlsListener) Fd() int { return l.fd }

// Addr reports the bound address, useful when Addr was given with a ":0"
// port and the caller needs to discover what was actually assigned.
func (l *tlsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tlsListener) Close() error {
	_ = unix.Close(l.fd)
	return l.ln.Close()
}

func (l *tlsListener) Accept() (wire.Slot, bool, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return wire.Slot{}, false, nil
		}
		return wire.Slot{}, false, err
	}
	tconn := conn.(*net.TCPConn)
	if err := applyStreamOptions(tconn, l.cfg); err != nil {
		_ = conn.Close()
		return wire.Slot{}, false, err
	}
	fd, err := rawFd(tconn)
	if err != nil {
		_ = conn.Close()
		return wire.Slot{}, false, err
	}
	mid := newTLSMid(fd, tconn, tls.Server(tconn, l.cfg.TLSConfig), l.cfg.Notify)
	return wire.NewPendingSlot(mid), true, nil
}

// tlsMid drives a crypto/tls handshake from a background goroutine (stdlib
// tls.Conn.Handshake is a blocking call with no non-blocking variant) and
// reports progress through a 1-buffered result channel that Advance polls
// without blocking. This keeps the handshake's blocking nature contained to
// one short-lived goroutine per pending connection; once the handshake
// completes the raw fd is set non-blocking and all further I/O happens on
// the engine's own goroutine through tlsChannel, which reads and writes via
// the tls.Conn record layer.
//
// notify, if set, is called once the handshake goroutine has a result
// (success or failure) so the engine's blocked epoll_wait is interrupted to
// re-poll this mid-channel immediately, rather than depending on some later,
// incidental readiness edge on the same fd to drive the next Advance call.
type tlsMid struct {
	fd      int
	raw     net.Conn
	tlsConn *tls.Conn
	done    chan error
	started bool
	notify  func()
}

func newTLSMid(fd int, raw net.Conn, tlsConn *tls.Conn, notify func()) *tlsMid {
	return &tlsMid{fd: fd, raw: raw, tlsConn: tlsConn, done: make(chan error, 1), notify: notify}
}

func (m *tlsMid) Fd() int { return m.fd }

func (m *tlsMid) Register(r *reactor.Reactor, token uint64) error {
	return r.Register(m.fd, token)
}

func (m *tlsMid) Deregister(r *reactor.Reactor) error { return r.Deregister(m.fd) }

func (m *tlsMid) Close() error {
	_ = unix.Close(m.fd)
	return m.raw.Close()
}

func (m *tlsMid) Advance(r *reactor.Reactor) (wire.AdvanceResult, wire.Channel, wire.MidChannel, error) {
	if !m.started {
		m.started = true
		// The raw fd is non-blocking for the engine's relay path, but
		// tls.Conn.Handshake needs ordinary blocking semantics; run it on a
		// dedicated goroutine against a deadline instead of flipping the
		// shared socket's O_NONBLOCK flag (which dup() shares with every fd
		// pointing at this open file description, including the one the
		// engine may already be watching).
		_ = m.tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
		go func() {
			err := m.tlsConn.HandshakeContext(context.Background())
			m.done <- err
			if m.notify != nil {
				m.notify()
			}
		}()
	}

	select {
	case err := <-m.done:
		if err != nil {
			_ = m.Deregister(r)
			_ = m.Close()
			return wire.Still, nil, nil, fmt.Errorf("tls handshake: %w", err)
		}
		_ = m.tlsConn.SetDeadline(time.Time{})
		if err := unix.SetNonblock(m.fd, true); err != nil {
			_ = m.Deregister(r)
			_ = m.Close()
			return wire.Still, nil, nil, fmt.Errorf("tls handshake: set nonblock: %w", err)
		}
		return wire.Done, &tlsChannel{conn: m.tlsConn, fd: m.fd}, nil, nil
	default:
		return wire.Still, nil, m, nil
	}
}

// tlsChannel implements wire.Channel over a completed *tls.Conn. Send/Recv
// go through the tls.Conn record layer (not raw unix.Read/Write) since the
// record framing must stay intact; would-block is recognized via the
// underlying raw read/write deadline rather than EAGAIN, because tls.Conn
// wraps the error in its own net.OpError.
type tlsChannel struct {
	conn *tls.Conn
	fd   int
}

// Send/Recv emulate non-blocking semantics over tls.Conn by arming an
// immediate deadline before each call: the stdlib tls.Conn has no raw
// EAGAIN-based non-blocking mode (its Read/Write go through the TLS record
// layer, not straight to the fd), but an already-past deadline makes the
// underlying net.Conn return a timeout error instead of parking the calling
// goroutine, which is what the engine's single-threaded loop requires.

func (c *tlsChannel) Send(p []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(time.Now())
	n, err := c.conn.Write(p)
	if err != nil {
		if isWouldBlock(err) {
			return n, wire.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *tlsChannel) Recv(p []byte) (int, error) {
	_ = c.conn.SetReadDeadline(time.Now())
	n, err := c.conn.Read(p)
	if err != nil {
		if isWouldBlock(err) {
			return 0, wire.ErrWouldBlock
		}
		if errors.Is(err, io.EOF) {
			return 0, wire.ErrDisconnected
		}
		return n, err
	}
	if n == 0 {
		return 0, wire.ErrDisconnected
	}
	return n, nil
}

func (c *tlsChannel) Fd() int { return c.fd }
func (c *tlsChannel) Register(r *reactor.Reactor, token uint64) error {
	return r.Register(c.fd, token)
}
func (c *tlsChannel) Deregister(r *reactor.Reactor) error { return r.Deregister(c.fd) }

func (c *tlsChannel) Close() error {
	_ = unix.Close(c.fd)
	return c.conn.Close()
}

func isWouldBlock(err error) bool {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
