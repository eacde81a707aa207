package endpoint

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/atsika/forwarder/internal/reactor"
	"github.com/atsika/forwarder/internal/wire"
	"golang.org/x/sys/unix"
)

func init() {
	RegisterListenerFamily("tcp", &tcpListenerFactory{})
}

type tcpListenerFactory struct{}

func (tcpListenerFactory) NewListener(cfg ListenerConfig) (Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", cfg.Addr, err)
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("tcp listen %s: unexpected listener type", cfg.Addr)
	}
	fd, err := rawFd(tln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &tcpListener{ln: tln, fd: fd, cfg: cfg}, nil
}

// tcpListener implements Listener for plaintext TCP. Its mid-channel has no
// handshake: advance is identity, always returning Done on the first call.
type tcpListener struct {
	ln  *net.TCPListener
	fd  int
	cfg ListenerConfig
}

func (l *tcpListener) Fd() int { return l.fd }

// Addr reports the bound address, useful when Addr was given with a ":0"
// port and the caller needs to discover what was actually assigned.
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// Close releases both the dup'd raw descriptor registered with the reactor
// and the original *net.TCPListener descriptor.
func (l *tcpListener) Close() error {
	_ = unix.Close(l.fd)
	return l.ln.Close()
}

// Accept calls through to the stdlib listener. The dup'd fd is separately
// registered with our reactor; since the reactor only invokes Accept after
// its own epoll reports the listener readable, the stdlib runtime poller's
// internal wait never actually parks the calling goroutine here — this
// keeps socket-option handling (SetNoDelay/KeepAlive/Linger) on the
// well-tested net.TCPConn path instead of reimplementing accept(2) by hand.
func (l *tcpListener) Accept() (wire.Slot, bool, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
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
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = conn.Close()
		return wire.Slot{}, false, err
	}
	ch := &tcpChannel{conn: tconn, fd: fd}
	// Plain TCP has no handshake: the slot starts Pending, but its identity
	// mid-channel returns Done on the first Advance, so the engine's
	// probe-on-accept step promotes it right away.
	return wire.NewPendingSlot(&identityMid{fd: fd, ch: ch}), true, nil
}

func applyStreamOptions(conn *net.TCPConn, cfg ListenerConfig) error {
	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("setnodelay: %w", err)
	}
	if cfg.KeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("setkeepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(cfg.KeepAlive); err != nil {
			return fmt.Errorf("setkeepaliveperiod: %w", err)
		}
	} else {
		if err := conn.SetKeepAlive(false); err != nil {
			return fmt.Errorf("setkeepalive: %w", err)
		}
	}
	// Zero (and any non-positive value) disables lingering: SetLinger(-1)
	// restores the OS-default graceful close. A positive duration requests
	// that many seconds of linger on close, rounded up to a whole second.
	// Passing 0 straight through to SetLinger would instead enable an
	// abortive close (RST with unsent data dropped), the opposite of
	// "disabled".
	if cfg.Linger <= 0 {
		if err := conn.SetLinger(-1); err != nil {
			return fmt.Errorf("setlinger: %w", err)
		}
	} else {
		secs := int((cfg.Linger + time.Second - 1) / time.Second)
		if err := conn.SetLinger(secs); err != nil {
			return fmt.Errorf("setlinger: %w", err)
		}
	}
	return nil
}

// identityMid is the trivial mid-channel for transports with no handshake
// step (plain TCP, UNIX). Advance always returns Done immediately.
type identityMid struct {
	fd int
	ch wire.Channel
}

func (m *identityMid) Advance(r *reactor.Reactor) (wire.AdvanceResult, wire.Channel, wire.MidChannel, error) {
	return wire.Done, m.ch, nil, nil
}
func (m *identityMid) Fd() int { return m.fd }
func (m *identityMid) Register(r *reactor.Reactor, token uint64) error {
	return r.Register(m.fd, token)
}
func (m *identityMid) Deregister(r *reactor.Reactor) error { return r.Deregister(m.fd) }
func (m *identityMid) Close() error                        { return m.ch.Close() }

// tcpChannel implements wire.Channel over a non-blocking *net.TCPConn.
type tcpChannel struct {
	conn *net.TCPConn
	fd   int
}

func (c *tcpChannel) Send(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return n, wire.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *tcpChannel) Recv(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, wire.ErrWouldBlock
		}
		return n, err
	}
	if n == 0 {
		return 0, wire.ErrDisconnected
	}
	return n, nil
}

func (c *tcpChannel) Fd() int { return c.fd }
func (c *tcpChannel) Register(r *reactor.Reactor, token uint64) error {
	return r.Register(c.fd, token)
}
func (c *tcpChannel) Deregister(r *reactor.Reactor) error { return r.Deregister(c.fd) }

// Close releases both the dup'd raw descriptor driven by Send/Recv and the
// original *net.TCPConn descriptor owned by the net package.
func (c *tcpChannel) Close() error {
	_ = unix.Close(c.fd)
	return c.conn.Close()
}

// rawFd extracts and dup's the OS file descriptor backing a *net.TCPConn or
// *net.UnixConn so it can be driven with raw, non-blocking syscalls while
// the net.Conn wrapper still owns the original descriptor for Close().
func rawFd(conn syscallConner) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	if err := sc.Control(func(ufd uintptr) {
		fd, dupErr = unix.Dup(int(ufd))
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}

type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}
