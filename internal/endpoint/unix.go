package endpoint

import (
	"errors"
	"fmt"
	"net"

	"github.com/atsika/forwarder/internal/reactor"
	"github.com/atsika/forwarder/internal/wire"
	"golang.org/x/sys/unix"
)

func init() {
	RegisterConnectorFamily("unix", &unixConnectorFactory{})
}

type unixConnectorFactory struct{}

func (unixConnectorFactory) NewConnector(cfg ConnectorConfig) (Connector, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("unix connector: empty address")
	}
	return &unixConnector{cfg: cfg}, nil
}

// unixConnector dials a UNIX-domain socket outbound connection. Connect
// always either returns a freshly dialed endpoint or a fatal error — never
// "not ready".
type unixConnector struct {
	cfg ConnectorConfig
}

func (c *unixConnector) Connect() (wire.Slot, error) {
	conn, err := net.Dial("unix", c.cfg.Addr)
	if err != nil {
		return wire.Slot{}, fmt.Errorf("unix dial %s: %w", c.cfg.Addr, err)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return wire.Slot{}, fmt.Errorf("unix dial %s: unexpected conn type", c.cfg.Addr)
	}
	fd, err := rawFd(uconn)
	if err != nil {
		_ = conn.Close()
		return wire.Slot{}, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = conn.Close()
		return wire.Slot{}, err
	}
	ch := &unixChannel{conn: uconn, fd: fd}
	// A UNIX stream socket has no handshake step: identity mid-channel.
	return wire.NewPendingSlot(&identityMid{fd: fd, ch: ch}), nil
}

// unixChannel implements wire.Channel over a non-blocking *net.UnixConn.
type unixChannel struct {
	conn *net.UnixConn
	fd   int
}

func (c *unixChannel) Send(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return n, wire.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *unixChannel) Recv(p []byte) (int, error) {
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

func (c *unixChannel) Fd() int { return c.fd }
func (c *unixChannel) Register(r *reactor.Reactor, token uint64) error {
	return r.Register(c.fd, token)
}
func (c *unixChannel) Deregister(r *reactor.Reactor) error { return r.Deregister(c.fd) }

func (c *unixChannel) Close() error {
	_ = unix.Close(c.fd)
	return c.conn.Close()
}
