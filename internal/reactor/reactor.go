// Package reactor wraps the Linux epoll readiness notifier behind a small
// token-based registration API. Tokens are opaque to the reactor; the
// engine encodes a connection id and side into them.
package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrRegistration is returned when (de)registration with the notifier fails.
// The engine treats this as fatal for the pair involved.
var ErrRegistration = errors.New("reactor: registration failed")

// ListenerToken is the reserved token for the accept-path listener. Token 0
// is never used for a connection pair.
const ListenerToken uint64 = 0

// Event is one readiness notification yielded by a Wait call.
type Event struct {
	Token uint64
}

// Reactor owns one epoll instance. It is not safe for concurrent use; the
// engine's single goroutine is the only caller.
type Reactor struct {
	epfd int
	buf  []unix.EpollEvent
}

// New creates a Reactor with a poll event batch sized to eventBufferSize.
func New(eventBufferSize int) (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrRegistration, err)
	}
	if eventBufferSize <= 0 {
		eventBufferSize = 2048
	}
	return &Reactor{epfd: fd, buf: make([]unix.EpollEvent, eventBufferSize)}, nil
}

// Close releases the underlying epoll descriptor.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// registerFlags returns the epoll event mask. The listener token is
// level-triggered (repeated edges on a backlog are harmless and we always
// drain with a single accept per event); every other token is
// edge-triggered, since the engine always drains a channel to would-block
// before returning to the event loop.
func registerFlags(token uint64) uint32 {
	if token == ListenerToken {
		return unix.EPOLLIN
	}
	return unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET
}

// encodeToken splits a token across the two int32 halves of the epoll_data_t
// union (Fd, Pad) so the full 64-bit token round-trips through EpollWait
// without an auxiliary fd→token table.
func encodeToken(token uint64) (fdHalf, padHalf int32) {
	return int32(uint32(token)), int32(uint32(token >> 32))
}

func decodeToken(fdHalf, padHalf int32) uint64 {
	return uint64(uint32(fdHalf)) | uint64(uint32(padHalf))<<32
}

// Register subscribes fd under token with the mask registerFlags picks:
// read-only for the listener token, read+write for every other token.
func (r *Reactor) Register(fd int, token uint64) error {
	ev := unix.EpollEvent{Events: registerFlags(token)}
	ev.Fd, ev.Pad = encodeToken(token)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl add token=%d: %v", ErrRegistration, token, err)
	}
	return nil
}

// Deregister removes fd from the notifier. Idempotent: an ENOENT (fd was
// never registered, or already removed) is swallowed rather than surfaced.
func (r *Reactor) Deregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return nil
		}
		return fmt.Errorf("%w: epoll_ctl del: %v", ErrRegistration, err)
	}
	return nil
}

// Wait blocks until at least one readiness event is available (timeoutMS=-1
// blocks forever), then returns the tokens that fired in notifier order.
func (r *Reactor) Wait(timeoutMS int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(r.epfd, r.buf, timeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}
		events := make([]Event, n)
		for i := 0; i < n; i++ {
			events[i] = Event{Token: decodeToken(r.buf[i].Fd, r.buf[i].Pad)}
		}
		return events, nil
	}
}
