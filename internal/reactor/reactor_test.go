package reactor

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestListenerTokenIsZero(t *testing.T) {
	if ListenerToken != 0 {
		t.Fatalf("ListenerToken = %d, want 0", ListenerToken)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 2, 3, 14, 1 << 40, ^uint64(0)}
	for _, tok := range cases {
		fdHalf, padHalf := encodeToken(tok)
		got := decodeToken(fdHalf, padHalf)
		if got != tok {
			t.Errorf("encode/decode(%d) = %d, want %d", tok, got, tok)
		}
	}
}

func TestRegisterWaitDeregister(t *testing.T) {
	r, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := fds[0], fds[1]
	defer unix.Close(a)
	defer unix.Close(b)

	const tok uint64 = 42
	if err := r.Register(a, tok); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := r.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Token != tok {
		t.Fatalf("Wait returned %+v, want one event with token %d", events, tok)
	}

	if err := r.Deregister(a); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	// Deregistering twice must be idempotent.
	if err := r.Deregister(a); err != nil {
		t.Fatalf("second Deregister: %v", err)
	}
}

func TestDeregisterUnknownFdIsIdempotent(t *testing.T) {
	r, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	// Never registered; must not error.
	if err := r.Deregister(fds[0]); err != nil {
		t.Fatalf("Deregister on unregistered fd: %v", err)
	}
}
