package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/atsika/forwarder/internal/reactor"
	"github.com/atsika/forwarder/internal/wire"
)

func TestTCPListenerAcceptAndRelay(t *testing.T) {
	ln, err := NewListener("tcp", ListenerConfig{Addr: "127.0.0.1:0", Linger: -1})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer ln.Close()

	addr := ln.(*tcpListener).Addr().String()

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// In the engine the reactor calls Accept only once the listener is
	// readable; here there is no reactor, so retry briefly until Accept
	// reports a connection.
	var slot wire.Slot
	var ok bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		slot, ok, err = ln.Accept()
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok {
		t.Fatal("Accept never returned a connection")
	}
	if slot.State != wire.Pending {
		t.Fatalf("slot.State = %v, want Pending", slot.State)
	}

	r, err := reactor.New(16)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	result, ch, _, err := slot.Mid.Advance(r)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result != wire.Done {
		t.Fatalf("Advance result = %v, want Done (identity mid-channel)", result)
	}

	payload := []byte("ping")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf := make([]byte, 16)
	var n int
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err = ch.Recv(buf)
		if err == nil && n > 0 {
			break
		}
		if err != nil && err != wire.ErrWouldBlock {
			t.Fatalf("Recv: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("Recv got %q, want %q", buf[:n], payload)
	}

	_ = ch.Close()
}
