package endpoint

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/atsika/forwarder/internal/wire"
)

func TestUnixConnectorConnectAndRelay(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "downstream.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := NewConnector("unix", ConnectorConfig{Addr: sockPath})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}

	slot, err := conn.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if slot.State != wire.Pending {
		t.Fatalf("slot.State = %v, want Pending", slot.State)
	}

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("downstream never accepted")
	}
	defer server.Close()

	result, ch, _, err := slot.Mid.Advance(nil)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result != wire.Done {
		t.Fatalf("Advance result = %v, want Done", result)
	}

	if _, err := server.Write([]byte("pong")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	buf := make([]byte, 16)
	var n int
	deadline := time.Now().Add(2 * time.Second)
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
	if string(buf[:n]) != "pong" {
		t.Fatalf("Recv got %q, want %q", buf[:n], "pong")
	}

	_ = ch.Close()
}

func TestUnixConnectorFailsOnMissingSocket(t *testing.T) {
	conn, err := NewConnector("unix", ConnectorConfig{Addr: filepath.Join(t.TempDir(), "nope.sock")})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if _, err := conn.Connect(); err == nil {
		t.Fatal("expected Connect to fail against a missing socket")
	}
}
