package engine_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/atsika/forwarder/internal/endpoint"
	"github.com/atsika/forwarder/internal/engine"
	"github.com/atsika/forwarder/internal/metrics"
)

// startEcho runs a UNIX listener that echoes back whatever it reads, acting
// as the downstream service the engine connects out to.
func startEcho(t *testing.T, sockPath string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln
}

// TestPlainTCPHappyPath checks that an inbound TCP client connecting causes
// the engine to dial the UNIX downstream, and that bytes written by the
// client come back unchanged via the echo service.
func TestPlainTCPHappyPath(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "downstream.sock")
	echo := startEcho(t, sockPath)
	defer echo.Close()

	ln, err := endpoint.NewListener("tcp", endpoint.ListenerConfig{Addr: "127.0.0.1:0", Linger: -1})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	addr := ln.(interface{ Addr() net.Addr }).Addr()

	conn, err := endpoint.NewConnector("unix", endpoint.ConnectorConfig{Addr: sockPath})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}

	wakeFD, err := engine.NewWakeFD()
	if err != nil {
		t.Fatalf("NewWakeFD: %v", err)
	}

	eng, err := engine.New(engine.Config{
		EventBufferSize:  64,
		ClientBufferSize: 4096,
	}, ln, conn, metrics.NewDefault(), nil, wakeFD)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close()

	done := make(chan error, 1)
	go func() { done <- eng.Run() }()

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload := []byte("hello, forwarder")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(payload))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("echoed %q, want %q", buf, payload)
	}

	client.Close()

	// Give the engine one loop iteration to observe the close and tear the
	// pair down before asserting on PairCount.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.PairCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := eng.PairCount(); got != 0 {
		t.Errorf("PairCount() = %d after client close, want 0", got)
	}

	select {
	case err := <-done:
		t.Fatalf("engine.Run returned early: %v", err)
	default:
	}
}

// TestOutboundConnectFails checks that when the outbound dial fails, the
// inbound connection is closed without a pair ever being inserted.
func TestOutboundConnectFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.sock")

	ln, err := endpoint.NewListener("tcp", endpoint.ListenerConfig{Addr: "127.0.0.1:0", Linger: -1})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	addr := ln.(interface{ Addr() net.Addr }).Addr()

	conn, err := endpoint.NewConnector("unix", endpoint.ConnectorConfig{Addr: missing})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}

	wakeFD, err := engine.NewWakeFD()
	if err != nil {
		t.Fatalf("NewWakeFD: %v", err)
	}

	eng, err := engine.New(engine.Config{EventBufferSize: 64, ClientBufferSize: 4096}, ln, conn, metrics.NewDefault(), nil, wakeFD)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close()

	go eng.Run()

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected inbound to be closed after failed outbound connect")
	}

	if eng.PairCount() != 0 {
		t.Errorf("PairCount() = %d, want 0 (pair should never be inserted)", eng.PairCount())
	}
}
