// Package endpoint implements the Listener and Connector contracts plus a
// small self-registering family registry, so the engine never needs a
// switch statement over transport kinds.
package endpoint

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atsika/forwarder/internal/wire"
)

// ErrUnsupportedFamily is returned when no registered family matches the
// requested inbound/outbound subcommand name.
var ErrUnsupportedFamily = errors.New("endpoint: unsupported family")

// Listener produces new inbound channels, possibly still mid-handshake.
// Accept returns (slot, true, nil) when a connection was accepted,
// (zero, false, nil) when none is ready, and (zero, false, err) on failure.
type Listener interface {
	Accept() (slot wire.Slot, ok bool, err error)
	// Fd returns the listener's own pollable handle, registered under the
	// reserved token 0.
	Fd() int
	Close() error
}

// Connector produces a new outbound channel. Connect either returns a
// freshly established connection or a fatal error; it never returns a
// "not ready" result.
type Connector interface {
	Connect() (slot wire.Slot, err error)
}

// ListenerConfig carries the per-inbound-stream options: the listening
// address plus the nodelay/keepalive/linger knobs a Listener applies to
// each newly accepted stream before returning it.
type ListenerConfig struct {
	Addr      string
	KeepAlive time.Duration // 0 disables
	Linger    time.Duration // 0 disables
	// TLSConfig is the already-loaded, already-validated acceptor built by
	// internal/tlsmat from the CA/cert/privkey file paths. nil for the tcp
	// family.
	TLSConfig *tls.Config
	// Notify, if set, is called by a Listener whenever a background
	// handshake it kicked off completes, so the engine's blocked epoll_wait
	// can be interrupted immediately instead of waiting on some unrelated
	// readiness edge to drive the next Advance call.
	Notify func()
}

// ConnectorConfig carries the outbound-stream options.
type ConnectorConfig struct {
	Addr string // filesystem path for the unix family
}

// ListenerFactory builds a Listener for a given ListenerConfig.
type ListenerFactory interface {
	NewListener(cfg ListenerConfig) (Listener, error)
}

// ConnectorFactory builds a Connector for a given ConnectorConfig.
type ConnectorFactory interface {
	NewConnector(cfg ConnectorConfig) (Connector, error)
}

var (
	listenerFamilies  = make(map[string]ListenerFactory)
	connectorFamilies = make(map[string]ConnectorFactory)
)

// RegisterListenerFamily registers a ListenerFactory under name (e.g.
// "tcp", "tls"). Called from each family's init().
func RegisterListenerFamily(name string, factory ListenerFactory) {
	if _, dup := listenerFamilies[name]; dup {
		panic("endpoint: listener family already registered: " + name)
	}
	listenerFamilies[name] = factory
}

// RegisterConnectorFamily registers a ConnectorFactory under name (e.g.
// "unix"). Called from each family's init().
func RegisterConnectorFamily(name string, factory ConnectorFactory) {
	if _, dup := connectorFamilies[name]; dup {
		panic("endpoint: connector family already registered: " + name)
	}
	connectorFamilies[name] = factory
}

// ListenerFamilies returns the sorted list of registered inbound family
// names, useful for CLI usage text.
func ListenerFamilies() []string {
	names := make([]string, 0, len(listenerFamilies))
	for n := range listenerFamilies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConnectorFamilies returns the sorted list of registered outbound family
// names, useful for CLI usage text.
func ConnectorFamilies() []string {
	names := make([]string, 0, len(connectorFamilies))
	for n := range connectorFamilies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewListener looks up family and constructs a Listener from cfg.
func NewListener(family string, cfg ListenerConfig) (Listener, error) {
	factory, ok := listenerFamilies[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}
	return factory.NewListener(cfg)
}

// NewConnector looks up family and constructs a Connector from cfg.
func NewConnector(family string, cfg ConnectorConfig) (Connector, error) {
	factory, ok := connectorFamilies[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}
	return factory.NewConnector(cfg)
}
