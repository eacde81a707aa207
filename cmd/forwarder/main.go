// Command forwarder runs a single protocol-agnostic byte-stream forwarder
// instance: one inbound listener (tcp or tls) paired with one outbound
// connector (unix), shuttled through the readiness-driven engine in
// internal/engine.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/atsika/forwarder/internal/endpoint"
	"github.com/atsika/forwarder/internal/engine"
	"github.com/atsika/forwarder/internal/fwconfig"
	"github.com/atsika/forwarder/internal/metrics"
	"github.com/atsika/forwarder/internal/tlsmat"
)

func main() {
	runID := uuid.NewString()
	logger := log.New(os.Stderr, fmt.Sprintf("[forwarder %s] ", runID[:8]), log.LstdFlags)

	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	wakeFD, err := engine.NewWakeFD()
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	listenerCfg := endpoint.ListenerConfig{
		Addr:      cfg.InboundAddr,
		KeepAlive: cfg.KeepAlive,
		Linger:    cfg.Linger,
		Notify:    func() { engine.Notify(wakeFD) },
	}
	if cfg.InboundFamily == "tls" {
		tlsCfg, err := tlsmat.LoadServerConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			logger.Fatalf("tls material: %v", err)
		}
		listenerCfg.TLSConfig = tlsCfg
	}

	ln, err := endpoint.NewListener(cfg.InboundFamily, listenerCfg)
	if err != nil {
		logger.Fatalf("listener: %v", err)
	}
	if a, ok := ln.(interface{ Addr() net.Addr }); ok {
		logger.Printf("listening on %s", a.Addr())
	}

	conn, err := endpoint.NewConnector(cfg.OutboundFamily, endpoint.ConnectorConfig{Addr: cfg.OutboundAddr})
	if err != nil {
		_ = ln.Close()
		logger.Fatalf("connector: %v", err)
	}

	m := metrics.NewDefault()

	eng, err := engine.New(engine.Config{
		Capacity:         cfg.Capacity,
		EventBufferSize:  cfg.EventBufferSize,
		ClientBufferSize: cfg.ClientBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		JanitorInterval:  cfg.JanitorInterval,
	}, ln, conn, m, logger, wakeFD)
	if err != nil {
		_ = ln.Close()
		logger.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	logger.Printf("forwarding %s %s -> %s %s", cfg.InboundFamily, cfg.InboundAddr, cfg.OutboundFamily, cfg.OutboundAddr)

	if err := eng.Run(); err != nil {
		logger.Fatalf("engine stopped: %v", err)
	}
}

// parseArgs implements the forwarder's CLI shape:
//
//	forwarder [global opts] <tcp|tls> <addr> [ca cert privkey] [stream opts] <unix> <outbound-addr>
//
// Global and per-stream options are ordinary flag.FlagSets; since flag.Parse
// stops at the first non-flag argument, each FlagSet naturally hands the
// remaining positional tokens (the next subcommand and its arguments) back
// to the caller via Args().
func parseArgs(args []string) (*fwconfig.Config, error) {
	global := flag.NewFlagSet("forwarder", flag.ContinueOnError)
	global.Usage = func() { printUsage(global) }
	capacity := global.Int("capacity", fwconfig.DefaultCapacity, "initial connection-table capacity")
	eventBuf := global.Int("event-buffer", fwconfig.DefaultEventBufferSize, "per-poll event batch size")
	clientBuf := global.Int("client-buffer", fwconfig.DefaultClientBufferSize, "per-pair relay buffer size in bytes")
	handshakeTimeout := global.Duration("handshake-timeout", 0, "tear down a pair stuck mid-handshake after this long (0 disables)")
	janitorInterval := global.Duration("janitor-interval", fwconfig.DefaultJanitorInterval, "how often the janitor sweeps for stuck handshakes")

	if err := global.Parse(args); err != nil {
		return nil, err
	}

	rest := global.Args()
	if len(rest) < 2 {
		return nil, fmt.Errorf("expected <tcp|tls> <addr> ..., got %v", rest)
	}

	inboundFamily := strings.ToLower(rest[0])
	inboundAddr := rest[1]
	rest = rest[2:]

	var caFile, certFile, keyFile string
	switch inboundFamily {
	case "tcp":
	case "tls":
		if len(rest) < 3 {
			return nil, fmt.Errorf("tls inbound requires <ca> <cert> <privkey>")
		}
		caFile, certFile, keyFile = rest[0], rest[1], rest[2]
		rest = rest[3:]
	default:
		return nil, fmt.Errorf("unsupported inbound family %q (supported: %s)", inboundFamily, strings.Join(endpoint.ListenerFamilies(), ", "))
	}

	stream := flag.NewFlagSet(inboundFamily, flag.ContinueOnError)
	keepAlive := stream.Duration("keepalive", fwconfig.DefaultKeepAlive, "inbound TCP keep-alive period (0 disables)")
	linger := stream.Duration("linger", fwconfig.DefaultLinger, "inbound TCP SO_LINGER timeout (0 disables)")
	if err := stream.Parse(rest); err != nil {
		return nil, err
	}

	rest = stream.Args()
	if len(rest) < 2 {
		return nil, fmt.Errorf("expected <unix> <addr>, got %v", rest)
	}
	outboundFamily := strings.ToLower(rest[0])
	outboundAddr := rest[1]

	cfg := fwconfig.New(
		fwconfig.WithCapacity(*capacity),
		fwconfig.WithEventBufferSize(*eventBuf),
		fwconfig.WithClientBufferSize(*clientBuf),
		fwconfig.WithHandshakeTimeout(*handshakeTimeout),
		fwconfig.WithJanitorInterval(*janitorInterval),
		fwconfig.WithInbound(inboundFamily, inboundAddr),
		fwconfig.WithKeepAlive(*keepAlive),
		fwconfig.WithLinger(*linger),
		fwconfig.WithOutbound(outboundFamily, outboundAddr),
	)
	if inboundFamily == "tls" {
		fwconfig.WithTLSMaterial(caFile, certFile, keyFile)(cfg)
	}

	return cfg, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "forwarder - protocol-agnostic byte-stream forwarder")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  forwarder [global opts] tcp <addr> [stream opts] unix <addr>")
	fmt.Fprintln(os.Stderr, "  forwarder [global opts] tls <addr> <ca> <cert> <privkey> [stream opts] unix <addr>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Global options:")
	fs.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Stream options (keepalive, linger) follow the inbound address.")
	fmt.Fprintln(os.Stderr, "Example:")
	fmt.Fprintln(os.Stderr, "  forwarder tcp 0.0.0.0:9000 --keepalive 5s unix /var/run/app.sock")
}
