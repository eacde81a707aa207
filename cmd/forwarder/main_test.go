package main

import (
	"testing"
	"time"
)

func TestParseArgsTCP(t *testing.T) {
	cfg, err := parseArgs([]string{"tcp", "127.0.0.1:9000", "--keepalive", "3s", "unix", "/tmp/app.sock"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.InboundFamily != "tcp" || cfg.InboundAddr != "127.0.0.1:9000" {
		t.Errorf("inbound = %s %s, want tcp 127.0.0.1:9000", cfg.InboundFamily, cfg.InboundAddr)
	}
	if cfg.KeepAlive != 3*time.Second {
		t.Errorf("KeepAlive = %v, want 3s", cfg.KeepAlive)
	}
	if cfg.OutboundFamily != "unix" || cfg.OutboundAddr != "/tmp/app.sock" {
		t.Errorf("outbound = %s %s, want unix /tmp/app.sock", cfg.OutboundFamily, cfg.OutboundAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseArgsTLS(t *testing.T) {
	cfg, err := parseArgs([]string{
		"--capacity", "4096",
		"tls", "0.0.0.0:9443", "ca.pem", "cert.pem", "key.pem",
		"--linger", "1s",
		"unix", "/tmp/app.sock",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.Capacity != 4096 {
		t.Errorf("Capacity = %d, want 4096", cfg.Capacity)
	}
	if cfg.CAFile != "ca.pem" || cfg.CertFile != "cert.pem" || cfg.KeyFile != "key.pem" {
		t.Errorf("tls material = %s %s %s", cfg.CAFile, cfg.CertFile, cfg.KeyFile)
	}
	if cfg.Linger != 1*time.Second {
		t.Errorf("Linger = %v, want 1s", cfg.Linger)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseArgsMissingOutbound(t *testing.T) {
	if _, err := parseArgs([]string{"tcp", "127.0.0.1:9000"}); err == nil {
		t.Fatal("expected error for missing outbound")
	}
}

func TestParseArgsUnknownInboundFamily(t *testing.T) {
	if _, err := parseArgs([]string{"carrier-pigeon", "127.0.0.1:9000", "unix", "/tmp/app.sock"}); err == nil {
		t.Fatal("expected error for unknown inbound family")
	}
}

func TestParseArgsTLSMissingMaterial(t *testing.T) {
	if _, err := parseArgs([]string{"tls", "127.0.0.1:9443", "unix", "/tmp/app.sock"}); err == nil {
		t.Fatal("expected error: tls requires ca/cert/privkey positionals")
	}
}
