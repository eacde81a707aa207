// Package fwconfig holds the forwarder's runtime configuration: the global
// engine tunables plus the inbound/outbound endpoint settings, assembled via
// a defaultConfig-plus-functional-options constructor and validated once
// before use.
package fwconfig

import (
	"errors"
	"time"
)

const (
	// DefaultCapacity is the initial connection-table size hint.
	DefaultCapacity = 2048
	// DefaultEventBufferSize is the per-poll event batch size.
	DefaultEventBufferSize = 2048
	// DefaultClientBufferSize is the per-pair relay buffer size in bytes.
	DefaultClientBufferSize = 8192
	// DefaultKeepAlive is the inbound TCP keep-alive period.
	DefaultKeepAlive = 5000 * time.Millisecond
	// DefaultLinger is the inbound TCP SO_LINGER timeout. Zero disables
	// lingering (a graceful, OS-default close on Close()).
	DefaultLinger = 2000 * time.Millisecond
	// DefaultJanitorInterval is how often the background janitor wakes the
	// engine to sweep for stuck handshakes.
	DefaultJanitorInterval = 1 * time.Second
)

// ErrInvalidConfig is returned by Validate when required fields are missing
// or mutually inconsistent.
var ErrInvalidConfig = errors.New("fwconfig: invalid configuration")

// Option mutates a Config during construction.
type Option func(*Config)

// Config holds every setting needed to build the listener, connector, and
// engine for a single forwarder instance.
type Config struct {
	Capacity         int
	EventBufferSize  int
	ClientBufferSize int
	HandshakeTimeout time.Duration
	JanitorInterval  time.Duration

	InboundFamily string // "tcp" or "tls"
	InboundAddr   string
	KeepAlive     time.Duration
	Linger        time.Duration

	// TLS-only inbound material: additional ca, cert, and privkey paths.
	CAFile   string
	CertFile string
	KeyFile  string

	OutboundFamily string // "unix"
	OutboundAddr   string
}

// Default returns a Config populated with the documented CLI defaults.
func Default() *Config {
	return &Config{
		Capacity:         DefaultCapacity,
		EventBufferSize:  DefaultEventBufferSize,
		ClientBufferSize: DefaultClientBufferSize,
		KeepAlive:        DefaultKeepAlive,
		Linger:           DefaultLinger,
		JanitorInterval:  DefaultJanitorInterval,
	}
}

// New builds a Config from defaults with the given options applied.
func New(opts ...Option) *Config {
	cfg := Default()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Validate checks that the configuration is complete and self-consistent.
func (c *Config) Validate() error {
	if c.Capacity <= 0 || c.EventBufferSize <= 0 || c.ClientBufferSize <= 0 {
		return ErrInvalidConfig
	}
	if c.InboundAddr == "" {
		return errors.New("fwconfig: inbound address required")
	}
	switch c.InboundFamily {
	case "tcp":
	case "tls":
		if c.CAFile == "" || c.CertFile == "" || c.KeyFile == "" {
			return errors.New("fwconfig: tls inbound requires ca, cert, and privkey")
		}
	case "":
		return errors.New("fwconfig: inbound family required")
	default:
		return ErrInvalidConfig
	}
	if c.OutboundFamily != "unix" {
		return errors.New("fwconfig: only unix outbound is supported")
	}
	if c.OutboundAddr == "" {
		return errors.New("fwconfig: outbound address required")
	}
	return nil
}

// WithCapacity overrides the connection-table capacity hint.
func WithCapacity(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Capacity = n
		}
	}
}

// WithEventBufferSize overrides the per-poll event batch size.
func WithEventBufferSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.EventBufferSize = n
		}
	}
}

// WithClientBufferSize overrides the per-pair relay buffer size.
func WithClientBufferSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ClientBufferSize = n
		}
	}
}

// WithHandshakeTimeout bounds how long a pair may sit outside stateBoth
// before the janitor tears it down. Zero disables the sweep.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.HandshakeTimeout = d
		}
	}
}

// WithJanitorInterval overrides the janitor wakeup cadence.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.JanitorInterval = d
		}
	}
}

// WithInbound sets the inbound family and address (tcp or tls).
func WithInbound(family, addr string) Option {
	return func(c *Config) {
		c.InboundFamily = family
		c.InboundAddr = addr
	}
}

// WithKeepAlive overrides the inbound TCP keep-alive period. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.KeepAlive = d
		}
	}
}

// WithLinger overrides the inbound TCP SO_LINGER timeout. Zero (or any
// negative value) disables lingering, giving a graceful OS-default close; a
// positive duration requests that many seconds of linger on Close().
func WithLinger(d time.Duration) Option {
	return func(c *Config) {
		c.Linger = d
	}
}

// WithTLSMaterial sets the CA bundle, server certificate, and private key
// paths for a "tls" inbound family.
func WithTLSMaterial(ca, cert, key string) Option {
	return func(c *Config) {
		c.CAFile = ca
		c.CertFile = cert
		c.KeyFile = key
	}
}

// WithOutbound sets the outbound family and address (unix only).
func WithOutbound(family, addr string) Option {
	return func(c *Config) {
		c.OutboundFamily = family
		c.OutboundAddr = addr
	}
}
