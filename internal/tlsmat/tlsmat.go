// Package tlsmat loads the CA bundle, server certificate, and private key
// for a TLS inbound listener from disk and builds the resulting *tls.Config
// with modern-intermediate defaults.
package tlsmat

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrEmptyCABundle is returned when the CA file contains no usable
// certificates.
var ErrEmptyCABundle = errors.New("tlsmat: ca bundle contains no certificates")

// minVersion matches the "modern compatibility" baseline: TLS 1.2 floor,
// with 1.3 preferred whenever both peers support it.
const minVersion = tls.VersionTLS12

// LoadServerConfig reads the CA bundle, server certificate, and private key
// from disk and returns a *tls.Config ready to hand to tls.Server via
// endpoint.ListenerConfig.TLSConfig.
//
// The CA bundle is used to authenticate client certificates; callers that
// don't need mutual TLS may pass an empty caFile, in which case client
// certificates are not requested.
func LoadServerConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmat: load key pair: %w", err)
	}
	// tls.LoadX509KeyPair already confirms the private key matches the leaf
	// certificate; Leaf itself is left nil by LoadX509KeyPair so parse it
	// once here for callers that want to inspect it later (e.g. expiry
	// logging) without re-reading the file.
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("tlsmat: parse leaf certificate: %w", err)
	}
	cert.Leaf = leaf

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmat: read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrEmptyCABundle
	}
	return pool, nil
}
