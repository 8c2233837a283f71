// SPDX-License-Identifier: Apache-2.0
//
// Copyright 2025 Jeremy Hahn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls provides TLS 1.3 configuration for coordinator and
// participant connections.
//
// Both sides pin TLS 1.3. Passing a CA file on the coordinator turns on
// mutual TLS, so only participants holding a certificate from that CA can
// join. ALPN protocol lists are passed through so QUIC and HTTP/2 can
// negotiate on the same helpers.
//
// Example coordinator configuration with mTLS:
//
//	config, err := tls.ServerConfig("server.pem", "server-key.pem", "ca.pem", tls.ALPNQUIC)
//	if err != nil {
//	    log.Fatal(err)
//	}
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// ALPNQUIC is the application protocol negotiated by the QUIC transport.
const ALPNQUIC = "secagg-quic/1"

var cipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// ServerConfig creates a TLS 1.3 server configuration
// certFile: path to server certificate (PEM)
// keyFile: path to server private key (PEM)
// caFile: optional path to CA cert for mTLS client verification (empty string to skip)
func ServerConfig(certFile, keyFile, caFile string, nextProtos ...string) (*tls.Config, error) {
	cert, err := LoadCertificate(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		CipherSuites: cipherSuites,
		NextProtos:   nextProtos,
	}

	if caFile != "" {
		certPool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		config.ClientCAs = certPool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// ClientConfig creates a TLS 1.3 client configuration
// certFile: optional path to client certificate for mTLS (empty to skip)
// keyFile: optional path to client private key for mTLS (empty to skip)
// caFile: path to CA cert to verify server (empty to use system roots)
// serverName: expected server name for verification (empty to skip)
func ClientConfig(certFile, keyFile, caFile, serverName string, nextProtos ...string) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
		ServerName:   serverName,
		NextProtos:   nextProtos,
	}

	if certFile != "" && keyFile != "" {
		cert, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		certPool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		config.RootCAs = certPool
	}

	return config, nil
}

// InsecureClientConfig creates a TLS config that skips server verification.
//
// WARNING: This function is ONLY for testing and development purposes.
// It disables certificate verification which makes the connection vulnerable
// to man-in-the-middle attacks. NEVER use in production.
func InsecureClientConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, //#nosec G402 -- Intentional for testing; see function documentation
		CipherSuites:       cipherSuites,
		NextProtos:         nextProtos,
	}
}

// LoadCertificate loads a certificate and key from files
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" {
		return tls.Certificate{}, ErrEmptyCertificate
	}
	if keyFile == "" {
		return tls.Certificate{}, ErrEmptyKey
	}

	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		return tls.Certificate{}, fmt.Errorf("%w: %s", ErrCertificateNotFound, certFile)
	}

	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		return tls.Certificate{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyFile)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	return cert, nil
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, fmt.Errorf("%w: empty CA file path", ErrCANotFound)
	}

	cleanPath := filepath.Clean(caFile)

	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, cleanPath)
	}

	caPEM, err := os.ReadFile(cleanPath) //nolint:gosec // G304: Path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	if len(caPEM) == 0 {
		return nil, fmt.Errorf("%w: empty CA file", ErrInvalidCAPool)
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: failed to parse CA certificate", ErrInvalidCAPool)
	}

	return certPool, nil
}
