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

package transport

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

const (
	// DefaultTimeout is the default connection timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxMessageSize is the default maximum message size (16MB).
	// Round 1 and round 2 payloads grow with n and the vector length.
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultKeepAliveInterval is the default keepalive interval.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultCodec is the default message codec.
	DefaultCodec = "json"

	// DefaultSessionTimeout is the default session timeout.
	DefaultSessionTimeout = 5 * time.Minute

	// DefaultRoundTimeout is the default per-round straggler timeout.
	DefaultRoundTimeout = 30 * time.Second

	// DefaultPollInterval is how often polling clients ask for round results.
	DefaultPollInterval = 100 * time.Millisecond
)

// Codecs lists every supported codec name.
var Codecs = []string{"json", "cbor", "msgpack", "yaml", "bson", "toml"}

// NewConfig creates a new Config with default values.
//
// The returned config has:
//   - Protocol: ProtocolHTTP
//   - CodecType: "json"
//   - Timeout: 30 seconds
//   - MaxMessageSize: 16MB
//   - KeepAlive: true
//   - KeepAliveInterval: 30 seconds
//
// Callers should set Address and other protocol-specific fields.
func NewConfig() *Config {
	return &Config{
		Protocol:          ProtocolHTTP,
		CodecType:         DefaultCodec,
		Timeout:           DefaultTimeout,
		MaxMessageSize:    DefaultMaxMessageSize,
		KeepAlive:         true,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

// NewHTTPConfig creates a Config for HTTP transport.
func NewHTTPConfig(address string) *Config {
	cfg := NewConfig()
	cfg.Protocol = ProtocolHTTP
	cfg.Address = address
	return cfg
}

// NewQUICConfig creates a Config for QUIC transport.
func NewQUICConfig(address string) *Config {
	cfg := NewConfig()
	cfg.Protocol = ProtocolQUIC
	cfg.Address = address
	return cfg
}

// NewGRPCConfig creates a Config for gRPC transport.
func NewGRPCConfig(address string) *Config {
	cfg := NewConfig()
	cfg.Protocol = ProtocolGRPC
	cfg.Address = address
	return cfg
}

// NewUnixConfig creates a Config for gRPC over a Unix socket at path.
func NewUnixConfig(path string) *Config {
	cfg := NewConfig()
	cfg.Protocol = ProtocolUnix
	cfg.Address = path
	return cfg
}

// NewMemoryConfig creates a Config for in-memory transport (testing).
func NewMemoryConfig(identifier string) *Config {
	cfg := NewConfig()
	cfg.Protocol = ProtocolMemory
	cfg.Address = identifier
	return cfg
}

// NewTLSConfig creates a Config with TLS enabled.
//
// For server-side TLS, provide certFile and keyFile.
// For mTLS (mutual TLS), also provide caFile.
func NewTLSConfig(protocol Protocol, address, certFile, keyFile, caFile string) *Config {
	cfg := NewConfig()
	cfg.Protocol = protocol
	cfg.Address = address
	cfg.TLSCertFile = certFile
	cfg.TLSKeyFile = keyFile
	cfg.TLSCAFile = caFile
	return cfg
}

// Validate checks if the configuration is valid.
//
// Returns an error if:
//   - Protocol is not supported
//   - Address is empty (except for memory protocol)
//   - Address has no port (except for memory and unix protocols)
//   - TLS cert/key files don't exist (if TLS is configured)
//   - Timeout is zero or negative
//   - MaxMessageSize is zero or negative
//   - CodecType is empty or unsupported
//   - RateLimit or RateBurst is negative
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	if !c.isValidProtocol() {
		return fmt.Errorf("%w: %s", ErrInvalidProtocol, c.Protocol)
	}

	// Memory addresses are arbitrary identifiers
	if c.Protocol != ProtocolMemory {
		if c.Address == "" {
			return fmt.Errorf("%w: address is required", ErrInvalidAddress)
		}
		if c.Protocol != ProtocolUnix && !strings.Contains(c.Address, ":") {
			return fmt.Errorf("%w: address must be in format host:port", ErrInvalidAddress)
		}
	}

	if c.HasTLS() {
		if err := c.validateTLS(); err != nil {
			return err
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.CodecType == "" {
		return fmt.Errorf("%w: codec type is required", ErrInvalidConfig)
	}

	if !IsValidCodec(c.CodecType) {
		return fmt.Errorf("%w: unsupported codec %s", ErrCodecNotSupported, c.CodecType)
	}

	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}

	return nil
}

// HasTLS returns true if TLS is configured.
func (c *Config) HasTLS() bool {
	return c.TLSCertFile != "" || c.TLSKeyFile != "" || c.TLSCAFile != ""
}

// IsMutualTLS returns true if mutual TLS (mTLS) is configured.
func (c *Config) IsMutualTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != "" && c.TLSCAFile != ""
}

// IsServerTLS returns true if server-side TLS is configured (but not mTLS).
func (c *Config) IsServerTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != "" && c.TLSCAFile == ""
}

// GetLogger returns the configured logger or a NopLogger.
func (c *Config) GetLogger() Logger {
	if c == nil || c.Logger == nil {
		return NopLogger{}
	}
	return c.Logger
}

// validateTLS checks if TLS configuration is valid.
func (c *Config) validateTLS() error {
	if c.TLSCertFile != "" && c.TLSKeyFile == "" {
		return NewTLSError("TLS key file required when cert file is specified", ErrCertificateInvalid)
	}

	if c.TLSKeyFile != "" && c.TLSCertFile == "" {
		return NewTLSError("TLS cert file required when key file is specified", ErrCertificateInvalid)
	}

	if c.TLSCertFile != "" {
		if _, err := os.Stat(c.TLSCertFile); os.IsNotExist(err) {
			return NewTLSError(fmt.Sprintf("cert file not found: %s", c.TLSCertFile), ErrCertificateNotFound)
		}
	}

	if c.TLSKeyFile != "" {
		if _, err := os.Stat(c.TLSKeyFile); os.IsNotExist(err) {
			return NewTLSError(fmt.Sprintf("key file not found: %s", c.TLSKeyFile), ErrPrivateKeyNotFound)
		}
	}

	if c.TLSCAFile != "" {
		if _, err := os.Stat(c.TLSCAFile); os.IsNotExist(err) {
			return NewTLSError(fmt.Sprintf("CA file not found: %s", c.TLSCAFile), ErrCANotFound)
		}
	}

	return nil
}

// isValidProtocol checks if the protocol is supported.
func (c *Config) isValidProtocol() bool {
	switch c.Protocol {
	case ProtocolHTTP, ProtocolQUIC, ProtocolGRPC, ProtocolUnix, ProtocolMemory:
		return true
	default:
		return false
	}
}

// IsValidCodec checks if the codec is supported.
func IsValidCodec(codec string) bool {
	codec = strings.ToLower(codec)
	for _, c := range Codecs {
		if c == codec {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// String returns a string representation of the config (with sensitive data redacted).
func (c *Config) String() string {
	tlsStatus := "disabled"
	if c.IsMutualTLS() {
		tlsStatus = "mTLS"
	} else if c.IsServerTLS() {
		tlsStatus = "TLS"
	}

	return fmt.Sprintf("Config{Protocol=%s, Address=%s, TLS=%s, Codec=%s, Timeout=%s}",
		c.Protocol, c.Address, tlsStatus, c.CodecType, c.Timeout)
}

// NewSessionConfig creates a new SessionConfig with default values.
func NewSessionConfig(threshold, numParticipants, vectorLength int) *SessionConfig {
	return &SessionConfig{
		SessionID:       uuid.NewString(),
		Threshold:       threshold,
		NumParticipants: numParticipants,
		VectorLength:    vectorLength,
		RoundTimeout:    DefaultRoundTimeout,
		Timeout:         DefaultSessionTimeout,
	}
}

// Validate checks if the session configuration is valid.
func (sc *SessionConfig) Validate() error {
	if sc == nil {
		return ErrInvalidConfig
	}

	if sc.NumParticipants < secagg.MinAliveUsers || sc.NumParticipants > secagg.MaxParticipants {
		return fmt.Errorf("%w: got %d", ErrInvalidParticipantCount, sc.NumParticipants)
	}

	if sc.Threshold < secagg.MinThreshold || sc.Threshold > sc.NumParticipants {
		return fmt.Errorf("%w: threshold must be between %d and %d", ErrInvalidThreshold,
			secagg.MinThreshold, sc.NumParticipants)
	}

	if sc.VectorLength < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidVectorLength, sc.VectorLength)
	}

	if sc.RoundTimeout <= 0 {
		return fmt.Errorf("%w: round timeout must be positive", ErrInvalidConfig)
	}

	if sc.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

// String returns a string representation of the session config.
func (sc *SessionConfig) String() string {
	return fmt.Sprintf("SessionConfig{ID=%s, Threshold=%d, Participants=%d, VectorLength=%d, RoundTimeout=%s, Timeout=%s}",
		sc.SessionID, sc.Threshold, sc.NumParticipants, sc.VectorLength, sc.RoundTimeout, sc.Timeout)
}
