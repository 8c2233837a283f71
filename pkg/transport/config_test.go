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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewConfig tests the default config constructor.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg == nil {
		t.Fatal("NewConfig returned nil")
	}

	if cfg.Protocol != ProtocolHTTP {
		t.Errorf("Expected default protocol %s, got %s", ProtocolHTTP, cfg.Protocol)
	}

	if cfg.CodecType != DefaultCodec {
		t.Errorf("Expected default codec %s, got %s", DefaultCodec, cfg.CodecType)
	}

	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %s, got %s", DefaultTimeout, cfg.Timeout)
	}

	if cfg.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("Expected default max message size %d, got %d", DefaultMaxMessageSize, cfg.MaxMessageSize)
	}

	if !cfg.KeepAlive {
		t.Error("Expected KeepAlive to be true by default")
	}

	if cfg.RateLimit != 0 {
		t.Errorf("Expected rate limiting disabled by default, got %v", cfg.RateLimit)
	}
}

// TestProtocolConstructors tests the per-protocol constructors.
func TestProtocolConstructors(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		protocol Protocol
		address  string
	}{
		{"http", NewHTTPConfig("localhost:8080"), ProtocolHTTP, "localhost:8080"},
		{"quic", NewQUICConfig("localhost:4433"), ProtocolQUIC, "localhost:4433"},
		{"grpc", NewGRPCConfig("localhost:9090"), ProtocolGRPC, "localhost:9090"},
		{"unix", NewUnixConfig("/tmp/secagg.sock"), ProtocolUnix, "/tmp/secagg.sock"},
		{"memory", NewMemoryConfig("session-1"), ProtocolMemory, "session-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Protocol != tt.protocol {
				t.Errorf("Expected protocol %s, got %s", tt.protocol, tt.cfg.Protocol)
			}
			if tt.cfg.Address != tt.address {
				t.Errorf("Expected address %s, got %s", tt.address, tt.cfg.Address)
			}
			if err := tt.cfg.Validate(); err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

// TestConfigValidateInvalid tests invalid configurations.
func TestConfigValidateInvalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{"unknown_protocol", func(c *Config) { c.Protocol = "websocket" }, ErrInvalidProtocol},
		{"empty_address", func(c *Config) { c.Address = "" }, ErrInvalidAddress},
		{"address_without_port", func(c *Config) { c.Address = "localhost" }, ErrInvalidAddress},
		{"zero_timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidConfig},
		{"zero_max_message_size", func(c *Config) { c.MaxMessageSize = 0 }, ErrInvalidConfig},
		{"empty_codec", func(c *Config) { c.CodecType = "" }, ErrInvalidConfig},
		{"unknown_codec", func(c *Config) { c.CodecType = "protobuf" }, ErrCodecNotSupported},
		{"negative_rate", func(c *Config) { c.RateLimit = -1 }, ErrInvalidConfig},
		{"cert_without_key", func(c *Config) { c.TLSCertFile = "cert.pem" }, ErrCertificateInvalid},
		{"missing_cert_file", func(c *Config) {
			c.TLSCertFile = "/nonexistent/cert.pem"
			c.TLSKeyFile = "/nonexistent/key.pem"
		}, ErrCertificateNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewHTTPConfig("localhost:8080")
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	var nilCfg *Config
	if !errors.Is(nilCfg.Validate(), ErrInvalidConfig) {
		t.Error("Expected nil config to be invalid")
	}
}

// TestConfigCodecsCaseInsensitive tests codec validation.
func TestConfigCodecsCaseInsensitive(t *testing.T) {
	for _, codec := range append(Codecs, "JSON", "Cbor") {
		cfg := NewMemoryConfig("x")
		cfg.CodecType = codec
		if err := cfg.Validate(); err != nil {
			t.Errorf("codec %s: %v", codec, err)
		}
	}
}

// TestConfigTLSMethods tests TLS mode detection and file checks.
func TestConfigTLSMethods(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	ca := filepath.Join(dir, "ca.pem")
	for _, f := range []string{cert, key, ca} {
		if err := os.WriteFile(f, []byte("placeholder"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	server := NewTLSConfig(ProtocolHTTP, "localhost:8443", cert, key, "")
	if !server.HasTLS() || !server.IsServerTLS() || server.IsMutualTLS() {
		t.Error("Expected server TLS only")
	}
	if err := server.Validate(); err != nil {
		t.Errorf("Expected valid server TLS config, got %v", err)
	}

	mutual := NewTLSConfig(ProtocolQUIC, "localhost:4433", cert, key, ca)
	if !mutual.IsMutualTLS() {
		t.Error("Expected mTLS")
	}
	if err := mutual.Validate(); err != nil {
		t.Errorf("Expected valid mTLS config, got %v", err)
	}

	mutual.TLSCAFile = filepath.Join(dir, "missing.pem")
	if err := mutual.Validate(); !errors.Is(err, ErrCANotFound) {
		t.Errorf("Expected ErrCANotFound, got %v", err)
	}
	var tlsErr *TLSError
	if !errors.As(mutual.Validate(), &tlsErr) {
		t.Error("Expected TLSError")
	}

	plain := NewHTTPConfig("localhost:8080")
	if plain.HasTLS() {
		t.Error("Expected no TLS")
	}
}

// TestConfigClone tests that Clone returns an independent copy.
func TestConfigClone(t *testing.T) {
	cfg := NewQUICConfig("localhost:4433")
	cfg.RateLimit = 5
	cfg.Logger = &StdoutLogger{Prefix: "test"}

	clone := cfg.Clone()
	if clone == cfg {
		t.Fatal("Expected a new pointer")
	}
	if clone.Address != cfg.Address || clone.RateLimit != cfg.RateLimit || clone.Logger != cfg.Logger {
		t.Error("Clone lost fields")
	}
	clone.Address = "other:1"
	if cfg.Address == "other:1" {
		t.Error("Clone shares state with original")
	}

	var nilCfg *Config
	if nilCfg.Clone() != nil {
		t.Error("Expected nil clone of nil config")
	}
}

// TestConfigString tests redacted string output.
func TestConfigString(t *testing.T) {
	cfg := NewTLSConfig(ProtocolHTTP, "localhost:8443", "/secret/cert.pem", "/secret/key.pem", "/secret/ca.pem")
	s := cfg.String()
	if strings.Contains(s, "/secret") {
		t.Errorf("String leaked TLS paths: %s", s)
	}
	if !strings.Contains(s, "TLS=mTLS") {
		t.Errorf("Expected mTLS in %s", s)
	}
}

// TestGetLogger tests the logger fallback.
func TestGetLogger(t *testing.T) {
	var nilCfg *Config
	if _, ok := nilCfg.GetLogger().(NopLogger); !ok {
		t.Error("Expected NopLogger for nil config")
	}
	cfg := NewConfig()
	logger := &StdoutLogger{}
	cfg.Logger = logger
	if cfg.GetLogger() != logger {
		t.Error("Expected configured logger")
	}
}

// TestNewSessionConfig tests session config defaults.
func TestNewSessionConfig(t *testing.T) {
	sc := NewSessionConfig(3, 5, 10)
	if sc.SessionID == "" {
		t.Error("Expected generated session id")
	}
	if sc.RoundTimeout != DefaultRoundTimeout {
		t.Errorf("Expected round timeout %s, got %s", DefaultRoundTimeout, sc.RoundTimeout)
	}
	if sc.Timeout != DefaultSessionTimeout {
		t.Errorf("Expected timeout %s, got %s", DefaultSessionTimeout, sc.Timeout)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Expected valid session config, got %v", err)
	}
	if other := NewSessionConfig(3, 5, 10); other.SessionID == sc.SessionID {
		t.Error("Expected unique session ids")
	}
}

// TestSessionConfigValidate tests session config validation.
func TestSessionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SessionConfig)
		wantErr error
	}{
		{"too_few_participants", func(sc *SessionConfig) { sc.NumParticipants = 2 }, ErrInvalidParticipantCount},
		{"too_many_participants", func(sc *SessionConfig) { sc.NumParticipants = 256 }, ErrInvalidParticipantCount},
		{"threshold_one", func(sc *SessionConfig) { sc.Threshold = 1 }, ErrInvalidThreshold},
		{"threshold_above_n", func(sc *SessionConfig) { sc.Threshold = 6 }, ErrInvalidThreshold},
		{"zero_vector", func(sc *SessionConfig) { sc.VectorLength = 0 }, ErrInvalidVectorLength},
		{"zero_round_timeout", func(sc *SessionConfig) { sc.RoundTimeout = 0 }, ErrInvalidConfig},
		{"negative_timeout", func(sc *SessionConfig) { sc.Timeout = -time.Second }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := NewSessionConfig(3, 5, 4)
			tt.modify(sc)
			if err := sc.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	var nilSC *SessionConfig
	if !errors.Is(nilSC.Validate(), ErrInvalidConfig) {
		t.Error("Expected nil session config to be invalid")
	}
}

// TestSessionConfigString tests session config formatting.
func TestSessionConfigString(t *testing.T) {
	sc := NewSessionConfig(3, 5, 4)
	sc.SessionID = "abc"
	s := sc.String()
	for _, want := range []string{"ID=abc", "Threshold=3", "Participants=5", "VectorLength=4"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in %s", want, s)
		}
	}
}
