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

// Package transport provides the transport layer for secure aggregation
// sessions.
//
// The transport layer runs a secagg protocol between remote parties by providing:
//   - Multiple protocol support (HTTP, QUIC, gRPC, Unix sockets, in-memory)
//   - A Session that drives the coordinator's secagg.Server by quorum and timeout
//   - A Participant interface that drives one secagg.User
//   - Pluggable codec support (JSON, CBOR, MessagePack, YAML, BSON, TOML)
//   - TLS/mTLS security
//
// The Coordinator only relays opaque protocol messages and computes the
// final aggregate. It never sees an individual participant's vector.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// Logger interface for transport layer logging.
// Implementations can be provided by callers to capture transport events.
type Logger interface {
	// Info logs informational messages.
	Info(format string, args ...interface{})
	// Debug logs debug messages (verbose output).
	Debug(format string, args ...interface{})
	// Error logs error messages.
	Error(format string, args ...interface{})
}

// NopLogger is a no-op logger that discards all log messages.
type NopLogger struct{}

func (NopLogger) Info(format string, args ...interface{})  {}
func (NopLogger) Debug(format string, args ...interface{}) {}
func (NopLogger) Error(format string, args ...interface{}) {}

// StdoutLogger logs to stdout with a prefix.
type StdoutLogger struct {
	Prefix  string
	Verbose bool
}

func (l *StdoutLogger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("[%s] %s\n", l.Prefix, msg)
}

func (l *StdoutLogger) Debug(format string, args ...interface{}) {
	if l.Verbose {
		msg := fmt.Sprintf(format, args...)
		fmt.Printf("[%s] DEBUG: %s\n", l.Prefix, msg)
	}
}

func (l *StdoutLogger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("[%s] ERROR: %s\n", l.Prefix, msg)
}

// Protocol represents supported transport protocols.
type Protocol string

const (
	// ProtocolHTTP uses HTTP/1.1 or HTTP/2 over TCP with polling for round results.
	ProtocolHTTP Protocol = "http"

	// ProtocolQUIC uses QUIC (UDP-based) with one stream per participant.
	ProtocolQUIC Protocol = "quic"

	// ProtocolGRPC uses unary gRPC calls over HTTP/2.
	ProtocolGRPC Protocol = "grpc"

	// ProtocolUnix uses gRPC over a Unix domain socket.
	ProtocolUnix Protocol = "unix"

	// ProtocolMemory uses in-process communication for testing and simulation.
	ProtocolMemory Protocol = "memory"
)

// Config holds transport layer configuration.
//
// The Config specifies how to establish connections and secure communications
// for aggregation sessions. Different protocols may use different config fields.
type Config struct {
	// Protocol specifies the transport protocol to use.
	Protocol Protocol

	// Address is the network address.
	// Format depends on protocol:
	//   - HTTP, QUIC and gRPC: "host:port" (e.g., "localhost:9000")
	//   - Unix: socket path (e.g., "/tmp/secagg.sock")
	//   - Memory: arbitrary identifier (e.g., "session-123")
	Address string

	// TLSCertFile is the path to TLS certificate file (PEM format).
	// Used for server-side TLS or client certificate in mTLS.
	TLSCertFile string

	// TLSKeyFile is the path to TLS private key file (PEM format).
	// Used for server-side TLS or client key in mTLS.
	TLSKeyFile string

	// TLSCAFile is the path to CA certificate file (PEM format).
	// Used for mTLS to verify peer certificates.
	TLSCAFile string

	// CodecType specifies message serialization format.
	// Supported: "json", "cbor", "msgpack", "yaml", "bson", "toml"
	// Default: "json"
	CodecType string

	// Timeout is the connection and operation timeout.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxMessageSize is the maximum message size in bytes.
	// Default: 16MB
	MaxMessageSize int

	// KeepAlive enables keepalive on the underlying connection.
	// Default: true
	KeepAlive bool

	// KeepAliveInterval is the keepalive interval.
	// Default: 30 seconds
	KeepAliveInterval time.Duration

	// RateLimit is the number of submissions per second accepted from a
	// single participant. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for RateLimit.
	RateBurst int

	// Logger for transport layer events.
	// If nil, a NopLogger is used.
	Logger Logger
}

// Coordinator manages one aggregation session.
//
// Lifecycle:
//  1. Start() - Begin accepting participant connections
//  2. WaitForParticipants() - Wait for n participants to join
//  3. Aggregate() - Wait for the protocol to finish
//  4. Stop() - Shutdown and cleanup
type Coordinator interface {
	// Start begins listening for participant connections.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the coordinator.
	Stop(ctx context.Context) error

	// Address returns the network address the coordinator is listening on.
	// This may differ from the configured address (e.g., if port 0 was used).
	Address() string

	// SessionID returns the unique identifier for this session.
	SessionID() string

	// WaitForParticipants blocks until n participants have joined.
	WaitForParticipants(ctx context.Context, n int) error

	// Aggregate blocks until the session completes and returns the sum of
	// the vectors of every participant that submitted a masked input.
	Aggregate(ctx context.Context) (secagg.Vector, error)
}

// Participant connects to a coordinator and runs the user side of the protocol.
type Participant interface {
	// Connect establishes a connection to the coordinator at the given address.
	Connect(ctx context.Context, addr string) error

	// Disconnect closes the connection to the coordinator.
	// Any in-progress session is abandoned.
	Disconnect() error

	// Run joins the session and executes all rounds with the provided parameters.
	// Blocks until the protocol completes, the participant stops early per
	// Params.ActiveRounds, or an error occurs.
	Run(ctx context.Context, params *Params) (*Result, error)
}

// Params contains the inputs for one participant's run.
type Params struct {
	// ID is this participant's id in the registry.
	ID secagg.ID

	// SigningKey is this participant's long-term Ed25519 key.
	SigningKey secagg.SigningSecretKey

	// Registry holds every participant's signing public key.
	Registry *secagg.Registry

	// Threshold is the secret-sharing threshold t.
	Threshold int

	// Vector is the private input.
	Vector secagg.Vector

	// ActiveRounds is the number of rounds this participant takes part in
	// before going silent. Zero means all five. Used to simulate dropouts.
	ActiveRounds int
}

// Validate checks the parameters against each other.
func (p *Params) Validate() error {
	if p == nil || p.Registry == nil {
		return fmt.Errorf("%w: registry is required", ErrInvalidParams)
	}
	if _, ok := p.Registry.Lookup(p.ID); !ok {
		return fmt.Errorf("%w: participant %d is not registered", ErrInvalidParams, p.ID)
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidParams)
	}
	if p.Threshold < secagg.MinThreshold || p.Threshold > p.Registry.Len() {
		return fmt.Errorf("%w: threshold %d with %d participants", ErrInvalidParams, p.Threshold, p.Registry.Len())
	}
	if p.ActiveRounds < 0 || p.ActiveRounds > NumRounds {
		return fmt.Errorf("%w: active rounds %d", ErrInvalidParams, p.ActiveRounds)
	}
	return nil
}

// rounds returns how many rounds the participant takes part in.
func (p *Params) rounds() int {
	if p.ActiveRounds == 0 {
		return NumRounds
	}
	return p.ActiveRounds
}

// Result describes how a participant's run ended.
type Result struct {
	// SessionID is the session the participant joined.
	SessionID string

	// ID is the participant id.
	ID secagg.ID

	// Completed is true if the participant finished round 4.
	Completed bool

	// RoundsCompleted counts the rounds this participant submitted.
	RoundsCompleted int

	// Aggregate is the final aggregate, if the coordinator published it.
	Aggregate secagg.Vector
}

// NumRounds is the number of protocol rounds.
const NumRounds = 5

// SessionConfig contains configuration for a coordinator session.
type SessionConfig struct {
	// SessionID is the unique identifier for this session.
	// If empty, a random UUID is generated.
	SessionID string

	// Threshold is the secret-sharing threshold t.
	Threshold int

	// NumParticipants is the number of registered participants n.
	NumParticipants int

	// VectorLength is the length of every input vector.
	VectorLength int

	// RoundTimeout bounds how long a round waits for stragglers. When it
	// elapses the round closes with whoever has submitted.
	// Default: 30 seconds
	RoundTimeout time.Duration

	// Timeout is the maximum time to wait for session completion.
	// Default: 5 minutes
	Timeout time.Duration
}
