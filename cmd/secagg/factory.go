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

package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	"github.com/jeremyhahn/go-secagg/pkg/transport/grpc"
	"github.com/jeremyhahn/go-secagg/pkg/transport/http"
	"github.com/jeremyhahn/go-secagg/pkg/transport/quic"
)

// TransportFactory creates transport layer components (coordinators and participants).
// This interface enables dependency injection for testing.
type TransportFactory interface {
	// NewParticipant creates a new participant for the given protocol.
	NewParticipant(protocol transport.Protocol, cfg *transport.Config) (transport.Participant, error)

	// NewCoordinator creates a new coordinator for the given protocol.
	NewCoordinator(protocol transport.Protocol, cfg *transport.Config, sessionCfg *transport.SessionConfig,
		registry *secagg.Registry, metrics *transport.MetricsCollector) (transport.Coordinator, error)
}

// DefaultTransportFactory implements TransportFactory using real transport implementations.
type DefaultTransportFactory struct{}

// NewParticipant creates a participant based on the protocol.
func (f *DefaultTransportFactory) NewParticipant(proto transport.Protocol, cfg *transport.Config) (transport.Participant, error) {
	switch proto {
	case transport.ProtocolHTTP:
		return http.NewHTTPClient(cfg)
	case transport.ProtocolQUIC:
		return quic.NewQUICClient(cfg)
	case transport.ProtocolGRPC, transport.ProtocolUnix:
		return grpc.NewGRPCClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s (supported: http, quic, grpc, unix)", proto)
	}
}

// NewCoordinator creates a coordinator based on the protocol.
func (f *DefaultTransportFactory) NewCoordinator(proto transport.Protocol, cfg *transport.Config,
	sessionCfg *transport.SessionConfig, registry *secagg.Registry, metrics *transport.MetricsCollector) (transport.Coordinator, error) {
	switch proto {
	case transport.ProtocolHTTP:
		return http.NewHTTPServer(cfg, sessionCfg, registry, http.WithMetrics(metrics))
	case transport.ProtocolQUIC:
		return quic.NewQUICServer(cfg, sessionCfg, registry, quic.WithMetrics(metrics))
	case transport.ProtocolGRPC, transport.ProtocolUnix:
		return grpc.NewGRPCServer(cfg, sessionCfg, registry, grpc.WithMetrics(metrics))
	default:
		return nil, fmt.Errorf("unsupported protocol: %s (supported: http, quic, grpc, unix)", proto)
	}
}

// Default factory instance used by the package.
// Can be overridden in tests for dependency injection.
var defaultFactory TransportFactory = &DefaultTransportFactory{}

// transportConfig builds a transport config from the global flags.
func transportConfig(address string, timeout time.Duration, logger transport.Logger) *transport.Config {
	cfg := transport.NewConfig()
	cfg.Protocol = transport.Protocol(viper.GetString("protocol"))
	cfg.Address = address
	cfg.CodecType = viper.GetString("codec")
	cfg.TLSCertFile = viper.GetString("tls.cert")
	cfg.TLSKeyFile = viper.GetString("tls.key")
	cfg.TLSCAFile = viper.GetString("tls.ca")
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.Logger = logger
	return cfg
}
