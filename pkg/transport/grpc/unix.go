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

package grpc

import (
	"fmt"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// NewUnixServer creates a coordinator listening on the Unix socket at
// cfg.Address. A stale socket file is removed on Start and the socket is
// removed again on Stop. TLS settings are ignored.
func NewUnixServer(cfg *transport.Config, sessionCfg *transport.SessionConfig,
	registry *secagg.Registry, opts ...ServerOption) (*GRPCServer, error) {
	if cfg == nil {
		return nil, transport.ErrInvalidConfig
	}
	if cfg.Protocol != transport.ProtocolUnix {
		return nil, fmt.Errorf("%w: expected unix, got %q", transport.ErrInvalidProtocol, cfg.Protocol)
	}
	return NewGRPCServer(cfg, sessionCfg, registry, opts...)
}

// NewUnixClient creates a participant that dials a Unix socket coordinator.
func NewUnixClient(cfg *transport.Config) (*GRPCClient, error) {
	if cfg == nil {
		return nil, transport.ErrInvalidConfig
	}
	if cfg.Protocol != transport.ProtocolUnix {
		return nil, fmt.Errorf("%w: expected unix, got %q", transport.ErrInvalidProtocol, cfg.Protocol)
	}
	return NewGRPCClient(cfg)
}
