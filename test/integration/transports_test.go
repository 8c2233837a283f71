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

//go:build integration

// Package integration runs complete aggregation sessions over every
// transport and checks that they behave the same way.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	grpctransport "github.com/jeremyhahn/go-secagg/pkg/transport/grpc"
	httptransport "github.com/jeremyhahn/go-secagg/pkg/transport/http"
	"github.com/jeremyhahn/go-secagg/pkg/transport/memory"
	"github.com/jeremyhahn/go-secagg/pkg/transport/quic"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
	"github.com/jeremyhahn/go-secagg/pkg/transport/transporttest"
)

// transportFactory starts a coordinator for the session and returns a
// constructor for participants that can reach it.
type transportFactory func(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error))

type transportCase struct {
	name    string
	factory transportFactory
}

func allTransports() []transportCase {
	return []transportCase{
		{"Memory", createMemoryTransport},
		{"HTTP", createHTTPTransport},
		{"HTTPS-mTLS", createHTTPSTransport},
		{"QUIC", createQUICTransport},
		{"QUIC-mTLS", createQUICMutualTLSTransport},
		{"gRPC", createGRPCTransport},
		{"gRPC-mTLS", createGRPCMutualTLSTransport},
		{"Unix", createUnixTransport},
	}
}

func start(t *testing.T, coord transport.Coordinator) {
	t.Helper()
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})
}

func createMemoryTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	network, err := memory.NewNetwork("cbor")
	require.NoError(t, err)
	coord, err := memory.NewMemoryCoordinator(network, "", sc, reg)
	require.NoError(t, err)
	start(t, coord)
	return coord, func() (transport.Participant, error) {
		return memory.NewMemoryParticipant(network)
	}
}

func createHTTPTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	cfg := transport.NewHTTPConfig(transporttest.LocalAddress())
	cfg.CodecType = "msgpack"
	coord, err := httptransport.NewHTTPServer(cfg, sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		cfg := transport.NewHTTPConfig(addr)
		cfg.CodecType = "msgpack"
		return httptransport.NewHTTPClient(cfg)
	}
}

func certificates(t *testing.T) *tlsconfig.Files {
	t.Helper()
	files, err := tlsconfig.WriteBundle(filepath.Join(t.TempDir(), "certs"),
		[]string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	return files
}

func createHTTPSTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	certs := certificates(t)
	coord, err := httptransport.NewHTTPServer(transport.NewTLSConfig(transport.ProtocolHTTP,
		transporttest.LocalAddress(), certs.ServerCertFile, certs.ServerKeyFile, certs.CAFile), sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		return httptransport.NewHTTPClient(transport.NewTLSConfig(transport.ProtocolHTTP, addr,
			certs.ClientCertFile, certs.ClientKeyFile, certs.CAFile))
	}
}

func createQUICTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	coord, err := quic.NewQUICServer(transport.NewQUICConfig("127.0.0.1:0"), sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		return quic.NewQUICClient(transport.NewQUICConfig(addr))
	}
}

func createQUICMutualTLSTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	certs := certificates(t)
	cfg := transport.NewTLSConfig(transport.ProtocolQUIC, "127.0.0.1:0",
		certs.ServerCertFile, certs.ServerKeyFile, certs.CAFile)
	cfg.CodecType = "cbor"
	coord, err := quic.NewQUICServer(cfg, sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		cfg := transport.NewTLSConfig(transport.ProtocolQUIC, addr,
			certs.ClientCertFile, certs.ClientKeyFile, certs.CAFile)
		cfg.CodecType = "cbor"
		return quic.NewQUICClient(cfg)
	}
}

func createGRPCTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	cfg := transport.NewGRPCConfig("127.0.0.1:0")
	coord, err := grpctransport.NewGRPCServer(cfg, sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		cfg := transport.NewGRPCConfig(addr)
		cfg.CodecType = "bson"
		return grpctransport.NewGRPCClient(cfg)
	}
}

func createGRPCMutualTLSTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	certs := certificates(t)
	coord, err := grpctransport.NewGRPCServer(transport.NewTLSConfig(transport.ProtocolGRPC, "127.0.0.1:0",
		certs.ServerCertFile, certs.ServerKeyFile, certs.CAFile), sc, reg)
	require.NoError(t, err)
	start(t, coord)
	addr := coord.Address()
	return coord, func() (transport.Participant, error) {
		return grpctransport.NewGRPCClient(transport.NewTLSConfig(transport.ProtocolGRPC, addr,
			certs.ClientCertFile, certs.ClientKeyFile, certs.CAFile))
	}
}

func createUnixTransport(t *testing.T, sc *transport.SessionConfig, reg *secagg.Registry) (
	transport.Coordinator, func() (transport.Participant, error)) {
	dir, err := os.MkdirTemp("", "secagg")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "coordinator.sock")

	coord, err := grpctransport.NewUnixServer(transport.NewUnixConfig(socket), sc, reg)
	require.NoError(t, err)
	start(t, coord)
	return coord, func() (transport.Participant, error) {
		cfg := transport.NewUnixConfig(socket)
		cfg.CodecType = "yaml"
		return grpctransport.NewUnixClient(cfg)
	}
}
