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
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	grpctransport "github.com/jeremyhahn/go-secagg/pkg/transport/grpc"
	httptransport "github.com/jeremyhahn/go-secagg/pkg/transport/http"
	"github.com/jeremyhahn/go-secagg/pkg/transport/quic"
)

type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) NewParticipant(proto transport.Protocol, cfg *transport.Config) (transport.Participant, error) {
	args := m.Called(proto, cfg)
	p, _ := args.Get(0).(transport.Participant)
	return p, args.Error(1)
}

func (m *mockFactory) NewCoordinator(proto transport.Protocol, cfg *transport.Config, sessionCfg *transport.SessionConfig,
	registry *secagg.Registry, metrics *transport.MetricsCollector) (transport.Coordinator, error) {
	args := m.Called(proto, cfg, sessionCfg, registry, metrics)
	c, _ := args.Get(0).(transport.Coordinator)
	return c, args.Error(1)
}

type mockParticipant struct {
	mock.Mock
}

func (m *mockParticipant) Connect(ctx context.Context, addr string) error {
	return m.Called(addr).Error(0)
}

func (m *mockParticipant) Disconnect() error {
	return m.Called().Error(0)
}

func (m *mockParticipant) Run(ctx context.Context, params *transport.Params) (*transport.Result, error) {
	args := m.Called(params)
	r, _ := args.Get(0).(*transport.Result)
	return r, args.Error(1)
}

func useFactory(t *testing.T, f TransportFactory) {
	t.Helper()
	old := defaultFactory
	defaultFactory = f
	t.Cleanup(func() { defaultFactory = old })
}

func httptestServer(t *testing.T, server *httptransport.HTTPServer) string {
	t.Helper()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = server.Stop(context.Background())
	})
	return ts.URL
}

func TestDefaultTransportFactory(t *testing.T) {
	f := &DefaultTransportFactory{}

	p, err := f.NewParticipant(transport.ProtocolHTTP, transport.NewHTTPConfig("127.0.0.1:9000"))
	require.NoError(t, err)
	assert.IsType(t, &httptransport.HTTPClient{}, p)

	p, err = f.NewParticipant(transport.ProtocolQUIC, transport.NewQUICConfig("127.0.0.1:9000"))
	require.NoError(t, err)
	assert.IsType(t, &quic.QUICClient{}, p)

	p, err = f.NewParticipant(transport.ProtocolGRPC, transport.NewGRPCConfig("127.0.0.1:9090"))
	require.NoError(t, err)
	assert.IsType(t, &grpctransport.GRPCClient{}, p)

	_, err = f.NewParticipant(transport.ProtocolMemory, transport.NewMemoryConfig("x"))
	assert.ErrorContains(t, err, "unsupported protocol")

	reg, _ := transportRegistry(t, 3)
	sc := transport.NewSessionConfig(2, 3, 1)
	c, err := f.NewCoordinator(transport.ProtocolHTTP, transport.NewHTTPConfig("127.0.0.1:0"), sc, reg, nil)
	require.NoError(t, err)
	assert.IsType(t, &httptransport.HTTPServer{}, c)

	c, err = f.NewCoordinator(transport.ProtocolQUIC, transport.NewQUICConfig("127.0.0.1:0"), sc, reg, nil)
	require.NoError(t, err)
	assert.IsType(t, &quic.QUICServer{}, c)

	c, err = f.NewCoordinator(transport.ProtocolGRPC, transport.NewGRPCConfig("127.0.0.1:0"), sc, reg, nil)
	require.NoError(t, err)
	assert.IsType(t, &grpctransport.GRPCServer{}, c)

	c, err = f.NewCoordinator(transport.ProtocolUnix, transport.NewUnixConfig("/tmp/secagg-test.sock"), sc, reg, nil)
	require.NoError(t, err)
	assert.IsType(t, &grpctransport.GRPCServer{}, c)

	_, err = f.NewCoordinator("websocket", transport.NewHTTPConfig("127.0.0.1:0"), sc, reg, nil)
	assert.ErrorContains(t, err, "unsupported protocol")
}

func transportRegistry(t *testing.T, n int) (*secagg.Registry, map[secagg.ID]secagg.SigningSecretKey) {
	t.Helper()
	keys := make(map[secagg.ID]secagg.SigningPublicKey)
	secrets := make(map[secagg.ID]secagg.SigningSecretKey)
	for id := secagg.ID(1); id <= secagg.ID(n); id++ {
		pk, sk, err := secagg.GenerateSigningKeypair()
		require.NoError(t, err)
		keys[id], secrets[id] = pk, sk
	}
	reg, err := secagg.NewRegistry(keys)
	require.NoError(t, err)
	return reg, secrets
}

func TestCoordinatorFlagsReachFactory(t *testing.T) {
	regPath, _ := writeKeys(t, 4)
	f := &mockFactory{}
	useFactory(t, f)

	f.On("NewCoordinator", transport.ProtocolQUIC,
		mock.MatchedBy(func(cfg *transport.Config) bool {
			return cfg.Address == "127.0.0.1:0" && cfg.CodecType == "msgpack" &&
				cfg.RateLimit == 2 && cfg.RateBurst == 3 && cfg.MaxMessageSize == 4096
		}),
		mock.MatchedBy(func(sc *transport.SessionConfig) bool {
			return sc.Threshold == 3 && sc.NumParticipants == 4 && sc.VectorLength == 7 &&
				sc.SessionID == "fixed" && sc.RoundTimeout.Seconds() == 2
		}),
		mock.Anything, mock.Anything,
	).Return(nil, errors.New("boom")).Once()

	_, err := executeCommand(t, "--protocol", "quic", "--codec", "msgpack",
		"coordinator", "--listen", "127.0.0.1:0", "--registry", regPath, "-t", "3", "-l", "7",
		"--session-id", "fixed", "--round-timeout", "2s",
		"--rate-limit", "2", "--rate-burst", "3", "--max-message-size", "4096")
	assert.ErrorContains(t, err, "failed to create coordinator: boom")
	f.AssertExpectations(t)
}

func TestConfigFileReachesFactory(t *testing.T) {
	regPath, _ := writeKeys(t, 3)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
protocol: quic
codec: cbor
coordinator:
  listen: "127.0.0.1:7777"
  registry: "`+regPath+`"
  threshold: 3
  vector_length: 5
  round_timeout: 4s
`), 0600))

	f := &mockFactory{}
	useFactory(t, f)
	f.On("NewCoordinator", transport.ProtocolQUIC,
		mock.MatchedBy(func(cfg *transport.Config) bool {
			return cfg.Address == "127.0.0.1:7777" && cfg.CodecType == "cbor"
		}),
		mock.MatchedBy(func(sc *transport.SessionConfig) bool {
			return sc.Threshold == 3 && sc.VectorLength == 5 && sc.RoundTimeout.Seconds() == 4
		}),
		mock.Anything, mock.Anything,
	).Return(nil, errors.New("stop here")).Once()

	viper.Reset()
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--config", cfgPath, "coordinator"})
	assert.ErrorContains(t, root.Execute(), "stop here")
	f.AssertExpectations(t)
}

func TestParticipantUsesFactory(t *testing.T) {
	regPath, keys := writeKeys(t, 3)
	f := &mockFactory{}
	p := &mockParticipant{}
	useFactory(t, f)

	f.On("NewParticipant", transport.ProtocolHTTP,
		mock.MatchedBy(func(cfg *transport.Config) bool { return cfg.Address == "coord:9000" }),
	).Return(p, nil).Once()
	p.On("Connect", "coord:9000").Return(nil).Once()
	p.On("Run", mock.MatchedBy(func(params *transport.Params) bool {
		return params.ID == 2 && params.Threshold == 2 && params.ActiveRounds == 3 &&
			params.Vector.Equal(secagg.Vector{4, 5, 6})
	})).Return(&transport.Result{SessionID: "s", ID: 2, RoundsCompleted: 3}, nil).Once()
	p.On("Disconnect").Return(nil).Once()

	out, err := executeCommand(t, "participant", "--coordinator", "coord:9000", "--key", keys[2],
		"--registry", regPath, "--vector", "4,5,6", "--active-rounds", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Participant 2 completed 3 rounds")
	assert.NotContains(t, out, "Aggregate")
	f.AssertExpectations(t)
	p.AssertExpectations(t)

	f.On("NewParticipant", mock.Anything, mock.Anything).Return(p, nil).Once()
	p.On("Connect", mock.Anything).Return(errors.New("refused")).Once()
	_, err = executeCommand(t, "participant", "--key", keys[2], "--registry", regPath, "--vector", "1,2,3")
	assert.ErrorContains(t, err, "failed to connect to coordinator: refused")
}
