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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
	"github.com/jeremyhahn/go-secagg/pkg/transport/transporttest"
)

type testSession struct {
	server  *GRPCServer
	params  map[secagg.ID]*transport.Params
	vectors map[secagg.ID]secagg.Vector
}

func newTestSession(t *testing.T, cfg *transport.Config, n, threshold, length int, opts ...ServerOption) *testSession {
	t.Helper()
	registry, keys := transporttest.Participants(t, n)
	vectors := transporttest.Vectors(registry, length)
	sc := transport.NewSessionConfig(threshold, n, length)
	sc.RoundTimeout = 300 * time.Millisecond

	if cfg == nil {
		cfg = transport.NewGRPCConfig("127.0.0.1:0")
	}
	server, err := NewGRPCServer(cfg, sc, registry, opts...)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	return &testSession{
		server:  server,
		params:  transporttest.Params(registry, keys, threshold, vectors),
		vectors: vectors,
	}
}

func (ts *testSession) run(t *testing.T, newConfig func() *transport.Config) map[secagg.ID]transporttest.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return transporttest.RunAll(ctx, ts.server.Address(), ts.params, func() (transport.Participant, error) {
		return NewGRPCClient(newConfig())
	})
}

func codecConfig(addr, codec string) func() *transport.Config {
	return func() *transport.Config {
		cfg := transport.NewGRPCConfig(addr)
		cfg.CodecType = codec
		return cfg
	}
}

func TestGRPCAggregation(t *testing.T) {
	for _, codec := range transport.Codecs {
		t.Run(codec, func(t *testing.T) {
			ts := newTestSession(t, nil, 4, 2, 3)

			outcomes := ts.run(t, codecConfig(ts.server.Address(), codec))
			want := transporttest.Sum(t, ts.vectors, 3, 1, 2, 3, 4)
			for id, o := range outcomes {
				require.NoError(t, o.Err, "participant %d", id)
				assert.True(t, o.Result.Completed)
				assert.Equal(t, want, o.Result.Aggregate)
			}
		})
	}
}

func TestGRPCAggregationWithDropouts(t *testing.T) {
	ts := newTestSession(t, nil, 5, 3, 4)
	ts.params[2].ActiveRounds = 2
	ts.params[5].ActiveRounds = 4

	outcomes := ts.run(t, codecConfig(ts.server.Address(), "cbor"))
	want := transporttest.Sum(t, ts.vectors, 4, 1, 3, 4, 5)
	for _, id := range []secagg.ID{1, 3, 4} {
		require.NoError(t, outcomes[id].Err, "participant %d", id)
		assert.Equal(t, want, outcomes[id].Result.Aggregate)
	}
	assert.Equal(t, []secagg.ID{1, 3, 4, 5}, ts.server.Session().Contributors())
}

func TestGRPCSessionFailureIsReported(t *testing.T) {
	ts := newTestSession(t, nil, 4, 3, 2)
	ts.params[3].ActiveRounds = 2
	ts.params[4].ActiveRounds = 2

	outcomes := ts.run(t, codecConfig(ts.server.Address(), "msgpack"))
	for _, id := range []secagg.ID{1, 2} {
		assert.ErrorIs(t, outcomes[id].Err, transport.ErrSessionFailed, "participant %d", id)
	}
	_, err := ts.server.Aggregate(context.Background())
	assert.ErrorIs(t, err, secagg.ErrThresholdNotMet)
}

func TestGRPCMutualTLS(t *testing.T) {
	files, err := tlsconfig.WriteBundle(filepath.Join(t.TempDir(), "certs"), []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)

	ts := newTestSession(t, transport.NewTLSConfig(transport.ProtocolGRPC, "127.0.0.1:0",
		files.ServerCertFile, files.ServerKeyFile, files.CAFile), 3, 2, 2)
	addr := ts.server.Address()

	outcomes := ts.run(t, func() *transport.Config {
		return transport.NewTLSConfig(transport.ProtocolGRPC, addr, files.ClientCertFile, files.ClientKeyFile, files.CAFile)
	})
	for id, o := range outcomes {
		require.NoError(t, o.Err, "participant %d", id)
	}

	// No client certificate: the handshake never reaches Ready.
	cfg := transport.NewTLSConfig(transport.ProtocolGRPC, addr, "", "", files.CAFile)
	cfg.Timeout = 500 * time.Millisecond
	anon, err := NewGRPCClient(cfg)
	require.NoError(t, err)
	err = anon.Connect(context.Background(), addr)
	if err == nil {
		defer anon.Disconnect()
		_, err = anon.join(context.Background(), ts.params[1])
	}
	assert.Error(t, err)
}

func TestUnixSocketAggregation(t *testing.T) {
	dir, err := os.MkdirTemp("", "secagg")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "coordinator.sock")

	registry, keys := transporttest.Participants(t, 3)
	vectors := transporttest.Vectors(registry, 2)
	sc := transport.NewSessionConfig(2, 3, 2)
	server, err := NewUnixServer(transport.NewUnixConfig(socket), sc, registry)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	assert.Equal(t, socket, server.Address())
	assert.FileExists(t, socket)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcomes := transporttest.RunAll(ctx, socket, transporttest.Params(registry, keys, 2, vectors),
		func() (transport.Participant, error) {
			return NewUnixClient(transport.NewUnixConfig(socket))
		})
	want := transporttest.Sum(t, vectors, 2, 1, 2, 3)
	for id, o := range outcomes {
		require.NoError(t, o.Err, "participant %d", id)
		assert.Equal(t, want, o.Result.Aggregate)
	}

	require.NoError(t, server.Stop(ctx))
	assert.NoFileExists(t, socket)
}

func TestGRPCRequestErrors(t *testing.T) {
	cfg := transport.NewGRPCConfig("127.0.0.1:0")
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	ts := newTestSession(t, cfg, 3, 2, 2)
	addr := ts.server.Address()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewGRPCClient(transport.NewGRPCConfig(addr))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx, addr))
	defer client.Disconnect()

	assert.ErrorIs(t, client.Submit(ctx, 0, secagg.Round0SeedMessage()), transport.ErrNotJoined)
	_, err = client.Fetch(ctx, 0)
	assert.ErrorIs(t, err, transport.ErrNotJoined)

	// The server has not seen a join from participant 3 either.
	client.participant = 3
	err = client.invoke(ctx, MethodSubmit, &transport.SubmitMessage{Round: 0, Data: []byte{1}}, &Empty{})
	assert.ErrorIs(t, err, transport.ErrNotJoined)

	info, err := client.join(ctx, ts.params[1])
	require.NoError(t, err)
	assert.Equal(t, ts.server.SessionID(), info.SessionID)
	assert.Equal(t, info, client.SessionInfo())

	seed, err := client.Fetch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, secagg.Round0SeedMessage(), seed)

	// Participant 1 spent one token on its join.
	assert.ErrorIs(t, client.Submit(ctx, 2, []byte{0x01}), transport.ErrWrongRound)
	assert.ErrorIs(t, client.Submit(ctx, 0, []byte{0x01}), transport.ErrRateLimited)

	client.PollWait = 20 * time.Millisecond
	fetchCtx, fetchCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer fetchCancel()
	_, err = client.Fetch(fetchCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.server.SessionID(), st.SessionID)
}

func TestGRPCRejectsUnregisteredParticipants(t *testing.T) {
	cfg := transport.NewGRPCConfig("127.0.0.1:0")
	cfg.RateLimit = 10
	cfg.RateBurst = 5
	ts := newTestSession(t, cfg, 3, 2, 1)
	addr := ts.server.Address()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewGRPCClient(transport.NewGRPCConfig(addr))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx, addr))
	defer client.Disconnect()

	for id := uint64(1000); id < 1100; id++ {
		client.participant = id
		err = client.invoke(ctx, MethodJoin, &transport.JoinMessage{ParticipantID: id}, &transport.SessionInfoMessage{})
		require.ErrorIs(t, err, transport.ErrUnknownParticipant)
	}
	client.participant = 7
	err = client.invoke(ctx, MethodSubmit, &transport.SubmitMessage{Round: 0, Data: []byte{1}}, &Empty{})
	assert.ErrorIs(t, err, transport.ErrUnknownParticipant)

	assert.Len(t, ts.server.limiters, 3)
}

func TestGRPCRejectsForeignSession(t *testing.T) {
	ts := newTestSession(t, nil, 3, 2, 1)
	addr := ts.server.Address()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewGRPCClient(transport.NewGRPCConfig(addr))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx, addr))
	defer client.Disconnect()

	client.participant = 1
	client.sessionInfo = &transport.SessionInfoMessage{SessionID: "other"}
	_, err = client.Fetch(ctx, 0)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 404, remote.Code)
}

func TestGRPCClientLifecycle(t *testing.T) {
	_, err := NewGRPCClient(nil)
	assert.ErrorIs(t, err, transport.ErrInvalidConfig)
	_, err = NewGRPCClient(transport.NewHTTPConfig("127.0.0.1:1"))
	assert.ErrorIs(t, err, transport.ErrInvalidProtocol)
	_, err = NewUnixClient(transport.NewGRPCConfig("127.0.0.1:1"))
	assert.ErrorIs(t, err, transport.ErrInvalidProtocol)
	bad := transport.NewGRPCConfig("127.0.0.1:1")
	bad.CodecType = "protobuf"
	_, err = NewGRPCClient(bad)
	assert.ErrorIs(t, err, transport.ErrCodecNotSupported)

	client, err := NewGRPCClient(transport.NewGRPCConfig("127.0.0.1:1"))
	require.NoError(t, err)
	_, err = client.Run(context.Background(), nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.ErrorIs(t, client.Disconnect(), transport.ErrNotConnected)
	_, err = client.Status(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	ts := newTestSession(t, nil, 3, 2, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, ts.server.Address()))
	assert.ErrorIs(t, client.Connect(ctx, ts.server.Address()), transport.ErrAlreadyConnected)
	require.NoError(t, client.Disconnect())
}

func TestGRPCServerLifecycle(t *testing.T) {
	registry, _ := transporttest.Participants(t, 3)
	sc := transport.NewSessionConfig(2, 3, 1)

	_, err := NewGRPCServer(nil, sc, registry)
	assert.ErrorIs(t, err, transport.ErrInvalidConfig)
	_, err = NewGRPCServer(transport.NewQUICConfig("127.0.0.1:0"), sc, registry)
	assert.ErrorIs(t, err, transport.ErrInvalidProtocol)
	_, err = NewUnixServer(transport.NewGRPCConfig("127.0.0.1:0"), sc, registry)
	assert.ErrorIs(t, err, transport.ErrInvalidProtocol)

	mc, err := transport.NewMetricsCollector(nil)
	require.NoError(t, err)
	server, err := NewGRPCServer(transport.NewGRPCConfig("127.0.0.1:0"), sc, registry, WithMetrics(mc))
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	assert.Error(t, server.Start(context.Background()))
	assert.NotEqual(t, "127.0.0.1:0", server.Address())
	assert.Equal(t, server.Session().ID(), server.SessionID())
	assert.Equal(t, int64(1), mc.ActiveSessions())

	require.NoError(t, server.Stop(context.Background()))
	require.NoError(t, server.Stop(context.Background()))
	_, err = server.Aggregate(context.Background())
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
	assert.Zero(t, mc.ActiveSessions())
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{transport.ErrPending, codes.Unavailable},
		{transport.ErrInvalidMessage, codes.InvalidArgument},
		{transport.ErrNotJoined, codes.PermissionDenied},
		{transport.ErrNoResult, codes.NotFound},
		{transport.ErrWrongRound, codes.FailedPrecondition},
		{transport.ErrSessionFailed, codes.Aborted},
		{transport.ErrRateLimited, codes.ResourceExhausted},
		{transport.ErrMessageTooLarge, codes.ResourceExhausted},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusCode(transport.ErrorCode(tt.err)), "%v", tt.err)
	}
}

func TestWaitDuration(t *testing.T) {
	assert.Zero(t, waitDuration(0))
	assert.Zero(t, waitDuration(-5))
	assert.Equal(t, 250*time.Millisecond, waitDuration(250))
	assert.Equal(t, MaxWait, waitDuration(time.Hour.Milliseconds()))
}

func TestCodecsRegistered(t *testing.T) {
	for _, name := range transport.Codecs {
		c := codec{}
		serializer, err := transport.NewSerializer(name)
		require.NoError(t, err)
		c.serializer = serializer
		assert.Equal(t, name, c.Name())

		data, err := c.Marshal(&FetchRequest{Round: 3, WaitMillis: 50})
		require.NoError(t, err)
		var got FetchRequest
		require.NoError(t, c.Unmarshal(data, &got))
		assert.Equal(t, FetchRequest{Round: 3, WaitMillis: 50}, got)
	}
}
