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
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

// ServerOption configures a GRPCServer.
type ServerOption func(*GRPCServer)

// WithMetrics records session metrics in mc.
func WithMetrics(mc *transport.MetricsCollector) ServerOption {
	return func(s *GRPCServer) {
		s.metrics = mc
	}
}

// WithSessionOptions passes extra options to the underlying session.
func WithSessionOptions(opts ...transport.SessionOption) ServerOption {
	return func(s *GRPCServer) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// GRPCServer implements transport.Coordinator using gRPC.
type GRPCServer struct {
	config      *transport.Config
	session     *transport.Session
	metrics     *transport.MetricsCollector
	logger      transport.Logger
	sessionOpts []transport.SessionOption
	server      *grpc.Server
	listener    net.Listener

	limiters transport.RateLimiters

	running atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewGRPCServer creates a coordinator serving one session for registry.
// The config protocol selects TCP (grpc) or a Unix socket (unix).
func NewGRPCServer(cfg *transport.Config, sessionCfg *transport.SessionConfig,
	registry *secagg.Registry, opts ...ServerOption) (*GRPCServer, error) {
	if cfg == nil {
		return nil, transport.ErrInvalidConfig
	}
	if err := checkProtocol(cfg); err != nil {
		return nil, err
	}
	if cfg.CodecType == "" {
		cfg.CodecType = transport.DefaultCodec
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = transport.DefaultTimeout
	}

	s := &GRPCServer{
		config:   cfg,
		logger:   cfg.GetLogger(),
		limiters: transport.NewRateLimiters(cfg, registry),
	}
	for _, opt := range opts {
		opt(s)
	}

	sessionOpts := append([]transport.SessionOption{
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.metrics),
	}, s.sessionOpts...)
	session, err := transport.NewSession(sessionCfg, registry, sessionOpts...)
	if err != nil {
		return nil, err
	}
	s.session = session
	return s, nil
}

func checkProtocol(cfg *transport.Config) error {
	if cfg.Protocol != transport.ProtocolGRPC && cfg.Protocol != transport.ProtocolUnix {
		return fmt.Errorf("%w: expected grpc or unix, got %q", transport.ErrInvalidProtocol, cfg.Protocol)
	}
	return nil
}

// Start begins listening for participant connections.
func (s *GRPCServer) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	network := "tcp"
	if s.config.Protocol == transport.ProtocolUnix {
		network = "unix"
		if err := os.RemoveAll(s.config.Address); err != nil {
			return transport.NewConnectionError(s.config.Address, err)
		}
	}
	listener, err := net.Listen(network, s.config.Address)
	if err != nil {
		return transport.NewConnectionError(s.config.Address, err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.maxMessageSize()),
		grpc.MaxSendMsgSize(s.maxMessageSize()),
		grpc.ChainUnaryInterceptor(s.logCalls),
	}

	if s.config.KeepAlive {
		interval := s.keepAliveInterval()
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    interval,
			Timeout: 20 * time.Second,
		}))
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             interval / 2,
			PermitWithoutStream: true,
		}))
	}

	// Unix sockets rely on file permissions instead of TLS.
	if network == "tcp" && s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		tlsCfg, err := tlsconfig.ServerConfig(s.config.TLSCertFile, s.config.TLSKeyFile, s.config.TLSCAFile)
		if err != nil {
			_ = listener.Close()
			return transport.NewTLSError("failed to create TLS config", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server: %v", err)
		}
	}()

	s.logger.Info("grpc coordinator serving session %s on %s://%s", s.session.ID(), network, s.Address())
	return nil
}

// Stop gracefully shuts down the coordinator and abandons an unfinished
// session. Calls still running when ctx expires are cut off.
func (s *GRPCServer) Stop(ctx context.Context) error {
	if !s.running.Load() || !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.session.Close()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
	s.wg.Wait()

	if s.config.Protocol == transport.ProtocolUnix {
		_ = os.RemoveAll(s.config.Address)
	}
	return nil
}

// Address returns the network address the coordinator is listening on.
func (s *GRPCServer) Address() string {
	if s.listener == nil || s.config.Protocol == transport.ProtocolUnix {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// SessionID returns the session id.
func (s *GRPCServer) SessionID() string {
	return s.session.ID()
}

// Session returns the session served by this coordinator.
func (s *GRPCServer) Session() *transport.Session {
	return s.session
}

// WaitForParticipants blocks until n participants have joined.
func (s *GRPCServer) WaitForParticipants(ctx context.Context, n int) error {
	return s.session.WaitForParticipants(ctx, n)
}

// Aggregate blocks until the session completes.
func (s *GRPCServer) Aggregate(ctx context.Context) (secagg.Vector, error) {
	return s.session.Aggregate(ctx)
}

// Join implements AggregationServer.
func (s *GRPCServer) Join(ctx context.Context, msg *transport.JoinMessage) (*transport.SessionInfoMessage, error) {
	id, err := s.identify(ctx)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	if err := s.limiters.Allow(id); err != nil {
		return nil, s.statusError(ctx, err)
	}
	if msg.ParticipantID != uint64(id) {
		return nil, s.statusError(ctx, fmt.Errorf("%w: join for %d sent by %d",
			transport.ErrInvalidMessage, msg.ParticipantID, id))
	}
	info, err := s.session.Join(id, msg.SigningKey)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return info, nil
}

// Submit implements AggregationServer.
func (s *GRPCServer) Submit(ctx context.Context, msg *transport.SubmitMessage) (*Empty, error) {
	id, err := s.identify(ctx)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	if err := s.limiters.Allow(id); err != nil {
		return nil, s.statusError(ctx, err)
	}
	if err := s.session.Submit(id, msg.Round, msg.Data); err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &Empty{}, nil
}

// Fetch implements AggregationServer.
func (s *GRPCServer) Fetch(ctx context.Context, req *FetchRequest) (*transport.RoundResultMessage, error) {
	id, err := s.identify(ctx)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}

	var data []byte
	if wait := waitDuration(req.WaitMillis); wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		data, err = s.session.Result(waitCtx, id, req.Round)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = transport.ErrPending
		}
	} else {
		data, err = s.session.TryResult(id, req.Round)
	}
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &transport.RoundResultMessage{Round: req.Round, Data: data}, nil
}

// Complete implements AggregationServer.
func (s *GRPCServer) Complete(ctx context.Context, req *CompleteRequest) (*transport.CompleteMessage, error) {
	if _, err := s.identify(ctx); err != nil {
		return nil, s.statusError(ctx, err)
	}

	var (
		msg *transport.CompleteMessage
		err error
	)
	if wait := waitDuration(req.WaitMillis); wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err = s.session.WaitComplete(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = transport.ErrPending
		}
	} else {
		msg, err = s.session.Complete()
	}
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return msg, nil
}

// Status implements AggregationServer.
func (s *GRPCServer) Status(ctx context.Context, _ *Empty) (*transport.SessionStatus, error) {
	return s.session.Status(), nil
}

// identify reads the caller's participant id from the request metadata and
// checks the session id if one was sent.
func (s *GRPCServer) identify(ctx context.Context) (secagg.ID, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if sid := md.Get(MetadataSessionID); len(sid) > 0 && sid[0] != s.session.ID() {
		return 0, transport.ErrSessionNotFound
	}
	values := md.Get(MetadataParticipantID)
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: missing %s metadata", transport.ErrInvalidMessage, MetadataParticipantID)
	}
	id, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s metadata", transport.ErrInvalidMessage, MetadataParticipantID)
	}
	if _, ok := s.session.Registry().Lookup(secagg.ID(id)); !ok {
		return 0, fmt.Errorf("%w: %d", transport.ErrUnknownParticipant, id)
	}
	return secagg.ID(id), nil
}

// statusError converts err into a gRPC status and records its transport
// code in the trailer.
func (s *GRPCServer) statusError(ctx context.Context, err error) error {
	msg := transport.NewErrorMessage(err)
	if serr := grpc.SetTrailer(ctx, metadata.Pairs(MetadataErrorCode, strconv.Itoa(msg.Code))); serr != nil {
		s.logger.Debug("setting error trailer: %v", serr)
	}
	if msg.Code >= 500 {
		s.logger.Error("grpc call failed: %v", err)
	}
	return status.Error(statusCode(msg.Code), msg.Message)
}

func (s *GRPCServer) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("%s %s %s", info.FullMethod, status.Code(err), time.Since(start))
	return resp, err
}

func (s *GRPCServer) maxMessageSize() int {
	if s.config.MaxMessageSize > 0 {
		return s.config.MaxMessageSize
	}
	return transport.DefaultMaxMessageSize
}

func (s *GRPCServer) keepAliveInterval() time.Duration {
	if s.config.KeepAliveInterval > 0 {
		return s.config.KeepAliveInterval
	}
	return transport.DefaultKeepAliveInterval
}

var (
	_ transport.Coordinator = (*GRPCServer)(nil)
	_ AggregationServer     = (*GRPCServer)(nil)
)
