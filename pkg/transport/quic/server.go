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

package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

// ServerOption configures a QUICServer.
type ServerOption func(*QUICServer)

// WithMetrics records session metrics in mc.
func WithMetrics(mc *transport.MetricsCollector) ServerOption {
	return func(s *QUICServer) {
		s.metrics = mc
	}
}

// WithSessionOptions passes extra options to the underlying session.
func WithSessionOptions(opts ...transport.SessionOption) ServerOption {
	return func(s *QUICServer) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// QUICServer implements the transport.Coordinator interface using QUIC.
//
// Without certificate files the server presents a freshly generated
// self-signed certificate, which participants can only accept with an
// insecure client configuration.
type QUICServer struct {
	config      *transport.Config
	session     *transport.Session
	serializer  *transport.Serializer
	metrics     *transport.MetricsCollector
	logger      transport.Logger
	sessionOpts []transport.SessionOption
	listener    *quic.Listener

	connsMu sync.Mutex
	conns   map[*quic.Conn]struct{}

	running      atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewQUICServer creates a new QUIC-based coordinator server.
func NewQUICServer(cfg *transport.Config, sessionCfg *transport.SessionConfig,
	registry *secagg.Registry, opts ...ServerOption) (*QUICServer, error) {
	if cfg == nil {
		return nil, transport.ErrInvalidConfig
	}
	if cfg.Protocol != transport.ProtocolQUIC {
		return nil, fmt.Errorf("%w: expected quic, got %s", transport.ErrInvalidProtocol, cfg.Protocol)
	}

	codecType := cfg.CodecType
	if codecType == "" {
		codecType = transport.DefaultCodec
	}
	serializer, err := transport.NewSerializer(codecType)
	if err != nil {
		return nil, err
	}

	s := &QUICServer{
		config:       cfg,
		serializer:   serializer,
		logger:       cfg.GetLogger(),
		conns:        make(map[*quic.Conn]struct{}),
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	sessionOpts := append([]transport.SessionOption{
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.metrics),
	}, s.sessionOpts...)
	s.session, err = transport.NewSession(sessionCfg, registry, sessionOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QUICServer) tlsConfig() (*tls.Config, error) {
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cfg, err := tlsconfig.ServerConfig(s.config.TLSCertFile, s.config.TLSKeyFile, s.config.TLSCAFile, tlsconfig.ALPNQUIC)
		if err != nil {
			return nil, transport.NewTLSError("failed to create TLS config", err)
		}
		return cfg, nil
	}

	host, _, err := net.SplitHostPort(s.config.Address)
	if err != nil || host == "" {
		host = "localhost"
	}
	cert, err := tlsconfig.SelfSignedCertificate([]string{host, "localhost"})
	if err != nil {
		return nil, transport.NewTLSError("failed to generate self-signed certificate", err)
	}
	s.logger.Info("quic coordinator using a self-signed certificate for %s", host)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{tlsconfig.ALPNQUIC},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func quicConfig(cfg *transport.Config) *quic.Config {
	maxMsgSize := maxMessageSize(cfg)
	return &quic.Config{
		MaxIdleTimeout:                 timeout(cfg),
		MaxIncomingStreams:             16,
		MaxIncomingUniStreams:          -1,
		KeepAlivePeriod:                keepAlive(cfg),
		MaxStreamReceiveWindow:         safeUint64(maxMsgSize),
		MaxConnectionReceiveWindow:     safeUint64(maxMsgSize * 2),
		InitialStreamReceiveWindow:     safeUint64(min(maxMsgSize, 1<<20)),
		InitialConnectionReceiveWindow: safeUint64(min(maxMsgSize*2, 2<<20)),
	}
}

// Start begins listening for participant connections.
func (s *QUICServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return transport.NewConnectionError(s.config.Address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return transport.NewConnectionError(s.config.Address, err)
	}
	listener, err := quic.Listen(udpConn, tlsCfg, quicConfig(s.config))
	if err != nil {
		_ = udpConn.Close()
		return transport.NewConnectionError(s.config.Address, err)
	}
	s.listener = listener

	s.running.Store(true)
	s.wg.Add(1)
	go s.acceptConnections()

	s.logger.Info("quic coordinator serving session %s on %s", s.session.ID(), s.Address())
	return nil
}

// Stop closes every connection and abandons an unfinished session.
func (s *QUICServer) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.shutdownChan)
	s.session.Close()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.CloseWithError(0, "server shutdown")
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the network address the coordinator is listening on.
func (s *QUICServer) Address() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// SessionID returns the session id.
func (s *QUICServer) SessionID() string {
	return s.session.ID()
}

// Session returns the session served by this coordinator.
func (s *QUICServer) Session() *transport.Session {
	return s.session
}

// WaitForParticipants blocks until n participants have joined.
func (s *QUICServer) WaitForParticipants(ctx context.Context, n int) error {
	return s.session.WaitForParticipants(ctx, n)
}

// Aggregate blocks until the session completes.
func (s *QUICServer) Aggregate(ctx context.Context) (secagg.Vector, error) {
	return s.session.Aggregate(ctx)
}

func (s *QUICServer) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			if s.running.Load() {
				s.logger.Error("accepting connection: %v", err)
			}
			return
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// participantConn is the coordinator side of one participant stream.
type participantConn struct {
	id      secagg.ID
	joined  bool
	out     *frameWriter
	limiter *rate.Limiter
}

func (s *QUICServer) handleConnection(conn *quic.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.CloseWithError(0, "session complete")
	}()

	ctx := conn.Context()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	defer func() { _ = stream.Close() }()

	pc := &participantConn{
		out: &frameWriter{w: stream, serializer: s.serializer, maxSize: maxMessageSize(s.config)},
	}
	if s.config.RateLimit > 0 {
		pc.limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), max(s.config.RateBurst, 1))
	}
	sessionID := s.session.ID()

	for {
		env, err := readEnvelope(stream, s.serializer, maxMessageSize(s.config))
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			_ = pc.out.sendError(sessionID, pushRound, err)
			if errors.Is(err, transport.ErrInvalidMessage) {
				continue
			}
			return
		}

		if err := s.handleMessage(ctx, pc, env); err != nil {
			s.logger.Debug("request %s from %d failed: %v", env.Type, env.SenderID, err)
			if werr := pc.out.sendError(sessionID, env.Round, err); werr != nil {
				return
			}
		}
	}
}

// handleMessage answers one request. A returned error is sent back as the
// reply.
func (s *QUICServer) handleMessage(ctx context.Context, pc *participantConn, env *transport.Envelope) error {
	sessionID := s.session.ID()
	if env.SessionID != "" && env.SessionID != sessionID {
		return transport.ErrSessionNotFound
	}

	switch env.Type {
	case transport.MsgTypeJoin:
		var join transport.JoinMessage
		if err := s.serializer.UnmarshalPayload(env, &join); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
		}
		if join.ParticipantID != env.SenderID {
			return fmt.Errorf("%w: join for %d sent by %d", transport.ErrInvalidMessage, join.ParticipantID, env.SenderID)
		}
		if pc.joined && secagg.ID(join.ParticipantID) != pc.id {
			return fmt.Errorf("%w: stream already joined as %d", transport.ErrDuplicateParticipant, pc.id)
		}
		info, err := s.session.Join(secagg.ID(join.ParticipantID), join.SigningKey)
		if err != nil {
			return err
		}
		if err := pc.out.send(sessionID, transport.MsgTypeSessionInfo, 0, 0, info); err != nil {
			return err
		}
		if !pc.joined {
			pc.joined = true
			pc.id = secagg.ID(join.ParticipantID)
			s.wg.Add(1)
			go s.pushResults(ctx, pc)
		}
		return nil

	case transport.MsgTypeSubmit:
		if !pc.joined {
			return transport.ErrNotJoined
		}
		if pc.limiter != nil && !pc.limiter.Allow() {
			return transport.ErrRateLimited
		}
		var submit transport.SubmitMessage
		if err := s.serializer.UnmarshalPayload(env, &submit); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
		}
		if err := s.session.Submit(pc.id, submit.Round, submit.Data); err != nil {
			return err
		}
		return pc.out.send(sessionID, transport.MsgTypeSubmit, 0, submit.Round, nil)

	default:
		return fmt.Errorf("%w: %s", transport.ErrUnexpectedMessage, env.Type)
	}
}

// pushResults sends each round input to the participant as its round
// closes, then the completion message. It stops early once the participant
// has been dropped.
func (s *QUICServer) pushResults(ctx context.Context, pc *participantConn) {
	defer s.wg.Done()
	sessionID := s.session.ID()

	for round := 0; round < transport.NumRounds; round++ {
		data, err := s.session.Result(ctx, pc.id, round)
		if errors.Is(err, transport.ErrNoResult) {
			s.logger.Debug("participant %d dropped before round %d", pc.id, round)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				_ = pc.out.sendError(sessionID, pushRound, err)
			}
			return
		}
		msg := &transport.RoundResultMessage{Round: round, Data: data}
		if err := pc.out.send(sessionID, transport.MsgTypeRoundResult, 0, round, msg); err != nil {
			return
		}
	}

	complete, err := s.session.WaitComplete(ctx)
	if err != nil {
		if ctx.Err() == nil {
			_ = pc.out.sendError(sessionID, pushRound, err)
		}
		return
	}
	_ = pc.out.send(sessionID, transport.MsgTypeComplete, 0, transport.NumRounds, complete)
}

var _ transport.Coordinator = (*QUICServer)(nil)
