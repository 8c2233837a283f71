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
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

// GRPCClient implements transport.Participant using gRPC.
type GRPCClient struct {
	config *transport.Config
	logger transport.Logger

	// PollWait is how long each Fetch or Complete call waits on the server
	// before the client asks again.
	PollWait time.Duration

	mu          sync.RWMutex
	conn        *grpc.ClientConn
	serverAddr  string
	participant uint64
	sessionInfo *transport.SessionInfoMessage
}

// NewGRPCClient creates a new gRPC-based participant client.
func NewGRPCClient(cfg *transport.Config) (*GRPCClient, error) {
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
	if _, err := transport.NewSerializer(cfg.CodecType); err != nil {
		return nil, err
	}

	return &GRPCClient{
		config:   cfg,
		logger:   cfg.GetLogger(),
		PollWait: 5 * time.Second,
	}, nil
}

// Connect dials the coordinator and waits until the connection is ready.
func (c *GRPCClient) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return transport.ErrAlreadyConnected
	}

	maxSize := c.config.MaxMessageSize
	if maxSize <= 0 {
		maxSize = transport.DefaultMaxMessageSize
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxSize),
			grpc.MaxCallSendMsgSize(maxSize),
			grpc.CallContentSubtype(c.config.CodecType),
		),
	}

	if c.config.KeepAlive {
		interval := c.config.KeepAliveInterval
		if interval <= 0 {
			interval = transport.DefaultKeepAliveInterval
		}
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                interval,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}))
	}

	if c.config.Protocol == transport.ProtocolGRPC && c.config.HasTLS() {
		tlsCfg, err := tlsconfig.ClientConfig(c.config.TLSCertFile, c.config.TLSKeyFile, c.config.TLSCAFile, "")
		if err != nil {
			return transport.NewTLSError("failed to create TLS config", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	target := "dns:///" + addr
	if c.config.Protocol == transport.ProtocolUnix {
		target = "unix:" + addr
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return transport.NewConnectionError(addr, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	conn.Connect()
	if !waitForReady(connectCtx, conn) {
		_ = conn.Close()
		if ctx.Err() != nil {
			return transport.NewConnectionError(addr, ctx.Err())
		}
		return transport.NewConnectionError(addr, context.DeadlineExceeded)
	}

	c.conn = conn
	c.serverAddr = addr
	return nil
}

// waitForReady blocks until conn is ready, shut down, or ctx expires.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) bool {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return true
		case connectivity.Shutdown:
			return false
		}
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
	}
}

// Disconnect closes the connection to the coordinator.
func (c *GRPCClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return transport.ErrNotConnected
	}
	err := c.conn.Close()
	c.conn = nil
	c.sessionInfo = nil
	return err
}

// Run joins the coordinator's session and executes the protocol.
func (c *GRPCClient) Run(ctx context.Context, params *transport.Params) (*transport.Result, error) {
	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()
	if !connected {
		return nil, transport.ErrNotConnected
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	info, err := c.join(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	return transport.RunUser(ctx, info, params, c, c.logger)
}

func (c *GRPCClient) join(ctx context.Context, params *transport.Params) (*transport.SessionInfoMessage, error) {
	c.mu.Lock()
	c.participant = uint64(params.ID)
	c.mu.Unlock()

	pk := params.SigningKey.Public()
	var info transport.SessionInfoMessage
	err := c.invoke(ctx, MethodJoin,
		&transport.JoinMessage{ParticipantID: uint64(params.ID), SigningKey: pk[:]}, &info)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessionInfo = &info
	c.mu.Unlock()
	return &info, nil
}

// SessionInfo returns the info received when joining, or nil.
func (c *GRPCClient) SessionInfo() *transport.SessionInfoMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionInfo
}

func (c *GRPCClient) joined() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionInfo == nil {
		return transport.ErrNotJoined
	}
	return nil
}

// Fetch implements transport.RoundExchanger.
func (c *GRPCClient) Fetch(ctx context.Context, round int) ([]byte, error) {
	if err := c.joined(); err != nil {
		return nil, err
	}
	var result transport.RoundResultMessage
	err := c.poll(ctx, func(wait int64) error {
		return c.invoke(ctx, MethodFetch, &FetchRequest{Round: round, WaitMillis: wait}, &result)
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Submit implements transport.RoundExchanger.
func (c *GRPCClient) Submit(ctx context.Context, round int, data []byte) error {
	if err := c.joined(); err != nil {
		return err
	}
	return c.invoke(ctx, MethodSubmit, &transport.SubmitMessage{Round: round, Data: data}, &Empty{})
}

// Complete implements transport.RoundExchanger.
func (c *GRPCClient) Complete(ctx context.Context) (*transport.CompleteMessage, error) {
	if err := c.joined(); err != nil {
		return nil, err
	}
	var msg transport.CompleteMessage
	err := c.poll(ctx, func(wait int64) error {
		return c.invoke(ctx, MethodComplete, &CompleteRequest{WaitMillis: wait}, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Status fetches the session status.
func (c *GRPCClient) Status(ctx context.Context) (*transport.SessionStatus, error) {
	var st transport.SessionStatus
	if err := c.invoke(ctx, MethodStatus, &Empty{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// poll repeats call while the server reports the result as pending.
func (c *GRPCClient) poll(ctx context.Context, call func(wait int64) error) error {
	wait := c.PollWait.Milliseconds()
	for {
		err := call(wait)
		if !errors.Is(err, transport.ErrPending) {
			return err
		}
		if wait <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transport.DefaultPollInterval):
			}
		}
	}
}

// invoke performs one unary call. Failures reported by the coordinator come
// back as transport.RemoteError.
func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	c.mu.RLock()
	conn := c.conn
	addr := c.serverAddr
	md := metadata.Pairs(MetadataParticipantID, strconv.FormatUint(c.participant, 10))
	if c.sessionInfo != nil {
		md.Append(MetadataSessionID, c.sessionInfo.SessionID)
	}
	c.mu.RUnlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	var trailer metadata.MD
	err := conn.Invoke(metadata.NewOutgoingContext(ctx, md), method, req, resp, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}

	st := status.Convert(err)
	if values := trailer.Get(MetadataErrorCode); len(values) > 0 {
		if code, perr := strconv.Atoi(values[0]); perr == nil {
			return (&transport.ErrorMessage{Code: code, Message: st.Message()}).Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch st.Code() {
	case codes.Unavailable:
		return transport.NewConnectionError(addr, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", transport.ErrMessageTooLarge, st.Message())
	}
	return err
}

var (
	_ transport.Participant    = (*GRPCClient)(nil)
	_ transport.RoundExchanger = (*GRPCClient)(nil)
)
