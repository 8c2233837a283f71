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
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

// QUICClient implements the transport.Participant interface using QUIC.
//
// A background reader sorts incoming envelopes into request replies and
// pushed round inputs. Requests are sent one at a time.
type QUICClient struct {
	config     *transport.Config
	serializer *transport.Serializer
	logger     transport.Logger

	connMu    sync.RWMutex
	conn      *quic.Conn
	stream    *quic.Stream
	out       *frameWriter
	connected atomic.Bool
	wg        sync.WaitGroup

	requestMu sync.Mutex
	replies   chan *transport.Envelope

	inboxMu     sync.Mutex
	results     map[int][]byte
	complete    *transport.CompleteMessage
	failure     error
	changed     chan struct{}
	sender      uint64
	sessionInfo *transport.SessionInfoMessage
}

// NewQUICClient creates a new QUIC-based participant client.
func NewQUICClient(cfg *transport.Config) (*QUICClient, error) {
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

	return &QUICClient{
		config:     cfg,
		serializer: serializer,
		logger:     cfg.GetLogger(),
	}, nil
}

func (c *QUICClient) tlsConfig(addr string) (*tls.Config, error) {
	if !c.config.HasTLS() {
		return tlsconfig.InsecureClientConfig(tlsconfig.ALPNQUIC), nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg, err := tlsconfig.ClientConfig(c.config.TLSCertFile, c.config.TLSKeyFile, c.config.TLSCAFile, host, tlsconfig.ALPNQUIC)
	if err != nil {
		return nil, transport.NewTLSError("failed to create TLS config", err)
	}
	return cfg, nil
}

// Connect establishes a QUIC connection and stream to the coordinator.
func (c *QUICClient) Connect(ctx context.Context, addr string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected.Load() {
		return transport.ErrAlreadyConnected
	}

	tlsCfg, err := c.tlsConfig(addr)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, quicConfig(c.config))
	if err != nil {
		return transport.NewConnectionError(addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "failed to open stream")
		return transport.NewConnectionError(addr, err)
	}

	c.conn = conn
	c.stream = stream
	c.out = &frameWriter{w: stream, serializer: c.serializer, maxSize: maxMessageSize(c.config)}
	c.replies = make(chan *transport.Envelope, 1)

	c.inboxMu.Lock()
	c.results = make(map[int][]byte)
	c.complete = nil
	c.failure = nil
	c.changed = make(chan struct{})
	c.sessionInfo = nil
	c.inboxMu.Unlock()

	c.connected.Store(true)
	c.wg.Add(1)
	go c.receiveMessages(stream, addr)
	return nil
}

// Disconnect closes the connection to the coordinator.
func (c *QUICClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected.Swap(false) {
		return transport.ErrNotConnected
	}
	_ = c.stream.Close()
	err := c.conn.CloseWithError(0, "client disconnect")
	c.wg.Wait()
	c.conn = nil
	c.stream = nil
	return err
}

// Run joins the session and executes the protocol.
func (c *QUICClient) Run(ctx context.Context, params *transport.Params) (*transport.Result, error) {
	if !c.connected.Load() {
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

func (c *QUICClient) join(ctx context.Context, params *transport.Params) (*transport.SessionInfoMessage, error) {
	c.inboxMu.Lock()
	c.sender = uint64(params.ID)
	c.inboxMu.Unlock()

	pk := params.SigningKey.Public()
	join := &transport.JoinMessage{ParticipantID: uint64(params.ID), SigningKey: pk[:]}
	reply, err := c.request(ctx, transport.MsgTypeJoin, 0, join)
	if err != nil {
		return nil, err
	}
	if reply.Type != transport.MsgTypeSessionInfo {
		return nil, fmt.Errorf("%w: got %s, want %s", transport.ErrUnexpectedMessage, reply.Type, transport.MsgTypeSessionInfo)
	}
	var info transport.SessionInfoMessage
	if err := c.serializer.UnmarshalPayload(reply, &info); err != nil {
		return nil, err
	}

	c.inboxMu.Lock()
	c.sessionInfo = &info
	c.inboxMu.Unlock()
	return &info, nil
}

// SessionInfo returns the info received when joining, or nil.
func (c *QUICClient) SessionInfo() *transport.SessionInfoMessage {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return c.sessionInfo
}

// Fetch implements transport.RoundExchanger by waiting for the pushed
// input of round.
func (c *QUICClient) Fetch(ctx context.Context, round int) ([]byte, error) {
	var data []byte
	err := c.await(ctx, func() bool {
		var ok bool
		data, ok = c.results[round]
		return ok
	})
	return data, err
}

// Submit implements transport.RoundExchanger.
func (c *QUICClient) Submit(ctx context.Context, round int, data []byte) error {
	reply, err := c.request(ctx, transport.MsgTypeSubmit, round, &transport.SubmitMessage{Round: round, Data: data})
	if err != nil {
		return err
	}
	if reply.Type != transport.MsgTypeSubmit || reply.Round != round {
		return fmt.Errorf("%w: got %s for round %d", transport.ErrUnexpectedMessage, reply.Type, reply.Round)
	}
	return nil
}

// Complete implements transport.RoundExchanger.
func (c *QUICClient) Complete(ctx context.Context) (*transport.CompleteMessage, error) {
	var msg *transport.CompleteMessage
	err := c.await(ctx, func() bool {
		msg = c.complete
		return msg != nil
	})
	return msg, err
}

// request sends one request and waits for its reply.
func (c *QUICClient) request(ctx context.Context, msgType transport.MessageType, round int, body any) (*transport.Envelope, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.connMu.RLock()
	out, replies := c.out, c.replies
	c.connMu.RUnlock()
	if out == nil || !c.connected.Load() {
		return nil, transport.ErrNotConnected
	}

	c.inboxMu.Lock()
	sender := c.sender
	sessionID := ""
	if c.sessionInfo != nil {
		sessionID = c.sessionInfo.SessionID
	}
	changed, failure := c.changed, c.failure
	c.inboxMu.Unlock()
	if failure != nil {
		return nil, failure
	}

	if err := out.send(sessionID, msgType, sender, round, body); err != nil {
		return nil, err
	}

	for {
		select {
		case reply := <-replies:
			if reply.Type == transport.MsgTypeError {
				return nil, c.decodeError(reply)
			}
			return reply, nil
		case <-changed:
			c.inboxMu.Lock()
			changed, failure = c.changed, c.failure
			c.inboxMu.Unlock()
			if failure != nil {
				return nil, failure
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// await blocks until ready reports true under the inbox lock, or the
// session fails.
func (c *QUICClient) await(ctx context.Context, ready func() bool) error {
	for {
		c.inboxMu.Lock()
		if c.changed == nil {
			c.inboxMu.Unlock()
			return transport.ErrNotConnected
		}
		ok := ready()
		failure, changed := c.failure, c.changed
		c.inboxMu.Unlock()
		if ok {
			return nil
		}
		if failure != nil {
			return failure
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *QUICClient) decodeError(env *transport.Envelope) error {
	var em transport.ErrorMessage
	if err := c.serializer.UnmarshalPayload(env, &em); err != nil {
		return fmt.Errorf("%w: undecodable error message", transport.ErrInvalidMessage)
	}
	return em.Err()
}

// receiveMessages sorts incoming envelopes until the stream closes.
func (c *QUICClient) receiveMessages(stream *quic.Stream, addr string) {
	defer c.wg.Done()
	for {
		env, err := readEnvelope(stream, c.serializer, maxMessageSize(c.config))
		if err != nil {
			c.fail(transport.NewConnectionError(addr, fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)))
			return
		}

		switch {
		case env.Type == transport.MsgTypeRoundResult:
			var msg transport.RoundResultMessage
			if err := c.serializer.UnmarshalPayload(env, &msg); err != nil {
				c.fail(fmt.Errorf("%w: round %d result: %w", transport.ErrInvalidMessage, env.Round, err))
				continue
			}
			c.inboxMu.Lock()
			c.results[msg.Round] = msg.Data
			c.notifyLocked()
			c.inboxMu.Unlock()

		case env.Type == transport.MsgTypeComplete:
			var msg transport.CompleteMessage
			if err := c.serializer.UnmarshalPayload(env, &msg); err != nil {
				c.fail(fmt.Errorf("%w: complete: %w", transport.ErrInvalidMessage, err))
				continue
			}
			c.inboxMu.Lock()
			c.complete = &msg
			c.notifyLocked()
			c.inboxMu.Unlock()

		case env.Type == transport.MsgTypeError && env.Round == pushRound:
			c.fail(c.decodeError(env))

		default:
			select {
			case c.replies <- env:
			default:
				c.logger.Error("dropping unexpected %s reply for round %d", env.Type, env.Round)
			}
		}
	}
}

// fail records the first terminal error and wakes waiters.
func (c *QUICClient) fail(err error) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
	c.notifyLocked()
}

func (c *QUICClient) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Failure returns the terminal error seen by the connection, if any.
func (c *QUICClient) Failure() error {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return c.failure
}

var (
	_ transport.Participant    = (*QUICClient)(nil)
	_ transport.RoundExchanger = (*QUICClient)(nil)
)
