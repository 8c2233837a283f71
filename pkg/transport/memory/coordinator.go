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

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// MemoryCoordinator implements the Coordinator interface in-process.
type MemoryCoordinator struct {
	network   *Network
	address   string
	session   *transport.Session
	logger    transport.Logger
	requests  chan *Message
	started   bool
	startedMu sync.Mutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMemoryCoordinator creates a coordinator reachable on network at addr.
// An empty addr uses the session id.
func NewMemoryCoordinator(network *Network, addr string, config *transport.SessionConfig,
	registry *secagg.Registry, opts ...transport.SessionOption) (*MemoryCoordinator, error) {
	if network == nil {
		return nil, fmt.Errorf("%w: network is required", transport.ErrInvalidConfig)
	}
	session, err := transport.NewSession(config, registry, opts...)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		addr = session.ID()
	}

	return &MemoryCoordinator{
		network:  network,
		address:  addr,
		session:  session,
		logger:   transport.NopLogger{},
		requests: make(chan *Message, 100),
		stopChan: make(chan struct{}),
	}, nil
}

// SetLogger sets the coordinator's logger.
func (mc *MemoryCoordinator) SetLogger(l transport.Logger) {
	if l != nil {
		mc.logger = l
	}
}

// Start registers the coordinator on its network and begins serving.
func (mc *MemoryCoordinator) Start(ctx context.Context) error {
	mc.startedMu.Lock()
	defer mc.startedMu.Unlock()

	if mc.started {
		return fmt.Errorf("coordinator already started")
	}
	if err := mc.network.register(mc.address, mc); err != nil {
		return err
	}
	mc.started = true

	mc.wg.Add(1)
	go mc.processMessages(ctx)

	mc.logger.Info("memory coordinator serving session %s at %s", mc.session.ID(), mc.address)
	return nil
}

// Stop gracefully shuts down the coordinator.
func (mc *MemoryCoordinator) Stop(ctx context.Context) error {
	var stopErr error

	mc.stopOnce.Do(func() {
		mc.startedMu.Lock()
		if !mc.started {
			mc.startedMu.Unlock()
			stopErr = fmt.Errorf("coordinator not started")
			return
		}
		mc.started = false
		mc.startedMu.Unlock()

		mc.network.unregister(mc.address)
		close(mc.stopChan)
		mc.session.Close()
		mc.wg.Wait()
	})

	return stopErr
}

// Address returns the coordinator's network address.
func (mc *MemoryCoordinator) Address() string {
	return mc.address
}

// SessionID returns the unique identifier for this session.
func (mc *MemoryCoordinator) SessionID() string {
	return mc.session.ID()
}

// Session returns the underlying session.
func (mc *MemoryCoordinator) Session() *transport.Session {
	return mc.session
}

// WaitForParticipants blocks until n participants have joined.
func (mc *MemoryCoordinator) WaitForParticipants(ctx context.Context, n int) error {
	if n < 1 {
		return transport.ErrInvalidParticipantCount
	}
	return mc.session.WaitForParticipants(ctx, n)
}

// Aggregate blocks until the session completes.
func (mc *MemoryCoordinator) Aggregate(ctx context.Context) (secagg.Vector, error) {
	return mc.session.Aggregate(ctx)
}

// processMessages handles requests from participants. Requests that wait
// on the session run in their own goroutine.
func (mc *MemoryCoordinator) processMessages(ctx context.Context) {
	defer mc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopChan:
			return
		case msg := <-mc.requests:
			switch msg.Envelope.Type {
			case transport.MsgTypeRoundResult, transport.MsgTypeComplete:
				mc.wg.Add(1)
				go func() {
					defer mc.wg.Done()
					mc.reply(msg, mc.handleMessage(ctx, msg.Envelope))
				}()
			default:
				mc.reply(msg, mc.handleMessage(ctx, msg.Envelope))
			}
		}
	}
}

func (mc *MemoryCoordinator) reply(msg *Message, resp *transport.Envelope) {
	select {
	case msg.ResponseChan <- resp:
	default:
	}
}

// handleMessage processes a single request and returns the reply.
func (mc *MemoryCoordinator) handleMessage(ctx context.Context, env *transport.Envelope) *transport.Envelope {
	id := secagg.ID(env.SenderID)
	sessionID := mc.session.ID()
	ser := mc.network.Serializer()

	if env.SessionID != sessionID {
		return mc.network.errorEnvelope(sessionID, env.Round, transport.ErrSessionNotFound)
	}

	var (
		msgType transport.MessageType
		body    any
		err     error
	)
	switch env.Type {
	case transport.MsgTypeJoin:
		var join transport.JoinMessage
		if err = ser.UnmarshalPayload(env, &join); err != nil {
			err = fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
			break
		}
		if join.ParticipantID != env.SenderID {
			err = fmt.Errorf("%w: join for %d sent by %d", transport.ErrInvalidMessage, join.ParticipantID, env.SenderID)
			break
		}
		msgType = transport.MsgTypeSessionInfo
		body, err = mc.session.Join(id, join.SigningKey)

	case transport.MsgTypeSubmit:
		var submit transport.SubmitMessage
		if err = ser.UnmarshalPayload(env, &submit); err != nil {
			err = fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
			break
		}
		msgType = transport.MsgTypeSubmit
		err = mc.session.Submit(id, submit.Round, submit.Data)

	case transport.MsgTypeRoundResult:
		var data []byte
		data, err = mc.session.Result(ctx, id, env.Round)
		msgType = transport.MsgTypeRoundResult
		body = &transport.RoundResultMessage{Round: env.Round, Data: data}

	case transport.MsgTypeComplete:
		msgType = transport.MsgTypeComplete
		body, err = mc.session.WaitComplete(ctx)

	default:
		err = fmt.Errorf("%w: %s", transport.ErrUnexpectedMessage, env.Type)
	}

	if err != nil {
		mc.logger.Debug("request %s from %d failed: %v", env.Type, env.SenderID, err)
		return mc.network.errorEnvelope(sessionID, env.Round, err)
	}
	resp, err := mc.network.envelope(sessionID, msgType, 0, env.Round, body)
	if err != nil {
		return mc.network.errorEnvelope(sessionID, env.Round, err)
	}
	return resp
}

var (
	_ transport.Coordinator = (*MemoryCoordinator)(nil)
)
