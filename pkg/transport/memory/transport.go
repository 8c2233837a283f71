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

// Package memory provides an in-process transport for secure aggregation
// sessions.
//
// Coordinators register on a Network under their address and participants
// reach them through it. Every request is serialized into a
// transport.Envelope and passed over channels, so the codec path matches the
// network transports without any I/O.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// Message represents an internal request in the memory transport.
type Message struct {
	Envelope     *transport.Envelope
	ResponseChan chan *transport.Envelope
}

// Network routes participants to coordinators by address.
type Network struct {
	mu           sync.RWMutex
	coordinators map[string]*MemoryCoordinator
	serializer   *transport.Serializer
}

// NewNetwork creates a network that encodes every message with codecType.
func NewNetwork(codecType string) (*Network, error) {
	if codecType == "" {
		codecType = transport.DefaultCodec
	}

	serializer, err := transport.NewSerializer(codecType)
	if err != nil {
		return nil, fmt.Errorf("failed to create serializer: %w", err)
	}

	return &Network{
		coordinators: make(map[string]*MemoryCoordinator),
		serializer:   serializer,
	}, nil
}

// Serializer returns the network's serializer.
func (n *Network) Serializer() *transport.Serializer {
	return n.serializer
}

func (n *Network) register(addr string, mc *MemoryCoordinator) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.coordinators[addr]; exists {
		return fmt.Errorf("%w: %s", transport.ErrListenerFailed, addr)
	}
	n.coordinators[addr] = mc
	return nil
}

func (n *Network) unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.coordinators, addr)
}

func (n *Network) lookup(addr string) (*MemoryCoordinator, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	mc, ok := n.coordinators[addr]
	if !ok {
		return nil, transport.NewConnectionError(addr, transport.ErrSessionNotFound)
	}
	return mc, nil
}

// envelope serializes msg into an envelope from sender.
func (n *Network) envelope(sessionID string, msgType transport.MessageType, sender uint64, round int, msg any) (*transport.Envelope, error) {
	var payload []byte
	if msg != nil {
		var err error
		if payload, err = n.serializer.Marshal(msg); err != nil {
			return nil, err
		}
	}
	return &transport.Envelope{
		SessionID: sessionID,
		Type:      msgType,
		SenderID:  sender,
		Round:     round,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}, nil
}

// errorEnvelope wraps err for the reply channel.
func (n *Network) errorEnvelope(sessionID string, round int, err error) *transport.Envelope {
	env, mErr := n.envelope(sessionID, transport.MsgTypeError, 0, round, transport.NewErrorMessage(err))
	if mErr != nil {
		return &transport.Envelope{SessionID: sessionID, Type: transport.MsgTypeError, Round: round}
	}
	return env
}

// decodeReply unpacks a reply envelope into out, turning error replies back
// into errors.
func (n *Network) decodeReply(env *transport.Envelope, want transport.MessageType, out any) error {
	if env.Type == transport.MsgTypeError {
		var em transport.ErrorMessage
		if err := n.serializer.UnmarshalPayload(env, &em); err != nil {
			return fmt.Errorf("%w: undecodable error reply", transport.ErrInvalidMessage)
		}
		return em.Err()
	}
	if env.Type != want {
		return fmt.Errorf("%w: got %s, want %s", transport.ErrUnexpectedMessage, env.Type, want)
	}
	if out == nil {
		return nil
	}
	return n.serializer.UnmarshalPayload(env, out)
}

// send delivers req to the coordinator and waits for its reply.
func (n *Network) send(ctx context.Context, mc *MemoryCoordinator, req *transport.Envelope) (*transport.Envelope, error) {
	msg := &Message{Envelope: req, ResponseChan: make(chan *transport.Envelope, 1)}

	select {
	case mc.requests <- msg:
	case <-mc.stopChan:
		return nil, transport.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-msg.ResponseChan:
		return resp, nil
	case <-mc.stopChan:
		return nil, transport.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
