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

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// MemoryParticipant implements the Participant interface in-process.
type MemoryParticipant struct {
	network     *Network
	coordinator *MemoryCoordinator
	sessionInfo *transport.SessionInfoMessage
	sender      uint64
	logger      transport.Logger
	connected   bool
	connectedMu sync.RWMutex
}

// NewMemoryParticipant creates a participant that connects through network.
func NewMemoryParticipant(network *Network) (*MemoryParticipant, error) {
	if network == nil {
		return nil, fmt.Errorf("%w: network is required", transport.ErrInvalidConfig)
	}
	return &MemoryParticipant{
		network: network,
		logger:  transport.NopLogger{},
	}, nil
}

// SetLogger sets the participant's logger.
func (mp *MemoryParticipant) SetLogger(l transport.Logger) {
	if l != nil {
		mp.logger = l
	}
}

// Connect looks up the coordinator registered at addr.
func (mp *MemoryParticipant) Connect(ctx context.Context, addr string) error {
	mp.connectedMu.Lock()
	defer mp.connectedMu.Unlock()

	if mp.connected {
		return transport.ErrAlreadyConnected
	}

	mc, err := mp.network.lookup(addr)
	if err != nil {
		return err
	}
	mp.coordinator = mc
	mp.connected = true
	return nil
}

// Disconnect drops the coordinator reference.
func (mp *MemoryParticipant) Disconnect() error {
	mp.connectedMu.Lock()
	defer mp.connectedMu.Unlock()

	if !mp.connected {
		return transport.ErrNotConnected
	}
	mp.connected = false
	mp.coordinator = nil
	return nil
}

// Run joins the session and executes the protocol.
func (mp *MemoryParticipant) Run(ctx context.Context, params *transport.Params) (*transport.Result, error) {
	mp.connectedMu.RLock()
	connected := mp.connected
	mp.connectedMu.RUnlock()
	if !connected {
		return nil, transport.ErrNotConnected
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}
	mp.sender = uint64(params.ID)

	if err := mp.joinSession(ctx, params); err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	return transport.RunUser(ctx, mp.sessionInfo, params, mp, mp.logger)
}

// joinSession sends a join request and waits for session info.
func (mp *MemoryParticipant) joinSession(ctx context.Context, params *transport.Params) error {
	pk := params.SigningKey.Public()
	join := &transport.JoinMessage{
		ParticipantID: uint64(params.ID),
		SigningKey:    pk[:],
	}
	var info transport.SessionInfoMessage
	if err := mp.call(ctx, transport.MsgTypeJoin, transport.MsgTypeSessionInfo, 0, join, &info); err != nil {
		return err
	}
	mp.sessionInfo = &info
	return nil
}

// Fetch implements transport.RoundExchanger.
func (mp *MemoryParticipant) Fetch(ctx context.Context, round int) ([]byte, error) {
	var result transport.RoundResultMessage
	if err := mp.call(ctx, transport.MsgTypeRoundResult, transport.MsgTypeRoundResult, round,
		&transport.RoundResultMessage{Round: round}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Submit implements transport.RoundExchanger.
func (mp *MemoryParticipant) Submit(ctx context.Context, round int, data []byte) error {
	return mp.call(ctx, transport.MsgTypeSubmit, transport.MsgTypeSubmit, round,
		&transport.SubmitMessage{Round: round, Data: data}, nil)
}

// Complete implements transport.RoundExchanger.
func (mp *MemoryParticipant) Complete(ctx context.Context) (*transport.CompleteMessage, error) {
	var complete transport.CompleteMessage
	if err := mp.call(ctx, transport.MsgTypeComplete, transport.MsgTypeComplete, transport.NumRounds, nil, &complete); err != nil {
		return nil, err
	}
	return &complete, nil
}

// GetSessionInfo returns the session information.
func (mp *MemoryParticipant) GetSessionInfo() *transport.SessionInfoMessage {
	return mp.sessionInfo
}

func (mp *MemoryParticipant) call(ctx context.Context, msgType, want transport.MessageType, round int, body, out any) error {
	mp.connectedMu.RLock()
	mc := mp.coordinator
	mp.connectedMu.RUnlock()
	if mc == nil {
		return transport.ErrNotConnected
	}

	req, err := mp.network.envelope(mc.SessionID(), msgType, mp.sender, round, body)
	if err != nil {
		return err
	}
	resp, err := mp.network.send(ctx, mc, req)
	if err != nil {
		return err
	}
	return mp.network.decodeReply(resp, want, out)
}

var (
	_ transport.Participant    = (*MemoryParticipant)(nil)
	_ transport.RoundExchanger = (*MemoryParticipant)(nil)
)
