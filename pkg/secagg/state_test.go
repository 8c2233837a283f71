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

package secagg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserValidation(t *testing.T) {
	pk, sk, err := GenerateSigningKeypair()
	require.NoError(t, err)
	otherPK, _, err := GenerateSigningKeypair()
	require.NoError(t, err)
	registry, err := NewRegistry(map[ID]SigningPublicKey{1: pk, 2: otherPK, 3: otherPK})
	require.NoError(t, err)

	_, err = NewUser(1, 1, sk, Vector{1}, registry)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = NewUser(1, 4, sk, Vector{1}, registry)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = NewUser(1, 2, sk, nil, registry)
	assert.ErrorIs(t, err, ErrInvalidVectorLength)
	_, err = NewUser(7, 2, sk, Vector{1}, registry)
	assert.ErrorIs(t, err, ErrUnknownSigner)
	_, err = NewUser(2, 2, sk, Vector{1}, registry)
	assert.ErrorIs(t, err, ErrInvalidSigningKey)

	u, err := NewUser(1, 2, sk, Vector{1}, registry)
	require.NoError(t, err)
	assert.Equal(t, ID(1), u.ID())
	assert.Equal(t, 2, u.Threshold())
	assert.Equal(t, PhaseRound0, u.State())
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(1, 3)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = NewServer(3, 0)
	assert.ErrorIs(t, err, ErrInvalidVectorLength)

	s, err := NewServer(3, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Threshold())
	assert.Equal(t, 4, s.VectorLength())
	assert.Equal(t, PhaseRound0, s.State())
}

func TestUserRoundMismatchIsTerminal(t *testing.T) {
	users, _ := newTestUsers(t, 3, 2, 2)
	u := users[1]

	input, err := EncodeMessage(AliveSet{1, 2, 3})
	require.NoError(t, err)
	_, err = u.Round(input)
	require.ErrorIs(t, err, ErrRoundMismatch)
	var rm *RoundMismatchError
	require.ErrorAs(t, err, &rm)
	assert.Equal(t, PhaseRound0, rm.State)
	assert.Equal(t, KindAliveSet, rm.Kind)
	assert.Equal(t, PhaseFailed, u.State())
	assert.ErrorIs(t, u.Err(), ErrRoundMismatch)

	_, err = u.Round(Round0SeedMessage())
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.ErrorIs(t, err, ErrRoundMismatch)
}

func TestUserMalformedInputFails(t *testing.T) {
	users, _ := newTestUsers(t, 3, 2, 2)
	u := users[2]
	_, err := u.Round([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedMessage)
	assert.Equal(t, PhaseFailed, u.State())
}

func TestUserDoneRejectsInput(t *testing.T) {
	users, _ := newTestUsers(t, 3, 3, 1)
	res := runProtocol(t, users, runConfig{threshold: 3, length: 1, actives: [5]int{3, 3, 3, 3, 3}})
	require.NoError(t, res.serverErr)

	for _, u := range users {
		assert.Equal(t, PhaseDone, u.State())
		assert.Equal(t, SigningSecretKey{}, u.signingKey)
		_, err := u.Round(Round0SeedMessage())
		assert.ErrorIs(t, err, ErrTerminalState)
	}
	_, err := res.server.Round()
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.ErrorIs(t, res.server.Recv(1, Round0SeedMessage()), ErrTerminalState)
}

func TestServerRecvMalformedKeepsState(t *testing.T) {
	s, err := NewServer(2, 3)
	require.NoError(t, err)

	err = s.Recv(1, []byte("not cbor"))
	require.ErrorIs(t, err, ErrMalformedMessage)
	assert.Equal(t, PhaseRound0, s.State())
	assert.Empty(t, s.Contributors())
}

func TestServerRecvRoundMismatchFails(t *testing.T) {
	s, err := NewServer(2, 3)
	require.NoError(t, err)

	data, err := EncodeMessage(MaskedInput{Vector: Vector{1, 2, 3}})
	require.NoError(t, err)
	err = s.Recv(1, data)
	require.ErrorIs(t, err, ErrRoundMismatch)
	assert.Equal(t, PhaseFailed, s.State())

	_, err = s.Round()
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestServerRoundTwoRejectsOutsiders(t *testing.T) {
	s := &Server{
		threshold:    2,
		vectorLength: 2,
		state: &serverRound2{
			RandKeys:     map[ID]DHPublicKey{1: {}, 2: {}},
			SharingUsers: []ID{1, 2},
			Masked:       NewCollector[Vector](2, 2),
		},
	}

	err := s.RecvMessage(9, MaskedInput{Vector: Vector{1, 1}})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	err = s.RecvMessage(1, MaskedInput{Vector: Vector{1}})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Equal(t, PhaseRound2, s.State())

	require.NoError(t, s.RecvMessage(1, MaskedInput{Vector: Vector{1, 1}}))
	require.NoError(t, s.RecvMessage(1, MaskedInput{Vector: Vector{2, 2}}))
	assert.Equal(t, []ID{1}, s.Contributors())
	assert.Equal(t, []ID{1, 2}, s.Expected())
}

func TestStateRoundTripEveryPhase(t *testing.T) {
	users, _ := newTestUsers(t, 4, 3, 3)
	server, err := NewServer(3, 3)
	require.NoError(t, err)

	var out *ServerOutput
	for round := 0; round <= 4; round++ {
		for _, id := range sortedIDs(users) {
			input := Round0SeedMessage()
			if round > 0 {
				input = out.Messages[id]
			}
			users[id] = checkpointUser(t, users[id])
			data, err := users[id].Round(input)
			require.NoError(t, err)
			require.NoError(t, server.Recv(id, data))
		}
		server = checkpointServer(t, server)
		out, err = server.Round()
		require.NoError(t, err)
	}
	server = checkpointServer(t, server)
	assert.Equal(t, PhaseDone, server.State())
	for id := range users {
		checkpointUser(t, users[id])
	}
}

func TestStateRoundTripFailed(t *testing.T) {
	s, err := NewServer(2, 3)
	require.NoError(t, err)
	_, err = s.Round()
	require.ErrorIs(t, err, ErrThresholdNotMet)

	restored := checkpointServer(t, s)
	assert.Equal(t, PhaseFailed, restored.State())
	assert.EqualError(t, restored.Err(), err.Error())
	assert.ErrorIs(t, restored.Err(), ErrThresholdNotMet)

	_, err = restored.Round()
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
}

func TestUserStateRoundTripFailedKeepsCause(t *testing.T) {
	users, _ := newTestUsers(t, 3, 2, 2)
	u := users[1]
	input, err := EncodeMessage(AliveSet{1, 2, 3})
	require.NoError(t, err)
	_, err = u.Round(input)
	require.ErrorIs(t, err, ErrRoundMismatch)

	restored := checkpointUser(t, u)
	assert.Equal(t, PhaseFailed, restored.State())
	assert.EqualError(t, restored.Err(), err.Error())
	assert.ErrorIs(t, restored.Err(), ErrRoundMismatch)

	_, err = restored.Round(Round0SeedMessage())
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.ErrorIs(t, err, ErrRoundMismatch)
}

func TestFailureCauseCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"threshold", &ThresholdError{Round: 2, Have: 1, Need: 3}},
		{"signature", &InvalidSignatureError{ID: 4, What: "alive set"}},
		{"share tag", &ShareTagError{WantFrom: 1, WantTo: 2, GotFrom: 2, GotTo: 1}},
		{"reconstruction", fmt.Errorf("seed of participant 3: %w", ErrSecretReconstructionFailed)},
		{"malformed", malformed("participant %d shared no keys", 5)},
		{"key agreement", ErrKeyAgreementFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := causeCode(tt.err)
			require.NotZero(t, code)
			restored, err := restoreCause(code, tt.err.Error())
			require.NoError(t, err)
			assert.EqualError(t, restored, tt.err.Error())
			assert.ErrorIs(t, restored, failureCauses[code])
			assert.Equal(t, code, causeCode(restored))
		})
	}

	assert.Zero(t, causeCode(errors.New("disk full")))
	plain, err := restoreCause(0, "disk full")
	require.NoError(t, err)
	assert.EqualError(t, plain, "disk full")
	_, err = restoreCause(200, "x")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRestoreServerKeepsPartialRound(t *testing.T) {
	users, _ := newTestUsers(t, 3, 2, 2)
	s, err := NewServer(2, 2)
	require.NoError(t, err)

	data, err := users[1].Round(Round0SeedMessage())
	require.NoError(t, err)
	require.NoError(t, s.Recv(1, data))

	restored := checkpointServer(t, s)
	assert.Equal(t, []ID{1}, restored.Contributors())
	_, err = restored.Round()
	var te *ThresholdError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ThresholdError{Round: 0, Have: 1, Need: 2}, *te)
}

func TestRestoreServerRejectsForeignCollector(t *testing.T) {
	s := &Server{
		threshold:    2,
		vectorLength: 1,
		state:        &serverRound0{Keys: NewCollector[AdvertiseKeys](0, 3)},
	}
	state, err := s.ExportState()
	require.NoError(t, err)
	_, err = RestoreServer(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	_, err := RestoreUser("!!!")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = RestoreServer("oA")
	assert.ErrorIs(t, err, ErrInvalidState)
}
