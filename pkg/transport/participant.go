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

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// RoundExchanger moves protocol payloads between one participant and its
// coordinator. Each transport's participant implements it over its own
// connection.
type RoundExchanger interface {
	// Fetch returns the input the participant consumes in round, blocking
	// until it is available.
	Fetch(ctx context.Context, round int) ([]byte, error)

	// Submit sends the participant's output for round.
	Submit(ctx context.Context, round int, data []byte) error

	// Complete blocks until the coordinator publishes the aggregate.
	Complete(ctx context.Context) (*CompleteMessage, error)
}

// CheckSessionInfo verifies that the coordinator runs the session params
// were prepared for.
func CheckSessionInfo(info *SessionInfoMessage, params *Params) error {
	if info == nil {
		return fmt.Errorf("%w: missing session info", ErrInvalidMessage)
	}
	if info.Threshold != params.Threshold {
		return fmt.Errorf("%w: coordinator threshold %d, participant threshold %d",
			ErrInvalidParams, info.Threshold, params.Threshold)
	}
	if info.VectorLength != len(params.Vector) {
		return fmt.Errorf("%w: coordinator vector length %d, participant vector length %d",
			ErrInvalidParams, info.VectorLength, len(params.Vector))
	}
	ids := params.Registry.IDs()
	if len(ids) != len(info.Participants) {
		return fmt.Errorf("%w: coordinator has %d participants, registry has %d",
			ErrInvalidParams, len(info.Participants), len(ids))
	}
	for i, id := range ids {
		if uint64(id) != info.Participants[i] {
			return fmt.Errorf("%w: registry mismatch at participant %d", ErrInvalidParams, id)
		}
	}
	return nil
}

// RunUser executes the user side of the protocol over ex. It stops after
// params.ActiveRounds rounds, leaving the coordinator to treat the user as
// dropped.
func RunUser(ctx context.Context, info *SessionInfoMessage, params *Params, ex RoundExchanger, logger Logger) (*Result, error) {
	if logger == nil {
		logger = NopLogger{}
	}
	if err := CheckSessionInfo(info, params); err != nil {
		return nil, err
	}
	user, err := secagg.NewUser(params.ID, params.Threshold, params.SigningKey, params.Vector, params.Registry)
	if err != nil {
		return nil, err
	}

	result := &Result{SessionID: info.SessionID, ID: params.ID}
	for round := 0; round < params.rounds(); round++ {
		input, err := ex.Fetch(ctx, round)
		if err != nil {
			return result, NewParticipantError(params.ID, round, err)
		}
		output, err := user.Round(input)
		if err != nil {
			return result, NewParticipantError(params.ID, round, err)
		}
		if err := ex.Submit(ctx, round, output); err != nil {
			return result, NewParticipantError(params.ID, round, err)
		}
		result.RoundsCompleted++
		logger.Debug("participant %d submitted round %d (%d bytes)", params.ID, round, len(output))
	}

	if result.RoundsCompleted < NumRounds {
		logger.Info("participant %d going silent after %d rounds", params.ID, result.RoundsCompleted)
		return result, nil
	}
	result.Completed = user.State() == secagg.PhaseDone

	complete, err := ex.Complete(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionFailed) {
			return result, err
		}
		return result, NewParticipantError(params.ID, NumRounds, err)
	}
	result.Aggregate = secagg.Vector(complete.Aggregate)
	logger.Info("participant %d done: aggregate over %d contributors", params.ID, len(complete.Contributors))
	return result, nil
}
