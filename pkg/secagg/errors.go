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
)

// Participant bounds.
const (
	// MinThreshold is the minimum allowed reconstruction threshold.
	// A threshold of 1 would let any single share holder recover a secret.
	MinThreshold = 2

	// MaxParticipants is the maximum number of participants in one run.
	// Shares carry a one-byte x coordinate, so a single split yields at most 255 shares.
	MaxParticipants = 255

	// MinAliveUsers is the minimum size of the alive set accepted in round 3.
	MinAliveUsers = 3
)

// Protocol errors. Every protocol-level failure returned by a User or Server
// matches exactly one of these with errors.Is.
var (
	// ErrThresholdNotMet indicates fewer than t contributions at round release.
	ErrThresholdNotMet = errors.New("secagg: threshold not met")

	// ErrSignatureInvalid indicates a signature failed verification.
	ErrSignatureInvalid = errors.New("secagg: signature invalid")

	// ErrUnknownSigner indicates a sender id absent from the signing-key registry.
	ErrUnknownSigner = errors.New("secagg: unknown signer")

	// ErrShareTagMismatch indicates a decrypted share record addressed to a different pair.
	ErrShareTagMismatch = errors.New("secagg: share tag mismatch")

	// ErrDecryptionFailed indicates an authentication tag mismatch or a truncated envelope.
	ErrDecryptionFailed = errors.New("secagg: decryption failed")

	// ErrSecretReconstructionFailed indicates insufficient or inconsistent shares.
	ErrSecretReconstructionFailed = errors.New("secagg: secret reconstruction failed")

	// ErrMalformedMessage indicates a deserialization failure or an invalid payload.
	ErrMalformedMessage = errors.New("secagg: malformed message")

	// ErrRoundMismatch indicates a message delivered for a round the state machine is not in.
	// It is a caller contract violation.
	ErrRoundMismatch = errors.New("secagg: round mismatch")
)

// Construction and lifecycle errors.
var (
	// ErrInvalidThreshold indicates a threshold outside [MinThreshold, participants].
	ErrInvalidThreshold = errors.New("secagg: invalid threshold")

	// ErrTooManyParticipants indicates more than MaxParticipants participants.
	ErrTooManyParticipants = errors.New("secagg: too many participants")

	// ErrInvalidVectorLength indicates a zero vector length or a vector of the wrong length.
	ErrInvalidVectorLength = errors.New("secagg: invalid vector length")

	// ErrInvalidSigningKey indicates a signing key that does not match the registry.
	ErrInvalidSigningKey = errors.New("secagg: invalid signing key")

	// ErrTerminalState indicates input delivered to a Done or Failed instance.
	ErrTerminalState = errors.New("secagg: state machine is terminal")

	// ErrInvalidState indicates a state snapshot that cannot be restored.
	ErrInvalidState = errors.New("secagg: invalid state snapshot")

	// ErrKeyAgreementFailed indicates a DH computation produced a low-order result.
	ErrKeyAgreementFailed = errors.New("secagg: key agreement failed")
)

// ThresholdError reports how many contributions a round had against how many it needed.
type ThresholdError struct {
	Round int
	Have  int
	Need  int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("secagg: threshold not met in round %d: have %d, need %d", e.Round, e.Have, e.Need)
}

// Is reports whether target is ErrThresholdNotMet.
func (e *ThresholdError) Is(target error) bool {
	return target == ErrThresholdNotMet
}

// InvalidSignatureError identifies the participant whose signature failed.
type InvalidSignatureError struct {
	// ID is the participant whose signature did not verify.
	ID ID
	// What names the signed object ("comm key", "rand key", "alive set").
	What string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("secagg: invalid %s signature from participant %d", e.What, e.ID)
}

// Is reports whether target is ErrSignatureInvalid.
func (e *InvalidSignatureError) Is(target error) bool {
	return target == ErrSignatureInvalid
}

// UnknownSignerError identifies a sender missing from the registry.
type UnknownSignerError struct {
	ID ID
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("secagg: participant %d is not in the signing-key registry", e.ID)
}

// Is reports whether target is ErrUnknownSigner.
func (e *UnknownSignerError) Is(target error) bool {
	return target == ErrUnknownSigner
}

// ShareTagError reports the embedded (from, to) tags of a share record that
// did not match the expected pair.
type ShareTagError struct {
	WantFrom ID
	WantTo   ID
	GotFrom  ID
	GotTo    ID
}

func (e *ShareTagError) Error() string {
	return fmt.Sprintf("secagg: share record tagged %d->%d, expected %d->%d",
		e.GotFrom, e.GotTo, e.WantFrom, e.WantTo)
}

// Is reports whether target is ErrShareTagMismatch.
func (e *ShareTagError) Is(target error) bool {
	return target == ErrShareTagMismatch
}

// RoundMismatchError reports a message kind that the current state cannot accept.
type RoundMismatchError struct {
	State Phase
	Kind  Kind
}

func (e *RoundMismatchError) Error() string {
	return fmt.Sprintf("secagg: %s message delivered in state %s", e.Kind, e.State)
}

// Is reports whether target is ErrRoundMismatch.
func (e *RoundMismatchError) Is(target error) bool {
	return target == ErrRoundMismatch
}

// malformed wraps a cause as ErrMalformedMessage while keeping the cause's text.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
