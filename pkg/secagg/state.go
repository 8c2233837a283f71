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
	"encoding/base64"
	"errors"
	"fmt"
)

// snapshotVersion is bumped whenever a snapshot layout changes.
const snapshotVersion = 1

// Snapshots are deterministic CBOR, so exporting a freshly restored
// instance reproduces the input byte for byte. Secrets are stored in the
// clear; callers protect persisted snapshots themselves.

type userSnapshot struct {
	Version    uint8                   `cbor:"1,keyasint"`
	ID         ID                      `cbor:"2,keyasint"`
	Threshold  int                     `cbor:"3,keyasint"`
	SigningKey SigningSecretKey        `cbor:"4,keyasint"`
	Registry   map[ID]SigningPublicKey `cbor:"5,keyasint"`
	Vector     Vector                  `cbor:"6,keyasint"`
	Phase      Phase                   `cbor:"7,keyasint"`
	Round1     *userRound1             `cbor:"8,keyasint,omitempty"`
	Round2     *userRound2             `cbor:"9,keyasint,omitempty"`
	Round3     *userRound3             `cbor:"10,keyasint,omitempty"`
	Round4     *userRound4             `cbor:"11,keyasint,omitempty"`
	Error      string                  `cbor:"12,keyasint,omitempty"`
	Cause      uint8                   `cbor:"13,keyasint,omitempty"`
}

type serverSnapshot struct {
	Version      uint8         `cbor:"1,keyasint"`
	Threshold    int           `cbor:"2,keyasint"`
	VectorLength int           `cbor:"3,keyasint"`
	Phase        Phase         `cbor:"4,keyasint"`
	Round0       *serverRound0 `cbor:"5,keyasint,omitempty"`
	Round1       *serverRound1 `cbor:"6,keyasint,omitempty"`
	Round2       *serverRound2 `cbor:"7,keyasint,omitempty"`
	Round3       *serverRound3 `cbor:"8,keyasint,omitempty"`
	Round4       *serverRound4 `cbor:"9,keyasint,omitempty"`
	Done         *serverDone   `cbor:"10,keyasint,omitempty"`
	Error        string        `cbor:"11,keyasint,omitempty"`
	Cause        uint8         `cbor:"12,keyasint,omitempty"`
}

func encodeSnapshot(v any) (string, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("secagg: encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeSnapshot(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// ExportState serializes the user, including its secrets, to an opaque string.
func (u *User) ExportState() (string, error) {
	snap := userSnapshot{
		Version:    snapshotVersion,
		ID:         u.id,
		Threshold:  u.threshold,
		SigningKey: u.signingKey,
		Registry:   u.registry.Keys(),
		Vector:     u.vector,
		Phase:      u.state.phase(),
	}
	switch s := u.state.(type) {
	case *userRound1:
		snap.Round1 = s
	case *userRound2:
		snap.Round2 = s
	case *userRound3:
		snap.Round3 = s
	case *userRound4:
		snap.Round4 = s
	case userFailed:
		snap.Error, snap.Cause = s.err.Error(), causeCode(s.err)
	}
	return encodeSnapshot(snap)
}

// RestoreUser rebuilds a User from ExportState output.
func RestoreUser(state string) (*User, error) {
	var snap userSnapshot
	if err := decodeSnapshot(state, &snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidState, snap.Version)
	}
	registry, err := NewRegistry(snap.Registry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	u := &User{
		id:         snap.ID,
		threshold:  snap.Threshold,
		signingKey: snap.SigningKey,
		registry:   registry,
		vector:     snap.Vector,
	}

	var missing bool
	switch snap.Phase {
	case PhaseRound0:
		u.state = userRound0{}
	case PhaseRound1:
		u.state, missing = snap.Round1, snap.Round1 == nil
	case PhaseRound2:
		u.state, missing = snap.Round2, snap.Round2 == nil
	case PhaseRound3:
		u.state, missing = snap.Round3, snap.Round3 == nil
	case PhaseRound4:
		u.state, missing = snap.Round4, snap.Round4 == nil
	case PhaseDone:
		u.state = userDone{}
	case PhaseFailed:
		cause, err := restoreCause(snap.Cause, snap.Error)
		if err != nil {
			return nil, err
		}
		u.state = userFailed{err: cause}
	default:
		return nil, fmt.Errorf("%w: unknown phase %d", ErrInvalidState, snap.Phase)
	}
	if missing {
		return nil, fmt.Errorf("%w: no data for phase %s", ErrInvalidState, snap.Phase)
	}

	if !snap.Phase.Terminal() {
		if snap.Threshold < MinThreshold || snap.Threshold > registry.Len() {
			return nil, fmt.Errorf("%w: threshold %d", ErrInvalidState, snap.Threshold)
		}
		if len(snap.Vector) == 0 {
			return nil, fmt.Errorf("%w: empty vector", ErrInvalidState)
		}
		pk, ok := registry.Lookup(snap.ID)
		if !ok || pk != snap.SigningKey.Public() {
			return nil, fmt.Errorf("%w: signing key does not match registry", ErrInvalidState)
		}
	}
	return u, nil
}

// ExportState serializes the server to an opaque string.
func (s *Server) ExportState() (string, error) {
	snap := serverSnapshot{
		Version:      snapshotVersion,
		Threshold:    s.threshold,
		VectorLength: s.vectorLength,
		Phase:        s.state.phase(),
	}
	switch st := s.state.(type) {
	case *serverRound0:
		snap.Round0 = st
	case *serverRound1:
		snap.Round1 = st
	case *serverRound2:
		snap.Round2 = st
	case *serverRound3:
		snap.Round3 = st
	case *serverRound4:
		snap.Round4 = st
	case *serverDone:
		snap.Done = st
	case serverFailed:
		snap.Error, snap.Cause = st.err.Error(), causeCode(st.err)
	}
	return encodeSnapshot(snap)
}

// RestoreServer rebuilds a Server from ExportState output.
func RestoreServer(state string) (*Server, error) {
	var snap serverSnapshot
	if err := decodeSnapshot(state, &snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidState, snap.Version)
	}
	if snap.Threshold < MinThreshold || snap.Threshold > MaxParticipants || snap.VectorLength <= 0 {
		return nil, fmt.Errorf("%w: threshold %d, vector length %d", ErrInvalidState, snap.Threshold, snap.VectorLength)
	}
	s := &Server{threshold: snap.Threshold, vectorLength: snap.VectorLength}

	var missing bool
	switch snap.Phase {
	case PhaseRound0:
		s.state, missing = snap.Round0, snap.Round0 == nil
	case PhaseRound1:
		s.state, missing = snap.Round1, snap.Round1 == nil
	case PhaseRound2:
		s.state, missing = snap.Round2, snap.Round2 == nil
	case PhaseRound3:
		s.state, missing = snap.Round3, snap.Round3 == nil
	case PhaseRound4:
		s.state, missing = snap.Round4, snap.Round4 == nil
	case PhaseDone:
		s.state, missing = snap.Done, snap.Done == nil
	case PhaseFailed:
		cause, err := restoreCause(snap.Cause, snap.Error)
		if err != nil {
			return nil, err
		}
		s.state = serverFailed{err: cause}
	default:
		return nil, fmt.Errorf("%w: unknown phase %d", ErrInvalidState, snap.Phase)
	}
	if missing {
		return nil, fmt.Errorf("%w: no data for phase %s", ErrInvalidState, snap.Phase)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// normalize fills in collectors that decoded as nil and checks that the
// others belong to this round and threshold.
func (s *Server) normalize() error {
	switch st := s.state.(type) {
	case *serverRound0:
		return normalizeCollector(&st.Keys, 0, s.threshold)
	case *serverRound1:
		return normalizeCollector(&st.Shares, 1, s.threshold)
	case *serverRound2:
		return normalizeCollector(&st.Masked, 2, s.threshold)
	case *serverRound3:
		if len(st.Sum) != s.vectorLength {
			return fmt.Errorf("%w: sum length %d", ErrInvalidState, len(st.Sum))
		}
		return normalizeCollector(&st.Signatures, 3, s.threshold)
	case *serverRound4:
		if len(st.Sum) != s.vectorLength {
			return fmt.Errorf("%w: sum length %d", ErrInvalidState, len(st.Sum))
		}
		return normalizeCollector(&st.Revealed, 4, s.threshold)
	}
	return nil
}

func normalizeCollector[T any](c **Collector[T], round, threshold int) error {
	if *c == nil {
		*c = NewCollector[T](round, threshold)
		return nil
	}
	if (*c).Round != round || (*c).Threshold != threshold {
		return fmt.Errorf("%w: collector for round %d with threshold %d in round %d",
			ErrInvalidState, (*c).Round, (*c).Threshold, round)
	}
	if (*c).Items == nil {
		(*c).Items = make(map[ID]T)
	}
	return nil
}

// failureCauses maps the cause codes stored in Failed snapshots to the
// sentinel they restore. Codes are persisted, so entries are only appended.
var failureCauses = [...]error{
	1:  ErrThresholdNotMet,
	2:  ErrSignatureInvalid,
	3:  ErrUnknownSigner,
	4:  ErrShareTagMismatch,
	5:  ErrDecryptionFailed,
	6:  ErrSecretReconstructionFailed,
	7:  ErrMalformedMessage,
	8:  ErrRoundMismatch,
	9:  ErrInvalidThreshold,
	10: ErrTooManyParticipants,
	11: ErrInvalidVectorLength,
	12: ErrInvalidSigningKey,
	13: ErrKeyAgreementFailed,
	14: ErrInvalidState,
}

// causeCode returns the code of the first sentinel err matches, or 0.
func causeCode(err error) uint8 {
	for code, sentinel := range failureCauses {
		if sentinel != nil && errors.Is(err, sentinel) {
			return uint8(code)
		}
	}
	return 0
}

// restoredError is a Failed cause rebuilt from a snapshot. It keeps the
// original text and still matches the original sentinel.
type restoredError struct {
	text  string
	cause error
}

func (e *restoredError) Error() string { return e.text }

func (e *restoredError) Unwrap() error { return e.cause }

func restoreCause(code uint8, text string) (error, error) {
	if int(code) >= len(failureCauses) {
		return nil, fmt.Errorf("%w: unknown failure cause %d", ErrInvalidState, code)
	}
	if code == 0 {
		return errors.New(text), nil
	}
	return &restoredError{text: text, cause: failureCauses[code]}, nil
}
