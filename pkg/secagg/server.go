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
	"fmt"
)

// OutputKind distinguishes the two results of Server.Round.
type OutputKind int

const (
	// OutputMessages carries per-user inputs for the next round.
	OutputMessages OutputKind = iota + 1
	// OutputAggregate carries the final aggregate vector.
	OutputAggregate
)

func (k OutputKind) String() string {
	switch k {
	case OutputMessages:
		return "messages"
	case OutputAggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// ServerOutput is the result of a successful Server.Round.
type ServerOutput struct {
	Kind OutputKind
	// Messages maps each recipient to its serialized next-round input.
	Messages map[ID][]byte
	// Aggregate is set when Kind is OutputAggregate.
	Aggregate Vector
}

type serverState interface {
	phase() Phase
}

type serverRound0 struct {
	Keys *Collector[AdvertiseKeys] `cbor:"1,keyasint"`
}

type serverRound1 struct {
	RandKeys map[ID]DHPublicKey `cbor:"1,keyasint"`
	// Shares collects each sender's envelopes keyed by recipient.
	Shares *Collector[ShareKeys] `cbor:"2,keyasint"`
}

type serverRound2 struct {
	RandKeys     map[ID]DHPublicKey `cbor:"1,keyasint"`
	SharingUsers []ID               `cbor:"2,keyasint"`
	Masked       *Collector[Vector] `cbor:"3,keyasint"`
}

type serverRound3 struct {
	RandKeys     map[ID]DHPublicKey    `cbor:"1,keyasint"`
	SharingUsers []ID                  `cbor:"2,keyasint"`
	Alive        []ID                  `cbor:"3,keyasint"`
	Sum          Vector                `cbor:"4,keyasint"`
	Signatures   *Collector[Signature] `cbor:"5,keyasint"`
}

type serverRound4 struct {
	RandKeys     map[ID]DHPublicKey         `cbor:"1,keyasint"`
	SharingUsers []ID                       `cbor:"2,keyasint"`
	Alive        []ID                       `cbor:"3,keyasint"`
	Sum          Vector                     `cbor:"4,keyasint"`
	Signatures   map[ID]Signature           `cbor:"5,keyasint"`
	Revealed     *Collector[RevealedShares] `cbor:"6,keyasint"`
}

type serverDone struct {
	Aggregate Vector `cbor:"1,keyasint"`
}

type serverFailed struct {
	err error
}

func (*serverRound0) phase() Phase { return PhaseRound0 }
func (*serverRound1) phase() Phase { return PhaseRound1 }
func (*serverRound2) phase() Phase { return PhaseRound2 }
func (*serverRound3) phase() Phase { return PhaseRound3 }
func (*serverRound4) phase() Phase { return PhaseRound4 }
func (*serverDone) phase() Phase   { return PhaseDone }
func (serverFailed) phase() Phase  { return PhaseFailed }

// Server is the coordinator's protocol state machine. Recv routes each
// user's message into the current round; Round releases the round once the
// threshold is met and produces the next round's inputs or the aggregate.
// A Server is not safe for concurrent use.
type Server struct {
	threshold    int
	vectorLength int
	state        serverState
}

// NewServer creates a coordinator in Round0.
func NewServer(threshold, vectorLength int) (*Server, error) {
	if threshold < MinThreshold || threshold > MaxParticipants {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidThreshold, threshold, MinThreshold, MaxParticipants)
	}
	if vectorLength <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVectorLength, vectorLength)
	}
	return &Server{
		threshold:    threshold,
		vectorLength: vectorLength,
		state:        &serverRound0{Keys: NewCollector[AdvertiseKeys](0, threshold)},
	}, nil
}

// Threshold returns the reconstruction threshold.
func (s *Server) Threshold() int { return s.threshold }

// VectorLength returns the length of every input vector.
func (s *Server) VectorLength() int { return s.vectorLength }

// State returns the current phase.
func (s *Server) State() Phase { return s.state.phase() }

// Err returns the error that moved the server to Failed, or nil.
func (s *Server) Err() error {
	if f, ok := s.state.(serverFailed); ok {
		return f.err
	}
	return nil
}

// Contributors returns the ids that have contributed to the current round
// so far, in ascending order.
func (s *Server) Contributors() []ID {
	switch st := s.state.(type) {
	case *serverRound0:
		return st.Keys.IDs()
	case *serverRound1:
		return st.Shares.IDs()
	case *serverRound2:
		return st.Masked.IDs()
	case *serverRound3:
		return st.Signatures.IDs()
	case *serverRound4:
		return st.Revealed.IDs()
	default:
		return nil
	}
}

// Expected returns the ids that may contribute to the current round, or nil
// when any id may (round 0).
func (s *Server) Expected() []ID {
	switch st := s.state.(type) {
	case *serverRound1:
		return sortedIDs(st.RandKeys)
	case *serverRound2:
		return append([]ID(nil), st.SharingUsers...)
	case *serverRound3:
		return append([]ID(nil), st.Alive...)
	case *serverRound4:
		return sortedIDs(st.Signatures)
	default:
		return nil
	}
}

// Expects returns the message kind the current round accepts. It is false
// once the server is Done or Failed.
func (s *Server) Expects() (Kind, bool) {
	switch s.state.(type) {
	case *serverRound0:
		return KindAdvertiseKeys, true
	case *serverRound1:
		return KindShareKeys, true
	case *serverRound2:
		return KindMaskedInput, true
	case *serverRound3:
		return KindAliveSignature, true
	case *serverRound4:
		return KindRevealedShares, true
	default:
		return 0, false
	}
}

func (s *Server) checkLive() error {
	switch st := s.state.(type) {
	case *serverDone:
		return ErrTerminalState
	case serverFailed:
		return fmt.Errorf("%w: %w", ErrTerminalState, st.err)
	}
	return nil
}

func (s *Server) fail(err error) error {
	s.state = serverFailed{err: err}
	return err
}

// Recv records id's serialized output for the current round. A payload
// that cannot be decoded or does not belong to this run returns
// ErrMalformedMessage and leaves the server unchanged. A message for the
// wrong round is a caller error and moves the server to Failed.
func (s *Server) Recv(id ID, data []byte) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	return s.RecvMessage(id, msg)
}

// RecvMessage is Recv on a decoded message.
func (s *Server) RecvMessage(id ID, msg Message) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	switch st := s.state.(type) {
	case *serverRound0:
		m, ok := msg.(AdvertiseKeys)
		if !ok {
			return s.fail(&RoundMismatchError{State: PhaseRound0, Kind: msg.Kind()})
		}
		if !st.Keys.Has(id) && st.Keys.Len() >= MaxParticipants {
			return fmt.Errorf("%w: %d participants", ErrTooManyParticipants, st.Keys.Len())
		}
		st.Keys.Recv(id, m)

	case *serverRound1:
		m, ok := msg.(ShareKeys)
		if !ok {
			return s.fail(&RoundMismatchError{State: PhaseRound1, Kind: msg.Kind()})
		}
		if _, ok := st.RandKeys[id]; !ok {
			return malformed("participant %d advertised no keys", id)
		}
		for to := range m {
			if _, ok := st.RandKeys[to]; !ok {
				return malformed("participant %d addressed unknown recipient %d", id, to)
			}
		}
		st.Shares.Recv(id, m)

	case *serverRound2:
		m, ok := msg.(MaskedInput)
		if !ok {
			return s.fail(&RoundMismatchError{State: PhaseRound2, Kind: msg.Kind()})
		}
		if !containsID(st.SharingUsers, id) {
			return malformed("participant %d shared no keys", id)
		}
		if len(m.Vector) != s.vectorLength {
			return malformed("participant %d: %v: got %d, want %d", id, ErrInvalidVectorLength, len(m.Vector), s.vectorLength)
		}
		st.Masked.Recv(id, m.Vector)

	case *serverRound3:
		m, ok := msg.(AliveSignature)
		if !ok {
			return s.fail(&RoundMismatchError{State: PhaseRound3, Kind: msg.Kind()})
		}
		if !containsID(st.Alive, id) {
			return malformed("participant %d is not in the alive set", id)
		}
		st.Signatures.Recv(id, m.Signature)

	case *serverRound4:
		m, ok := msg.(RevealedShares)
		if !ok {
			return s.fail(&RoundMismatchError{State: PhaseRound4, Kind: msg.Kind()})
		}
		if _, ok := st.Signatures[id]; !ok {
			return malformed("participant %d did not sign the alive set", id)
		}
		for owner := range m {
			if !containsID(st.SharingUsers, owner) {
				return malformed("participant %d revealed a share of unknown participant %d", id, owner)
			}
		}
		st.Revealed.Recv(id, m)
	}
	return nil
}

// Round releases the current round. On success it advances and returns the
// next round's per-user inputs, or the aggregate after round 4. Failure to
// meet the threshold, or to reconstruct a secret, moves the server to Failed.
func (s *Server) Round() (*ServerOutput, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	out, next, err := s.advance()
	if err != nil {
		return nil, s.fail(err)
	}
	s.state = next
	return out, nil
}

func (s *Server) advance() (*ServerOutput, serverState, error) {
	switch st := s.state.(type) {
	case *serverRound0:
		return s.releaseKeys(st)
	case *serverRound1:
		return s.releaseShares(st)
	case *serverRound2:
		return s.releaseMasked(st)
	case *serverRound3:
		return s.releaseSignatures(st)
	case *serverRound4:
		return s.unmask(st)
	default:
		return nil, nil, ErrTerminalState
	}
}

// broadcast encodes msg once for every recipient.
func broadcast(recipients []ID, msg Message) (*ServerOutput, error) {
	data, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	out := &ServerOutput{Kind: OutputMessages, Messages: make(map[ID][]byte, len(recipients))}
	for _, id := range recipients {
		out.Messages[id] = data
	}
	return out, nil
}

// releaseKeys closes round 0: every respondent receives the full key map.
func (s *Server) releaseKeys(st *serverRound0) (*ServerOutput, serverState, error) {
	keys, err := st.Keys.Release()
	if err != nil {
		return nil, nil, err
	}
	out, err := broadcast(sortedIDs(keys), KeyMap(keys))
	if err != nil {
		return nil, nil, err
	}
	next := &serverRound1{
		RandKeys: make(map[ID]DHPublicKey, len(keys)),
		Shares:   NewCollector[ShareKeys](1, s.threshold),
	}
	for id, k := range keys {
		next.RandKeys[id] = k.Rand.Key
	}
	return out, next, nil
}

// releaseShares closes round 1: envelopes are regrouped by recipient.
func (s *Server) releaseShares(st *serverRound1) (*ServerOutput, serverState, error) {
	shares, err := st.Shares.Release()
	if err != nil {
		return nil, nil, err
	}
	inbox := make(map[ID]Envelopes)
	for from, envs := range shares {
		for to, env := range envs {
			if inbox[to] == nil {
				inbox[to] = make(Envelopes)
			}
			inbox[to][from] = env
		}
	}
	out := &ServerOutput{Kind: OutputMessages, Messages: make(map[ID][]byte, len(inbox))}
	for to, envs := range inbox {
		data, err := EncodeMessage(envs)
		if err != nil {
			return nil, nil, err
		}
		out.Messages[to] = data
	}
	next := &serverRound2{
		RandKeys:     st.RandKeys,
		SharingUsers: sortedIDs(shares),
		Masked:       NewCollector[Vector](2, s.threshold),
	}
	return out, next, nil
}

// releaseMasked closes round 2: the contributors become the alive set and
// their masked vectors are summed.
func (s *Server) releaseMasked(st *serverRound2) (*ServerOutput, serverState, error) {
	masked, err := st.Masked.Release()
	if err != nil {
		return nil, nil, err
	}
	alive := sortedIDs(masked)
	sum := make(Vector, s.vectorLength)
	for _, id := range alive {
		sum.add(masked[id], 1)
	}
	out, err := broadcast(alive, AliveSet(alive))
	if err != nil {
		return nil, nil, err
	}
	next := &serverRound3{
		RandKeys:     st.RandKeys,
		SharingUsers: st.SharingUsers,
		Alive:        alive,
		Sum:          sum,
		Signatures:   NewCollector[Signature](3, s.threshold),
	}
	return out, next, nil
}

// releaseSignatures closes round 3: every signer receives all signatures.
func (s *Server) releaseSignatures(st *serverRound3) (*ServerOutput, serverState, error) {
	sigs, err := st.Signatures.Release()
	if err != nil {
		return nil, nil, err
	}
	out, err := broadcast(sortedIDs(sigs), AliveSignatures(sigs))
	if err != nil {
		return nil, nil, err
	}
	next := &serverRound4{
		RandKeys:     st.RandKeys,
		SharingUsers: st.SharingUsers,
		Alive:        st.Alive,
		Sum:          st.Sum,
		Signatures:   sigs,
		Revealed:     NewCollector[RevealedShares](4, s.threshold),
	}
	return out, next, nil
}

// unmask closes round 4. Alive users' self masks are removed using their
// reconstructed seeds. For each dropped user the rand secret key is
// reconstructed and the pairwise masks alive users added against it are
// cancelled.
func (s *Server) unmask(st *serverRound4) (*ServerOutput, serverState, error) {
	revealed, err := st.Revealed.Release()
	if err != nil {
		return nil, nil, err
	}
	respondents := sortedIDs(revealed)
	gather := func(owner ID, kind ShareKind) []Share {
		shares := make([]Share, 0, len(respondents))
		for _, r := range respondents {
			if rs, ok := revealed[r][owner]; ok && rs.Kind == kind {
				shares = append(shares, rs.Share)
			}
		}
		return shares
	}

	agg := st.Sum.Clone()
	for _, a := range st.Alive {
		secret, err := ReconstructSecret(gather(a, ShareSeed), s.threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("seed of participant %d: %w", a, err)
		}
		agg.add(MaskFromSeed(Seed(secret), s.vectorLength), -1)
		ZeroBytes(secret[:])
	}

	for _, d := range st.SharingUsers {
		if containsID(st.Alive, d) {
			continue
		}
		secret, err := ReconstructSecret(gather(d, ShareRandKey), s.threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("rand key of participant %d: %w", d, err)
		}
		sk := DHSecretKey(secret)
		ZeroBytes(secret[:])
		pk, err := dhPublic(sk)
		if err != nil || pk != st.RandKeys[d] {
			ZeroBytes(sk[:])
			return nil, nil, fmt.Errorf("%w: rand key of participant %d does not match its advertised key",
				ErrSecretReconstructionFailed, d)
		}
		for _, a := range st.Alive {
			seed, err := PairwiseSeed(sk, st.RandKeys[a])
			if err != nil {
				ZeroBytes(sk[:])
				return nil, nil, err
			}
			agg.add(MaskFromSeed(seed, s.vectorLength), pairSign(a, d))
		}
		ZeroBytes(sk[:])
	}
	return &ServerOutput{Kind: OutputAggregate, Aggregate: agg}, &serverDone{Aggregate: agg.Clone()}, nil
}
