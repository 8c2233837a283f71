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
	"io"
)

// userState is implemented by each user phase. Every variant owns exactly
// the data later rounds need.
type userState interface {
	phase() Phase
	zeroize()
}

type userRound0 struct{}

type userRound1 struct {
	Comm DHKeypair `cbor:"1,keyasint"`
	Rand DHKeypair `cbor:"2,keyasint"`
}

type userRound2 struct {
	Comm     DHKeypair          `cbor:"1,keyasint"`
	Rand     DHKeypair          `cbor:"2,keyasint"`
	CommKeys map[ID]DHPublicKey `cbor:"3,keyasint"`
	RandKeys map[ID]DHPublicKey `cbor:"4,keyasint"`
	Seed     Seed               `cbor:"5,keyasint"`
}

type userRound3 struct {
	Comm      DHKeypair          `cbor:"1,keyasint"`
	CommKeys  map[ID]DHPublicKey `cbor:"2,keyasint"`
	Envelopes Envelopes          `cbor:"3,keyasint"`
}

type userRound4 struct {
	Comm      DHKeypair          `cbor:"1,keyasint"`
	CommKeys  map[ID]DHPublicKey `cbor:"2,keyasint"`
	Envelopes Envelopes          `cbor:"3,keyasint"`
	Alive     []ID               `cbor:"4,keyasint"`
}

type userDone struct{}

type userFailed struct {
	err error
}

func (userRound0) phase() Phase  { return PhaseRound0 }
func (*userRound1) phase() Phase { return PhaseRound1 }
func (*userRound2) phase() Phase { return PhaseRound2 }
func (*userRound3) phase() Phase { return PhaseRound3 }
func (*userRound4) phase() Phase { return PhaseRound4 }
func (userDone) phase() Phase    { return PhaseDone }
func (userFailed) phase() Phase  { return PhaseFailed }

func (userRound0) zeroize() {}
func (s *userRound1) zeroize() {
	s.Comm.Zeroize()
	s.Rand.Zeroize()
}
func (s *userRound2) zeroize() {
	s.Comm.Zeroize()
	s.Rand.Zeroize()
	ZeroBytes(s.Seed[:])
}
func (s *userRound3) zeroize() { s.Comm.Zeroize() }
func (s *userRound4) zeroize() { s.Comm.Zeroize() }
func (userDone) zeroize()      {}
func (userFailed) zeroize()    {}

// User is one participant's protocol state machine. A User is driven
// strictly forward, one Round call per protocol round, and is not safe for
// concurrent use.
type User struct {
	id         ID
	threshold  int
	signingKey SigningSecretKey
	registry   *Registry
	vector     Vector
	state      userState
}

// NewUser creates a participant in Round0. The signing key must match the
// key registered for id, and threshold must lie in [MinThreshold, registry size].
func NewUser(id ID, threshold int, signingKey SigningSecretKey, vector Vector, registry *Registry) (*User, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrUnknownSigner)
	}
	if threshold < MinThreshold || threshold > registry.Len() {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidThreshold, threshold, MinThreshold, registry.Len())
	}
	if len(vector) == 0 {
		return nil, ErrInvalidVectorLength
	}
	pk, ok := registry.Lookup(id)
	if !ok {
		return nil, &UnknownSignerError{ID: id}
	}
	if pk != signingKey.Public() {
		return nil, fmt.Errorf("%w: participant %d", ErrInvalidSigningKey, id)
	}
	return &User{
		id:         id,
		threshold:  threshold,
		signingKey: signingKey,
		registry:   registry,
		vector:     vector.Clone(),
		state:      userRound0{},
	}, nil
}

// ID returns the participant id.
func (u *User) ID() ID { return u.id }

// Threshold returns the reconstruction threshold.
func (u *User) Threshold() int { return u.threshold }

// State returns the current phase.
func (u *User) State() Phase { return u.state.phase() }

// Err returns the error that moved the user to Failed, or nil.
func (u *User) Err() error {
	if f, ok := u.state.(userFailed); ok {
		return f.err
	}
	return nil
}

// Round consumes one serialized input message and returns the serialized
// output for the server. Any error moves the user to Failed.
func (u *User) Round(input []byte) ([]byte, error) {
	if err := u.checkLive(); err != nil {
		return nil, err
	}
	msg, err := DecodeMessage(input)
	if err != nil {
		return nil, u.fail(err)
	}
	out, err := u.RoundMessage(msg)
	if err != nil {
		return nil, err
	}
	data, err := EncodeMessage(out)
	if err != nil {
		return nil, u.fail(err)
	}
	return data, nil
}

// RoundMessage is Round on decoded messages.
func (u *User) RoundMessage(msg Message) (Message, error) {
	if err := u.checkLive(); err != nil {
		return nil, err
	}
	out, next, err := u.advance(msg)
	if err != nil {
		return nil, u.fail(err)
	}
	// Secrets the next phase still needs were copied into it.
	u.state.zeroize()
	u.state = next
	if next.phase() == PhaseDone {
		u.zeroize()
	}
	return out, nil
}

func (u *User) checkLive() error {
	switch s := u.state.(type) {
	case userDone:
		return ErrTerminalState
	case userFailed:
		return fmt.Errorf("%w: %w", ErrTerminalState, s.err)
	}
	return nil
}

func (u *User) fail(err error) error {
	u.state.zeroize()
	u.zeroize()
	u.state = userFailed{err: err}
	return err
}

func (u *User) zeroize() {
	ZeroBytes(u.signingKey[:])
	ZeroVector(u.vector)
}

func (u *User) advance(msg Message) (Message, userState, error) {
	switch s := u.state.(type) {
	case userRound0:
		if _, ok := msg.(Begin); !ok {
			return nil, nil, &RoundMismatchError{State: PhaseRound0, Kind: msg.Kind()}
		}
		return u.advertiseKeys()
	case *userRound1:
		m, ok := msg.(KeyMap)
		if !ok {
			return nil, nil, &RoundMismatchError{State: PhaseRound1, Kind: msg.Kind()}
		}
		return u.shareKeys(s, m)
	case *userRound2:
		m, ok := msg.(Envelopes)
		if !ok {
			return nil, nil, &RoundMismatchError{State: PhaseRound2, Kind: msg.Kind()}
		}
		return u.maskedInput(s, m)
	case *userRound3:
		m, ok := msg.(AliveSet)
		if !ok {
			return nil, nil, &RoundMismatchError{State: PhaseRound3, Kind: msg.Kind()}
		}
		return u.consistencyCheck(s, m)
	case *userRound4:
		m, ok := msg.(AliveSignatures)
		if !ok {
			return nil, nil, &RoundMismatchError{State: PhaseRound4, Kind: msg.Kind()}
		}
		return u.unmask(s, m)
	default:
		return nil, nil, ErrTerminalState
	}
}

// advertiseKeys is round 0: fresh comm and rand keypairs, each signed.
func (u *User) advertiseKeys() (Message, userState, error) {
	comm, err := GenerateDHKeypair()
	if err != nil {
		return nil, nil, err
	}
	rand, err := GenerateDHKeypair()
	if err != nil {
		return nil, nil, err
	}
	out := AdvertiseKeys{
		Comm: SignedKey{Key: comm.Public, Signature: Sign(keyMessage(tagCommKey, comm.Public), u.signingKey)},
		Rand: SignedKey{Key: rand.Public, Signature: Sign(keyMessage(tagRandKey, rand.Public), u.signingKey)},
	}
	return out, &userRound1{Comm: comm, Rand: rand}, nil
}

// shareKeys is round 1: verify every advertised key, split the rand secret
// key and a fresh seed, and seal one share record per participant.
func (u *User) shareKeys(s *userRound1, keys KeyMap) (Message, userState, error) {
	if len(keys) > MaxParticipants {
		return nil, nil, fmt.Errorf("%w: %d participants", ErrTooManyParticipants, len(keys))
	}
	if len(keys) < u.threshold {
		return nil, nil, &ThresholdError{Round: 1, Have: len(keys), Need: u.threshold}
	}
	ids := sortedIDs(keys)
	for _, id := range ids {
		k := keys[id]
		if err := u.registry.verify(id, keyMessage(tagCommKey, k.Comm.Key), k.Comm.Signature, "comm key"); err != nil {
			return nil, nil, err
		}
		if err := u.registry.verify(id, keyMessage(tagRandKey, k.Rand.Key), k.Rand.Signature, "rand key"); err != nil {
			return nil, nil, err
		}
	}
	own, ok := keys[u.id]
	if !ok || own.Comm.Key != s.Comm.Public || own.Rand.Key != s.Rand.Public {
		return nil, nil, malformed("key map does not carry participant %d's own keys", u.id)
	}

	var seed Seed
	if _, err := io.ReadFull(randReader, seed[:]); err != nil {
		return nil, nil, fmt.Errorf("secagg: generate seed: %w", err)
	}
	randShares, err := SplitSecret([32]byte(s.Rand.Secret), u.threshold, len(ids))
	if err != nil {
		return nil, nil, err
	}
	seedShares, err := SplitSecret([32]byte(seed), u.threshold, len(ids))
	if err != nil {
		return nil, nil, err
	}

	next := &userRound2{
		Comm:     s.Comm,
		Rand:     s.Rand,
		CommKeys: make(map[ID]DHPublicKey, len(ids)),
		RandKeys: make(map[ID]DHPublicKey, len(ids)),
		Seed:     seed,
	}
	out := make(ShareKeys, len(ids))
	for i, id := range ids {
		next.CommKeys[id] = keys[id].Comm.Key
		next.RandKeys[id] = keys[id].Rand.Key

		key, err := EnvelopeKey(s.Comm.Secret, keys[id].Comm.Key)
		if err != nil {
			return nil, nil, err
		}
		plain, err := encodeRecord(ShareRecord{
			From:        u.id,
			To:          id,
			RandSkShare: randShares[i],
			SeedShare:   seedShares[i],
		})
		if err != nil {
			ZeroBytes(key[:])
			return nil, nil, err
		}
		nonce, ct, err := Seal(plain, &key)
		ZeroBytes(plain)
		ZeroBytes(key[:])
		if err != nil {
			return nil, nil, err
		}
		out[id] = SealedEnvelope{Nonce: nonce, Ciphertext: ct}
	}
	for i := range randShares {
		ZeroBytes(randShares[i][:])
		ZeroBytes(seedShares[i][:])
	}
	return out, next, nil
}

// maskedInput is round 2: add the self mask and one signed pairwise mask
// per envelope sender to the private vector.
func (u *User) maskedInput(s *userRound2, envs Envelopes) (Message, userState, error) {
	if len(envs) < u.threshold {
		return nil, nil, &ThresholdError{Round: 2, Have: len(envs), Need: u.threshold}
	}
	masked := u.vector.Clone()
	masked.add(MaskFromSeed(s.Seed, len(masked)), 1)
	for _, v := range sortedIDs(envs) {
		pk, ok := s.RandKeys[v]
		if !ok {
			return nil, nil, malformed("envelope from participant %d who advertised no keys", v)
		}
		sign := pairSign(v, u.id)
		if sign == 0 {
			continue
		}
		seed, err := PairwiseSeed(s.Rand.Secret, pk)
		if err != nil {
			return nil, nil, err
		}
		masked.add(MaskFromSeed(seed, len(masked)), sign)
		ZeroBytes(seed[:])
	}
	next := &userRound3{Comm: s.Comm, CommKeys: s.CommKeys, Envelopes: envs}
	return MaskedInput{Vector: masked}, next, nil
}

// consistencyCheck is round 3: sign the alive set.
func (u *User) consistencyCheck(s *userRound3, alive AliveSet) (Message, userState, error) {
	ids := append([]ID(nil), alive...)
	sortIDs(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return nil, nil, malformed("alive set repeats participant %d", ids[i])
		}
	}
	if len(ids) < MinAliveUsers {
		return nil, nil, &ThresholdError{Round: 3, Have: len(ids), Need: MinAliveUsers}
	}
	for _, id := range ids {
		if _, ok := s.Envelopes[id]; !ok {
			return nil, nil, malformed("alive participant %d sent no shares", id)
		}
	}
	sig := Sign(AliveMessage(ids), u.signingKey)
	next := &userRound4{Comm: s.Comm, CommKeys: s.CommKeys, Envelopes: s.Envelopes, Alive: ids}
	return AliveSignature{Signature: sig}, next, nil
}

// unmask is round 4: check every alive-set signature, then reveal seed
// shares of alive users and rand-key shares of dropped ones.
func (u *User) unmask(s *userRound4, sigs AliveSignatures) (Message, userState, error) {
	if len(sigs) < u.threshold {
		return nil, nil, &ThresholdError{Round: 4, Have: len(sigs), Need: u.threshold}
	}
	msg := AliveMessage(s.Alive)
	for _, id := range sortedIDs(sigs) {
		if err := u.registry.verify(id, msg, sigs[id], "alive set"); err != nil {
			return nil, nil, err
		}
	}

	out := make(RevealedShares, len(s.Envelopes))
	for _, id := range sortedIDs(s.Envelopes) {
		rec, err := u.openEnvelope(s, id)
		if err != nil {
			return nil, nil, err
		}
		if containsID(s.Alive, id) {
			out[id] = RevealedShare{Kind: ShareSeed, Share: rec.SeedShare}
		} else {
			out[id] = RevealedShare{Kind: ShareRandKey, Share: rec.RandSkShare}
		}
		ZeroBytes(rec.SeedShare[:])
		ZeroBytes(rec.RandSkShare[:])
	}
	return out, userDone{}, nil
}

func (u *User) openEnvelope(s *userRound4, from ID) (ShareRecord, error) {
	pk, ok := s.CommKeys[from]
	if !ok {
		return ShareRecord{}, malformed("no comm key for participant %d", from)
	}
	key, err := EnvelopeKey(s.Comm.Secret, pk)
	if err != nil {
		return ShareRecord{}, err
	}
	defer ZeroBytes(key[:])
	env := s.Envelopes[from]
	plain, err := Open(env.Nonce, env.Ciphertext, &key)
	if err != nil {
		return ShareRecord{}, fmt.Errorf("envelope from participant %d: %w", from, err)
	}
	defer ZeroBytes(plain)
	rec, err := decodeRecord(plain)
	if err != nil {
		return ShareRecord{}, fmt.Errorf("envelope from participant %d: %w", from, err)
	}
	if rec.From != from || rec.To != u.id {
		return ShareRecord{}, &ShareTagError{WantFrom: from, WantTo: u.id, GotFrom: rec.From, GotTo: rec.To}
	}
	return rec, nil
}
