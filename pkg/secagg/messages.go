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
	"sort"
)

// Kind tags each message variant on the wire.
type Kind uint8

// Message kinds. User inputs are Begin, KeyMap, Envelopes, AliveSet and
// AliveSignatures. User outputs are the remaining kinds.
const (
	KindBegin Kind = iota
	KindAdvertiseKeys
	KindKeyMap
	KindShareKeys
	KindEnvelopes
	KindMaskedInput
	KindAliveSet
	KindAliveSignature
	KindAliveSignatures
	KindRevealedShares
)

var kindNames = [...]string{
	KindBegin:           "Begin",
	KindAdvertiseKeys:   "AdvertiseKeys",
	KindKeyMap:          "KeyMap",
	KindShareKeys:       "ShareKeys",
	KindEnvelopes:       "Envelopes",
	KindMaskedInput:     "MaskedInput",
	KindAliveSet:        "AliveSet",
	KindAliveSignature:  "AliveSignature",
	KindAliveSignatures: "AliveSignatures",
	KindRevealedShares:  "RevealedShares",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is implemented by every wire variant.
type Message interface {
	Kind() Kind
}

// Begin is the constant input that starts round 0.
type Begin struct{}

// SignedKey is a DH public key signed with the owner's long-term key.
type SignedKey struct {
	Key       DHPublicKey `cbor:"1,keyasint"`
	Signature Signature   `cbor:"2,keyasint"`
}

// AdvertiseKeys is a user's round-0 output.
type AdvertiseKeys struct {
	Comm SignedKey `cbor:"1,keyasint"`
	Rand SignedKey `cbor:"2,keyasint"`
}

// KeyMap is the round-1 input: every round-0 respondent's advertised keys.
type KeyMap map[ID]AdvertiseKeys

// SealedEnvelope is a share record encrypted under a pairwise key.
type SealedEnvelope struct {
	Nonce      Nonce  `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

// ShareKeys is a user's round-1 output, keyed by recipient.
type ShareKeys map[ID]SealedEnvelope

// Envelopes is the round-2 input, keyed by sender.
type Envelopes map[ID]SealedEnvelope

// MaskedInput is a user's round-2 output.
type MaskedInput struct {
	Vector Vector `cbor:"1,keyasint"`
}

// AliveSet is the round-3 input: ids whose masked vectors the server holds.
type AliveSet []ID

// AliveSignature is a user's round-3 output.
type AliveSignature struct {
	Signature Signature `cbor:"1,keyasint"`
}

// AliveSignatures is the round-4 input, keyed by signer.
type AliveSignatures map[ID]Signature

// ShareKind says which secret a revealed share belongs to.
type ShareKind uint8

const (
	// ShareSeed is a share of an alive user's self-mask seed.
	ShareSeed ShareKind = iota + 1
	// ShareRandKey is a share of a dropped user's rand secret key.
	ShareRandKey
)

func (k ShareKind) String() string {
	switch k {
	case ShareSeed:
		return "seed"
	case ShareRandKey:
		return "rand-key"
	default:
		return fmt.Sprintf("ShareKind(%d)", uint8(k))
	}
}

// RevealedShare is one share disclosed in round 4.
type RevealedShare struct {
	Kind  ShareKind `cbor:"1,keyasint"`
	Share Share     `cbor:"2,keyasint"`
}

// RevealedShares is a user's round-4 output, keyed by share owner.
type RevealedShares map[ID]RevealedShare

// ShareRecord is the plaintext of a sealed envelope.
type ShareRecord struct {
	From        ID    `cbor:"1,keyasint"`
	To          ID    `cbor:"2,keyasint"`
	RandSkShare Share `cbor:"3,keyasint"`
	SeedShare   Share `cbor:"4,keyasint"`
}

func (Begin) Kind() Kind           { return KindBegin }
func (AdvertiseKeys) Kind() Kind   { return KindAdvertiseKeys }
func (KeyMap) Kind() Kind          { return KindKeyMap }
func (ShareKeys) Kind() Kind       { return KindShareKeys }
func (Envelopes) Kind() Kind       { return KindEnvelopes }
func (MaskedInput) Kind() Kind     { return KindMaskedInput }
func (AliveSet) Kind() Kind        { return KindAliveSet }
func (AliveSignature) Kind() Kind  { return KindAliveSignature }
func (AliveSignatures) Kind() Kind { return KindAliveSignatures }
func (RevealedShares) Kind() Kind  { return KindRevealedShares }

// sortedIDs returns the keys of m in ascending order.
func sortedIDs[T any](m map[ID]T) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SortedIDs returns the keys of m in ascending order.
func SortedIDs[T any](m map[ID]T) []ID {
	return sortedIDs(m)
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func containsID(sorted []ID, id ID) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= id })
	return i < len(sorted) && sorted[i] == id
}
