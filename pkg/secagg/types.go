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
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ID identifies a participant for the duration of one protocol run.
// Pairwise mask signs are decided by numeric ID order.
type ID uint64

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Fixed sizes of the primitive types.
const (
	SigningPublicKeySize = ed25519.PublicKeySize
	SigningSecretKeySize = ed25519.PrivateKeySize
	SignatureSize        = ed25519.SignatureSize
	DHPublicKeySize      = 32
	DHSecretKeySize      = 32
	NonceSize            = 24
	SeedSize             = 32
	// ShareSize is one x coordinate byte followed by the shared 32-byte
	// secret and its 32-byte digest.
	ShareSize = 1 + 2*SeedSize
)

// SigningPublicKey is a long-term Ed25519 public key.
type SigningPublicKey [SigningPublicKeySize]byte

// SigningSecretKey is a long-term Ed25519 private key (seed || public key).
type SigningSecretKey [SigningSecretKeySize]byte

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// DHPublicKey is an X25519 public key.
type DHPublicKey [DHPublicKeySize]byte

// DHSecretKey is an X25519 private scalar.
type DHSecretKey [DHSecretKeySize]byte

// Nonce is a secretbox nonce.
type Nonce [NonceSize]byte

// Seed is 32 bytes of mask seed material.
type Seed [SeedSize]byte

// Share is one Shamir share of a 32-byte secret.
type Share [ShareSize]byte

// X returns the share's evaluation point.
func (s Share) X() byte { return s[0] }

func unmarshalFixed(dst []byte, data []byte, name string) error {
	if len(data) != len(dst) {
		return malformed("%s: expected %d bytes, got %d", name, len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

func unmarshalFixedText(dst []byte, text []byte, name string) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return malformed("%s: %v", name, err)
	}
	return unmarshalFixed(dst, raw, name)
}

func (k SigningPublicKey) MarshalBinary() ([]byte, error) { return append([]byte(nil), k[:]...), nil }
func (k *SigningPublicKey) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(k[:], data, "signing public key")
}
func (k SigningPublicKey) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(k[:])), nil }
func (k *SigningPublicKey) UnmarshalText(text []byte) error {
	return unmarshalFixedText(k[:], text, "signing public key")
}

func (k SigningSecretKey) MarshalBinary() ([]byte, error) { return append([]byte(nil), k[:]...), nil }
func (k *SigningSecretKey) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(k[:], data, "signing secret key")
}
func (k SigningSecretKey) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(k[:])), nil }
func (k *SigningSecretKey) UnmarshalText(text []byte) error {
	return unmarshalFixedText(k[:], text, "signing secret key")
}

// Public returns the public half of the signing key.
func (k SigningSecretKey) Public() SigningPublicKey {
	var pk SigningPublicKey
	copy(pk[:], k[ed25519.SeedSize:])
	return pk
}

func (s Signature) MarshalBinary() ([]byte, error) { return append([]byte(nil), s[:]...), nil }
func (s *Signature) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(s[:], data, "signature")
}
func (s Signature) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s[:])), nil }
func (s *Signature) UnmarshalText(text []byte) error {
	return unmarshalFixedText(s[:], text, "signature")
}

func (k DHPublicKey) MarshalBinary() ([]byte, error) { return append([]byte(nil), k[:]...), nil }
func (k *DHPublicKey) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(k[:], data, "dh public key")
}
func (k DHPublicKey) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(k[:])), nil }
func (k *DHPublicKey) UnmarshalText(text []byte) error {
	return unmarshalFixedText(k[:], text, "dh public key")
}

func (k DHSecretKey) MarshalBinary() ([]byte, error) { return append([]byte(nil), k[:]...), nil }
func (k *DHSecretKey) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(k[:], data, "dh secret key")
}

func (n Nonce) MarshalBinary() ([]byte, error) { return append([]byte(nil), n[:]...), nil }
func (n *Nonce) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(n[:], data, "nonce")
}

func (s Seed) MarshalBinary() ([]byte, error) { return append([]byte(nil), s[:]...), nil }
func (s *Seed) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(s[:], data, "seed")
}

func (s Share) MarshalBinary() ([]byte, error) { return append([]byte(nil), s[:]...), nil }
func (s *Share) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(s[:], data, "share")
}

// Phase is the round a User or Server is currently in.
type Phase uint8

// Phases of the five-round protocol.
const (
	PhaseRound0 Phase = iota
	PhaseRound1
	PhaseRound2
	PhaseRound3
	PhaseRound4
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseRound0: "Round0",
	PhaseRound1: "Round1",
	PhaseRound2: "Round2",
	PhaseRound3: "Round3",
	PhaseRound4: "Round4",
	PhaseDone:   "Done",
	PhaseFailed: "Failed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Terminal reports whether the phase accepts no further input.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Round returns the round number of a non-terminal phase, or -1.
func (p Phase) Round() int {
	if p.Terminal() || p > PhaseRound4 {
		return -1
	}
	return int(p)
}
