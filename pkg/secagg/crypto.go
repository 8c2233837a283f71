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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Domain separation tags.
const (
	tagCommKey  = "secagg/v1/comm-key"
	tagRandKey  = "secagg/v1/rand-key"
	tagAlive    = "secagg/v1/alive"
	tagEnvelope = "secagg/v1/envelope"
	tagMask     = "secagg/v1/mask"
)

// randReader is the entropy source for keys, seeds, polynomials and nonces.
var randReader io.Reader = rand.Reader

// GenerateSigningKeypair creates a long-term Ed25519 keypair.
func GenerateSigningKeypair() (SigningPublicKey, SigningSecretKey, error) {
	var (
		pk SigningPublicKey
		sk SigningSecretKey
	)
	pub, priv, err := ed25519.GenerateKey(randReader)
	if err != nil {
		return pk, sk, fmt.Errorf("secagg: generate signing key: %w", err)
	}
	copy(pk[:], pub)
	copy(sk[:], priv)
	ZeroBytes(priv)
	return pk, sk, nil
}

// Sign signs message with sk.
func Sign(message []byte, sk SigningSecretKey) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(sk[:]), message))
	return sig
}

// Verify reports whether sig is a valid signature of message under pk.
func Verify(message []byte, sig Signature, pk SigningPublicKey) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}

// DHKeypair is an ephemeral X25519 keypair.
type DHKeypair struct {
	Public DHPublicKey `cbor:"1,keyasint"`
	Secret DHSecretKey `cbor:"2,keyasint"`
}

// GenerateDHKeypair creates a fresh X25519 keypair.
func GenerateDHKeypair() (DHKeypair, error) {
	var kp DHKeypair
	if _, err := io.ReadFull(randReader, kp.Secret[:]); err != nil {
		return DHKeypair{}, fmt.Errorf("secagg: generate dh key: %w", err)
	}
	pub, err := dhPublic(kp.Secret)
	if err != nil {
		return DHKeypair{}, err
	}
	kp.Public = pub
	return kp, nil
}

// Zeroize clears the secret scalar.
func (kp *DHKeypair) Zeroize() {
	ZeroBytes(kp.Secret[:])
}

func dhPublic(sk DHSecretKey) (DHPublicKey, error) {
	var pk DHPublicKey
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	copy(pk[:], out)
	return pk, nil
}

// DH computes the raw X25519 shared secret. Both ends of a pair obtain the
// same value. A low-order peer key is rejected.
func DH(sk DHSecretKey, peer DHPublicKey) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(sk[:], peer[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	copy(shared[:], out)
	ZeroBytes(out)
	return shared, nil
}

func deriveKey(sk DHSecretKey, peer DHPublicKey, info string) ([32]byte, error) {
	var key [32]byte
	shared, err := DH(sk, peer)
	if err != nil {
		return key, err
	}
	defer ZeroBytes(shared[:])
	r := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	return key, nil
}

// EnvelopeKey derives the symmetric key protecting share records between
// the owners of two comm keys.
func EnvelopeKey(sk DHSecretKey, peer DHPublicKey) ([32]byte, error) {
	return deriveKey(sk, peer, tagEnvelope)
}

// PairwiseSeed derives the mask seed shared by the owners of two rand keys.
func PairwiseSeed(sk DHSecretKey, peer DHPublicKey) (Seed, error) {
	key, err := deriveKey(sk, peer, tagMask)
	return Seed(key), err
}

// Seal encrypts message under key with a fresh random nonce.
func Seal(message []byte, key *[32]byte) (Nonce, []byte, error) {
	var nonce Nonce
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("secagg: generate nonce: %w", err)
	}
	nb := [NonceSize]byte(nonce)
	return nonce, secretbox.Seal(nil, message, &nb, key), nil
}

// Open authenticates and decrypts ciphertext. A tag mismatch or a
// ciphertext shorter than the tag is ErrDecryptionFailed.
func Open(nonce Nonce, ciphertext []byte, key *[32]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nb := [NonceSize]byte(nonce)
	out, ok := secretbox.Open(nil, ciphertext, &nb, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

func keyMessage(tag string, pk DHPublicKey) []byte {
	msg := make([]byte, 0, len(tag)+DHPublicKeySize)
	msg = append(msg, tag...)
	return append(msg, pk[:]...)
}

// AliveMessage returns the canonical bytes users sign in round 3: the tag,
// the id count and each id in ascending order, all big-endian.
func AliveMessage(alive []ID) []byte {
	ids := append([]ID(nil), alive...)
	sortIDs(ids)
	msg := make([]byte, 0, len(tagAlive)+4+8*len(ids))
	msg = append(msg, tagAlive...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(ids)))
	for _, id := range ids {
		msg = binary.BigEndian.AppendUint64(msg, uint64(id))
	}
	return msg
}
