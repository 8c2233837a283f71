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
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Byte-wise Shamir secret sharing over GF(2^8) with the AES reduction
// polynomial x^8 + x^4 + x^3 + x + 1. Each 32-byte secret is extended with
// its blake3 digest before splitting so that reconstruction can detect
// inconsistent shares.

const shareBodySize = ShareSize - 1

func gfMul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		// Constant-time: mask instead of branching on secret bits.
		p ^= a & -(b & 1)
		hi := a >> 7
		a <<= 1
		a ^= 0x1b & -hi
		b >>= 1
	}
	return p
}

// gfInv returns a^254, the multiplicative inverse of a non-zero a.
func gfInv(a byte) byte {
	result := byte(1)
	base := a
	for e := 254; e > 0; e >>= 1 {
		if e&1 == 1 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}
	return result
}

// gfEval evaluates the polynomial with the given coefficients at x using
// Horner's method.
func gfEval(coeffs []byte, x byte) byte {
	if x == 0 {
		panic("secagg: cannot evaluate share polynomial at zero")
	}
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ coeffs[i]
	}
	return y
}

// SplitSecret splits secret into n shares, any t of which reconstruct it.
// Share i carries x coordinate i+1.
func SplitSecret(secret [32]byte, t, n int) ([]Share, error) {
	if n > MaxParticipants {
		return nil, fmt.Errorf("%w: %d shares requested", ErrTooManyParticipants, n)
	}
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: t=%d n=%d", ErrInvalidThreshold, t, n)
	}

	var body [shareBodySize]byte
	copy(body[:SeedSize], secret[:])
	digest := blake3.Sum256(secret[:])
	copy(body[SeedSize:], digest[:])
	defer ZeroBytes(body[:])

	shares := make([]Share, n)
	for i := range shares {
		shares[i][0] = byte(i + 1)
	}

	coeffs := make([]byte, t)
	defer ZeroBytes(coeffs)
	for j, b := range body {
		coeffs[0] = b
		if _, err := io.ReadFull(randReader, coeffs[1:]); err != nil {
			return nil, fmt.Errorf("secagg: share polynomial: %w", err)
		}
		for i := range shares {
			shares[i][1+j] = gfEval(coeffs, shares[i][0])
		}
	}
	return shares, nil
}

// ReconstructSecret interpolates the secret from shares. It fails with
// ErrSecretReconstructionFailed when fewer than t shares are given, when two
// shares repeat an x coordinate, or when the recovered digest does not match.
func ReconstructSecret(shares []Share, t int) ([32]byte, error) {
	var secret [32]byte
	if t < 1 || len(shares) < t {
		return secret, fmt.Errorf("%w: have %d shares, need %d", ErrSecretReconstructionFailed, len(shares), t)
	}
	var seen [256]bool
	for _, s := range shares {
		x := s.X()
		if x == 0 || seen[x] {
			return secret, fmt.Errorf("%w: invalid or duplicate share index %d", ErrSecretReconstructionFailed, x)
		}
		seen[x] = true
	}

	// Lagrange basis at zero: l_i = prod_{j!=i} x_j / (x_j - x_i). In
	// characteristic 2 subtraction is xor.
	basis := make([]byte, len(shares))
	for i, si := range shares {
		num, den := byte(1), byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			num = gfMul(num, sj.X())
			den = gfMul(den, sj.X()^si.X())
		}
		basis[i] = gfMul(num, gfInv(den))
	}

	var body [shareBodySize]byte
	defer ZeroBytes(body[:])
	for k := range body {
		var acc byte
		for i, s := range shares {
			acc ^= gfMul(basis[i], s[1+k])
		}
		body[k] = acc
	}

	copy(secret[:], body[:SeedSize])
	digest := blake3.Sum256(secret[:])
	if subtle.ConstantTimeCompare(digest[:], body[SeedSize:]) != 1 {
		ZeroBytes(secret[:])
		return secret, fmt.Errorf("%w: inconsistent shares", ErrSecretReconstructionFailed)
	}
	return secret, nil
}
