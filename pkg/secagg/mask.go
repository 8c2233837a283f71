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
	"encoding/binary"
	"math"

	"golang.org/x/crypto/chacha20"
)

// Vector is a fixed-length sequence of 64-bit integers. All arithmetic on
// vectors wraps modulo 2^64.
type Vector []int64

// MaskFromSeed expands seed into length pseudo-random values. The ChaCha20
// keystream under key seed and an all-zero nonce is read in 8-byte
// little-endian words, so equal seeds always yield identical vectors.
func MaskFromSeed(seed Seed, length int) Vector {
	if length <= 0 {
		return Vector{}
	}
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed by the types above.
		panic("secagg: chacha20: " + err.Error())
	}
	buf := make([]byte, 8*length)
	c.XORKeyStream(buf, buf)
	mask := make(Vector, length)
	for i := range mask {
		mask[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return mask
}

// SumVectors adds vectors component-wise. Every vector must have the given length.
func SumVectors(length int, vectors ...Vector) (Vector, error) {
	if length <= 0 {
		return nil, ErrInvalidVectorLength
	}
	sum := make(Vector, length)
	for _, v := range vectors {
		if len(v) != length {
			return nil, ErrInvalidVectorLength
		}
		sum.add(v, 1)
	}
	return sum, nil
}

// Scale multiplies every component of v by scalar, which must be -1, 0 or 1.
func Scale(scalar int64, v Vector) Vector {
	out := make(Vector, len(v))
	out.add(v, scalar)
	return out
}

// add sets v += scalar*w in place. Overflow wraps.
func (v Vector) add(w Vector, scalar int64) {
	switch scalar {
	case 0:
	case 1:
		for i := range v {
			v[i] += w[i]
		}
	case -1:
		for i := range v {
			v[i] -= w[i]
		}
	default:
		for i := range v {
			v[i] += scalar * w[i]
		}
	}
}

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

// Equal reports whether v and w hold the same values.
func (v Vector) Equal(w Vector) bool {
	if len(v) != len(w) {
		return false
	}
	for i := range v {
		if v[i] != w[i] {
			return false
		}
	}
	return true
}

// pairSign is the sign a user applies to the mask it shares with peer:
// +1 when peer < self, 0 for itself and -1 when peer > self. The two ends of
// every pair therefore add the shared mask with opposite signs.
func pairSign(peer, self ID) int64 {
	switch {
	case peer < self:
		return 1
	case peer > self:
		return -1
	default:
		return 0
	}
}

// VectorFromFloats converts values to fixed point by multiplying by scale
// and rounding half away from zero. Results outside the int64 range saturate.
func VectorFromFloats(values []float64, scale float64) Vector {
	v := make(Vector, len(values))
	for i, f := range values {
		r := math.Round(f * scale)
		switch {
		case math.IsNaN(r):
			v[i] = 0
		case r >= math.MaxInt64:
			v[i] = math.MaxInt64
		case r <= math.MinInt64:
			v[i] = math.MinInt64
		default:
			v[i] = int64(r)
		}
	}
	return v
}

// ToFloats divides every component by scale.
func (v Vector) ToFloats(scale float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / scale
	}
	return out
}
