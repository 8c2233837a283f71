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

// Package transporttest provides helpers for exercising transports end to
// end: participant keys and registries, input vectors, concurrent
// participant runs and throwaway TLS certificates.
package transporttest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

var nextPort atomic.Int32

func init() {
	// Random starting port in [20000, 50000) so parallel test packages
	// rarely collide.
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		nextPort.Store(20000 + int32(time.Now().UnixNano()%30000))
	} else {
		nextPort.Store(20000 + int32(binary.LittleEndian.Uint32(buf[:])%30000))
	}
}

// AllocatePort returns the next test port.
func AllocatePort() int {
	return int(nextPort.Add(1))
}

// LocalAddress returns a fresh localhost address.
func LocalAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", AllocatePort())
}

// Participants generates signing keys for ids 1..n and the matching registry.
func Participants(tb testing.TB, n int) (*secagg.Registry, map[secagg.ID]secagg.SigningSecretKey) {
	tb.Helper()
	keys := make(map[secagg.ID]secagg.SigningSecretKey, n)
	pks := make(map[secagg.ID]secagg.SigningPublicKey, n)
	for i := 1; i <= n; i++ {
		pk, sk, err := secagg.GenerateSigningKeypair()
		if err != nil {
			tb.Fatalf("generating key %d: %v", i, err)
		}
		keys[secagg.ID(i)] = sk
		pks[secagg.ID(i)] = pk
	}
	registry, err := secagg.NewRegistry(pks)
	if err != nil {
		tb.Fatalf("building registry: %v", err)
	}
	return registry, keys
}

// Vectors returns a deterministic vector of the given length for every id.
func Vectors(registry *secagg.Registry, length int) map[secagg.ID]secagg.Vector {
	out := make(map[secagg.ID]secagg.Vector, registry.Len())
	for _, id := range registry.IDs() {
		v := make(secagg.Vector, length)
		for j := range v {
			v[j] = int64(id)*1000 + int64(j) - 500
		}
		out[id] = v
	}
	return out
}

// Params builds run parameters for every registered participant.
func Params(registry *secagg.Registry, keys map[secagg.ID]secagg.SigningSecretKey, threshold int,
	vectors map[secagg.ID]secagg.Vector) map[secagg.ID]*transport.Params {
	out := make(map[secagg.ID]*transport.Params, len(keys))
	for _, id := range registry.IDs() {
		out[id] = &transport.Params{
			ID:         id,
			SigningKey: keys[id],
			Registry:   registry,
			Threshold:  threshold,
			Vector:     vectors[id],
		}
	}
	return out
}

// Sum returns the wrapping sum of the vectors of ids.
func Sum(tb testing.TB, vectors map[secagg.ID]secagg.Vector, length int, ids ...secagg.ID) secagg.Vector {
	tb.Helper()
	vs := make([]secagg.Vector, 0, len(ids))
	for _, id := range ids {
		vs = append(vs, vectors[id])
	}
	sum, err := secagg.SumVectors(length, vs...)
	if err != nil {
		tb.Fatalf("summing vectors: %v", err)
	}
	return sum
}

// Outcome is one participant's run result.
type Outcome struct {
	Result *transport.Result
	Err    error
}

// RunAll connects a fresh participant per params entry to addr and runs
// them concurrently.
func RunAll(ctx context.Context, addr string, params map[secagg.ID]*transport.Params,
	newParticipant func() (transport.Participant, error)) map[secagg.ID]Outcome {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[secagg.ID]Outcome, len(params))
	)
	for id, p := range params {
		wg.Add(1)
		go func(id secagg.ID, p *transport.Params) {
			defer wg.Done()
			res, err := runOne(ctx, addr, p, newParticipant)
			mu.Lock()
			outcomes[id] = Outcome{Result: res, Err: err}
			mu.Unlock()
		}(id, p)
	}
	wg.Wait()
	return outcomes
}

func runOne(ctx context.Context, addr string, p *transport.Params,
	newParticipant func() (transport.Participant, error)) (*transport.Result, error) {
	participant, err := newParticipant()
	if err != nil {
		return nil, err
	}
	if err := participant.Connect(ctx, addr); err != nil {
		return nil, err
	}
	defer func() { _ = participant.Disconnect() }()
	return participant.Run(ctx, p)
}
