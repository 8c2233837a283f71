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

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	"github.com/jeremyhahn/go-secagg/pkg/transport/memory"
)

var (
	simulateParticipants int
	simulateThreshold    int
	simulateVectorLength int
	simulateDrop         string
	simulateRoundTimeout time.Duration
	simulateSeed         uint64
	simulateMaxValue     int64
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process aggregation with scheduled dropouts",
		Long: `Run a complete aggregation session in this process over the in-memory
transport, then check the aggregate against the plaintext sum.

--drop schedules dropouts as round:count pairs. "2:1,4:2" makes one
participant go silent before round 2 and two more before round 4;
participants are dropped from the highest id down. A participant dropped
before round 3 or later already submitted its masked vector, so it is still
part of the aggregate. Round 0 means the participant never shows up.

Examples:
  # 10 participants, threshold 6, two dropping out before the masked input
  secagg simulate -n 10 -t 6 -l 8 --drop 2:2

  # Same run over CBOR with a fixed seed
  secagg simulate -n 10 -t 6 -l 8 --drop 2:2,4:1 --codec cbor --seed 42`,
		RunE: runSimulate,
	}

	flags := cmd.Flags()
	flags.IntVarP(&simulateParticipants, "participants", "n", 5, "number of participants (n)")
	flags.IntVarP(&simulateThreshold, "threshold", "t", 3, "secret sharing threshold (t)")
	flags.IntVarP(&simulateVectorLength, "vector-length", "l", 4, "length of every input vector")
	flags.StringVar(&simulateDrop, "drop", "", "dropout schedule as round:count pairs, e.g. 2:1,4:1")
	flags.DurationVar(&simulateRoundTimeout, "round-timeout", 250*time.Millisecond, "how long a round waits for stragglers")
	flags.Uint64Var(&simulateSeed, "seed", 0, "seed for the random input vectors (0 picks one)")
	flags.Int64Var(&simulateMaxValue, "max-value", 1000, "input elements are drawn from [-max-value, max-value]")

	bindFlags(cmd, map[string]string{
		"participants":  "simulate.participants",
		"threshold":     "simulate.threshold",
		"vector-length": "simulate.vector_length",
		"drop":          "simulate.drop",
		"round-timeout": "simulate.round_timeout",
		"seed":          "simulate.seed",
		"max-value":     "simulate.max_value",
	})
	return cmd
}

// parseDrops turns "r:count,..." into the number of rounds each
// participant takes part in. Participants not listed run all rounds and
// are absent from the map.
func parseDrops(spec string, ids []secagg.ID) (map[secagg.ID]int, error) {
	active := make(map[secagg.ID]int)
	if strings.TrimSpace(spec) == "" {
		return active, nil
	}

	next := len(ids) - 1
	for _, pair := range strings.Split(spec, ",") {
		round, count, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("invalid drop %q: want round:count", pair)
		}
		r, err := strconv.Atoi(round)
		if err != nil || r < 0 || r >= transport.NumRounds {
			return nil, fmt.Errorf("invalid drop round %q: want 0-%d", round, transport.NumRounds-1)
		}
		c, err := strconv.Atoi(count)
		if err != nil || c < 1 {
			return nil, fmt.Errorf("invalid drop count %q", count)
		}
		for ; c > 0; c-- {
			if next < 0 {
				return nil, fmt.Errorf("drop schedule removes more than %d participants", len(ids))
			}
			active[ids[next]] = r
			next--
		}
	}
	return active, nil
}

// simulation is one in-process run.
type simulation struct {
	threshold int
	length    int
	registry  *secagg.Registry
	keys      map[secagg.ID]secagg.SigningSecretKey
	vectors   map[secagg.ID]secagg.Vector
	active    map[secagg.ID]int
}

func newSimulation(n, threshold, length int, drops string, seed uint64, maxValue int64) (*simulation, error) {
	if n < secagg.MinAliveUsers || n > secagg.MaxParticipants {
		return nil, fmt.Errorf("participants must be between %d and %d", secagg.MinAliveUsers, secagg.MaxParticipants)
	}
	if maxValue < 0 {
		return nil, fmt.Errorf("max-value must not be negative")
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	sim := &simulation{
		threshold: threshold,
		length:    length,
		keys:      make(map[secagg.ID]secagg.SigningSecretKey, n),
		vectors:   make(map[secagg.ID]secagg.Vector, n),
	}
	public := make(map[secagg.ID]secagg.SigningPublicKey, n)
	ids := make([]secagg.ID, 0, n)
	for i := 1; i <= n; i++ {
		id := secagg.ID(i)
		pk, sk, err := secagg.GenerateSigningKeypair()
		if err != nil {
			return nil, err
		}
		public[id] = pk
		sim.keys[id] = sk
		v := make(secagg.Vector, length)
		for j := range v {
			v[j] = rng.Int64N(2*maxValue+1) - maxValue
		}
		sim.vectors[id] = v
		ids = append(ids, id)
	}

	var err error
	if sim.registry, err = secagg.NewRegistry(public); err != nil {
		return nil, err
	}
	if sim.active, err = parseDrops(drops, ids); err != nil {
		return nil, err
	}
	return sim, nil
}

// expected is the plaintext sum over participants that submit a masked
// vector in round 2.
func (sim *simulation) expected() (secagg.Vector, []secagg.ID, error) {
	var ids []secagg.ID
	var vectors []secagg.Vector
	for _, id := range sim.registry.IDs() {
		if r, dropped := sim.active[id]; dropped && r <= 2 {
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, sim.vectors[id])
	}
	sum, err := secagg.SumVectors(sim.length, vectors...)
	return sum, ids, err
}

type simulationOutcome struct {
	result *transport.Result
	err    error
}

func (sim *simulation) run(ctx context.Context, codecType string, sessionCfg *transport.SessionConfig,
	logger transport.Logger) (secagg.Vector, []secagg.ID, map[secagg.ID]simulationOutcome, error) {
	network, err := memory.NewNetwork(codecType)
	if err != nil {
		return nil, nil, nil, err
	}
	coord, err := memory.NewMemoryCoordinator(network, "", sessionCfg, sim.registry, transport.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	coord.SetLogger(logger)
	if err := coord.Start(ctx); err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = coord.Stop(context.Background()) }()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[secagg.ID]simulationOutcome)
	)
	for _, id := range sim.registry.IDs() {
		rounds, dropped := sim.active[id]
		if dropped && rounds == 0 {
			continue
		}
		params := &transport.Params{
			ID:           id,
			SigningKey:   sim.keys[id],
			Registry:     sim.registry,
			Threshold:    sim.threshold,
			Vector:       sim.vectors[id],
			ActiveRounds: rounds,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := runMemoryParticipant(ctx, network, coord.Address(), params, logger)
			mu.Lock()
			outcomes[params.ID] = simulationOutcome{result: res, err: err}
			mu.Unlock()
		}()
	}

	agg, aggErr := coord.Aggregate(ctx)
	wg.Wait()
	return agg, coord.Session().Contributors(), outcomes, aggErr
}

func runMemoryParticipant(ctx context.Context, network *memory.Network, addr string,
	params *transport.Params, logger transport.Logger) (*transport.Result, error) {
	p, err := memory.NewMemoryParticipant(network)
	if err != nil {
		return nil, err
	}
	p.SetLogger(logger)
	if err := p.Connect(ctx, addr); err != nil {
		return nil, err
	}
	defer func() { _ = p.Disconnect() }()
	return p.Run(ctx, params)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	n := viper.GetInt("simulate.participants")
	threshold := viper.GetInt("simulate.threshold")
	length := viper.GetInt("simulate.vector_length")

	sim, err := newSimulation(n, threshold, length, viper.GetString("simulate.drop"),
		viper.GetUint64("simulate.seed"), viper.GetInt64("simulate.max_value"))
	if err != nil {
		return err
	}

	sessionCfg := transport.NewSessionConfig(threshold, n, length)
	sessionCfg.RoundTimeout = viper.GetDuration("simulate.round_timeout")
	if err := sessionCfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger("simulate")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), sessionCfg.Timeout)
	defer cancel()

	start := time.Now()
	agg, contributors, outcomes, runErr := sim.run(ctx, viper.GetString("codec"), sessionCfg, logger)
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Participants: %d, threshold: %d, vector length: %d\n", n, threshold, length)
	for _, id := range sim.registry.IDs() {
		status := "completed"
		if r, dropped := sim.active[id]; dropped {
			status = fmt.Sprintf("dropped before round %d", r)
		}
		if o, ok := outcomes[id]; ok && o.err != nil {
			status = "failed: " + o.err.Error()
		}
		fmt.Fprintf(out, "  participant %3d  %-26s  input %s\n", id, status, formatVector(sim.vectors[id]))
	}

	if runErr != nil {
		return fmt.Errorf("aggregation failed after %s: %w", elapsed.Round(time.Millisecond), runErr)
	}

	want, wantIDs, err := sim.expected()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Contributors: %v\n", contributors)
	fmt.Fprintf(out, "Aggregate:    %s\n", formatVector(agg))
	fmt.Fprintf(out, "Expected:     %s\n", formatVector(want))
	if !agg.Equal(want) {
		return fmt.Errorf("aggregate mismatch: contributors %v, expected %v", contributors, wantIDs)
	}
	fmt.Fprintf(out, "OK (%s)\n", elapsed.Round(time.Millisecond))
	return nil
}
