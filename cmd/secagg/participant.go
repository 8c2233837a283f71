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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-secagg/pkg/registry"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

var (
	participantCoordinator  string
	participantKey          string
	participantRegistry     string
	participantThreshold    int
	participantVector       string
	participantScale        float64
	participantTimeout      time.Duration
	participantActiveRounds int
	participantOutput       string
)

// ParticipantOutput is the JSON written by --output.
type ParticipantOutput struct {
	SessionID       string  `json:"session_id"`
	ParticipantID   uint64  `json:"participant_id"`
	Completed       bool    `json:"completed"`
	RoundsCompleted int     `json:"rounds_completed"`
	Aggregate       []int64 `json:"aggregate,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

func newParticipantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Contribute a vector to an aggregation session",
		Long: `Join a coordinator's session and run the user side of the protocol.

The vector is masked before it leaves this process. The coordinator and the
other participants only ever learn the sum over all contributors.

The key file comes from 'secagg keygen' and the registry must be the same
file the coordinator was started with.

Examples:
  # Contribute an integer vector
  secagg participant --coordinator localhost:9000 --key alice.yaml \
    --registry registry.yaml --threshold 2 --vector 1,2,3

  # Contribute decimals as fixed point with 6 digits of precision
  secagg participant --coordinator localhost:9000 --key alice.yaml \
    --registry registry.yaml --threshold 2 --vector 0.25,-1.5 --scale 1e6

  # QUIC with a client certificate
  secagg participant --protocol quic --coordinator coord.example.com:9001 \
    --tls-cert certs/client.crt --tls-key certs/client.key --tls-ca certs/ca.crt \
    --key alice.yaml --registry registry.yaml --threshold 2 --vector 4,5`,
		RunE: runParticipant,
	}

	flags := cmd.Flags()
	flags.StringVar(&participantCoordinator, "coordinator", "localhost:9000", "coordinator address")
	flags.StringVar(&participantKey, "key", "", "signing key file from 'secagg keygen'")
	flags.StringVar(&participantRegistry, "registry", "", "signing key registry file (json, yaml, toml)")
	flags.IntVarP(&participantThreshold, "threshold", "t", 2, "secret sharing threshold (must match coordinator)")
	flags.StringVar(&participantVector, "vector", "", "comma-separated private vector")
	flags.Float64Var(&participantScale, "scale", 0, "parse --vector as decimals multiplied by this scale")
	flags.DurationVar(&participantTimeout, "timeout", transport.DefaultSessionTimeout, "operation timeout")
	flags.IntVar(&participantActiveRounds, "active-rounds", 0, "go silent after this many rounds (dropout testing)")
	flags.StringVarP(&participantOutput, "output", "o", "", "write the outcome as JSON to this file")
	_ = flags.MarkHidden("active-rounds")

	bindFlags(cmd, map[string]string{
		"coordinator":   "participant.coordinator",
		"key":           "participant.key",
		"registry":      "participant.registry",
		"threshold":     "participant.threshold",
		"vector":        "participant.vector",
		"scale":         "participant.scale",
		"timeout":       "participant.timeout",
		"active-rounds": "participant.active_rounds",
		"output":        "participant.output",
	})
	return cmd
}

func runParticipant(cmd *cobra.Command, args []string) error {
	keyPath := viper.GetString("participant.key")
	registryPath := viper.GetString("participant.registry")
	if keyPath == "" || registryPath == "" {
		return fmt.Errorf("--key and --registry are required")
	}

	key, err := registry.LoadKey(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	reg, err := registry.Load(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	vector, err := parseVector(viper.GetString("participant.vector"), viper.GetFloat64("participant.scale"))
	if err != nil {
		return fmt.Errorf("invalid --vector: %w", err)
	}

	params := &transport.Params{
		ID:           key.ParticipantID(),
		SigningKey:   key.SecretKey,
		Registry:     reg,
		Threshold:    viper.GetInt("participant.threshold"),
		Vector:       vector,
		ActiveRounds: viper.GetInt("participant.active_rounds"),
	}
	if err := params.Validate(); err != nil {
		return err
	}

	logger, err := newLogger("participant")
	if err != nil {
		return err
	}
	logger = logger.With("participant", uint64(params.ID))
	defer func() { _ = logger.Sync() }()

	timeout := viper.GetDuration("participant.timeout")
	addr := viper.GetString("participant.coordinator")
	cfg := transportConfig(addr, 0, logger)

	participant, err := defaultFactory.NewParticipant(cfg.Protocol, cfg)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("connecting to coordinator at %s", addr)
	if err := participant.Connect(ctx, addr); err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer func() {
		if err := participant.Disconnect(); err != nil {
			logger.Debug("disconnect: %v", err)
		}
	}()

	result, err := participant.Run(ctx, params)
	if err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session ID: %s\n", result.SessionID)
	fmt.Fprintf(out, "Participant %d completed %d rounds\n", result.ID, result.RoundsCompleted)
	if result.Completed {
		fmt.Fprintf(out, "Aggregate: %s\n", formatVector(result.Aggregate))
	}

	if path := viper.GetString("participant.output"); path != "" {
		data, err := json.MarshalIndent(ParticipantOutput{
			SessionID:       result.SessionID,
			ParticipantID:   uint64(result.ID),
			Completed:       result.Completed,
			RoundsCompleted: result.RoundsCompleted,
			Aggregate:       []int64(result.Aggregate),
			Timestamp:       time.Now().Unix(),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
