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
	coordinatorListen         string
	coordinatorRegistry       string
	coordinatorThreshold      int
	coordinatorVectorLength   int
	coordinatorSessionID      string
	coordinatorRoundTimeout   time.Duration
	coordinatorTimeout        time.Duration
	coordinatorRateLimit      float64
	coordinatorRateBurst      int
	coordinatorMaxMessageSize int
	coordinatorMetricsAddr    string
	coordinatorScale          float64
	coordinatorOutput         string
)

// AggregateOutput is the JSON written by --output.
type AggregateOutput struct {
	SessionID    string    `json:"session_id"`
	Aggregate    []int64   `json:"aggregate"`
	Scaled       []float64 `json:"scaled,omitempty"`
	Contributors []uint64  `json:"contributors,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

func newCoordinatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run one secure aggregation session",
		Long: `Run a coordinator for one aggregation session and print the aggregate.

The coordinator relays opaque protocol messages between the participants
listed in the registry file and removes the masks in the last round. It
never sees an individual participant's vector. Rounds close once every
expected participant has submitted, or when the round timeout elapses;
whoever is missing then is treated as dropped.

Examples:
  # Aggregate 3-element vectors from the participants in registry.yaml
  secagg coordinator --listen 0.0.0.0:9000 --registry registry.yaml \
    --threshold 3 --vector-length 3

  # QUIC coordinator with a standalone metrics endpoint
  secagg coordinator --protocol quic --listen 0.0.0.0:9001 \
    --registry registry.yaml --threshold 2 --vector-length 10 \
    --metrics-addr :9090

  # HTTPS coordinator requiring client certificates
  secagg coordinator --listen 0.0.0.0:8443 --registry registry.yaml \
    --tls-cert certs/server.crt --tls-key certs/server.key --tls-ca certs/ca.crt \
    --threshold 2 --vector-length 4

  # Local coordinator on a Unix socket, CBOR encoded
  secagg coordinator --protocol unix --codec cbor --listen /run/secagg.sock \
    --registry registry.yaml --threshold 2 --vector-length 4`,
		RunE: runCoordinator,
	}

	flags := cmd.Flags()
	flags.StringVar(&coordinatorListen, "listen", "0.0.0.0:9000", "address to listen on")
	flags.StringVar(&coordinatorRegistry, "registry", "", "signing key registry file (json, yaml, toml)")
	flags.IntVarP(&coordinatorThreshold, "threshold", "t", 2, "secret sharing threshold (t)")
	flags.IntVarP(&coordinatorVectorLength, "vector-length", "l", 1, "length of every input vector")
	flags.StringVar(&coordinatorSessionID, "session-id", "", "session ID (generates UUID if not provided)")
	flags.DurationVar(&coordinatorRoundTimeout, "round-timeout", transport.DefaultRoundTimeout, "how long a round waits for stragglers")
	flags.DurationVar(&coordinatorTimeout, "timeout", transport.DefaultSessionTimeout, "session timeout")
	flags.Float64Var(&coordinatorRateLimit, "rate-limit", 0, "submissions per second per participant (0 disables)")
	flags.IntVar(&coordinatorRateBurst, "rate-burst", 5, "burst size for --rate-limit")
	flags.IntVar(&coordinatorMaxMessageSize, "max-message-size", transport.DefaultMaxMessageSize, "maximum message size in bytes")
	flags.StringVar(&coordinatorMetricsAddr, "metrics-addr", "", "address for a standalone Prometheus endpoint")
	flags.Float64Var(&coordinatorScale, "scale", 0, "fixed-point scale used by participants, to print the aggregate as floats")
	flags.StringVarP(&coordinatorOutput, "output", "o", "", "write the aggregate as JSON to this file")

	bindFlags(cmd, map[string]string{
		"listen":           "coordinator.listen",
		"registry":         "coordinator.registry",
		"threshold":        "coordinator.threshold",
		"vector-length":    "coordinator.vector_length",
		"session-id":       "coordinator.session_id",
		"round-timeout":    "coordinator.round_timeout",
		"timeout":          "coordinator.timeout",
		"rate-limit":       "coordinator.rate_limit",
		"rate-burst":       "coordinator.rate_burst",
		"max-message-size": "coordinator.max_message_size",
		"metrics-addr":     "coordinator.metrics_addr",
		"scale":            "coordinator.scale",
		"output":           "coordinator.output",
	})
	return cmd
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	registryPath := viper.GetString("coordinator.registry")
	if registryPath == "" {
		return fmt.Errorf("--registry is required")
	}
	logger, err := newLogger("coordinator")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := registry.Load(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	sessionCfg := transport.NewSessionConfig(viper.GetInt("coordinator.threshold"), reg.Len(),
		viper.GetInt("coordinator.vector_length"))
	if id := viper.GetString("coordinator.session_id"); id != "" {
		sessionCfg.SessionID = id
	}
	sessionCfg.RoundTimeout = viper.GetDuration("coordinator.round_timeout")
	sessionCfg.Timeout = viper.GetDuration("coordinator.timeout")
	if err := sessionCfg.Validate(); err != nil {
		return err
	}

	cfg := transportConfig(viper.GetString("coordinator.listen"), 0, logger)
	cfg.RateLimit = viper.GetFloat64("coordinator.rate_limit")
	cfg.RateBurst = viper.GetInt("coordinator.rate_burst")
	cfg.MaxMessageSize = viper.GetInt("coordinator.max_message_size")
	if err := cfg.Validate(); err != nil {
		return err
	}

	metricsCfg := transport.DefaultMetricsConfig()
	if addr := viper.GetString("coordinator.metrics_addr"); addr != "" {
		metricsCfg.HTTPEnabled = true
		metricsCfg.HTTPAddr = addr
	}
	metrics, err := transport.NewMetricsCollector(metricsCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := metrics.StartHTTPServer(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.StopHTTPServer(stopCtx)
	}()

	coordinator, err := defaultFactory.NewCoordinator(cfg.Protocol, cfg, sessionCfg, reg, metrics)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coordinator.Stop(stopCtx); err != nil {
			logger.Error("error stopping coordinator: %v", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session ID: %s\n", coordinator.SessionID())
	fmt.Fprintf(out, "Listening on: %s (%s)\n", coordinator.Address(), cfg.Protocol)
	fmt.Fprintf(out, "Waiting for %d registered participants, threshold %d...\n", reg.Len(), sessionCfg.Threshold)

	agg, err := coordinator.Aggregate(ctx)
	if err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}

	result := AggregateOutput{
		SessionID: coordinator.SessionID(),
		Aggregate: []int64(agg),
		Timestamp: time.Now().Unix(),
	}
	if s, ok := coordinator.(interface{ Session() *transport.Session }); ok {
		for _, id := range s.Session().Contributors() {
			result.Contributors = append(result.Contributors, uint64(id))
		}
	}
	scale := viper.GetFloat64("coordinator.scale")
	if scale > 0 {
		result.Scaled = agg.ToFloats(scale)
	}

	fmt.Fprintf(out, "Contributors: %v\n", result.Contributors)
	if scale > 0 {
		fmt.Fprintf(out, "Aggregate: %s\n", formatFloats(result.Scaled))
	} else {
		fmt.Fprintf(out, "Aggregate: %s\n", formatVector(agg))
	}

	if path := viper.GetString("coordinator.output"); path != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(out, "Aggregate saved to: %s\n", path)
	}
	return nil
}
