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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics error types.
var (
	// ErrMetricsAlreadyStarted indicates the metrics server is already running.
	ErrMetricsAlreadyStarted = errors.New("transport: metrics server already started")

	// ErrMetricsInvalidConfig indicates invalid metrics configuration.
	ErrMetricsInvalidConfig = errors.New("transport: invalid metrics configuration")
)

// MetricsError wraps a failed metrics operation.
type MetricsError struct {
	Op  string
	Err error
}

func (e *MetricsError) Error() string {
	return fmt.Sprintf("metrics %s: %v", e.Op, e.Err)
}

func (e *MetricsError) Unwrap() error {
	return e.Err
}

// Round close reasons.
const (
	CloseQuorum  = "quorum"
	CloseTimeout = "timeout"
)

// MetricsConfig holds configuration for the metrics collector.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Namespace is the Prometheus namespace for all metrics (default: "secagg").
	Namespace string

	// Subsystem is the Prometheus subsystem for all metrics (default: "coordinator").
	Subsystem string

	// HTTPEnabled controls whether to start a standalone HTTP metrics endpoint.
	// The HTTP transport mounts Handler on its own router instead.
	HTTPEnabled bool

	// HTTPAddr is the address for the metrics HTTP endpoint (e.g., ":9090").
	HTTPAddr string

	// HTTPPath is the path for the metrics endpoint (default: "/metrics").
	HTTPPath string

	// RoundDurationBuckets defines custom histogram buckets for round duration.
	// If nil, default buckets are used.
	RoundDurationBuckets []float64
}

// DefaultMetricsConfig returns a default metrics configuration.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "secagg",
		Subsystem: "coordinator",
		HTTPPath:  "/metrics",
		RoundDurationBuckets: []float64{
			0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
		},
	}
}

// MetricsCollector collects Prometheus metrics for coordinator sessions.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	submissionsTotal *prometheus.CounterVec
	roundsTotal      *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec

	activeSessions     atomic.Int64
	joinedParticipants atomic.Int64

	activeSessionsGauge     prometheus.GaugeFunc
	joinedParticipantsGauge prometheus.GaugeFunc

	roundDuration *prometheus.HistogramVec

	httpServer  *http.Server
	httpStarted atomic.Bool
}

// NewMetricsCollector creates a new metrics collector with the given configuration.
// It creates a custom Prometheus registry to avoid polluting the global registry.
func NewMetricsCollector(config *MetricsConfig) (*MetricsCollector, error) {
	if config == nil {
		config = DefaultMetricsConfig()
	}

	if !config.Enabled {
		return &MetricsCollector{config: config}, nil
	}

	if config.HTTPEnabled && config.HTTPAddr == "" {
		return nil, ErrMetricsInvalidConfig
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = "secagg"
	}

	subsystem := config.Subsystem
	if subsystem == "" {
		subsystem = "coordinator"
	}

	roundDurationBuckets := config.RoundDurationBuckets
	if roundDurationBuckets == nil {
		roundDurationBuckets = DefaultMetricsConfig().RoundDurationBuckets
	}

	mc := &MetricsCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	mc.submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submissions_total",
			Help:      "Participant submissions by round and outcome.",
		},
		[]string{"round", "outcome"},
	)

	mc.roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rounds_total",
			Help:      "Closed rounds by round and close reason.",
		},
		[]string{"round", "reason"},
	)

	mc.droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_participants_total",
			Help:      "Participants expected in a round that did not submit before it closed.",
		},
		[]string{"round"},
	)

	mc.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		},
		[]string{"outcome"},
	)

	mc.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Protocol payload bytes by direction.",
		},
		[]string{"direction"},
	)

	mc.activeSessionsGauge = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of sessions that have not finished.",
		},
		func() float64 {
			return float64(mc.activeSessions.Load())
		},
	)

	mc.joinedParticipantsGauge = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "joined_participants",
			Help:      "Number of participants joined to active sessions.",
		},
		func() float64 {
			return float64(mc.joinedParticipants.Load())
		},
	)

	mc.roundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_duration_seconds",
			Help:      "Time from a round opening to it closing.",
			Buckets:   roundDurationBuckets,
		},
		[]string{"round"},
	)

	collectors := []prometheus.Collector{
		mc.submissionsTotal,
		mc.roundsTotal,
		mc.droppedTotal,
		mc.sessionsTotal,
		mc.bytesTotal,
		mc.activeSessionsGauge,
		mc.joinedParticipantsGauge,
		mc.roundDuration,
	}

	for _, collector := range collectors {
		if err := mc.registry.Register(collector); err != nil {
			return nil, &MetricsError{
				Op:  "register",
				Err: err,
			}
		}
	}

	return mc, nil
}

// Registry returns the Prometheus registry used by this collector.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// Enabled returns true if metrics collection is enabled.
func (mc *MetricsCollector) Enabled() bool {
	return mc != nil && mc.config != nil && mc.config.Enabled && mc.registry != nil
}

// Handler returns an HTTP handler that serves the collector's registry.
func (mc *MetricsCollector) Handler() http.Handler {
	if !mc.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartHTTPServer starts the standalone metrics HTTP endpoint.
// Returns ErrMetricsAlreadyStarted if the server is already running.
func (mc *MetricsCollector) StartHTTPServer(ctx context.Context) error {
	if !mc.Enabled() || !mc.config.HTTPEnabled {
		return nil
	}

	if mc.httpStarted.Swap(true) {
		return ErrMetricsAlreadyStarted
	}

	path := mc.config.HTTPPath
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, mc.Handler())

	mc.httpServer = &http.Server{
		Addr:              mc.config.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := mc.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mc.httpStarted.Store(false)
		}
	}()

	return nil
}

// StopHTTPServer gracefully stops the metrics HTTP endpoint.
func (mc *MetricsCollector) StopHTTPServer(ctx context.Context) error {
	if mc == nil || !mc.httpStarted.Load() {
		return nil
	}

	if mc.httpServer == nil {
		mc.httpStarted.Store(false)
		return nil
	}

	if err := mc.httpServer.Shutdown(ctx); err != nil {
		return &MetricsError{
			Op:  "shutdown",
			Err: err,
		}
	}

	mc.httpStarted.Store(false)
	return nil
}

// RecordSubmission records one participant submission. A nil err counts
// as accepted.
func (mc *MetricsCollector) RecordSubmission(round int, sizeBytes int, err error) {
	if !mc.Enabled() {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	mc.submissionsTotal.WithLabelValues(strconv.Itoa(round), outcome).Inc()
	mc.bytesTotal.WithLabelValues("in").Add(float64(sizeBytes))
}

// RecordResult records bytes handed back to a participant.
func (mc *MetricsCollector) RecordResult(sizeBytes int) {
	if !mc.Enabled() {
		return
	}
	mc.bytesTotal.WithLabelValues("out").Add(float64(sizeBytes))
}

// RecordRoundClosed records a round closing after d with the given reason
// and number of expected participants that never submitted.
func (mc *MetricsCollector) RecordRoundClosed(round int, reason string, dropped int, d time.Duration) {
	if !mc.Enabled() {
		return
	}
	label := strconv.Itoa(round)
	mc.roundsTotal.WithLabelValues(label, reason).Inc()
	if dropped > 0 {
		mc.droppedTotal.WithLabelValues(label).Add(float64(dropped))
	}
	mc.roundDuration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordSessionStarted increments the active session gauge.
func (mc *MetricsCollector) RecordSessionStarted() {
	if !mc.Enabled() {
		return
	}
	mc.activeSessions.Add(1)
}

// RecordSessionFinished records a finished session and releases its joined
// participants from the gauge.
func (mc *MetricsCollector) RecordSessionFinished(outcome string, joined int) {
	if !mc.Enabled() {
		return
	}
	mc.sessionsTotal.WithLabelValues(outcome).Inc()
	if mc.activeSessions.Add(-1) < 0 {
		mc.activeSessions.Store(0)
	}
	if mc.joinedParticipants.Add(-int64(joined)) < 0 {
		mc.joinedParticipants.Store(0)
	}
}

// RecordJoin increments the joined participant gauge.
func (mc *MetricsCollector) RecordJoin() {
	if !mc.Enabled() {
		return
	}
	mc.joinedParticipants.Add(1)
}

// ActiveSessions returns the current active session count.
func (mc *MetricsCollector) ActiveSessions() int64 {
	if !mc.Enabled() {
		return 0
	}
	return mc.activeSessions.Load()
}

// JoinedParticipants returns the current joined participant count.
func (mc *MetricsCollector) JoinedParticipants() int64 {
	if !mc.Enabled() {
		return 0
	}
	return mc.joinedParticipants.Load()
}
