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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	SessionID string   `json:"session_id" msgpack:"session_id" cbor:"1,keyasint" yaml:"session_id" bson:"session_id" toml:"session_id"`
	Round     int      `json:"round" msgpack:"round" cbor:"2,keyasint" yaml:"round" bson:"round" toml:"round"`
	Phase     string   `json:"phase" msgpack:"phase" cbor:"3,keyasint" yaml:"phase" bson:"phase" toml:"phase"`
	Joined    []uint64 `json:"joined" msgpack:"joined" cbor:"4,keyasint" yaml:"joined" bson:"joined" toml:"joined"`
	Submitted []uint64 `json:"submitted" msgpack:"submitted" cbor:"5,keyasint" yaml:"submitted" bson:"submitted" toml:"submitted"`
	Error     string   `json:"error,omitempty" msgpack:"error,omitempty" cbor:"6,keyasint,omitempty" yaml:"error,omitempty" bson:"error,omitempty" toml:"error,omitempty"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc *MetricsCollector) SessionOption {
	return func(s *Session) { s.metrics = mc }
}

// WithCheckpoint registers fn to receive the exported server state after
// every round closes. fn runs with the session lock held and must not call
// back into the session.
func WithCheckpoint(fn func(round int, state string)) SessionOption {
	return func(s *Session) { s.checkpoint = fn }
}

// Session drives a secagg.Server for one aggregation run. It is safe for
// concurrent use by every transport connection of a coordinator.
//
// A round closes when every participant expected in it has submitted, or
// when the round timeout elapses. The round 0 timer starts at the first
// submission; later rounds start theirs when they open. Closing a round
// with fewer than threshold submissions fails the session.
type Session struct {
	cfg        *SessionConfig
	registry   *secagg.Registry
	logger     Logger
	metrics    *MetricsCollector
	checkpoint func(round int, state string)

	mu           sync.Mutex
	server       *secagg.Server
	joined       map[secagg.ID]bool
	round        int
	submitted    map[secagg.ID]bool
	results      map[int]map[secagg.ID][]byte
	contributors []secagg.ID
	aggregate    secagg.Vector
	err          error
	done         bool
	changed      chan struct{}
	roundTimer   *time.Timer
	sessionTimer *time.Timer
	opened       time.Time
	generation   int
}

// NewSession validates cfg against the registry and returns a session
// waiting for participants.
func NewSession(cfg *SessionConfig, registry *secagg.Registry, opts ...SessionOption) (*Session, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumParticipants != registry.Len() {
		return nil, fmt.Errorf("%w: session expects %d participants, registry has %d",
			ErrInvalidParticipantCount, cfg.NumParticipants, registry.Len())
	}
	server, err := secagg.NewServer(cfg.Threshold, cfg.VectorLength)
	if err != nil {
		return nil, err
	}

	sc := *cfg
	if sc.SessionID == "" {
		sc.SessionID = uuid.NewString()
	}
	s := &Session{
		cfg:       &sc,
		registry:  registry,
		logger:    NopLogger{},
		server:    server,
		joined:    make(map[secagg.ID]bool),
		submitted: make(map[secagg.ID]bool),
		results:   make(map[int]map[secagg.ID][]byte),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.RecordSessionStarted()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.SessionID
}

// Config returns a copy of the session configuration.
func (s *Session) Config() SessionConfig {
	return *s.cfg
}

// Registry returns the participant registry.
func (s *Session) Registry() *secagg.Registry {
	return s.registry
}

// Info returns the session details sent to joining participants.
func (s *Session) Info() *SessionInfoMessage {
	ids := s.registry.IDs()
	participants := make([]uint64, len(ids))
	for i, id := range ids {
		participants[i] = uint64(id)
	}
	return &SessionInfoMessage{
		SessionID:    s.cfg.SessionID,
		Threshold:    s.cfg.Threshold,
		VectorLength: s.cfg.VectorLength,
		Participants: participants,
	}
}

// Join admits a registered participant. signingKey, when non-empty, must
// match the registered key. Joining twice is allowed and returns the same
// info. Joins are only accepted while round 0 is open.
func (s *Session) Join(id secagg.ID, signingKey []byte) (*SessionInfoMessage, error) {
	pk, ok := s.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
	}
	if len(signingKey) > 0 && string(signingKey) != string(pk[:]) {
		return nil, fmt.Errorf("%w: signing key for %d does not match registry", ErrUnknownParticipant, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.liveLocked(); err != nil {
		return nil, err
	}
	if s.joined[id] {
		return s.Info(), nil
	}
	if s.round != 0 {
		return nil, fmt.Errorf("%w: joins closed at round %d", ErrWrongRound, s.round)
	}
	s.joined[id] = true
	s.metrics.RecordJoin()
	if s.sessionTimer == nil {
		s.sessionTimer = time.AfterFunc(s.cfg.Timeout, s.expire)
	}
	s.logger.Debug("participant %d joined session %s (%d/%d)", id, s.cfg.SessionID, len(s.joined), s.registry.Len())
	s.notifyLocked()
	return s.Info(), nil
}

// Joined returns the number of joined participants.
func (s *Session) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joined)
}

// WaitForParticipants blocks until n participants have joined.
func (s *Session) WaitForParticipants(ctx context.Context, n int) error {
	if n > s.registry.Len() {
		return fmt.Errorf("%w: cannot wait for %d of %d participants", ErrInvalidParticipantCount, n, s.registry.Len())
	}
	return s.await(ctx, func() (bool, error) {
		if len(s.joined) >= n {
			return true, nil
		}
		return false, s.err
	})
}

// Submit records id's encoded secagg output for round.
func (s *Session) Submit(id secagg.ID, round int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.submitLocked(id, round, data)
	s.metrics.RecordSubmission(round, len(data), err)
	return err
}

func (s *Session) submitLocked(id secagg.ID, round int, data []byte) error {
	if err := s.liveLocked(); err != nil {
		return err
	}
	if !s.joined[id] {
		return fmt.Errorf("%w: %d", ErrNotJoined, id)
	}
	if round != s.round {
		return fmt.Errorf("%w: got %d, open round is %d", ErrWrongRound, round, s.round)
	}

	// A payload of the wrong kind is one participant's fault. Handing it to
	// the server would fail the whole run.
	msg, err := secagg.DecodeMessage(data)
	if err != nil {
		return NewParticipantError(id, round, err)
	}
	if want, ok := s.server.Expects(); ok && msg.Kind() != want {
		return NewParticipantError(id, round, fmt.Errorf("%w: %w", ErrInvalidMessage,
			&secagg.RoundMismatchError{State: s.server.State(), Kind: msg.Kind()}))
	}

	if err := s.server.RecvMessage(id, msg); err != nil {
		if s.server.State() == secagg.PhaseFailed {
			s.failLocked(err)
			return s.err
		}
		return NewParticipantError(id, round, err)
	}
	s.submitted[id] = true

	if round == 0 && s.roundTimer == nil {
		s.startRoundLocked()
	}
	s.logger.Debug("round %d: received %d bytes from %d (%d/%d)", round, len(data), id,
		len(s.submitted), len(s.expectedLocked()))

	if s.quorumLocked() {
		s.closeRoundLocked(CloseQuorum)
	}
	s.notifyLocked()
	return nil
}

// Result returns the encoded input id consumes in round, blocking until the
// previous round has closed. Every joined participant gets the round 0
// seed input immediately.
func (s *Session) Result(ctx context.Context, id secagg.ID, round int) ([]byte, error) {
	var data []byte
	err := s.await(ctx, func() (bool, error) {
		var err error
		data, err = s.resultLocked(id, round)
		if err == ErrPending {
			return false, nil
		}
		return true, err
	})
	return data, err
}

// TryResult is Result without blocking. It returns ErrPending when the
// round has not closed yet.
func (s *Session) TryResult(id secagg.ID, round int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultLocked(id, round)
}

func (s *Session) resultLocked(id secagg.ID, round int) ([]byte, error) {
	if !s.joined[id] {
		if _, ok := s.registry.Lookup(id); !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
		}
		return nil, fmt.Errorf("%w: %d", ErrNotJoined, id)
	}
	if round < 0 || round >= NumRounds {
		return nil, fmt.Errorf("%w: no round %d", ErrWrongRound, round)
	}
	if round == 0 {
		return secagg.Round0SeedMessage(), nil
	}
	if msgs, ok := s.results[round]; ok {
		data, ok := msgs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d was dropped before round %d", ErrNoResult, id, round)
		}
		s.metrics.RecordResult(len(data))
		return data, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, ErrPending
}

// Aggregate blocks until the session completes and returns the aggregate.
func (s *Session) Aggregate(ctx context.Context) (secagg.Vector, error) {
	var agg secagg.Vector
	err := s.await(ctx, func() (bool, error) {
		if s.aggregate != nil {
			agg = s.aggregate.Clone()
			return true, nil
		}
		return false, s.err
	})
	return agg, err
}

// Complete returns the completion message once the aggregate is known, or
// ErrPending.
func (s *Session) Complete() (*CompleteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggregate == nil {
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrPending
	}
	contributors := make([]uint64, len(s.contributors))
	for i, id := range s.contributors {
		contributors[i] = uint64(id)
	}
	return &CompleteMessage{
		Aggregate:    []int64(s.aggregate.Clone()),
		Contributors: contributors,
	}, nil
}

// WaitComplete blocks until the completion message is available.
func (s *Session) WaitComplete(ctx context.Context) (*CompleteMessage, error) {
	if _, err := s.Aggregate(ctx); err != nil {
		return nil, err
	}
	return s.Complete()
}

// Contributors returns the ids whose vectors are in the aggregate. It is
// empty until masked inputs have been collected.
func (s *Session) Contributors() []secagg.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]secagg.ID(nil), s.contributors...)
}

// Status returns a snapshot of the session.
func (s *Session) Status() *SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &SessionStatus{
		SessionID: s.cfg.SessionID,
		Round:     s.round,
		Phase:     s.server.State().String(),
		Joined:    idList(s.joined),
		Submitted: idList(s.submitted),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Done returns true once the session has completed or failed.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons an unfinished session. Waiters return ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.failLocked(ErrSessionClosed)
}

func (s *Session) expectedLocked() []secagg.ID {
	if s.round == 0 {
		return s.registry.IDs()
	}
	return s.server.Expected()
}

func (s *Session) quorumLocked() bool {
	for _, id := range s.expectedLocked() {
		if !s.submitted[id] {
			return false
		}
	}
	return true
}

func (s *Session) startRoundLocked() {
	s.generation++
	gen := s.generation
	s.opened = time.Now()
	s.roundTimer = time.AfterFunc(s.cfg.RoundTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done || gen != s.generation {
			return
		}
		s.logger.Info("round %d timed out with %d submissions", s.round, len(s.submitted))
		s.closeRoundLocked(CloseTimeout)
		s.notifyLocked()
	})
}

func (s *Session) closeRoundLocked(reason string) {
	if s.roundTimer != nil {
		s.roundTimer.Stop()
	}
	s.generation++

	round := s.round
	dropped := 0
	for _, id := range s.expectedLocked() {
		if !s.submitted[id] {
			dropped++
		}
	}
	s.metrics.RecordRoundClosed(round, reason, dropped, time.Since(s.opened))
	if round == 2 {
		s.contributors = s.server.Contributors()
	}

	out, err := s.server.Round()
	if err != nil {
		s.failLocked(err)
		return
	}
	s.logger.Info("round %d closed (%s): %d submitted, %d dropped", round, reason, len(s.submitted), dropped)
	s.saveCheckpointLocked(round)

	if out.Kind == secagg.OutputAggregate {
		s.aggregate = out.Aggregate
		s.finishLocked("completed")
		s.logger.Info("session %s complete: %d contributors", s.cfg.SessionID, len(s.contributors))
		return
	}

	s.round++
	s.results[s.round] = out.Messages
	s.submitted = make(map[secagg.ID]bool)
	s.startRoundLocked()
}

func (s *Session) saveCheckpointLocked(round int) {
	if s.checkpoint == nil {
		return
	}
	state, err := s.server.ExportState()
	if err != nil {
		s.logger.Error("exporting state after round %d: %v", round, err)
		return
	}
	s.checkpoint(round, state)
}

func (s *Session) failLocked(cause error) {
	if s.done {
		return
	}
	s.err = NewSessionError(s.cfg.SessionID, fmt.Errorf("%w: %w", ErrSessionFailed, cause))
	s.logger.Error("session %s failed in round %d: %v", s.cfg.SessionID, s.round, cause)
	s.finishLocked("failed")
}

func (s *Session) finishLocked(outcome string) {
	s.done = true
	s.generation++
	if s.roundTimer != nil {
		s.roundTimer.Stop()
	}
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
	}
	s.metrics.RecordSessionFinished(outcome, len(s.joined))
	s.notifyLocked()
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.failLocked(ErrSessionTimeout)
	}
}

func (s *Session) liveLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.done {
		return fmt.Errorf("%w: session complete", ErrSessionClosed)
	}
	return nil
}

// notifyLocked wakes every waiter.
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// await runs ready under the lock until it reports done or an error.
func (s *Session) await(ctx context.Context, ready func() (bool, error)) error {
	for {
		s.mu.Lock()
		ok, err := ready()
		ch := s.changed
		s.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func idList(set map[secagg.ID]bool) []uint64 {
	ids := make([]uint64, 0, len(set))
	for _, id := range secagg.SortedIDs(set) {
		ids = append(ids, uint64(id))
	}
	return ids
}
