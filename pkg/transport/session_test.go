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

package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	"github.com/jeremyhahn/go-secagg/pkg/transport/transporttest"
)

type sessionExchanger struct {
	s  *transport.Session
	id secagg.ID
}

func (e sessionExchanger) Fetch(ctx context.Context, round int) ([]byte, error) {
	return e.s.Result(ctx, e.id, round)
}

func (e sessionExchanger) Submit(_ context.Context, round int, data []byte) error {
	return e.s.Submit(e.id, round, data)
}

func (e sessionExchanger) Complete(ctx context.Context) (*transport.CompleteMessage, error) {
	return e.s.WaitComplete(ctx)
}

func runSession(t *testing.T, s *transport.Session, params map[secagg.ID]*transport.Params) map[secagg.ID]transporttest.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[secagg.ID]transporttest.Outcome)
	)
	for id, p := range params {
		wg.Add(1)
		go func(id secagg.ID, p *transport.Params) {
			defer wg.Done()
			pk := p.SigningKey.Public()
			var res *transport.Result
			info, err := s.Join(id, pk[:])
			if err == nil {
				res, err = transport.RunUser(ctx, info, p, sessionExchanger{s: s, id: id}, nil)
			}
			mu.Lock()
			outcomes[id] = transporttest.Outcome{Result: res, Err: err}
			mu.Unlock()
		}(id, p)
	}
	wg.Wait()
	return outcomes
}

func newSession(t *testing.T, n, threshold, length int, opts ...transport.SessionOption) (*transport.Session, map[secagg.ID]*transport.Params, map[secagg.ID]secagg.Vector) {
	t.Helper()
	registry, keys := transporttest.Participants(t, n)
	vectors := transporttest.Vectors(registry, length)
	cfg := transport.NewSessionConfig(threshold, n, length)
	cfg.RoundTimeout = 300 * time.Millisecond
	s, err := transport.NewSession(cfg, registry, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, transporttest.Params(registry, keys, threshold, vectors), vectors
}

func TestSessionCompletesWithAllParticipants(t *testing.T) {
	s, params, vectors := newSession(t, 5, 3, 4)

	outcomes := runSession(t, s, params)
	want := transporttest.Sum(t, vectors, 4, 1, 2, 3, 4, 5)
	for id, o := range outcomes {
		require.NoError(t, o.Err, "participant %d", id)
		assert.True(t, o.Result.Completed)
		assert.Equal(t, transport.NumRounds, o.Result.RoundsCompleted)
		assert.Equal(t, want, o.Result.Aggregate)
		assert.Equal(t, s.ID(), o.Result.SessionID)
	}

	agg, err := s.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, agg)
	assert.Equal(t, []secagg.ID{1, 2, 3, 4, 5}, s.Contributors())
	assert.True(t, s.Done())
	assert.NoError(t, s.Err())

	complete, err := s.Complete()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, complete.Contributors)
}

func TestSessionTimeoutDropsStragglers(t *testing.T) {
	s, params, vectors := newSession(t, 5, 3, 3)
	params[4].ActiveRounds = 2
	params[5].ActiveRounds = 2

	outcomes := runSession(t, s, params)
	want := transporttest.Sum(t, vectors, 3, 1, 2, 3)
	for _, id := range []secagg.ID{1, 2, 3} {
		require.NoError(t, outcomes[id].Err)
		assert.Equal(t, want, outcomes[id].Result.Aggregate)
	}
	for _, id := range []secagg.ID{4, 5} {
		require.NoError(t, outcomes[id].Err)
		assert.False(t, outcomes[id].Result.Completed)
		assert.Equal(t, 2, outcomes[id].Result.RoundsCompleted)
	}

	assert.Equal(t, []secagg.ID{1, 2, 3}, s.Contributors())
	_, err := s.TryResult(4, 3)
	assert.ErrorIs(t, err, transport.ErrNoResult)
}

func TestSessionFailsBelowThreshold(t *testing.T) {
	s, params, _ := newSession(t, 4, 3, 2)
	params[3].ActiveRounds = 1
	params[4].ActiveRounds = 1

	outcomes := runSession(t, s, params)
	for _, id := range []secagg.ID{1, 2} {
		assert.ErrorIs(t, outcomes[id].Err, transport.ErrSessionFailed)
		assert.ErrorIs(t, outcomes[id].Err, secagg.ErrThresholdNotMet)
	}

	_, err := s.Aggregate(context.Background())
	assert.ErrorIs(t, err, transport.ErrSessionFailed)
	var te *secagg.ThresholdError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Have)
	assert.Equal(t, 3, te.Need)
	assert.Equal(t, "Failed", s.Status().Phase)
	assert.NotEmpty(t, s.Status().Error)
}

func TestSessionRequestValidation(t *testing.T) {
	s, params, _ := newSession(t, 3, 2, 2)
	pk := params[1].SigningKey.Public()

	_, err := s.Join(9, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownParticipant)
	otherPK := params[2].SigningKey.Public()
	_, err = s.Join(1, otherPK[:])
	assert.ErrorIs(t, err, transport.ErrUnknownParticipant)

	err = s.Submit(1, 0, secagg.Round0SeedMessage())
	assert.ErrorIs(t, err, transport.ErrNotJoined)
	_, err = s.TryResult(1, 0)
	assert.ErrorIs(t, err, transport.ErrNotJoined)

	info, err := s.Join(1, pk[:])
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, info.Participants)
	again, err := s.Join(1, nil)
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, 1, s.Joined())

	seed, err := s.TryResult(1, 0)
	require.NoError(t, err)
	assert.Equal(t, secagg.Round0SeedMessage(), seed)
	_, err = s.TryResult(1, 1)
	assert.ErrorIs(t, err, transport.ErrPending)
	_, err = s.TryResult(1, 7)
	assert.ErrorIs(t, err, transport.ErrWrongRound)

	err = s.Submit(1, 1, []byte{0x01})
	assert.ErrorIs(t, err, transport.ErrWrongRound)

	err = s.Submit(1, 0, []byte("garbage"))
	assert.ErrorIs(t, err, secagg.ErrMalformedMessage)
	var pe *transport.ParticipantError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, secagg.ID(1), pe.ID)
	assert.False(t, s.Done(), "malformed input must not fail the session")

	wrongKind, err := secagg.EncodeMessage(secagg.MaskedInput{Vector: secagg.Vector{1, 2}})
	require.NoError(t, err)
	err = s.Submit(1, 0, wrongKind)
	assert.ErrorIs(t, err, transport.ErrInvalidMessage)
	assert.ErrorIs(t, err, secagg.ErrRoundMismatch)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Round)
	assert.Equal(t, 400, transport.ErrorCode(err))
	assert.False(t, s.Done(), "a message of the wrong kind must not fail the session")
	assert.Equal(t, secagg.PhaseRound0.String(), s.Status().Phase)
	assert.Empty(t, s.Status().Submitted)
}

func TestSessionWrongKindFromOneParticipantDoesNotAbort(t *testing.T) {
	s, params, vectors := newSession(t, 3, 2, 2)
	for id, p := range params {
		pk := p.SigningKey.Public()
		_, err := s.Join(id, pk[:])
		require.NoError(t, err)
	}
	junk, err := secagg.EncodeMessage(secagg.AliveSignature{})
	require.NoError(t, err)
	require.Error(t, s.Submit(3, 0, junk))

	outcomes := runSession(t, s, params)
	want := transporttest.Sum(t, vectors, 2, 1, 2, 3)
	for id, o := range outcomes {
		require.NoError(t, o.Err, "participant %d", id)
		assert.Equal(t, want, o.Result.Aggregate)
	}
}

func TestSessionCheckpoints(t *testing.T) {
	var (
		mu     sync.Mutex
		rounds []int
		last   string
	)
	s, params, _ := newSession(t, 3, 2, 2, transport.WithCheckpoint(func(round int, state string) {
		mu.Lock()
		defer mu.Unlock()
		rounds = append(rounds, round)
		last = state
	}))

	for id, o := range runSession(t, s, params) {
		require.NoError(t, o.Err, "participant %d", id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, rounds)
	restored, err := secagg.RestoreServer(last)
	require.NoError(t, err)
	assert.Equal(t, secagg.PhaseDone, restored.State())
}

func TestSessionTimeout(t *testing.T) {
	registry, _ := transporttest.Participants(t, 3)
	cfg := transport.NewSessionConfig(2, 3, 1)
	cfg.Timeout = 100 * time.Millisecond
	s, err := transport.NewSession(cfg, registry)
	require.NoError(t, err)

	_, err = s.Join(1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Aggregate(ctx)
	assert.ErrorIs(t, err, transport.ErrSessionTimeout)
	assert.ErrorIs(t, err, transport.ErrSessionFailed)
}

func TestSessionCloseWakesWaiters(t *testing.T) {
	s, _, _ := newSession(t, 3, 2, 1)
	_, err := s.Join(2, nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := s.Result(context.Background(), 2, 1)
		errs <- err
	}()
	go func() {
		errs <- s.WaitForParticipants(context.Background(), 3)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, transport.ErrSessionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken")
		}
	}

	err = s.Submit(2, 0, secagg.Round0SeedMessage())
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestSessionRejectsMismatchedRegistry(t *testing.T) {
	registry, _ := transporttest.Participants(t, 4)
	_, err := transport.NewSession(transport.NewSessionConfig(2, 3, 1), registry)
	assert.ErrorIs(t, err, transport.ErrInvalidParticipantCount)
	_, err = transport.NewSession(transport.NewSessionConfig(2, 4, 1), nil)
	assert.ErrorIs(t, err, transport.ErrInvalidConfig)
}

func TestRunUserChecksSessionInfo(t *testing.T) {
	s, params, _ := newSession(t, 3, 2, 2)
	info := s.Info()

	p := *params[1]
	p.Threshold = 3
	_, err := transport.RunUser(context.Background(), info, &p, sessionExchanger{s: s, id: 1}, nil)
	assert.ErrorIs(t, err, transport.ErrInvalidParams)

	p = *params[1]
	p.Vector = secagg.Vector{1, 2, 3}
	_, err = transport.RunUser(context.Background(), info, &p, sessionExchanger{s: s, id: 1}, nil)
	assert.ErrorIs(t, err, transport.ErrInvalidParams)
}

func TestParamsValidate(t *testing.T) {
	_, params, _ := newSession(t, 3, 2, 2)
	require.NoError(t, params[1].Validate())

	var nilParams *transport.Params
	assert.ErrorIs(t, nilParams.Validate(), transport.ErrInvalidParams)

	p := *params[1]
	p.ID = 99
	assert.ErrorIs(t, p.Validate(), transport.ErrInvalidParams)

	p = *params[1]
	p.Vector = nil
	assert.ErrorIs(t, p.Validate(), transport.ErrInvalidParams)

	p = *params[1]
	p.ActiveRounds = 6
	assert.ErrorIs(t, p.Validate(), transport.ErrInvalidParams)
}
