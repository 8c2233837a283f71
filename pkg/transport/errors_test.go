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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

func TestErrorConstructorsNil(t *testing.T) {
	if NewConnectionError("addr", nil) != nil {
		t.Error("expected nil ConnectionError for nil cause")
	}
	if NewSessionError("s", nil) != nil {
		t.Error("expected nil SessionError for nil cause")
	}
	if NewParticipantError(1, 0, nil) != nil {
		t.Error("expected nil ParticipantError for nil cause")
	}
}

func TestErrorWrapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		text   string
	}{
		{"connection", NewConnectionError("localhost:1", ErrConnectionFailed), ErrConnectionFailed, "address=localhost:1"},
		{"session", NewSessionError("abc", ErrSessionTimeout), ErrSessionTimeout, "session=abc"},
		{"participant", NewParticipantError(7, 2, secagg.ErrMalformedMessage), secagg.ErrMalformedMessage, "id=7, round=2"},
		{"tls", NewTLSError("bad", ErrCertificateInvalid), ErrCertificateInvalid, "TLS error: bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("expected %v to wrap %v", tt.err, tt.target)
			}
			if got := tt.err.Error(); !strings.Contains(got, tt.text) {
				t.Errorf("expected %q in %q", tt.text, got)
			}
		})
	}

	var pe *ParticipantError
	if !errors.As(fmt.Errorf("outer: %w", NewParticipantError(3, 4, ErrNoResult)), &pe) {
		t.Fatal("expected ParticipantError")
	}
	if pe.ID != 3 || pe.Round != 4 {
		t.Errorf("unexpected participant error fields: %+v", pe)
	}

	if got := NewTLSError("only message", nil).Error(); got != "TLS error: only message" {
		t.Errorf("unexpected TLS error text %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, http.StatusOK},
		{"pending", ErrPending, http.StatusAccepted},
		{"rate_limited", ErrRateLimited, http.StatusTooManyRequests},
		{"session_failed", NewSessionError("s", fmt.Errorf("%w: x", ErrSessionFailed)), http.StatusGone},
		{"no_result", ErrNoResult, http.StatusNotFound},
		{"wrong_round", ErrWrongRound, http.StatusConflict},
		{"not_joined", ErrNotJoined, http.StatusForbidden},
		{"unknown_participant", ErrUnknownParticipant, http.StatusForbidden},
		{"too_large", ErrMessageTooLarge, http.StatusRequestEntityTooLarge},
		{"malformed", NewParticipantError(1, 0, secagg.ErrMalformedMessage), http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("expected %d, got %d", tt.code, got)
			}
		})
	}
}

func TestErrorMessageRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrRateLimited, ErrSessionFailed, ErrNoResult, ErrWrongRound, ErrUnknownParticipant} {
		msg := NewErrorMessage(fmt.Errorf("wrapped: %w", sentinel))
		err := msg.Err()
		if !errors.Is(err, sentinel) {
			t.Errorf("expected remote error with code %d to match %v", msg.Code, sentinel)
		}
		var remote *RemoteError
		if !errors.As(err, &remote) || remote.Message != msg.Message {
			t.Errorf("expected RemoteError carrying %q", msg.Message)
		}
	}
}
