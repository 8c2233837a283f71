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

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// Connection and network errors.
var (
	// ErrConnectionFailed indicates that establishing a connection failed.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrAlreadyConnected indicates the participant is already connected.
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrNotConnected indicates the participant is not connected.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrListenerFailed indicates the listener failed to start.
	ErrListenerFailed = errors.New("transport: listener failed to start")
)

// Session and coordinator errors.
var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("transport: session not found")

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrSessionTimeout indicates the session timed out.
	ErrSessionTimeout = errors.New("transport: session timeout")

	// ErrSessionFailed indicates the aggregation protocol aborted.
	ErrSessionFailed = errors.New("transport: session failed")

	// ErrDuplicateParticipant indicates a participant is already in the session.
	ErrDuplicateParticipant = errors.New("transport: duplicate participant")

	// ErrUnknownParticipant indicates the participant is not in the registry.
	ErrUnknownParticipant = errors.New("transport: unknown participant")

	// ErrNotJoined indicates a participant submitted before joining.
	ErrNotJoined = errors.New("transport: participant has not joined")

	// ErrWrongRound indicates a submission for a round that is not open.
	ErrWrongRound = errors.New("transport: wrong round")

	// ErrPending indicates a round result is not available yet.
	ErrPending = errors.New("transport: result pending")

	// ErrNoResult indicates the participant was dropped from a round and
	// has no result to collect.
	ErrNoResult = errors.New("transport: no result for participant")

	// ErrRateLimited indicates a participant exceeded its request rate.
	ErrRateLimited = errors.New("transport: rate limit exceeded")
)

// Message errors.
var (
	// ErrInvalidMessage indicates the message format is invalid.
	ErrInvalidMessage = errors.New("transport: invalid message")

	// ErrMessageTooLarge indicates the message exceeds maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrUnexpectedMessage indicates a message was received out of sequence.
	ErrUnexpectedMessage = errors.New("transport: unexpected message")
)

// Configuration and validation errors.
var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("transport: invalid configuration")

	// ErrInvalidProtocol indicates an unsupported or invalid protocol.
	ErrInvalidProtocol = errors.New("transport: invalid protocol")

	// ErrInvalidAddress indicates the address format is invalid.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrInvalidThreshold indicates invalid threshold parameters.
	ErrInvalidThreshold = errors.New("transport: invalid threshold (must have 2 <= t <= n)")

	// ErrInvalidParticipantCount indicates invalid number of participants.
	ErrInvalidParticipantCount = errors.New("transport: invalid participant count (must have 3 <= n <= 255)")

	// ErrInvalidVectorLength indicates a non-positive vector length.
	ErrInvalidVectorLength = errors.New("transport: invalid vector length")

	// ErrInvalidParams indicates invalid participant run parameters.
	ErrInvalidParams = errors.New("transport: invalid parameters")
)

// TLS and security errors.
var (
	// ErrCertificateInvalid indicates the TLS certificate is invalid.
	ErrCertificateInvalid = errors.New("transport: TLS certificate invalid")

	// ErrCertificateNotFound indicates the certificate file was not found.
	ErrCertificateNotFound = errors.New("transport: certificate file not found")

	// ErrPrivateKeyNotFound indicates the private key file was not found.
	ErrPrivateKeyNotFound = errors.New("transport: private key file not found")

	// ErrCANotFound indicates the CA certificate file was not found.
	ErrCANotFound = errors.New("transport: CA certificate file not found")
)

// Codec errors.
var (
	// ErrCodecNotSupported indicates the codec is not supported.
	ErrCodecNotSupported = errors.New("transport: codec not supported")
)

// ConnectionError wraps connection errors with additional context.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (address=%s): %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(address string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{
		Address: address,
		Err:     err,
	}
}

// SessionError wraps session errors with session context.
type SessionError struct {
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error (session=%s): %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		SessionID: sessionID,
		Err:       err,
	}
}

// TLSError wraps TLS-related errors.
type TLSError struct {
	Message string
	Err     error
}

func (e *TLSError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("TLS error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("TLS error: %s", e.Message)
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

// NewTLSError creates a new TLSError.
func NewTLSError(message string, err error) error {
	return &TLSError{
		Message: message,
		Err:     err,
	}
}

// ParticipantError wraps errors specific to a participant.
type ParticipantError struct {
	ID    secagg.ID
	Round int
	Err   error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("participant error (id=%d, round=%d): %v", e.ID, e.Round, e.Err)
}

func (e *ParticipantError) Unwrap() error {
	return e.Err
}

// NewParticipantError creates a new ParticipantError.
func NewParticipantError(id secagg.ID, round int, err error) error {
	if err == nil {
		return nil
	}
	return &ParticipantError{
		ID:    id,
		Round: round,
		Err:   err,
	}
}

// RemoteError is an error reported by the other side of a connection in an
// ErrorMessage.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (code=%d): %s", e.Code, e.Message)
}

// Is maps the remote code back onto the sentinel it was produced from.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case http.StatusAccepted:
		return target == ErrPending
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	case http.StatusGone:
		return target == ErrSessionFailed
	case http.StatusNotFound:
		return target == ErrNoResult
	case http.StatusConflict:
		return target == ErrWrongRound
	case http.StatusForbidden:
		return target == ErrNotJoined || target == ErrUnknownParticipant
	case http.StatusRequestEntityTooLarge:
		return target == ErrMessageTooLarge
	case http.StatusBadRequest:
		return target == ErrInvalidMessage
	}
	return false
}

// ErrorCode maps an error onto the code carried in an ErrorMessage. Codes
// follow HTTP status semantics on every transport.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPending):
		return http.StatusAccepted
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSessionFailed), errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, ErrNoResult), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrWrongRound), errors.Is(err, ErrDuplicateParticipant):
		return http.StatusConflict
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrUnknownParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, secagg.ErrMalformedMessage),
		errors.Is(err, ErrCodecNotSupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorMessage builds the wire form of err.
func NewErrorMessage(err error) *ErrorMessage {
	return &ErrorMessage{Code: ErrorCode(err), Message: err.Error()}
}

// Err converts an ErrorMessage back into an error.
func (m *ErrorMessage) Err() error {
	return &RemoteError{Code: m.Code, Message: m.Message}
}
