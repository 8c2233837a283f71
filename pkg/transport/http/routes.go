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

// Package http provides an HTTP/REST transport for secure aggregation.
//
// The coordinator serves one session under /v1/sessions/{sessionID}.
// Participants identify themselves with the X-Participant-ID header, submit
// each round's output with POST and long-poll for the next round's input
// with GET. A 202 response means the round has not closed yet.
//
// Request and response bodies are encoded with the codec named by the
// Content-Type and Accept headers, falling back to the configured codec.
package http

import (
	"strconv"
	"time"
)

const (
	// API version prefix
	apiVersion = "v1"
)

// REST endpoint paths. Patterns use chi URL parameters.
const (
	// PathHealth - GET: health check
	PathHealth = "/" + apiVersion + "/health"

	// PathSessions - GET: info for the session this coordinator serves
	PathSessions = "/" + apiVersion + "/sessions"

	// PathSession - GET: session info by id
	PathSession = PathSessions + "/{sessionID}"

	// PathJoin - POST: join the session
	PathJoin = PathSession + "/join"

	// PathRound - POST: submit a round output, GET: fetch a round input
	PathRound = PathSession + "/rounds/{round}"

	// PathComplete - GET: final aggregate and contributors
	PathComplete = PathSession + "/complete"

	// PathStatus - GET: session status snapshot
	PathStatus = PathSession + "/status"

	// PathMetrics - GET: Prometheus metrics
	PathMetrics = "/metrics"
)

// HTTP headers
const (
	HeaderContentType = "Content-Type"
	HeaderAccept      = "Accept"

	// HeaderParticipantID carries the caller's registry id.
	HeaderParticipantID = "X-Participant-ID"
)

// ContentTypeText for plain text (health checks)
const ContentTypeText = "text/plain"

// Query parameters
const (
	// QueryWait bounds how long a GET waits for a pending result, as a
	// Go duration string. Zero or absent returns immediately.
	QueryWait = "wait"

	// MaxWait caps QueryWait.
	MaxWait = 10 * time.Second
)

// SessionPath returns the info path of a session.
func SessionPath(sessionID string) string {
	return PathSessions + "/" + sessionID
}

// JoinPath returns the join path of a session.
func JoinPath(sessionID string) string {
	return SessionPath(sessionID) + "/join"
}

// RoundPath returns the path for submitting or fetching round.
func RoundPath(sessionID string, round int) string {
	return SessionPath(sessionID) + "/rounds/" + strconv.Itoa(round)
}

// CompletePath returns the completion path of a session.
func CompletePath(sessionID string) string {
	return SessionPath(sessionID) + "/complete"
}

// StatusPath returns the status path of a session.
func StatusPath(sessionID string) string {
	return SessionPath(sessionID) + "/status"
}
