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
	"fmt"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// RateLimiters holds one submission limiter per registered participant.
// The set is built once from the registry and never grows, so ids outside
// the registry cannot allocate limiter state. A nil RateLimiters allows
// every registered participant.
type RateLimiters map[secagg.ID]*rate.Limiter

// NewRateLimiters builds a limiter for every id in registry from the
// RateLimit and RateBurst fields of config. It returns nil when rate
// limiting is disabled.
func NewRateLimiters(config *Config, registry *secagg.Registry) RateLimiters {
	if config == nil || config.RateLimit <= 0 || registry == nil {
		return nil
	}
	burst := max(config.RateBurst, 1)
	limiters := make(RateLimiters, registry.Len())
	for _, id := range registry.IDs() {
		limiters[id] = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return limiters
}

// Allow spends one token of id's limiter. It returns ErrUnknownParticipant
// for an id without a limiter and ErrRateLimited when id is over its rate.
func (r RateLimiters) Allow(id secagg.ID) error {
	if r == nil {
		return nil
	}
	l, ok := r[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, id)
	}
	if !l.Allow() {
		return ErrRateLimited
	}
	return nil
}
