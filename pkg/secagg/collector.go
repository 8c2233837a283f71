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

package secagg

// Collector gathers one contribution per participant for a single round.
// A repeated id overwrites the earlier value. The fields are exported so
// server snapshots can carry a half-filled round.
type Collector[T any] struct {
	Round     int      `cbor:"1,keyasint"`
	Threshold int      `cbor:"2,keyasint"`
	Items     map[ID]T `cbor:"3,keyasint"`
}

// NewCollector creates an empty collector for round that releases once it
// holds at least threshold contributions.
func NewCollector[T any](round, threshold int) *Collector[T] {
	return &Collector[T]{Round: round, Threshold: threshold, Items: make(map[ID]T)}
}

// Recv stores v as id's contribution.
func (c *Collector[T]) Recv(id ID, v T) {
	if c.Items == nil {
		c.Items = make(map[ID]T)
	}
	c.Items[id] = v
}

// Len returns the number of distinct contributors so far.
func (c *Collector[T]) Len() int {
	return len(c.Items)
}

// Has reports whether id has contributed.
func (c *Collector[T]) Has(id ID) bool {
	_, ok := c.Items[id]
	return ok
}

// IDs returns the contributors in ascending order.
func (c *Collector[T]) IDs() []ID {
	return sortedIDs(c.Items)
}

// Release returns the collected map if it meets the threshold, otherwise a
// *ThresholdError.
func (c *Collector[T]) Release() (map[ID]T, error) {
	if len(c.Items) < c.Threshold {
		return nil, &ThresholdError{Round: c.Round, Have: len(c.Items), Need: c.Threshold}
	}
	return c.Items, nil
}
