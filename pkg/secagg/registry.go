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

import (
	"fmt"
)

// Registry is the read-only map from participant id to long-term signing
// public key. It is built once before a run and shared by every User.
type Registry struct {
	keys map[ID]SigningPublicKey
	ids  []ID
}

// NewRegistry copies keys into an immutable registry.
func NewRegistry(keys map[ID]SigningPublicKey) (*Registry, error) {
	if len(keys) > MaxParticipants {
		return nil, fmt.Errorf("%w: %d keys, limit %d", ErrTooManyParticipants, len(keys), MaxParticipants)
	}
	r := &Registry{keys: make(map[ID]SigningPublicKey, len(keys))}
	for id, pk := range keys {
		r.keys[id] = pk
	}
	r.ids = sortedIDs(r.keys)
	return r, nil
}

// Lookup returns the signing key registered for id.
func (r *Registry) Lookup(id ID) (SigningPublicKey, bool) {
	pk, ok := r.keys[id]
	return pk, ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ID {
	return append([]ID(nil), r.ids...)
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	return len(r.ids)
}

// Keys returns a copy of the id to key map.
func (r *Registry) Keys() map[ID]SigningPublicKey {
	out := make(map[ID]SigningPublicKey, len(r.keys))
	for id, pk := range r.keys {
		out[id] = pk
	}
	return out
}

// verify checks sig over msg against id's registered key.
func (r *Registry) verify(id ID, msg []byte, sig Signature, what string) error {
	pk, ok := r.keys[id]
	if !ok {
		return &UnknownSignerError{ID: id}
	}
	if !Verify(msg, sig, pk) {
		return &InvalidSignatureError{ID: id, What: what}
	}
	return nil
}
