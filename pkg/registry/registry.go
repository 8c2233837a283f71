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

package registry

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// Entry is one participant in a registry file.
type Entry struct {
	ID        uint64                  `json:"id" yaml:"id" toml:"id"`
	PublicKey secagg.SigningPublicKey `json:"public_key" yaml:"public_key" toml:"public_key"`
}

// File is the on-disk registry.
type File struct {
	Participants []Entry `json:"participants" yaml:"participants" toml:"participants"`
}

// Registry converts the file into a secagg.Registry, rejecting duplicate
// and zero ids.
func (f *File) Registry() (*secagg.Registry, error) {
	keys := make(map[secagg.ID]secagg.SigningPublicKey, len(f.Participants))
	for _, e := range f.Participants {
		if e.ID == 0 {
			return nil, ErrInvalidID
		}
		id := secagg.ID(e.ID)
		if _, ok := keys[id]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, e.ID)
		}
		if e.PublicKey == (secagg.SigningPublicKey{}) {
			return nil, fmt.Errorf("%w: participant %d has no public key", ErrInvalidKey, e.ID)
		}
		keys[id] = e.PublicKey
	}
	return secagg.NewRegistry(keys)
}

// FromRegistry lists a registry's keys in ascending id order.
func FromRegistry(r *secagg.Registry) *File {
	f := &File{}
	for _, id := range r.IDs() {
		pk, _ := r.Lookup(id)
		f.Participants = append(f.Participants, Entry{ID: uint64(id), PublicKey: pk})
	}
	return f
}

// Set adds or replaces the entry for id, keeping ascending id order.
func (f *File) Set(id secagg.ID, pk secagg.SigningPublicKey) {
	for i := range f.Participants {
		if f.Participants[i].ID == uint64(id) {
			f.Participants[i].PublicKey = pk
			return
		}
	}
	i := 0
	for i < len(f.Participants) && f.Participants[i].ID < uint64(id) {
		i++
	}
	f.Participants = append(f.Participants, Entry{})
	copy(f.Participants[i+1:], f.Participants[i:])
	f.Participants[i] = Entry{ID: uint64(id), PublicKey: pk}
}

// Load reads a registry file.
func Load(path string) (*secagg.Registry, error) {
	var f File
	if err := readFile(path, &f); err != nil {
		return nil, err
	}
	return f.Registry()
}

// Save writes r to path in the format implied by its extension.
func Save(path string, r *secagg.Registry) error {
	return writeFile(path, FromRegistry(r), 0644)
}

// Upsert records pk for id in the registry file at path, creating the file
// if it does not exist.
func Upsert(path string, id secagg.ID, pk secagg.SigningPublicKey) error {
	if id == 0 {
		return ErrInvalidID
	}
	var f File
	if err := readFile(path, &f); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	f.Set(id, pk)
	if _, err := f.Registry(); err != nil {
		return err
	}
	return writeFile(path, &f, 0644)
}
