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
	"fmt"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

// Key is a participant's key file: its id and long-term signing key. The
// public key is stored alongside the secret so a corrupted file is caught
// on load.
type Key struct {
	ID        uint64                  `json:"id" yaml:"id" toml:"id"`
	SecretKey secagg.SigningSecretKey `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	PublicKey secagg.SigningPublicKey `json:"public_key" yaml:"public_key" toml:"public_key"`
}

// GenerateKey creates a fresh signing key for participant id.
func GenerateKey(id secagg.ID) (*Key, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	pk, sk, err := secagg.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	return &Key{ID: uint64(id), SecretKey: sk, PublicKey: pk}, nil
}

// ParticipantID returns the key owner's id.
func (k *Key) ParticipantID() secagg.ID {
	return secagg.ID(k.ID)
}

// Validate checks the id and that the public key matches the secret.
func (k *Key) Validate() error {
	if k.ID == 0 {
		return ErrInvalidID
	}
	if k.SecretKey.Public() != k.PublicKey {
		return fmt.Errorf("%w: public key does not match secret key", ErrInvalidKey)
	}
	return nil
}

// LoadKey reads and validates a key file.
func LoadKey(path string) (*Key, error) {
	var k Key
	if err := readFile(path, &k); err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// SaveKey writes k to path, readable only by the owner.
func SaveKey(path string, k *Key) error {
	if err := k.Validate(); err != nil {
		return err
	}
	return writeFile(path, k, 0600)
}
