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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Format
		err  error
	}{
		{"registry.json", FormatJSON, nil},
		{"dir/registry.YAML", FormatYAML, nil},
		{"registry.yml", FormatYAML, nil},
		{"keys.toml", FormatTOML, nil},
		{"registry.xml", "", ErrUnsupportedFormat},
		{"registry", "", ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyAndRegistryRoundTrip(t *testing.T) {
	for _, ext := range []string{"json", "yaml", "toml"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			regPath := filepath.Join(dir, "registry."+ext)

			keys := make(map[secagg.ID]*Key)
			for _, id := range []secagg.ID{3, 1, 2} {
				k, err := GenerateKey(id)
				require.NoError(t, err)
				keyPath := filepath.Join(dir, "keys", id.String()+"."+ext)
				require.NoError(t, SaveKey(keyPath, k))
				require.NoError(t, Upsert(regPath, id, k.PublicKey))
				keys[id] = k
			}

			reg, err := Load(regPath)
			require.NoError(t, err)
			assert.Equal(t, []secagg.ID{1, 2, 3}, reg.IDs())

			for id, want := range keys {
				got, err := LoadKey(filepath.Join(dir, "keys", id.String()+"."+ext))
				require.NoError(t, err)
				assert.Equal(t, want, got)
				assert.Equal(t, id, got.ParticipantID())

				pk, ok := reg.Lookup(id)
				require.True(t, ok)
				assert.Equal(t, got.SecretKey.Public(), pk)
			}

			info, err := os.Stat(filepath.Join(dir, "keys", "1."+ext))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestUpsertReplacesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	first, err := GenerateKey(2)
	require.NoError(t, err)
	second, err := GenerateKey(2)
	require.NoError(t, err)

	require.NoError(t, Upsert(path, 2, first.PublicKey))
	require.NoError(t, Upsert(path, 2, second.PublicKey))

	reg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	pk, _ := reg.Lookup(2)
	assert.Equal(t, second.PublicKey, pk)

	assert.ErrorIs(t, Upsert(path, 0, first.PublicKey), ErrInvalidID)
}

func TestSaveLoadRegistry(t *testing.T) {
	keys := make(map[secagg.ID]secagg.SigningPublicKey)
	for id := secagg.ID(1); id <= 4; id++ {
		pk, _, err := secagg.GenerateSigningKeypair()
		require.NoError(t, err)
		keys[id] = pk
	}
	reg, err := secagg.NewRegistry(keys)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, Save(path, reg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, reg.Keys(), loaded.Keys())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))
		return path
	}
	pk, sk, err := secagg.GenerateSigningKeypair()
	require.NoError(t, err)
	hexPK, err := pk.MarshalText()
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		err  error
	}{
		{"missing", filepath.Join(dir, "absent.json"), ErrNotFound},
		{"extension", write("registry.ini", ""), ErrUnsupportedFormat},
		{"garbage", write("garbage.json", "{"), ErrMalformedFile},
		{"bad hex", write("badhex.yaml", "participants:\n  - id: 1\n    public_key: zz\n"), ErrMalformedFile},
		{"zero id", write("zero.json", `{"participants":[{"id":0,"public_key":"`+string(hexPK)+`"}]}`), ErrInvalidID},
		{"duplicate", write("dup.json", `{"participants":[{"id":1,"public_key":"`+string(hexPK)+`"},{"id":1,"public_key":"`+string(hexPK)+`"}]}`), ErrDuplicateID},
		{"no key", write("nokey.toml", "[[participants]]\nid = 1\n"), ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("mismatched key file", func(t *testing.T) {
		other, _, err := secagg.GenerateSigningKeypair()
		require.NoError(t, err)
		k := &Key{ID: 1, SecretKey: sk, PublicKey: other}
		assert.ErrorIs(t, SaveKey(filepath.Join(dir, "k.json"), k), ErrInvalidKey)

		hexSK, err := sk.MarshalText()
		require.NoError(t, err)
		hexOther, err := other.MarshalText()
		require.NoError(t, err)
		path := write("k.json", `{"id":1,"secret_key":"`+string(hexSK)+`","public_key":"`+string(hexOther)+`"}`)
		_, err = LoadKey(path)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("zero id key", func(t *testing.T) {
		_, err := GenerateKey(0)
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestFileSetKeepsOrder(t *testing.T) {
	var f File
	for _, id := range []secagg.ID{5, 1, 3, 4, 2} {
		f.Set(id, secagg.SigningPublicKey{byte(id)})
	}
	var ids []uint64
	for _, e := range f.Participants {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)
}
