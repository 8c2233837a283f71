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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-secagg/pkg/registry"
	"github.com/jeremyhahn/go-secagg/pkg/secagg"
)

var (
	keygenID       uint64
	keygenOut      string
	keygenRegistry string
	keygenForce    bool
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a participant signing key",
		Long: `Generate a participant's long-term Ed25519 signing key.

The key file holds the secret key and must stay with the participant. With
--registry the public key is also added to (or replaced in) the shared
registry file that the coordinator and every participant load. The file
format follows the extension: .json, .yaml/.yml or .toml.

Examples:
  # Key for participant 1, registered in registry.yaml
  secagg keygen --id 1 --out keys/1.yaml --registry registry.yaml`,
		RunE: runKeygen,
	}

	flags := cmd.Flags()
	flags.Uint64Var(&keygenID, "id", 0, "participant identifier (1 or greater)")
	flags.StringVarP(&keygenOut, "out", "o", "", "key file path")
	flags.StringVar(&keygenRegistry, "registry", "", "registry file to add the public key to")
	flags.BoolVarP(&keygenForce, "force", "f", false, "overwrite an existing key file")

	bindFlags(cmd, map[string]string{
		"id":       "keygen.id",
		"out":      "keygen.out",
		"registry": "keygen.registry",
		"force":    "keygen.force",
	})
	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	id := secagg.ID(viper.GetUint64("keygen.id"))
	out := viper.GetString("keygen.out")
	if out == "" {
		return fmt.Errorf("--out is required")
	}
	if _, err := registry.FormatFromPath(out); err != nil {
		return err
	}
	if _, err := os.Stat(out); err == nil && !viper.GetBool("keygen.force") {
		return fmt.Errorf("key file already exists: %s (use --force to overwrite)", out)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	key, err := registry.GenerateKey(id)
	if err != nil {
		return err
	}
	if err := registry.SaveKey(out, key); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	pk, _ := key.PublicKey.MarshalText()
	fmt.Fprintf(w, "Key for participant %d saved to: %s\n", id, out)
	fmt.Fprintf(w, "Public key: %s\n", pk)

	if path := viper.GetString("keygen.registry"); path != "" {
		if err := registry.Upsert(path, id, key.PublicKey); err != nil {
			return fmt.Errorf("failed to update registry: %w", err)
		}
		fmt.Fprintf(w, "Registered in: %s\n", path)
	}
	return nil
}
