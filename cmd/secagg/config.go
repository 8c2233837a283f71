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
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configOutput string
	configForce  bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
		Long: `Generate and manage secagg configuration files.

Configuration files use YAML format and can specify default values for
all command-line flags. Command-line flags override config file values.

Environment variables can also be used with the SECAGG_ prefix, with dots
replaced by underscores. For example: SECAGG_PROTOCOL=quic or
SECAGG_COORDINATOR_THRESHOLD=3

Examples:
  # Generate default config file
  secagg config init

  # Generate config file in custom location
  secagg config init --output /etc/secagg/config.yaml

  # Show current config
  secagg config show`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a sample configuration file",
		Long:  `Generate a sample configuration file with default values and documentation.`,
		RunE:  runConfigInit,
	}
	initCmd.Flags().StringVarP(&configOutput, "output", "o", "", "output path (default: $HOME/.secagg/config.yaml)")
	initCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long:  `Display the current configuration including values from config file, environment, and defaults.`,
		Run:   runConfigShow,
	}

	cmd.AddCommand(initCmd)
	cmd.AddCommand(showCmd)
	return cmd
}

const sampleConfig = `# secagg configuration file
# Command-line flags override these values

# Default transport protocol
# Options: http, quic, grpc, unix
protocol: http

# Default serialization codec
# Options: json, cbor, msgpack, yaml, bson, toml
codec: json

# TLS configuration
tls:
  cert: ""      # Path to TLS certificate file
  key: ""       # Path to TLS private key file
  ca: ""        # Path to CA certificate (for mTLS)

# Logging
log:
  format: console                       # console or json

# Verbose output (debug logging)
verbose: false

# Coordinator settings
coordinator:
  listen: "0.0.0.0:9000"
  registry: "registry.yaml"
  threshold: 2
  vector_length: 1
  session_id: ""                        # Auto-generated if empty
  round_timeout: 30s
  timeout: 5m
  rate_limit: 0                         # submissions/second per participant, 0 disables
  rate_burst: 5
  max_message_size: 16777216
  metrics_addr: ""                      # e.g. ":9090"
  scale: 0
  output: ""

# Participant settings
participant:
  coordinator: "localhost:9000"
  key: ""
  registry: "registry.yaml"
  threshold: 2
  vector: ""
  scale: 0
  timeout: 5m
  output: ""

# Simulation settings
simulate:
  participants: 5
  threshold: 3
  vector_length: 4
  drop: ""                              # e.g. "2:1,4:1"
  round_timeout: 250ms
  seed: 0
  max_value: 1000

# Keygen settings
keygen:
  registry: "registry.yaml"

# Certgen settings
certgen:
  output: "./certs"
  days: 365
  hosts:
    - "localhost"
    - "127.0.0.1"
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	outputPath := configOutput
	if outputPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		outputPath = filepath.Join(homeDir, ".secagg", "config.yaml")
	}

	if _, err := os.Stat(outputPath); err == nil && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", outputPath)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Config may name key files; keep it private.
	if err := os.WriteFile(outputPath, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created: %s\n", outputPath)
	fmt.Fprintln(out, "\nEdit the file to customize settings, or use command-line flags to override.")
	fmt.Fprintf(out, "\nTo use this config file:\n")
	fmt.Fprintf(out, "  secagg --config %s <command>\n", outputPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Current Configuration:")
	fmt.Fprintln(out, "======================")

	keys := viper.AllKeys()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No configuration loaded (using defaults)")
		return
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%s: %v\n", key, viper.Get(key))
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "\nLoaded from: %s\n", viper.ConfigFileUsed())
	}

	fmt.Fprintln(out, "\nEnvironment variables with SECAGG_ prefix override these values.")
	fmt.Fprintln(out, "Command-line flags override both config file and environment variables.")
}
