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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

var (
	certgenOutput     string
	certgenName       string
	certgenDays       int
	certgenHosts      []string
	certgenSelfSigned bool
)

func newCertgenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certgen",
		Short: "Generate TLS certificates and keys",
		Long: `Generate TLS certificates and private keys for secure communication.

By default a private CA is created together with one server and one client
certificate signed by it, which is what mutual TLS needs: start the
coordinator with the server pair and --tls-ca, and participants with the
client pair and --tls-ca. With --self-signed a single self-signed ECDSA
P-256 certificate is written instead. For production, use certificates from
a trusted Certificate Authority.

Examples:
  # CA, server and client certificates for localhost
  secagg certgen --output ./certs

  # Certificates valid for several hosts
  secagg certgen --output ./certs --hosts localhost,127.0.0.1,coord.example.com

  # A single self-signed server certificate valid for 30 days
  secagg certgen --self-signed --name server --days 30`,
		RunE: runCertgen,
	}

	flags := cmd.Flags()
	flags.StringVarP(&certgenOutput, "output", "o", "./certs", "output directory")
	flags.StringVar(&certgenName, "name", "localhost", "file name for --self-signed")
	flags.IntVar(&certgenDays, "days", 365, "certificate validity period in days")
	flags.StringSliceVar(&certgenHosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses")
	flags.BoolVar(&certgenSelfSigned, "self-signed", false, "write one self-signed certificate instead of a CA bundle")

	bindFlags(cmd, map[string]string{
		"output":      "certgen.output",
		"name":        "certgen.name",
		"days":        "certgen.days",
		"hosts":       "certgen.hosts",
		"self-signed": "certgen.self_signed",
	})
	return cmd
}

func runCertgen(cmd *cobra.Command, args []string) error {
	days := viper.GetInt("certgen.days")
	if days < 1 {
		return fmt.Errorf("days must be at least 1")
	}
	hosts := viper.GetStringSlice("certgen.hosts")
	if len(hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	dir := viper.GetString("certgen.output")
	validFor := time.Duration(days) * 24 * time.Hour
	out := cmd.OutOrStdout()

	if viper.GetBool("certgen.self_signed") {
		certPEM, keyPEM, err := tlsconfig.GenerateSelfSigned(hosts, validFor)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		name := viper.GetString("certgen.name")
		certPath := filepath.Join(dir, name+".crt")
		// #nosec G306 -- certificates are public, readable permissions are intentional
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}
		keyPath := filepath.Join(dir, name+".key")
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		fmt.Fprintf(out, "Certificate generated successfully:\n")
		fmt.Fprintf(out, "  Certificate: %s\n", certPath)
		fmt.Fprintf(out, "  Private Key: %s\n", keyPath)
		fmt.Fprintf(out, "\nUse with --tls-cert and --tls-key flags\n")
		return nil
	}

	files, err := tlsconfig.WriteBundle(dir, hosts, validFor)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Certificates generated successfully:\n")
	fmt.Fprintf(out, "  CA:          %s\n", files.CAFile)
	fmt.Fprintf(out, "  Server cert: %s\n", files.ServerCertFile)
	fmt.Fprintf(out, "  Server key:  %s\n", files.ServerKeyFile)
	fmt.Fprintf(out, "  Client cert: %s\n", files.ClientCertFile)
	fmt.Fprintf(out, "  Client key:  %s\n", files.ClientKeyFile)
	return nil
}
