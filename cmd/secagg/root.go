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
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// Version information - set via ldflags at build time
var (
	// Version is the semantic version (from VERSION file)
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

var (
	cfgFile   string
	verbose   bool
	logFormat string
)

// Global flags
var (
	protocol string
	codec    string
	tlsCert  string
	tlsKey   string
	tlsCA    string
)

// newRootCmd builds the command tree. Flags are bound to viper keys so a
// config file or SECAGG_ environment variables can supply them.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "secagg",
		Short: "Secure aggregation coordinator and participant",
		Long: `secagg runs the Bonawitz et al. secure aggregation protocol.

A coordinator learns the sum of the participants' private vectors and
nothing else, even when some participants drop out mid-protocol. It
supports HTTP and QUIC transports and JSON, MessagePack and CBOR
serialization with TLS 1.3 security.

Use 'secagg keygen' to create a participant's signing key and register it.
Use 'secagg coordinator' to run an aggregation session.
Use 'secagg participant' to contribute a vector to a session.
Use 'secagg simulate' to run a whole session in-process with dropouts.
Use 'secagg certgen' to generate TLS certificates and keys.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
			} else {
				viper.AddConfigPath("$HOME/.secagg")
				viper.AddConfigPath(".")
				viper.SetConfigName("config")
				viper.SetConfigType("yaml")
			}

			if err := viper.ReadInConfig(); err == nil && viper.GetBool("verbose") {
				fmt.Fprintf(cmd.ErrOrStderr(), "Using config file: %s\n", viper.ConfigFileUsed())
			}

			viper.SetEnvPrefix("SECAGG")
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
			viper.AutomaticEnv()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.secagg/config.yaml)")
	flags.StringVar(&protocol, "protocol", "http", "transport protocol (http, quic, grpc, unix)")
	flags.StringVar(&codec, "codec", "json", "serialization format (json, msgpack, cbor)")
	flags.StringVar(&tlsCert, "tls-cert", "", "TLS certificate file path")
	flags.StringVar(&tlsKey, "tls-key", "", "TLS private key file path")
	flags.StringVar(&tlsCA, "tls-ca", "", "CA certificate for mTLS (optional)")
	flags.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	bindFlags(rootCmd, map[string]string{
		"protocol":   "protocol",
		"codec":      "codec",
		"tls-cert":   "tls.cert",
		"tls-key":    "tls.key",
		"tls-ca":     "tls.ca",
		"log-format": "log.format",
		"verbose":    "verbose",
	})

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newCoordinatorCmd())
	rootCmd.AddCommand(newParticipantCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newCertgenCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the version number and build information of secagg.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secagg version %s\n", Version)
			fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// bindFlags binds flag names to viper keys. Persistent flags are looked up
// on the command that declares them.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", name, err))
		}
	}
}

// newLogger builds the zap-backed transport logger for one component.
func newLogger(component string) (*transport.ZapLogger, error) {
	level := "info"
	if viper.GetBool("verbose") {
		level = "debug"
	}
	l, err := transport.NewLogger(level, viper.GetString("log.format"))
	if err != nil {
		return nil, err
	}
	return transport.NewZapLogger(l).With(zap.String("component", component)), nil
}
