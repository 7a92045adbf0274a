// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of tpm-attestd.
//
// tpm-attestd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the tpm-attestd command line interface
package cli

import (
	"os"

	"github.com/jeremyhahn/tpm-attestd/internal/config"
	"github.com/jeremyhahn/tpm-attestd/internal/server"
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command; running it starts the daemon
var rootCmd = &cobra.Command{
	Use:   "tpm-attestd",
	Short: "TPM 2.0 remote attestation daemon",
	Long: `tpm-attestd exposes TPM 2.0 remote attestation primitives over a
local Unix domain socket: Endorsement Key export, Attestation Key
creation and MakeCredential/ActivateCredential challenge response.

Clients speak newline-delimited JSON over the socket. The daemon owns
the only connection to the TPM and serializes all hardware access.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is built-in defaults; env ATTESTD_CONFIG)")

	rootCmd.AddCommand(versionCmd)
}

func runDaemon() error {
	if configFile == "" {
		configFile = os.Getenv("ATTESTD_CONFIG")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx := server.SetupSignalHandler()
	return srv.Run(ctx)
}
