// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Gatekeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper - credential authentication service",
		Long: `Gatekeeper registers accounts, verifies credentials, issues bearer
tokens and runs the password reset flow over a JSON HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file path (YAML); defaults to $XDG_CONFIG_HOME/gatekeeper/config.yaml when present")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("gatekeeper %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}

// resolveConfigPath returns path, or the first config file found on the XDG
// search path when path is empty.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return xdg.FindConfigFile()
}
