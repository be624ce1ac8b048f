// Package cmd provides the CLI commands for SyncGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Syncgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sync-gate",
	Short: "SyncGate - permission-aware replication gateway",
	Long: `SyncGate sits between offline-first sync clients and a CouchDB-compatible
database. It authenticates every request and filters document reads, writes
and change feeds through ordered, role-based permission rules stored in the
database itself.

Quick start:
  1. Create a config file: sync-gate.yaml
  2. Publish rules: sync-gate rules push rules.yaml
  3. Run: sync-gate start

Configuration:
  Config is loaded from sync-gate.yaml in the current directory,
  $HOME/.sync-gate/, or /etc/sync-gate/.

  Environment variables can override config values with the SYNC_GATE_ prefix.
  Example: SYNC_GATE_BACKEND_URL=http://db:5984

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  rules       Check or publish the rule document
  token       Mint a bearer token
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sync-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
