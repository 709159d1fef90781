// Package cmd implements the CLI commands for prismcast.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kineticman/prismcast/internal/version"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "prismcast",
	Short:   "Browser-capture to HDHomeRun-style HLS tuner",
	Version: version.Short(),
	Long: `prismcast captures live video from browser-rendered streaming sites and
republishes each capture as an HLS fMP4 channel for home DVR applications
that expect HDHomeRun-style network tuners.

Channels are defined in a database (optionally seeded from a YAML lineup
file); a DVR discovers the emulated tuner via discover.json and tunes
channels through their HLS playlists.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., ./configs, /etc/prismcast, $HOME/.prismcast)")
}
