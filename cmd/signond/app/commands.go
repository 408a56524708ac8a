// Package app provides the entry point for the signond daemon CLI.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/signond/pkg/logger"
)

// NewRootCmd creates the root command for the signond CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:               "signond",
		DisableAutoGenTag: true,
		Short:             "signond is a user-session credentials and authentication daemon",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Log.Errorf("error displaying help: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ${XDG_CONFIG_HOME}/signond/config.yaml)")
	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.SilenceUsage = true

	return rootCmd
}
