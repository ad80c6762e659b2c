package main

import (
	"github.com/spf13/cobra"

	"github.com/mchalk/rudder-core/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "rudder",
	Short: "Local orchestrator for claude CLI sessions",
	Long: `Rudder runs and supervises claude CLI subprocesses, decodes their
stream-json output, and exposes the sessions to UI clients over a local
HTTP and WebSocket API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: XDG config dir)")
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFrom(cfgPath)
	}
	return config.Load()
}
