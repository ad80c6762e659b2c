package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mchalk/rudder-core/cli"
	"github.com/mchalk/rudder-core/exec"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that rudder's prerequisites are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		executor := exec.GetDefaultExecutor()
		results := cli.CheckAll(executor, cli.DefaultPrerequisites())
		fmt.Print(cli.FormatCheckResults(results))

		locator := &cli.Locator{Override: cfg.GetBinaryPath(), Executor: executor}
		path, err := locator.Locate()
		if err != nil {
			return err
		}
		fmt.Printf("\nclaude binary: %s\n", path)

		if version, err := cli.Version(executor, path); err == nil {
			fmt.Printf("claude version: %s\n", version)
		}
		return nil
	},
}
