package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mchalk/rudder-core/exec"
	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/process"
)

var cleanLogs bool

func init() {
	cleanCmd.Flags().BoolVar(&cleanLogs, "logs", false, "also delete rudder log files")
	rootCmd.AddCommand(cleanCmd)
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Kill orphaned claude processes",
	Long: `Clean finds claude CLI processes that no rudder daemon is tracking
and kills them. With --logs it also deletes accumulated log files.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		killed, err := process.Sweep(ctx, exec.GetDefaultExecutor(), nil, nil)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("killed %d orphaned process(es)\n", killed)

		if cleanLogs {
			removed, err := logger.ClearLogs()
			if err != nil {
				return fmt.Errorf("failed to clear logs: %w", err)
			}
			fmt.Printf("removed %d log file(s)\n", removed)
		}
		return nil
	},
}
