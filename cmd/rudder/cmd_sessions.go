package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mchalk/rudder-core/claude"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.GetListenAddr() + "/sessions")
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.GetListenAddr(), err)
		}
		defer resp.Body.Close()

		var sessions []claude.SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return fmt.Errorf("failed to decode session list: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMODEL\tRUNNING\tPID\tTOKENS IN\tTOKENS OUT\tCOST\tSTARTED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t$%.4f\t%s\n",
				s.SessionID,
				s.Model,
				s.Running,
				s.PID,
				s.Totals.InputTokens,
				s.Totals.OutputTokens,
				s.CostUSD,
				s.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
