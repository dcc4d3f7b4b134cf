package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/client"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run a pass over labs stuck in ENDING",
	Long: `Trigger one watchdog pass on the server. Labs that have sat in
ENDING longer than the threshold are torn down again or marked FAILED,
operator's choice. Dry-run reports matches without acting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetString("threshold")
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		labID, _ := cmd.Flags().GetString("lab")

		c := client.New(serverURL, asUser).AsAdmin()
		report, err := c.RunWatchdog(context.Background(), client.WatchdogRequest{
			Threshold: threshold,
			Action:    action,
			Limit:     limit,
			DryRun:    dryRun,
			LabID:     labID,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !dryRun {
			for _, res := range report.Results {
				if !res.OK {
					return fmt.Errorf("watchdog action failed for lab %s: %s", res.LabID, res.Note)
				}
			}
		}
		return nil
	},
}

func init() {
	watchdogCmd.Flags().String("threshold", "30m", "minimum time in ENDING")
	watchdogCmd.Flags().String("action", "force-teardown", "force-teardown or fail")
	watchdogCmd.Flags().Int("limit", 0, "max labs per pass, oldest first (0 = all)")
	watchdogCmd.Flags().Bool("dry-run", false, "report matches without acting")
	watchdogCmd.Flags().String("lab", "", "target one lab id, bypassing filters")
}
