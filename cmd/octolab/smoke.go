package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/runtime/microvm"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Boot a throwaway microVM to validate the host",
	Long: `Boot one disposable VM without networking to verify the hypervisor
binary, kernel, and rootfs work on this host. The structured result is
written to stdout as JSON; on failure the state directory is kept for
inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		keep, _ := cmd.Flags().GetBool("keep")

		settings, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		log.Init(log.Config{
			Level:      log.ParseLevel(settings.LogLevel),
			JSONOutput: settings.LogJSON,
		})

		res := microvm.NewSmokeRunner(settings).Run(context.Background(), microvm.SmokeOptions{
			Timeout:       timeout,
			KeepOnSuccess: keep,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("smoke boot failed")
		}
		return nil
	},
}

func init() {
	smokeCmd.Flags().Duration("timeout", 60*time.Second, "total budget for the boot")
	smokeCmd.Flags().Bool("keep", false, "preserve the state dir on success")
}
