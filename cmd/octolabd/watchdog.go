package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/octolabd/pkg/watchdog"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Reconcile labs stuck in ENDING past the configured threshold",
	RunE:  runWatchdog,
}

func init() {
	watchdogCmd.Flags().Bool("execute", false, "Actually act on stuck labs (default is dry-run)")
	watchdogCmd.Flags().String("action", string(watchdog.ActionForce), "force (drive through teardown) or fail (mark FAILED directly)")
	watchdogCmd.Flags().Int("older-than-minutes", 0, "Threshold in minutes (0 uses the configured default)")
	watchdogCmd.Flags().Int("max-labs", 0, "Maximum labs to claim in one run (0 uses the configured default)")
	rootCmd.AddCommand(watchdogCmd)
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	execute, _ := cmd.Flags().GetBool("execute")
	action, _ := cmd.Flags().GetString("action")
	olderThan, _ := cmd.Flags().GetInt("older-than-minutes")
	maxLabs, _ := cmd.Flags().GetInt("max-labs")
	if olderThan == 0 {
		olderThan = d.cfg.WatchdogOlderThanMinutes
	}
	if maxLabs == 0 {
		maxLabs = d.cfg.WatchdogMaxLabs
	}

	w := watchdog.New(d.labs, d.ports, d.sel)
	touched, err := w.Run(ctx, watchdog.Config{
		OlderThanMinutes: olderThan,
		MaxLabs:          maxLabs,
		Action:           watchdog.Action(action),
		DryRun:           !execute,
	})
	if err != nil {
		return fmt.Errorf("watchdog run: %w", err)
	}

	mode := "DRY RUN"
	if execute {
		mode = "EXECUTED"
	}
	fmt.Printf("%s: %d labs touched (threshold: %d minutes, action: %s)\n", mode, len(touched), olderThan, action)
	for _, t := range touched {
		fmt.Printf("  - %s (%s) -> %s\n", t.LabID, t.RedactedOwnerID, t.ResultingStatus)
	}

	return nil
}
