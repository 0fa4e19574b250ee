package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/octolabd/pkg/evidence"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run the evidence retention purge job",
	Long: `Finds labs whose evidence has outlived its retention window and,
unless --execute is given, only reports what it would purge.`,
	RunE: runRetention,
}

func init() {
	retentionCmd.Flags().Bool("execute", false, "Actually purge evidence (default is dry-run)")
	retentionCmd.Flags().Int("days", 0, "Retention window in days (0 uses the configured default)")
	retentionCmd.Flags().Int("limit", 100, "Maximum labs to consider in one run")
	rootCmd.AddCommand(retentionCmd)
}

func runRetention(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	execute, _ := cmd.Flags().GetBool("execute")
	days, _ := cmd.Flags().GetInt("days")
	limit, _ := cmd.Flags().GetInt("limit")
	if days == 0 {
		days = d.cfg.EvidenceRetentionDays
	}

	retention := evidence.NewRetention(d.labs, d.sel)
	result, err := retention.Run(ctx, days, execute, limit)
	if err != nil {
		return fmt.Errorf("retention run: %w", err)
	}

	if execute {
		fmt.Printf("Purged %d of %d candidate labs (retention: %d days)\n", len(result.Purged), len(result.Candidates), days)
	} else {
		fmt.Printf("DRY RUN: %d labs would be purged (retention: %d days). Re-run with --execute to apply.\n", len(result.Candidates), days)
	}
	for _, id := range result.Candidates {
		fmt.Printf("  - %s\n", id)
	}

	return nil
}
