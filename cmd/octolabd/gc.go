package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/octolabd/pkg/evidence"
	"github.com/cuemby/octolabd/pkg/log"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep expired labs, prune evidence, and reconcile orphaned resources",
	Long: `gc combines three sweeps per spec §6.3/§4.J: labs past their TTL are
moved to ENDING for the teardown worker to pick up, evidence past its
retention window is pruned (delegating to the same job as "retention"),
and, when --include-volumes is given, recently-terminal labs are checked
for leftover backend resources and destroyed again if any remain.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().Bool("dry-run", true, "Report only, make no changes")
	gcCmd.Flags().Bool("include-volumes", false, "Also sweep orphaned backend resources for recently-terminal labs")
	gcCmd.Flags().Int("limit", 100, "Maximum labs to consider per sweep")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	includeVolumes, _ := cmd.Flags().GetBool("include-volumes")
	limit, _ := cmd.Flags().GetInt("limit")

	now := time.Now()

	expired, err := d.labs.ListExpired(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("list expired labs: %w", err)
	}
	expiredCount := 0
	for _, lab := range expired {
		if dryRun {
			expiredAt := "unknown"
			if lab.ExpiresAt != nil {
				expiredAt = lab.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("  [expiry] %s would move to ENDING (expired %s)\n", lab.ID, expiredAt)
			continue
		}
		if err := d.labs.MarkEnding(ctx, lab.ID); err != nil {
			log.WithLabID(lab.ID.String()).Error().Err(err).Msg("gc: mark ending failed")
			continue
		}
		expiredCount++
	}
	fmt.Printf("Expiry sweep: %d/%d labs moved to ENDING\n", expiredCount, len(expired))

	retention := evidence.NewRetention(d.labs, d.sel)
	result, err := retention.Run(ctx, d.cfg.EvidenceRetentionDays, !dryRun, limit)
	if err != nil {
		return fmt.Errorf("evidence prune: %w", err)
	}
	fmt.Printf("Evidence prune: %d purged of %d candidates\n", len(result.Purged), len(result.Candidates))

	if includeVolumes {
		since := now.Add(-24 * time.Hour)
		terminal, err := d.labs.ListRecentlyTerminal(ctx, since, limit)
		if err != nil {
			return fmt.Errorf("list recently terminal labs: %w", err)
		}
		swept := 0
		for _, lab := range terminal {
			backend := d.sel.BackendFor(lab.Runtime)
			if backend == nil {
				continue
			}
			exists, err := backend.ResourcesExistForLab(ctx, lab)
			if err != nil {
				log.WithLabID(lab.ID.String()).Warn().Err(err).Msg("gc: orphan probe failed")
				continue
			}
			if !exists {
				continue
			}
			if dryRun {
				fmt.Printf("  [orphan] %s still has backend resources\n", lab.ID)
				continue
			}
			if _, err := backend.DestroyLab(ctx, lab); err != nil {
				log.WithLabID(lab.ID.String()).Error().Err(err).Msg("gc: orphan destroy failed")
				continue
			}
			swept++
		}
		fmt.Printf("Orphan sweep: %d/%d recently-terminal labs had resources reclaimed\n", swept, len(terminal))
	}

	return nil
}
