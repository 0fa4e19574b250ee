package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/octolabd/pkg/config"
	"github.com/cuemby/octolabd/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(db.DB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	fmt.Println("✓ Migrations applied")
	return nil
}
