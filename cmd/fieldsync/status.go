package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/engine/conflictlog"
	"github.com/fieldops/fieldsync/internal/engine/status"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show remote reachability and local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		client := remote.New(cfg.Remote.URL)
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Health(healthCtx); err != nil {
			fmt.Printf("%s Remote %s unreachable: %v\n", ui.RenderFail("✗"), cfg.Remote.URL, err)
		} else {
			fmt.Printf("%s Remote %s is up\n", ui.RenderPass("✓"), cfg.Remote.URL)
		}

		if _, err := os.Stat(cfg.Database.Path); err != nil {
			fmt.Printf("%s No local database at %s yet\n", ui.RenderMuted("-"), cfg.Database.Path)
			return nil
		}
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open local database: %w", err)
		}
		defer database.Close()
		if err := database.InitSchemaContext(ctx); err != nil {
			return fmt.Errorf("failed to initialize local database: %w", err)
		}

		cached, err := database.CachedTasks(ctx)
		if err != nil {
			return err
		}
		tasks := make([]schema.Task, len(cached))
		for i, t := range cached {
			tasks[i] = *t
		}
		printSummary(status.Summarize(tasks))

		conflicts, err := database.Count(ctx, conflictlog.DefaultBucket)
		if err != nil {
			return err
		}
		fmt.Printf("%d conflict record(s) in %s\n", conflicts, cfg.Database.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
