package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/engine/conflictlog"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "admin",
	Short:   "Inspect the conflict log",
	Long: `Inspect the log of merge decisions made when a remote change arrived
for a task that also existed locally. Each record keeps the local, remote and
resolved versions and which side won.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		divergentOnly, _ := cmd.Flags().GetBool("divergent")

		records, err := loadConflicts(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		if divergentOnly {
			filtered := records[:0]
			for _, rec := range records {
				if rec.Divergent {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		if len(records) == 0 {
			fmt.Println("No conflicts recorded")
			return nil
		}
		renderConflicts(os.Stdout, records)
		return nil
	},
}

var conflictsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export conflict records as YAML or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		records, err := loadConflicts(cmd.Context(), taskID)
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		if err := exportConflicts(w, records, format); err != nil {
			return err
		}
		if output != "" {
			fmt.Printf("%s Exported %d conflict record(s) to %s\n", ui.RenderPass("✓"), len(records), output)
		}
		return nil
	},
}

func loadConflicts(ctx context.Context, taskID string) ([]schema.ConflictRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("local database not found at %s", cfg.Database.Path)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	defer database.Close()
	if err := database.InitSchemaContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize local database: %w", err)
	}

	clog := conflictlog.New(database, logging.New("conflicts"))
	if taskID != "" {
		return clog.ForTask(ctx, taskID)
	}
	return clog.All(ctx)
}

func exportConflicts(w io.Writer, records []schema.ConflictRecord, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	default:
		return fmt.Errorf("unknown export format %q (want yaml or json)", format)
	}
}

func renderConflicts(w io.Writer, records []schema.ConflictRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Detected", "Task", "Winner", "Divergent", "Resolved title", "Resolved date"})
	for _, rec := range records {
		divergent := ui.RenderMuted("no")
		if rec.Divergent {
			divergent = ui.RenderWarn("yes")
		}
		tw.AppendRow(table.Row{
			rec.DetectedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(rec.TaskID),
			string(rec.Winner),
			divergent,
			rec.Resolved.Title,
			rec.Resolved.Date,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Total", len(records)})
	tw.Render()
}

func init() {
	for _, c := range []*cobra.Command{conflictsListCmd, conflictsExportCmd} {
		c.Flags().String("task", "", "Only records for this task id")
		conflictsCmd.AddCommand(c)
	}
	conflictsListCmd.Flags().Bool("divergent", false, "Only merges where the versions differed")
	conflictsExportCmd.Flags().StringP("format", "f", "yaml", "Export format: yaml or json")
	conflictsExportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	rootCmd.AddCommand(conflictsCmd)
}
