package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/engine/conflictlog"
	"github.com/fieldops/fieldsync/internal/engine/resolver"
	"github.com/fieldops/fieldsync/internal/engine/retry"
	"github.com/fieldops/fieldsync/internal/engine/store"
	"github.com/fieldops/fieldsync/internal/loadtest"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/remote/server"
	"github.com/fieldops/fieldsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "admin",
	Short:   "Simulate many technicians editing tasks at once",
	Long: `Run a concurrent editing workload through a local store and check that
the store and the remote service agree afterwards.

By default the workload runs against a throwaway in-process task service.
Pass --against-remote to use the configured remote service instead; the
tasks it creates are left there.

Example usage:
  fieldsync loadtest
  fieldsync loadtest --technicians 50 --edits 40`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Technicians, _ = cmd.Flags().GetInt("technicians")
		opts.TasksPerTechnician, _ = cmd.Flags().GetInt("tasks")
		opts.EditsPerTechnician, _ = cmd.Flags().GetInt("edits")
		opts.DeleteRatio, _ = cmd.Flags().GetFloat64("delete-ratio")
		againstRemote, _ := cmd.Flags().GetBool("against-remote")

		remoteURL := cfg.Remote.URL
		if !againstRemote {
			dir, err := os.MkdirTemp("", "fieldsync-loadtest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			database, err := db.Open(filepath.Join(dir, "remote.db"))
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.InitSchema(); err != nil {
				return err
			}

			srv, err := server.New(database, &server.Config{Addr: "127.0.0.1:0", Logger: logging.New("server")})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()
			remoteURL = "http://" + srv.Addr()
		}

		client := remote.New(remoteURL)
		res := resolver.New(conflictlog.New(conflictlog.NewMemoryBackend(), logging.New("conflicts")), &resolver.Config{
			Logger: logging.New("resolver"),
		})
		s := store.New(client, res, &store.Config{
			Retry: retry.New(&retry.Config{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				Serialize:   true,
				Retryable:   func(err error) bool { return !remote.IsPermanent(err) },
				Logger:      logging.New("retry"),
			}),
			NotFound: remote.IsNotFound,
			Logger:   logging.New("store"),
		})
		defer s.Close()

		fmt.Printf("%s %d technicians x (%d tasks, %d edits) against %s\n",
			ui.RenderAccent("🔄"), opts.Technicians, opts.TasksPerTechnician, opts.EditsPerTechnician, remoteURL)

		report, err := loadtest.Run(cmd.Context(), s, client, opts)
		if err != nil {
			return err
		}

		fmt.Printf("\n%d ops in %v (%d created, %d updated, %d moved, %d deleted, %d rejected)\n",
			report.Ops(), report.Elapsed.Round(time.Millisecond), report.Created, report.Updated, report.Moved, report.Deleted, report.Rejected)
		report.Latency.WriteStats(os.Stdout)

		if report.Failed > 0 {
			fmt.Printf("%s %d task(s) failed to sync\n", ui.RenderWarn("⚠"), report.Failed)
		}
		if !report.Converged {
			for _, m := range report.Mismatches {
				fmt.Printf("  %s %s\n", ui.RenderFail("✗"), m)
			}
			return fmt.Errorf("store and remote diverged (%d mismatch(es))", len(report.Mismatches))
		}
		fmt.Printf("%s Store and remote converged\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("technicians", 10, "Concurrent simulated technicians")
	loadtestCmd.Flags().Int("tasks", 5, "Tasks created per technician")
	loadtestCmd.Flags().Int("edits", 20, "Edits per technician")
	loadtestCmd.Flags().Float64("delete-ratio", 0.05, "Fraction of edits that delete a task")
	loadtestCmd.Flags().Bool("against-remote", false, "Use the configured remote service")

	rootCmd.AddCommand(loadtestCmd)
}
