package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/migrate"
	"github.com/fieldops/fieldsync/internal/remote/server"
	"github.com/fieldops/fieldsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the reference remote task service",
	Long: `Run a remote task service backed by a local SQLite database.

The service exposes the task API that fieldsync clients sync against:

  GET    /tasks          list tasks
  POST   /tasks          insert a task
  PUT    /tasks/{id}     update a task
  DELETE /tasks/{id}     delete a task
  GET    /changes        websocket change stream
  GET    /health         health check

Example usage:
  fieldsync serve                          # listen on :8080
  fieldsync serve --addr :9000             # custom address
  fieldsync serve --seed tasks.jsonl       # import tasks before serving`,
	RunE: func(cmd *cobra.Command, args []string) error {
		seedPath, _ := cmd.Flags().GetString("seed")

		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		database, err := db.Open(cfg.Server.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if seedPath != "" {
			result, err := migrate.Seed(ctx, database, migrate.SeedOptions{FromJSONL: seedPath})
			if err != nil {
				return fmt.Errorf("seed import failed: %w", err)
			}
			fmt.Printf("%s Imported %d of %d tasks from %s (%d already present)\n",
				ui.RenderPass("✓"), result.TasksImported, result.TasksRead, seedPath, result.TasksSkipped)
			for _, e := range result.Errors {
				fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
			}
		}

		srv, err := server.New(database, &server.Config{
			Addr:   cfg.Server.Addr,
			Logger: logging.New("server"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("%s Task service listening on %s\n", ui.RenderAccent("🔄"), srv.Addr())
		fmt.Printf("Change stream: ws://%s/changes\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-gctx.Done()
			fmt.Println("\nShutting down task service...")
			return srv.Stop()
		})
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("%s Task service stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().String("server-db", "", "Service database path")
	serveCmd.Flags().String("seed", "", "Import tasks from a JSONL file before serving")

	rootCmd.AddCommand(serveCmd)
}
