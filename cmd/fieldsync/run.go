package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/fieldsync/internal/engine"
	"github.com/fieldops/fieldsync/internal/engine/status"
	"github.com/fieldops/fieldsync/internal/engine/stream"
	"github.com/fieldops/fieldsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine until interrupted",
	Long: `Run the sync engine in the foreground.

The engine loads the local task cache, reconciles it with the remote service,
and subscribes to the remote change stream. Local edits can be made through
the inbox directory (--inbox) and watched live on the status feed (--feed).

Inbox action files are JSON documents such as:
  {"action": "create", "fields": {"title": "Replace filter", "date": "2024-03-01"}}
  {"action": "move", "id": "...", "date": "2024-03-04"}
  {"action": "resubmit_failed"}

Example usage:
  fieldsync run
  fieldsync run --feed --feed-addr :7070 --inbox`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := engine.New(cfg)
		if err := e.Init(ctx); err != nil {
			return err
		}

		fmt.Printf("%s Syncing with %s\n", ui.RenderAccent("🔄"), cfg.Remote.URL)
		if e.Feed != nil {
			fmt.Printf("Status feed: ws://%s/ws\n", e.Feed.GetAddr())
		}
		if e.Inbox != nil {
			fmt.Printf("Inbox: %s\n", cfg.Inbox.Dir)
		}
		printSummary(e.Status.Summary())
		e.Status.OnChange(printSummary)
		fmt.Println("\nPress Ctrl+C to stop...")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return watchStream(gctx, e)
		})
		waitErr := g.Wait()

		fmt.Println("\nShutting down sync engine...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := e.Dispose(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("Warning:"), err)
		}
		fmt.Printf("%s Sync engine stopped\n", ui.RenderPass("✓"))

		if waitErr != nil && waitErr != context.Canceled {
			return waitErr
		}
		return nil
	},
}

// watchStream reports when the change stream gives up and, with
// --reconnect-every, starts a fresh subscription after a pause.
func watchStream(ctx context.Context, e *engine.Engine) error {
	for {
		sub := e.Stream()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
		}
		if sub.State() != stream.StateDisconnected {
			return nil
		}

		fmt.Printf("%s Change stream disconnected; local edits are still queued\n", ui.RenderWarn("⚠"))
		if reconnectEvery <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectEvery):
		}
		if err := e.Reconnect(); err != nil {
			return err
		}
		fmt.Printf("%s Reconnecting change stream\n", ui.RenderAccent("🔄"))
	}
}

func printSummary(s status.Summary) {
	line := fmt.Sprintf("%d tasks: %d synced", s.Total, s.Synced)
	if s.Syncing > 0 {
		line += ", " + ui.RenderAccent(fmt.Sprintf("%d syncing", s.Syncing))
	}
	if s.PendingDeletion > 0 {
		line += ", " + ui.RenderWarn(fmt.Sprintf("%d pending deletion", s.PendingDeletion))
	}
	if s.Error > 0 {
		line += ", " + ui.RenderFail(fmt.Sprintf("%d failed", s.Error))
	}
	fmt.Println(line)
}

var reconnectEvery time.Duration

func init() {
	runCmd.Flags().Bool("feed", false, "Serve the local status websocket feed")
	runCmd.Flags().String("feed-addr", "", "Status feed address (default :7070)")
	runCmd.Flags().Bool("inbox", false, "Apply action files dropped in the inbox directory")
	runCmd.Flags().String("inbox-dir", "", "Inbox directory")
	runCmd.Flags().String("conflict-policy", "", "Conflict log policy: always or divergent")
	runCmd.Flags().DurationVar(&reconnectEvery, "reconnect-every", time.Minute, "Retry a disconnected change stream after this long (0 to stay disconnected)")

	rootCmd.AddCommand(runCmd)
}
