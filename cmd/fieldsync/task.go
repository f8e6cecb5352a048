package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/engine"
	"github.com/fieldops/fieldsync/internal/engine/inbox"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create, edit and list tasks",
	Long: `Edit tasks through a short-lived sync engine.

Each command loads the local cache, applies the edit locally, then waits
(up to --wait) for the remote service to confirm it. Edits that cannot be
confirmed stay in the local cache and are retried by "task resubmit" or the
next "fieldsync run".

Task ids may be abbreviated to any unique prefix.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		title := strings.Join(args, " ")
		fields.Title = &title
		return runAction(cmd, inbox.Action{Action: inbox.VerbCreate, Fields: fields})
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			fields.Title = &title
		}
		if fields.IsEmpty() {
			return fmt.Errorf("nothing to update (pass at least one field flag)")
		}
		return runAction(cmd, inbox.Action{Action: inbox.VerbUpdate, ID: args[0], Fields: fields})
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id> <date>",
	Short: "Reschedule a task to another date",
	Long: `Reschedule a task. The date is YYYY-MM-DD or a phrase such as
"tomorrow", "next friday" or "in 3 days".`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDate(strings.Join(args[1:], " "), time.Now())
		if err != nil {
			return err
		}
		return runAction(cmd, inbox.Action{Action: inbox.VerbMove, ID: args[0], Date: date})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, inbox.Action{Action: inbox.VerbDelete, ID: args[0]})
	},
}

var taskResubmitCmd = &cobra.Command{
	Use:   "resubmit [id]",
	Short: "Retry edits that failed to sync",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runAction(cmd, inbox.Action{Action: inbox.VerbResubmitFailed})
		}
		return runAction(cmd, inbox.Action{Action: inbox.VerbResubmit, ID: args[0]})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with their sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		if date != "" {
			parsed, err := parseDate(date, time.Now())
			if err != nil {
				return err
			}
			date = parsed
		}

		return withEngine(cmd.Context(), 0, func(e *engine.Engine) error {
			tasks := e.Store.List()
			if date != "" {
				filtered := tasks[:0]
				for _, t := range tasks {
					if t.Date == date {
						filtered = append(filtered, t)
					}
				}
				tasks = filtered
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks")
				return nil
			}
			renderTasks(os.Stdout, tasks)
			return nil
		})
	},
}

// runAction applies a through a one-shot engine and reports the outcome.
func runAction(cmd *cobra.Command, a inbox.Action) error {
	wait, _ := cmd.Flags().GetDuration("wait")

	return withEngine(cmd.Context(), wait, func(e *engine.Engine) error {
		if a.ID != "" {
			id, err := resolveID(e.Store.List(), a.ID)
			if err != nil {
				return err
			}
			a.ID = id
		}

		res := a.Apply(e.Store)
		if !res.OK {
			return errors.New(res.Error)
		}

		waitCtx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = e.Store.Wait(waitCtx)

		switch {
		case a.Action == inbox.VerbResubmitFailed:
			fmt.Printf("%s Resubmitted %d task(s)\n", ui.RenderAccent("🔄"), res.Count)
		case res.Task != nil:
			reportTask(e, res.Task.ID, string(a.Action))
		default:
			reportTask(e, a.ID, string(a.Action))
		}
		if n := e.Status.Pending(); n > 0 {
			fmt.Printf("%s %d edit(s) still syncing; they stay queued in the local cache\n", ui.RenderWarn("⚠"), n)
		}
		return nil
	})
}

func reportTask(e *engine.Engine, id, verb string) {
	t, err := e.Store.Get(id)
	if err != nil {
		// Confirmed deletes leave nothing behind.
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, id)
		return
	}
	switch t.SyncStatus {
	case schema.SyncSynced:
		fmt.Printf("%s %s %s %q (%s)\n", ui.RenderPass("✓"), verb, t.ID, t.Title, t.Date)
	case schema.SyncError:
		msg := "sync failed"
		if lastErr := e.Store.LastError(id); lastErr != nil {
			msg = lastErr.Error()
		}
		fmt.Printf("%s %s %s saved locally: %s\n", ui.RenderFail("✗"), verb, t.ID, msg)
	default:
		fmt.Printf("%s %s %s is %s\n", ui.RenderWarn("⚠"), verb, t.ID, ui.RenderStatus(string(t.SyncStatus)))
	}
}

// withEngine runs fn against an engine without the feed or inbox, and
// gives in-flight mutations up to wait to finish before shutting down.
func withEngine(ctx context.Context, wait time.Duration, fn func(e *engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	local := *cfg
	local.Feed.Enabled = false
	local.Inbox.Enabled = false

	e := engine.New(&local)
	if err := e.Init(ctx); err != nil {
		return err
	}

	fnErr := fn(e)

	disposeCtx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
	defer cancel()
	if err := e.Dispose(disposeCtx); err != nil && fnErr == nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("Warning:"), err)
	}
	return fnErr
}

// resolveID expands a unique id prefix.
func resolveID(tasks []schema.Task, prefix string) (string, error) {
	var matches []string
	for _, t := range tasks {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d tasks match)", prefix, len(matches))
	}
}

func renderTasks(w io.Writer, tasks []schema.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Date", "Time", "Title", "Technician", "Status", "Sync"})
	for _, t := range tasks {
		slot := t.StartTime
		if t.EndTime != "" {
			slot += "-" + t.EndTime
		}
		tw.AppendRow(table.Row{
			shortID(t.ID), t.Date, slot, t.Title, t.TechnicianID, string(t.Status),
			ui.RenderStatus(string(t.SyncStatus)),
		})
	}
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// patchFromFlags collects the field flags the user actually set.
func patchFromFlags(cmd *cobra.Command) (schema.Patch, error) {
	var p schema.Patch
	flags := cmd.Flags()

	str := func(name string, dst **string) {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = &v
		}
	}
	str("description", &p.Description)
	str("start", &p.StartTime)
	str("end", &p.EndTime)
	str("technician", &p.TechnicianID)
	str("client", &p.ClientID)
	str("equipment", &p.EquipmentID)

	if flags.Changed("date") {
		v, _ := flags.GetString("date")
		date, err := parseDate(v, time.Now())
		if err != nil {
			return p, err
		}
		p.Date = &date
	}
	if flags.Changed("status") {
		v, _ := flags.GetString("status")
		s := schema.Status(v)
		if !s.Valid() {
			return p, fmt.Errorf("unknown status %q (want pending, in_progress or completed)", v)
		}
		p.Status = &s
	}
	if flags.Changed("priority") {
		v, _ := flags.GetString("priority")
		pr := schema.Priority(v)
		if !pr.Valid() {
			return p, fmt.Errorf("unknown priority %q (want low, medium or high)", v)
		}
		p.Priority = &pr
	}
	return p, nil
}

func addFieldFlags(cmd *cobra.Command) {
	cmd.Flags().String("description", "", "Task description")
	cmd.Flags().String("date", "", "Scheduled date (YYYY-MM-DD or a phrase like \"tomorrow\")")
	cmd.Flags().String("start", "", "Start time (HH:MM)")
	cmd.Flags().String("end", "", "End time (HH:MM)")
	cmd.Flags().String("technician", "", "Assigned technician id")
	cmd.Flags().String("client", "", "Client id")
	cmd.Flags().String("equipment", "", "Equipment id")
	cmd.Flags().String("status", "", "Status: pending, in_progress or completed")
	cmd.Flags().String("priority", "", "Priority: low, medium or high")
}

func init() {
	addFieldFlags(taskCreateCmd)
	addFieldFlags(taskUpdateCmd)
	taskUpdateCmd.Flags().String("title", "", "Task title")
	taskListCmd.Flags().String("date", "", "Only tasks scheduled on this date")

	for _, c := range []*cobra.Command{taskCreateCmd, taskUpdateCmd, taskMoveCmd, taskDeleteCmd, taskResubmitCmd} {
		c.Flags().Duration("wait", 15*time.Second, "How long to wait for the remote service to confirm")
		taskCmd.AddCommand(c)
	}
	taskCmd.AddCommand(taskListCmd)

	rootCmd.AddCommand(taskCmd)
}
