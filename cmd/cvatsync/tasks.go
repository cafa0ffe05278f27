package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cvatsync/internal/app"
	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
	"cvatsync/internal/repo"
)

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Inspect and edit mirrored records"}
	tasks.AddCommand(tasksListCmd(), tasksShowCmd(), tasksSetCmd(), tasksClearOverrideCmd())
	return tasks
}

func tasksListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				page, err := rt.Engine.Repo.ListTasks(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Task", "Project", "Name", "Assignee", "Status", "Annotations", "Synced"})
				for _, t := range page.Items {
					status := string(t.Status)
					if t.ManualOverride {
						status += "*"
					}
					tw.AppendRow(table.Row{t.RemoteJobID, t.RemoteTaskID, t.ProjectName, t.TaskName, t.Assignee, status, t.TotalAnnotations, t.LastSyncedAt})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "", page.Total, fmt.Sprintf("page %d", page.Page)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Search, "search", "", "match task or project name")
	cmd.Flags().StringVar(&f.ProjectName, "project", "", "project name")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&f.Status, "status", "", "local status")
	cmd.Flags().Int64Var(&f.RemoteTaskID, "task-id", 0, "remote task id")
	cmd.Flags().StringVar(&f.Sort, "sort", "", "sort column: "+strings.Join(repo.SortColumns(), ", "))
	cmd.Flags().StringVar(&f.Order, "order", "", "asc or desc")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.PageSize, "page-size", 50, "rows per page")
	return cmd
}

// lookup accepts a record id or a numeric remote job id.
func lookup(rt *app.Runtime, cmd *cobra.Command, ref string) (domain.AnnotationTask, error) {
	if jobID, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return rt.Engine.Repo.GetTaskByJobID(cmd.Context(), jobID)
	}
	return rt.Engine.Repo.GetTask(cmd.Context(), ref)
}

func tasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id|job-id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				t, err := lookup(rt, cmd, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func tasksSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <record-id|job-id> <field> <value>",
		Short: "Edit one field; setting status pins it against sync",
		Long:  "Editable fields: " + strings.Join(engine.EditableFields(), ", ") + ". An empty value clears assignee and dates.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				t, err := lookup(rt, cmd, args[0])
				if err != nil {
					return err
				}
				t, err = rt.Engine.UpdateField(cmd.Context(), t.ID, args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func tasksClearOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-override <record-id|job-id>",
		Short: "Let sync control status again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				t, err := lookup(rt, cmd, args[0])
				if err != nil {
					return err
				}
				t, err = rt.Engine.ClearOverride(cmd.Context(), t.ID)
				if err != nil {
					return err
				}
				fmt.Printf("job %d status is now %s\n", t.RemoteJobID, t.Status)
				return nil
			})
		},
	}
}

func webhooksCmd() *cobra.Command {
	hooks := &cobra.Command{Use: "webhooks", Short: "Inbound delivery audit log"}
	var f repo.WebhookEventFilters
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Latest deliveries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListWebhookEvents(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Received", "Event", "Status", "HTTP", "Job", "Source", "Error"})
				for _, ev := range items {
					job := ""
					if ev.RemoteJobID != nil {
						job = strconv.FormatInt(*ev.RemoteJobID, 10)
					}
					tw.AppendRow(table.Row{ev.ReceivedAt, ev.EventType, ev.Status, ev.ResponseStatus, job, ev.SourceIP, ev.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	logCmd.Flags().IntVar(&f.Limit, "n", 20, "number of deliveries")
	logCmd.Flags().StringVar(&f.EventType, "event", "", "event type filter")
	logCmd.Flags().StringVar(&f.Status, "status", "", "pending, processing, success or error")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "One delivery with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				ev, err := rt.Engine.Repo.GetWebhookEvent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	hooks.AddCommand(logCmd, showCmd)
	return hooks
}
