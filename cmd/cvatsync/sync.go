package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cvatsync/internal/app"
	"cvatsync/internal/cvat"
	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	headStyle = lipgloss.NewStyle().Bold(true)
)

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case engine.OutcomeCreated, engine.OutcomeUpdated:
		return okStyle
	case engine.OutcomeSkipped:
		return skipStyle
	default:
		return errStyle
	}
}

func syncCmd() *cobra.Command {
	var f cvat.JobFilters
	var force, quiet bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull jobs from CVAT and reconcile local records",
		Long: `sync lists remote jobs (optionally filtered) and mirrors each one. Jobs that
already have a record are skipped unless --force is set. A failing job is
reported and counted; the run carries on with the next one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(true, func(rt *app.Runtime) error {
				opts := engine.SyncOptions{Filters: f, Force: force}
				if !quiet && !viper.GetBool("json") {
					opts.Progress = printProgress
				}
				stats, err := rt.Engine.Sync(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Println(headStyle.Render("Sync complete"))
				fmt.Printf("  total %d  %s  %s  %s  %s\n", stats.Total,
					okStyle.Render(fmt.Sprintf("created %d", stats.Created)),
					okStyle.Render(fmt.Sprintf("updated %d", stats.Updated)),
					skipStyle.Render(fmt.Sprintf("skipped %d", stats.Skipped)),
					errStyle.Render(fmt.Sprintf("errors %d", stats.Errors)))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project-id", 0, "only jobs of this project")
	cmd.Flags().Int64Var(&f.TaskID, "task-id", 0, "only jobs of this task")
	cmd.Flags().Int64Var(&f.JobID, "job-id", 0, "only this job")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "only jobs assigned to this user")
	cmd.Flags().StringVar(&f.Status, "status", "", "only jobs with this remote status")
	cmd.Flags().BoolVar(&force, "force", false, "reconcile jobs that already have a record")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	return cmd
}

func printProgress(p engine.JobProgress) {
	line := fmt.Sprintf("[%d/%d] job %d", p.Index, p.Total, p.JobID)
	if p.TaskName != "" {
		line += " (" + p.TaskName + ")"
	}
	label := outcomeStyle(p.Outcome).Render(p.Outcome)
	if p.Err != nil {
		fmt.Printf("%s %s: %v\n", line, label, p.Err)
		return
	}
	fmt.Printf("%s %s\n", line, label)
}

func dateFlags(cmd *cobra.Command, f *engine.DateFilter) {
	cmd.Flags().StringVar(&f.Quick, "quick", "", "7d, 30d, this_month or last_month")
	cmd.Flags().StringVar(&f.Start, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.End, "end", "", "last day, YYYY-MM-DD")
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Annotation reports"}

	var af engine.DateFilter
	annotations := &cobra.Command{
		Use:   "annotations",
		Short: "Annotation totals by status, project and assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				r, err := rt.Engine.Report(cmd.Context(), af)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Annotations")
				tw.AppendHeader(table.Row{"Records", "Manual", "Interpolated", "Total", "Average"})
				tw.AppendRow(table.Row{r.Totals.Records, r.Totals.Manual, r.Totals.Interpolated, r.Totals.Total, fmt.Sprintf("%.1f", r.Totals.Average)})
				tw.Render()
				renderGroups("By status", r.ByStatus)
				renderGroups("By project (top 10)", r.ByProject)
				renderGroups("By assignee", r.ByAssignee)
				return nil
			})
		},
	}
	dateFlags(annotations, &af)

	var df engine.DateFilter
	dashboard := &cobra.Command{
		Use:   "dashboard",
		Short: "Completion metrics and assignee rankings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				d, err := rt.Engine.Dashboard(cmd.Context(), df)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("Dashboard %s..%s", d.Start, d.End))
				tw.AppendHeader(table.Row{"Tasks", "Completed", "Rate %", "Annotations", "Avg days"})
				tw.AppendRow(table.Row{d.TotalTasks, d.CompletedTasks, d.CompletionRate, d.TotalAnnotations, d.AvgCompletionDays})
				tw.Render()
				renderGroups("By status", d.ByStatus)
				renderRankings("Most completed", d.TopByCompleted)
				renderRankings("Most annotations", d.TopByAnnotations)
				renderRankings("Annotations per task", d.TopByProductivity)
				return nil
			})
		},
	}
	dateFlags(dashboard, &df)

	rep.AddCommand(annotations, dashboard)
	return rep
}

func renderGroups(title string, rows []domain.GroupTotal) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"Key", "Records", "Annotations"})
	for _, g := range rows {
		tw.AppendRow(table.Row{g.Key, g.Records, g.Total})
	}
	tw.Render()
}

func renderRankings(title string, rows []domain.Ranking) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"#", "Assignee", "Completed", "Records", "Annotations", "Per task"})
	for i, r := range rows {
		tw.AppendRow(table.Row{i + 1, r.Assignee, r.Completed, r.Records, r.Annotations, r.Productivity})
	}
	tw.Render()
}
