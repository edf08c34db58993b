package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded run traces",
		Long: "Inspect run traces. Runs are only visible across processes with the sqlite trace " +
			"backend (trace.backend: sqlite).",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a))
	return cmd
}

func (a *app) openTraces() (trace.Store, error) {
	store, err := trace.Open(trace.Config{
		Backend:    a.settings.Trace.Backend,
		Path:       a.settings.Trace.Path,
		TTL:        a.settings.Trace.TTL,
		MaxEntries: a.settings.Trace.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	return store, nil
}

func newRunsListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openTraces()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRecent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			printRunList(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func printRunList(out io.Writer, runs []trace.RunTrace) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return
	}
	fmt.Fprintf(out, "%-36s  %-8s  %-12s  %-10s  %-19s  %s\n",
		"Run", "Status", "Teacher", "Subject", "Updated", "Score")
	fmt.Fprintln(out, strings.Repeat("─", 100))
	for _, r := range runs {
		score := "-"
		if v := gjson.GetBytes(r.Summary, "score"); v.Exists() {
			score = fmt.Sprintf("%.1f", v.Float())
		}
		fmt.Fprintf(out, "%-36s  %s  %-12s  %-10s  %-19s  %s\n",
			r.RunID,
			statusColor(r.Status),
			r.TeacherID,
			r.Subject,
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			score,
		)
	}
}

func statusColor(status string) string {
	switch status {
	case trace.StatusDone:
		return color.GreenString("%-8s", status)
	case trace.StatusFailed:
		return color.RedString("%-8s", status)
	default:
		return color.YellowString("%-8s", status)
	}
}

func newRunsShowCmd(a *app) *cobra.Command {
	var (
		field string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one run with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openTraces()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return showRun(cmd.OutOrStdout(), run, field, raw)
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "Print one field by gjson path (e.g. summary.score, nodes.#.node)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Pretty-print the whole trace structure")
	return cmd
}

func showRun(out io.Writer, run *trace.RunTrace, field string, raw bool) error {
	if raw {
		printer := pp.New()
		printer.SetOutput(out)
		printer.SetColoringEnabled(!color.NoColor)
		_, err := printer.Println(run)
		return err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if field != "" {
		v := gjson.GetBytes(data, field)
		if !v.Exists() {
			return fmt.Errorf("field %q not found", field)
		}
		fmt.Fprintln(out, v.String())
		return nil
	}

	fmt.Fprintf(out, "%s %s  %s\n", color.CyanString("Run"), run.RunID, statusColor(run.Status))
	if run.TeacherID != "" || run.Subject != "" {
		fmt.Fprintf(out, "Teacher %s, subject %s\n", run.TeacherID, run.Subject)
	}
	summary := gjson.ParseBytes(run.Summary)
	if v := summary.Get("score"); v.Exists() {
		fmt.Fprintf(out, "Score %.1f after %d refinement(s)\n", v.Float(), summary.Get("refine_iter").Int())
	}
	if v := summary.Get("error"); v.Exists() {
		fmt.Fprintf(out, "%s %s\n", color.RedString("Error"), v.String())
	}
	fmt.Fprintln(out)
	for _, n := range run.Nodes {
		mark := color.GreenString("✓")
		if n.Status == trace.NodeFailed {
			mark = color.RedString("✗")
		}
		line := fmt.Sprintf("%3d %s %-12s %8.1fms  iter %d", n.Seq, mark, n.Node, n.DurationMs, n.RefineIter)
		switch {
		case n.Error != "":
			line += "  " + n.Error
		case n.Rationale != "":
			line += "  " + n.Rationale
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
