package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent healing runs",
	Long: `Print the most recent runs from the run history, newest first.

Examples:
  mend history             # last 20 runs
  mend history --limit 0   # every retained run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd.Context(), repoRoot, cfg, historyLimit, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
}

func runHistory(ctx context.Context, root string, c config.Config, limit int, out io.Writer) error {
	history, err := storage.Open(c.History, root, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer history.Close()

	runs, err := history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet")
		return nil
	}
	total, err := history.Len(ctx)
	if err != nil {
		return err
	}
	if err := writeHistoryTable(out, runs); err != nil {
		return err
	}
	fmt.Fprintf(out, "Showing %d of %d retained runs\n", len(runs), total)
	return nil
}

func writeHistoryTable(w io.Writer, runs []types.RunRecord) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Time", "Run", "Trigger", "Outcome", "Health", "Healed", "Before", "After", "Delta", "Summary"})

	var data [][]string
	for _, r := range runs {
		data = append(data, []string{
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			shortRunID(r.ID),
			r.Trigger,
			string(r.Outcome),
			healthString(r.Health),
			fmt.Sprintf("%d", r.Healing.FilesHealed),
			fmt.Sprintf("%.3f", r.Coherence.Before),
			fmt.Sprintf("%.3f", r.Coherence.After),
			fmt.Sprintf("%+.3f", r.Coherence.Delta),
			r.Whisper,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func healthString(h types.RunHealth) string {
	switch h {
	case types.HealthHealthy:
		return color.GreenString(string(h))
	case types.HealthWarning, types.HealthRolledBack:
		return color.YellowString(string(h))
	default:
		return color.RedString(string(h))
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
