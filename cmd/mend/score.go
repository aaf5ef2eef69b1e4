package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

var (
	scoreBelowOnly bool
	scoreNoTests   bool
)

var scoreCmd = &cobra.Command{
	Use:   "score [paths...]",
	Short: "Show the coherence breakdown of every source file",
	Long: `Score the repository without changing anything and print the per-file
breakdown. Paths limit the table to files under them; the aggregate always
covers the whole repository.

Examples:
  mend score                 # every file, worst first
  mend score src/ lib/util.py
  mend score --below         # only files that would be healed
  mend score --no-tests      # skip running tests in the sandbox`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScore(cmd.Context(), repoRoot, cfg, args, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().BoolVar(&scoreBelowOnly, "below", false, "Only show files below the coherence threshold")
	scoreCmd.Flags().BoolVar(&scoreNoTests, "no-tests", false, "Gather test evidence without executing tests")
}

func runScore(ctx context.Context, root string, c config.Config, paths []string, out io.Writer) error {
	logger := observability.GetLogger()

	history, err := storage.Open(c.History, root, logger)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer history.Close()
	stats, err := storage.LoadStatsIndex(ctx, history)
	if err != nil {
		return fmt.Errorf("loading healing statistics: %w", err)
	}

	var runner *sandbox.Runner
	if !scoreNoTests {
		if runner, err = newSandboxRunner(c, logger); err != nil {
			return fmt.Errorf("creating sandbox: %w", err)
		}
	}
	scanner, err := newScanner(c, root, runner, stats, logger)
	if err != nil {
		return fmt.Errorf("creating scanner: %w", err)
	}
	snap, err := scanner.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("scoring repository: %w", err)
	}

	files := filterFiles(snap.Files, paths, c.Thresholds.Min, scoreBelowOnly)
	if err := writeScoreTable(out, files, c.Thresholds.Min); err != nil {
		return err
	}

	agg := fmt.Sprintf("%.3f", snap.Aggregate.AvgCoherence)
	if snap.Aggregate.AvgCoherence < c.Thresholds.Min {
		agg = color.RedString(agg)
	} else {
		agg = color.GreenString(agg)
	}
	fmt.Fprintf(out, "Aggregate coherence %s over %d files, %d below threshold %.2f\n",
		agg, snap.Aggregate.TotalFiles, len(snap.BelowThreshold), c.Thresholds.Min)
	return nil
}

// filterFiles keeps the files under any of paths (all files when paths is
// empty), worst first
func filterFiles(files []types.FileScore, paths []string, threshold float64, belowOnly bool) []types.FileScore {
	prefixes := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.ToSlash(filepath.Clean(p))
		if p == "." {
			prefixes = nil
			break
		}
		prefixes = append(prefixes, strings.TrimSuffix(p, "/"))
	}

	var out []types.FileScore
	for _, f := range files {
		if belowOnly && f.Score.Total >= threshold {
			continue
		}
		if len(prefixes) > 0 && !underAny(f.Path, prefixes) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total < out[j].Score.Total
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func writeScoreTable(w io.Writer, files []types.FileScore, threshold float64) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Path", "Lang", "Score", "Syntax", "Complete", "Consist", "Tests", "History", "AST"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	var data [][]string
	for _, f := range files {
		b := f.Score.Breakdown
		score := fmt.Sprintf("%.3f", f.Score.Total)
		if f.Score.Total < threshold {
			score = color.RedString(score)
		}
		data = append(data, []string{
			f.Path,
			string(f.Language),
			score,
			fmt.Sprintf("%.2f", b.SyntaxValidity),
			fmt.Sprintf("%.2f", b.Completeness),
			fmt.Sprintf("%.2f", b.Consistency),
			fmt.Sprintf("%.2f", b.TestProof),
			fmt.Sprintf("%.2f", b.HistoricalReliability),
			fmt.Sprintf("%+.3f", f.Score.StructuralAdjustment),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
