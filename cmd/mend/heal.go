package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/healer"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/orchestrator"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

// healOptions are the per-invocation overrides of heal
type healOptions struct {
	DryRun      bool
	Interactive bool
	Strategy    string
	Candidates  string
	Trigger     string
}

var healOpts healOptions

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Run one healing pass over the repository",
	Long: `Score the repository, heal the files below the coherence threshold, and
merge the result only if the build, the tests and the coherence guard pass.

A run holds .mend/.lock for its duration, so two runs never mutate the same
repository at once. Every run is appended to the run history.

Examples:
  mend heal                                # heal with the configured strategy
  mend heal --dry-run                      # verify candidates, change nothing
  mend heal --interactive                  # review merges on the terminal
  mend heal --strategy files --candidates fixes/

Exit codes:
  0 - Run finished (merged, skipped, pending approval, rolled back cleanly)
  1 - Setup error
  2 - Run failed or aborted
  3 - Rollback failed; the repository may be inconsistent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runHeal(ctx, repoRoot, cfg, healOpts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(healCmd)
	healCmd.Flags().BoolVar(&healOpts.DryRun, "dry-run", false, "Verify candidates and evaluate the gates without writing anything")
	healCmd.Flags().BoolVarP(&healOpts.Interactive, "interactive", "i", false, "Ask on the terminal when a merge needs review")
	healCmd.Flags().StringVar(&healOpts.Strategy, "strategy", "", "Healing strategy: files or claude (default from config)")
	healCmd.Flags().StringVar(&healOpts.Candidates, "candidates", "", "Directory of healed files for the files strategy")
	healCmd.Flags().StringVar(&healOpts.Trigger, "trigger", "manual", "What started this run, recorded in history (manual, ci, schedule)")
}

// runHeal wires the pipeline for root and executes one run
func runHeal(ctx context.Context, root string, c config.Config, opts healOptions, out io.Writer) error {
	logger := observability.GetLogger()

	if opts.Strategy != "" {
		c.Healer.Strategy = opts.Strategy
	}
	if opts.Candidates != "" {
		c.Healer.CandidatesDir = opts.Candidates
	}

	if !opts.DryRun {
		lockPath, err := storage.AcquireRunLock(root, "mend heal", Version)
		if err != nil {
			return err
		}
		defer func() {
			if err := storage.ReleaseRunLock(lockPath); err != nil {
				logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	history, err := storage.Open(c.History, root, logger)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer history.Close()

	stats, err := storage.LoadStatsIndex(ctx, history)
	if err != nil {
		return fmt.Errorf("loading healing statistics: %w", err)
	}

	runner, err := newSandboxRunner(c, logger)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	scanner, err := newScanner(c, root, runner, stats, logger)
	if err != nil {
		return fmt.Errorf("creating scanner: %w", err)
	}
	strategy, err := healer.NewStrategy(c.Healer, root, logger)
	if err != nil {
		return fmt.Errorf("creating healing strategy: %w", err)
	}
	gate, err := newGate(c, root, logger)
	if err != nil {
		return fmt.Errorf("creating test gate: %w", err)
	}

	oc := &orchestrator.Config{
		Root:       root,
		Thresholds: c.Thresholds,
		Safety:     c.Safety,
		Scanner:    scanner,
		Verifier:   coherence.NewCandidateVerifier(scanner, logger),
		Healer:     strategy,
		Gate:       gate,
		History:    history,
		Notifiers:  []orchestrator.Notifier{orchestrator.LogNotifier{Logger: logger}},
		DryRun:     opts.DryRun,
		Logger:     logger,
	}

	g := openGit(ctx, root, logger)
	if g != nil {
		oc.Git = g
	}
	if !opts.DryRun {
		backups, err := newBackupManager(c, root, g, logger)
		if err != nil {
			return fmt.Errorf("creating backup manager: %w", err)
		}
		oc.Backups = backups
	}
	if opts.Interactive {
		approver, err := gates.NewPromptApprover()
		if err != nil {
			return err
		}
		defer approver.Close()
		oc.Approver = approver
	}

	o, err := orchestrator.New(oc)
	if err != nil {
		return err
	}

	if opts.DryRun {
		fmt.Fprintf(out, "%s\n", color.YellowString("DRY RUN MODE - nothing will be written"))
	}
	res, runErr := o.Run(ctx, opts.Trigger)
	o.Wait()
	if res != nil {
		fmt.Fprintln(out)
		fmt.Fprint(out, res.Summary())
	}
	if runErr != nil {
		return runErr
	}

	switch res.Record.Health {
	case types.HealthFailed, types.HealthAborted:
		return fmt.Errorf("%w: %s", errRunFailed, res.Record.Whisper)
	}
	return nil
}
