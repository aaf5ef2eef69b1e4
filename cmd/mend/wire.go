package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/backup"
	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/orchestrator"
	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/storage"
)

// errRunFailed marks a healing run that finished with failed or aborted health
var errRunFailed = errors.New("healing run failed")

// Exit codes
const (
	exitError          = 1
	exitRunFailed      = 2
	exitRollbackFailed = 3
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrRollbackFailed):
		return exitRollbackFailed
	case errors.Is(err, errRunFailed):
		return exitRunFailed
	default:
		return exitError
	}
}

func newSandboxRunner(c config.Config, logger *zap.Logger) (*sandbox.Runner, error) {
	return sandbox.NewRunner(sandbox.Config{
		Logger:      logger,
		Timeout:     time.Duration(c.Sandbox.TimeoutMs) * time.Millisecond,
		MaxMemoryMB: c.Sandbox.MaxMemoryMB,
		Parallelism: c.Sandbox.Parallelism,
	})
}

// newScanner builds the coherence scanner. history may be nil.
func newScanner(c config.Config, root string, runner *sandbox.Runner, history *storage.StatsIndex, logger *zap.Logger) (*coherence.Scanner, error) {
	scorer, err := coherence.NewScorer(c.Weights, coherence.WithDecisionThreshold(c.Thresholds.Min))
	if err != nil {
		return nil, err
	}
	sc := coherence.ScannerConfig{
		Root:         root,
		Include:      c.Scan.Include,
		Exclude:      c.Scan.Exclude,
		Languages:    c.Scan.Languages,
		MaxFiles:     c.Scan.MaxFiles,
		MaxFileBytes: c.Scan.MaxFileBytes,
		IncludeTests: c.Scan.IncludeTests,
		Threshold:    c.Thresholds.Min,
		Parallelism:  c.Sandbox.Parallelism,
		Scorer:       scorer,
		Logger:       logger,
	}
	if runner != nil {
		sc.Prover = coherence.NewTestProver(coherence.ProverConfig{
			Root:     root,
			Executor: runner,
			Logger:   logger,
		})
	}
	if history != nil {
		sc.History = history
	}
	return coherence.NewScanner(sc)
}

// openGit returns nil when git is missing or root is not a repository
func openGit(ctx context.Context, root string, logger *zap.Logger) *git.Git {
	g, err := git.NewGit(ctx)
	if err != nil {
		logger.Debug("git unavailable", zap.Error(err))
		return nil
	}
	if !g.IsRepo(ctx, root) {
		return nil
	}
	return g
}

func newBackupManager(c config.Config, root string, g *git.Git, logger *zap.Logger) (*backup.Manager, error) {
	bc := backup.Config{
		Root:         root,
		Strategy:     c.Safety.BackupStrategy,
		BranchPrefix: c.Safety.BranchPrefix,
		Logger:       logger,
	}
	if g != nil {
		bc.Git = g
	}
	return backup.NewManager(bc)
}

// newGate builds the test gate. Without a configured test command the
// project's manifest decides; with neither, the gate has no steps and passes.
func newGate(c config.Config, root string, logger *zap.Logger) (*gates.Runner, error) {
	test := c.Commands.Test
	if test == "" {
		test = config.DetectTestCommand(root)
	}
	if test == "" && c.Commands.Build == "" {
		logger.Warn("no build or test command configured or detected; the test gate will pass trivially")
	}
	return gates.NewRunner(&gates.Config{
		WorkingDir: root,
		Build:      c.Commands.Build,
		Test:       test,
		Timeout:    time.Duration(c.Commands.TimeoutMs) * time.Millisecond,
		Logger:     logger,
	})
}
