package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/types"
)

// Snapshotter scores the repository. *coherence.Scanner implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*types.Snapshot, error)
}

// Verifier accepts or rejects a healing candidate before anything is
// written. *coherence.CandidateVerifier implements it.
type Verifier interface {
	Verify(ctx context.Context, original types.FileScore, cand types.HealingCandidate) coherence.Verdict
}

// TestGate runs the build and test commands. *gates.Runner implements it.
type TestGate interface {
	Run(ctx context.Context) types.TestGateResult
}

// VCS is the version-control surface the orchestrator drives.
// *git.Git implements it.
type VCS interface {
	CreateBranch(ctx context.Context, repoPath, name string) error
	Checkout(ctx context.Context, repoPath, name string) error
	CommitChanges(ctx context.Context, repoPath string, opts git.CommitOptions) (string, error)
	Merge(ctx context.Context, repoPath string, opts git.MergeOptions) (*git.MergeResult, error)
	AbortMerge(ctx context.Context, repoPath string) error
	DeleteBranch(ctx context.Context, repoPath, name string) error
	GetDiff(ctx context.Context, repoPath string, staged bool) (string, error)
	DiffBranches(ctx context.Context, repoPath, base, branch string) (string, error)
}

// Backups creates and restores pre-healing state. *backup.Manager
// implements it.
type Backups interface {
	Create(ctx context.Context, files []string) (*types.Backup, error)
	Restore(ctx context.Context, b *types.Backup) error
	Verify(b *types.Backup) ([]string, error)
	Delete(ctx context.Context, b *types.Backup) error
}

// RunLog persists run records. storage.History implements it.
type RunLog interface {
	Append(ctx context.Context, rec *types.RunRecord) error
}

// Approver decides runs that need manual review. *gates.PromptApprover
// implements it.
type Approver interface {
	Approve(ctx context.Context, req gates.ApprovalRequest) (bool, error)
}

// Notifier receives a finished run. Delivery is fire-and-forget: errors and
// panics are logged and never affect the run.
type Notifier interface {
	Notify(ctx context.Context, res *RunResult) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, res *RunResult) error

// Notify implements Notifier
func (f NotifierFunc) Notify(ctx context.Context, res *RunResult) error {
	return f(ctx, res)
}

// notifyTimeout bounds each delivery so a stuck notifier cannot pin goroutines
const notifyTimeout = 30 * time.Second

// dispatcher delivers notifications in the background
type dispatcher struct {
	notifiers []Notifier
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func (d *dispatcher) dispatch(res *RunResult) {
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn("notifier panicked", zap.String("run_id", res.Record.ID), zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.Notify(ctx, res); err != nil {
				d.logger.Warn("notification failed", zap.String("run_id", res.Record.ID), zap.Error(err))
			}
		}(n)
	}
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}

// LogNotifier writes the run summary to a logger. It is the default
// notifier of the CLI.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier
func (n LogNotifier) Notify(_ context.Context, res *RunResult) error {
	if n.Logger == nil {
		return fmt.Errorf("log notifier has no logger")
	}
	n.Logger.Debug("run finished",
		zap.String("run_id", res.Record.ID),
		zap.Strings("states", statesToStrings(res.States)),
		zap.String("failed_kind", string(res.FailedKind())))
	return nil
}

func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
