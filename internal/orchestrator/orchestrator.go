// Package orchestrator sequences a healing run: snapshot the repository,
// back it up, apply verified candidates, gate them on the build and tests,
// guard aggregate coherence, then merge or roll back and record the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/healer"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/types"
)

// ErrRunInProgress is returned when Run is called while another run on the
// same orchestrator has not finished
var ErrRunInProgress = errors.New("a healing run is already in progress")

// restoreTolerance is how far re-measured coherence may drift from the
// pre-heal snapshot after a rollback before it is reported
const restoreTolerance = 1e-6

// Config wires the orchestrator to its collaborators. Scanner, Verifier,
// Healer and Backups are required; Backups may be nil for dry runs.
type Config struct {
	// Root is the repository the run mutates
	Root string

	Thresholds config.ThresholdConfig
	Safety     config.SafetyConfig

	Scanner  Snapshotter
	Verifier Verifier
	Healer   healer.Strategy

	// Gate is optional; a nil gate has no steps and passes
	Gate TestGate

	// Git is nil when the repository is not under version control
	Git     VCS
	Backups Backups
	History RunLog

	// Approver decides runs that need manual review. Without one those
	// runs stop at pending approval.
	Approver  Approver
	Notifiers []Notifier

	// DryRun verifies candidates and evaluates the guards without
	// backing up or writing anything
	DryRun bool

	Logger *zap.Logger
}

// Orchestrator runs the healing state machine, one run at a time
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	notify *dispatcher
	mu     sync.Mutex
}

// New validates the configuration and creates an orchestrator
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("repository root is required")
	}
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.Healer == nil {
		return nil, fmt.Errorf("healing strategy is required")
	}
	if cfg.Backups == nil && !cfg.DryRun {
		return nil, fmt.Errorf("backups are required unless dry-running")
	}
	if cfg.Thresholds.Min <= 0 || cfg.Thresholds.Min > 1 {
		return nil, fmt.Errorf("coherence threshold must be in (0, 1], got %.3f", cfg.Thresholds.Min)
	}
	if cfg.Safety.ApprovalFileThreshold < 0 {
		return nil, fmt.Errorf("approval file threshold cannot be negative")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator")
	return &Orchestrator{
		cfg:    *cfg,
		logger: logger,
		notify: &dispatcher{notifiers: cfg.Notifiers, logger: logger},
	}, nil
}

// Wait blocks until every notification from finished runs was delivered
func (o *Orchestrator) Wait() {
	o.notify.wait()
}

// Run executes one healing run. It always returns a result with a recorded
// RunRecord; the error is non-nil only when a rollback failed and the
// repository may be inconsistent, or when another run is in progress.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (*RunResult, error) {
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()

	if trigger == "" {
		trigger = "manual"
	}
	r := &run{
		o:     o,
		start: time.Now(),
		res: &RunResult{
			Record: &types.RunRecord{
				ID:        uuid.NewString(),
				Timestamp: time.Now().UTC(),
				Trigger:   trigger,
				Changes:   []types.ChangeSummary{},
			},
		},
	}
	r.logger = o.logger.With(zap.String("run_id", r.res.Record.ID))
	r.logger.Info("healing run started", zap.String("trigger", trigger), zap.Bool("dry_run", o.cfg.DryRun))

	r.execute(ctx)
	r.record(ctx)
	o.notify.dispatch(r.res)

	if errors.Is(r.res.Err, ErrRollbackFailed) {
		return r.res, r.res.Err
	}
	return r.res, nil
}

// run holds the state of a single invocation
type run struct {
	o      *Orchestrator
	res    *RunResult
	logger *zap.Logger
	start  time.Time

	pre       float64
	projected float64
	accepted  []types.HealingRecord

	// branchMode is true when healing happens on a dedicated git branch
	branchMode bool
}

func (r *run) cfg() *Config { return &r.o.cfg }

func (r *run) rec() *types.RunRecord { return r.res.Record }

func (r *run) execute(ctx context.Context) {
	res, rec, cfg := r.res, r.rec(), r.cfg()
	res.enter(StateIdle)

	// SNAPSHOT
	res.enter(StateSnapshot)
	snap, err := cfg.Scanner.Snapshot(ctx)
	if err != nil {
		r.abort(StateSnapshot, KindSnapshot, "snapshot", types.HealthFailed, err)
		return
	}
	res.Snapshot = snap
	r.pre = snap.Aggregate.AvgCoherence
	rec.Coherence = types.CoherenceDelta{Before: r.pre, After: r.pre}
	rec.Healing.FilesScanned = snap.Aggregate.TotalFiles
	res.step(StateSnapshot, KindNone, fmt.Sprintf("%d files, %d below threshold", snap.Aggregate.TotalFiles, len(snap.BelowThreshold)))

	if len(snap.BelowThreshold) == 0 {
		rec.Skipped = true
		rec.Outcome = types.OutcomeSkipped
		rec.Health = types.HealthHealthy
		r.logger.Info("no files below threshold", zap.Float64("coherence", r.pre))
		return
	}

	// BACKUP
	if !cfg.DryRun {
		res.enter(StateBackup)
		b, err := cfg.Backups.Create(ctx, snap.BelowThreshold)
		if err != nil {
			r.abort(StateBackup, KindBackupCreation, "backup", types.HealthAborted, err)
			return
		}
		res.Backup = b
		res.step(StateBackup, KindNone, string(b.Strategy))
	}

	// HEAL: obtain and verify candidates; nothing touches disk yet
	res.enter(StateHeal)
	cands, err := cfg.Healer.Heal(ctx, healer.Request{
		Snapshot: snap,
		Paths:    snap.BelowThreshold,
		Target:   cfg.Thresholds.Target,
	})
	if err != nil {
		r.discardBackup(ctx)
		r.abort(StateHeal, KindHealingStrategy, "heal", types.HealthFailed, err)
		return
	}
	r.verify(ctx, snap, cands)
	if len(r.accepted) == 0 {
		r.discardBackup(ctx)
		res.step(StateHeal, KindNone, "no candidate passed verification")
		rec.Outcome = types.OutcomeNoChanges
		rec.Health = types.HealthWarning
		return
	}
	r.projected = gates.ProjectCoherence(r.pre, snap.Aggregate.TotalFiles, r.accepted)

	if cfg.DryRun {
		res.step(StateHeal, KindNone, fmt.Sprintf("%d candidates accepted", len(r.accepted)))
		res.enter(StateCoherenceGuard)
		guard := gates.EvaluateGuard(r.pre, r.projected, true)
		r.setGuard(guard)
		res.step(StateCoherenceGuard, KindNone, gates.DescribeGuard(guard))
		r.evaluateApproval(guard)
		rec.Outcome = types.OutcomeDryRun
		rec.Health = healthFor(guard)
		return
	}

	if err := r.apply(ctx); err != nil {
		r.rollback(ctx, StateHeal, KindApply, "apply", err)
		return
	}
	res.step(StateHeal, KindNone, fmt.Sprintf("%d files applied", len(r.accepted)))

	// TEST_GATE
	res.enter(StateTestGate)
	gate := r.runGate(ctx)
	res.Gate = &gate
	if !gate.Passed {
		rec.Aborted = true
		r.rollback(ctx, StateTestGate, KindTestGate, gate.FailedStep, errors.New(gate.Reason))
		return
	}
	res.step(StateTestGate, KindNone, fmt.Sprintf("%d steps passed", len(gate.Steps)))

	// COHERENCE_GUARD
	res.enter(StateCoherenceGuard)
	guard := r.guard(ctx)
	r.setGuard(guard)
	if gates.RequiresRollback(guard, cfg.Safety.AutoRollback) {
		r.rollback(ctx, StateCoherenceGuard, KindCoherenceRegression, "", errors.New(gates.DescribeGuard(guard)))
		return
	}
	kind := KindNone
	if guard.Severity == types.SeverityCritical {
		// Auto-rollback is off: surfaced for review instead
		kind = KindCoherenceRegression
	}
	res.step(StateCoherenceGuard, kind, gates.DescribeGuard(guard))

	// APPROVAL
	res.enter(StateApproval)
	decision := r.evaluateApproval(guard)
	if decision.RequiresManualReview {
		if !r.askApproval(ctx, decision) {
			res.step(StateApproval, KindNone, "awaiting manual review")
			r.pending(ctx)
			return
		}
		decision.Approved = true
		res.Approval = &decision
	}
	res.step(StateApproval, KindNone, "approved")

	// MERGE
	r.merge(ctx, guard)
}

// verify runs every candidate for a below-threshold file through the verifier
func (r *run) verify(ctx context.Context, snap *types.Snapshot, cands []types.HealingCandidate) {
	wanted := make(map[string]bool, len(snap.BelowThreshold))
	for _, p := range snap.BelowThreshold {
		wanted[p] = true
	}
	seen := make(map[string]bool, len(cands))
	for _, cand := range cands {
		if !wanted[cand.Path] || seen[cand.Path] {
			r.logger.Warn("ignoring candidate", zap.String("path", cand.Path),
				zap.Bool("duplicate", seen[cand.Path]))
			continue
		}
		seen[cand.Path] = true
		original, _ := snap.File(cand.Path)
		verdict := r.cfg().Verifier.Verify(ctx, original, cand)
		r.res.Candidates = append(r.res.Candidates, candidateOutcome(verdict))
		if verdict.Accepted {
			r.accepted = append(r.accepted, verdict.Record)
		}
	}
	r.res.Healed = r.accepted

	rec := r.rec()
	rec.Healing.FilesHealed = len(r.accepted)
	var sum float64
	for _, h := range r.accepted {
		sum += h.Improvement
		rec.Changes = append(rec.Changes, types.ChangeSummary{
			Path:        h.Path,
			Before:      h.OriginalCoherence,
			After:       h.HealedCoherence,
			Improvement: h.Improvement,
		})
	}
	if len(r.accepted) > 0 {
		rec.Healing.AvgImprovement = sum / float64(len(r.accepted))
	}
}

// apply writes the accepted candidates. With a git-branch backup on a named
// branch the files are committed to a dedicated healing branch so the test
// gate sees real files; otherwise they are written in place.
func (r *run) apply(ctx context.Context) error {
	cfg, b := r.cfg(), r.res.Backup
	r.branchMode = cfg.Git != nil && b != nil &&
		b.Strategy == types.BackupGitBranch && b.BaseBranch != "" && b.BaseBranch != "HEAD"

	if r.branchMode {
		r.res.BaseBranch = b.BaseBranch
		branch := cfg.Safety.BranchPrefix + "heal-" + shortID(r.rec().ID)
		if err := cfg.Git.CreateBranch(ctx, cfg.Root, branch); err != nil {
			return err
		}
		r.res.Branch = branch
	}

	paths := make([]string, 0, len(r.accepted))
	for _, h := range r.accepted {
		if err := writeHealed(cfg.Root, h.Path, h.HealedCode); err != nil {
			return err
		}
		paths = append(paths, h.Path)
	}

	if r.branchMode {
		commit, err := cfg.Git.CommitChanges(ctx, cfg.Root, git.CommitOptions{
			Message: r.commitMessage(),
			Paths:   paths,
		})
		if err != nil {
			return err
		}
		r.logger.Info("healing committed", zap.String("branch", r.res.Branch), zap.String("commit", commit))
	}
	return nil
}

func (r *run) commitMessage() string {
	files := make([]git.FileChange, 0, len(r.accepted))
	for _, h := range r.accepted {
		files = append(files, git.FileChange{Path: h.Path, Before: h.OriginalCoherence, After: h.HealedCoherence})
	}
	return git.BuildCommitMessage(git.CommitMessageRequest{
		RunID:         r.rec().ID,
		Files:         files,
		PreCoherence:  r.pre,
		PostCoherence: r.projected,
	})
}

func (r *run) runGate(ctx context.Context) types.TestGateResult {
	if r.cfg().Gate == nil {
		return types.TestGateResult{Passed: true, Steps: []types.GateStep{}}
	}
	return r.cfg().Gate.Run(ctx)
}

// guard compares pre-heal coherence with the projection, or with a fresh
// scan of the healed tree when re-scan is enabled
func (r *run) guard(ctx context.Context) types.CoherenceGuardResult {
	if r.cfg().Safety.RescanGuard {
		snap, err := r.cfg().Scanner.Snapshot(ctx)
		if err == nil {
			return gates.EvaluateGuard(r.pre, snap.Aggregate.AvgCoherence, false)
		}
		r.logger.Warn("re-scan failed, using projected coherence", zap.Error(err))
	}
	return gates.EvaluateGuard(r.pre, r.projected, true)
}

func (r *run) setGuard(guard types.CoherenceGuardResult) {
	r.res.Guard = &guard
	rec := r.rec()
	rec.Coherence.After = guard.PostCoherence
	rec.Coherence.Delta = guard.Delta
}

func (r *run) evaluateApproval(guard types.CoherenceGuardResult) types.ApprovalDecision {
	safety := r.cfg().Safety
	decision := gates.EvaluateApproval(gates.ApprovalPolicy{
		FileThreshold:      safety.ApprovalFileThreshold,
		AutoMerge:          safety.AutoMerge,
		AutoMergeThreshold: r.cfg().Thresholds.AutoMerge,
		RequireApproval:    safety.RequireApproval,
	}, len(r.accepted), guard.PostCoherence)
	if guard.Severity == types.SeverityCritical {
		decision.Approved = false
		decision.RequiresManualReview = true
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("critical coherence regression (%+.3f) with auto-rollback disabled", guard.Delta))
	}
	r.res.Approval = &decision
	return decision
}

func (r *run) askApproval(ctx context.Context, decision types.ApprovalDecision) bool {
	cfg := r.cfg()
	if cfg.Approver == nil {
		r.logger.Info("manual review required", zap.Strings("reasons", decision.Reasons))
		return false
	}
	req := gates.ApprovalRequest{
		RunID:      r.rec().ID,
		Branch:     r.res.Branch,
		BaseBranch: r.res.BaseBranch,
		Decision:   decision,
		Changes:    r.rec().Changes,
	}
	if r.res.Gate != nil {
		req.Gate = *r.res.Gate
	}
	if r.res.Guard != nil {
		req.Guard = *r.res.Guard
	}
	if cfg.Git != nil {
		if r.branchMode {
			base, branch := r.res.BaseBranch, r.res.Branch
			req.Diff = func(ctx context.Context) (string, error) {
				return cfg.Git.DiffBranches(ctx, cfg.Root, base, branch)
			}
		} else {
			req.Diff = func(ctx context.Context) (string, error) {
				return cfg.Git.GetDiff(ctx, cfg.Root, false)
			}
		}
	}
	approved, err := cfg.Approver.Approve(ctx, req)
	if err != nil {
		r.logger.Warn("approval failed", zap.Error(err))
		return false
	}
	r.logger.Info("approval decided", zap.Bool("approved", approved))
	return approved
}

// pending leaves the healing for a human. The healing branch is kept and
// the base branch checked out again; in-place changes stay in the tree.
// The backup is retained either way.
func (r *run) pending(ctx context.Context) {
	cfg, rec := r.cfg(), r.rec()
	if r.branchMode {
		if err := cfg.Git.Checkout(ctx, cfg.Root, r.res.BaseBranch); err != nil {
			r.logger.Warn("failed to return to base branch", zap.Error(err))
		}
	}
	rec.Outcome = types.OutcomePendingApproval
	rec.Health = types.HealthWarning
}

func (r *run) merge(ctx context.Context, guard types.CoherenceGuardResult) {
	cfg, res, rec := r.cfg(), r.res, r.rec()
	res.enter(StateMerge)

	if r.branchMode {
		err := cfg.Git.Checkout(ctx, cfg.Root, res.BaseBranch)
		if err == nil {
			_, err = cfg.Git.Merge(ctx, cfg.Root, git.MergeOptions{
				Branch:   res.Branch,
				Strategy: mergeStrategy(cfg.Safety.MergeStrategy),
				Message:  r.commitMessage(),
			})
		}
		if err != nil {
			r.mergeFailed(ctx, err)
			return
		}
		if err := cfg.Git.DeleteBranch(ctx, cfg.Root, res.Branch); err != nil {
			r.logger.Warn("failed to delete healing branch", zap.String("branch", res.Branch), zap.Error(err))
		}
	}

	r.discardBackup(ctx)
	res.step(StateMerge, KindNone, "")
	rec.Outcome = types.OutcomeMerged
	rec.Health = healthFor(guard)
	r.logger.Info("healing merged", zap.Int("files", len(r.accepted)))
}

// mergeFailed aborts the merge and puts the base branch back exactly as the
// backup recorded it. The healing branch is kept for manual resolution.
func (r *run) mergeFailed(ctx context.Context, cause error) {
	cfg, res, rec := r.cfg(), r.res, r.rec()
	kind := KindMerge
	if errors.Is(cause, git.ErrMergeConflict) {
		kind = KindMergeConflict
	}
	res.step(StateMerge, kind, cause.Error())
	rec.Outcome = types.OutcomeMergeFailed
	rec.Health = types.HealthFailed
	rec.Error = cause.Error()
	res.Err = cause

	if err := cfg.Git.AbortMerge(ctx, cfg.Root); err != nil {
		r.logger.Debug("no merge to abort", zap.Error(err))
	}
	if err := r.restoreBackup(ctx); err != nil {
		r.rollbackFailed(err)
		return
	}
	rec.Coherence.After = r.pre
	rec.Coherence.Delta = 0
	r.logger.Warn("merge failed, base branch restored", zap.String("branch", res.Branch), zap.Error(cause))
}

// rollback restores the backup after a failure in state. failedStep names
// the step recorded on the run.
func (r *run) rollback(ctx context.Context, state State, kind ErrorKind, failedStep string, cause error) {
	cfg, res, rec := r.cfg(), r.res, r.rec()
	res.step(state, kind, cause.Error())
	rec.FailedStep = failedStep
	rec.Outcome = types.OutcomeRolledBack
	rec.Health = types.HealthRolledBack
	rec.RolledBack = true

	res.enter(StateRollback)
	r.logger.Warn("rolling back", zap.String("state", string(state)), zap.Error(cause))

	if err := r.restoreBackup(ctx); err != nil {
		r.rollbackFailed(err)
		return
	}
	if r.branchMode && res.Branch != "" {
		if err := cfg.Git.DeleteBranch(ctx, cfg.Root, res.Branch); err != nil {
			r.logger.Warn("failed to delete healing branch", zap.String("branch", res.Branch), zap.Error(err))
		}
	}

	// Re-measure so the record reports what the repository is now
	if snap, err := cfg.Scanner.Snapshot(ctx); err != nil {
		r.logger.Warn("post-rollback snapshot failed", zap.Error(err))
	} else {
		restored := snap.Aggregate.AvgCoherence
		res.RestoredCoherence = &restored
		rec.Coherence.After = restored
		rec.Coherence.Delta = restored - r.pre
		if math.Abs(restored-r.pre) > restoreTolerance {
			r.logger.Warn("restored coherence differs from pre-heal snapshot",
				zap.Float64("pre", r.pre), zap.Float64("restored", restored))
		}
	}
	res.step(StateRollback, KindNone, "")
}

// restoreBackup restores and then verifies every backed-up file against
// its recorded checksum
func (r *run) restoreBackup(ctx context.Context) error {
	b := r.res.Backup
	if b == nil {
		return fmt.Errorf("no backup to restore")
	}
	if err := r.cfg().Backups.Restore(ctx, b); err != nil {
		return err
	}
	mismatched, err := r.cfg().Backups.Verify(b)
	if err != nil {
		return fmt.Errorf("verifying restored files: %w", err)
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%d files differ from backup %s after restore: %v", len(mismatched), b.ID, mismatched)
	}
	return nil
}

func (r *run) rollbackFailed(err error) {
	res, rec := r.res, r.rec()
	res.Err = fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	res.step(StateRollback, KindRollback, err.Error())
	rec.Health = types.HealthFailed
	rec.Error = res.Err.Error()
	backupID := ""
	if res.Backup != nil {
		backupID = res.Backup.ID
	}
	r.logger.Error("rollback failed; repository may be inconsistent",
		zap.String("backup_id", backupID), zap.Error(err))
}

// abort ends a run before anything was written
func (r *run) abort(state State, kind ErrorKind, failedStep string, health types.RunHealth, err error) {
	res, rec := r.res, r.rec()
	res.step(state, kind, err.Error())
	res.Err = err
	rec.Aborted = true
	rec.FailedStep = failedStep
	rec.Outcome = types.OutcomeAborted
	rec.Health = health
	rec.Error = err.Error()
	r.logger.Warn("run aborted", zap.String("state", string(state)), zap.Error(err))
}

// discardBackup deletes a backup that is no longer needed
func (r *run) discardBackup(ctx context.Context) {
	b := r.res.Backup
	if b == nil {
		return
	}
	if err := r.cfg().Backups.Delete(ctx, b); err != nil {
		r.logger.Warn("failed to delete backup", zap.String("backup_id", b.ID), zap.Error(err))
	}
}

// record appends the run to history and logs its summary line. It runs on
// every terminal path.
func (r *run) record(ctx context.Context) {
	res, rec := r.res, r.rec()
	res.enter(StateRecord)
	rec.DurationMs = time.Since(r.start).Milliseconds()
	if rec.Health == "" {
		rec.Health = types.HealthFailed
	}
	rec.Whisper = Whisper(rec)

	if h := r.cfg().History; h != nil {
		// A cancelled run is still recorded
		if err := h.Append(context.WithoutCancel(ctx), rec); err != nil {
			res.step(StateRecord, KindHistory, err.Error())
			r.logger.Error("failed to record run", zap.Error(err))
		} else {
			res.step(StateRecord, KindNone, "")
		}
	}
	observability.LogRun(r.o.logger, rec)
	res.enter(StateIdle)
}

func healthFor(guard types.CoherenceGuardResult) types.RunHealth {
	switch guard.Severity {
	case types.SeverityWarning, types.SeverityCritical:
		return types.HealthWarning
	default:
		return types.HealthHealthy
	}
}

func mergeStrategy(s string) git.MergeStrategy {
	if s == config.MergeFastForward {
		return git.MergeFastForward
	}
	return git.MergeSquash
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// writeHealed replaces a file, keeping its permissions
func writeHealed(root, rel, code string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(code), mode); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}
