package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/backup"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

const (
	low     = "score=0.60\n"
	healed  = "score=0.95\n"
	worse   = "score=0.50\n"
	healthy = "score=0.90\n"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

// seed writes n python files a.py, b.py, ... with the given content
func seed(t *testing.T, root string, n int, content string) {
	t.Helper()
	for i := 0; i < n; i++ {
		write(t, root, string(rune('a'+i))+".py", content)
	}
}

func gitCmd(t *testing.T, root string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", root}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository on main with seven files at 0.60 committed
func initRepo(t *testing.T) (string, *git.Git) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	gitCmd(t, root, "init")
	gitCmd(t, root, "symbolic-ref", "HEAD", "refs/heads/main")
	gitCmd(t, root, "config", "user.name", "Test User")
	gitCmd(t, root, "config", "user.email", "test@example.com")
	gitCmd(t, root, "config", "commit.gpgsign", "false")
	seed(t, root, 7, low)
	gitCmd(t, root, "add", "-A")
	gitCmd(t, root, "commit", "-m", "initial")

	g, err := git.NewGit(context.Background())
	require.NoError(t, err)
	return root, g
}

func thresholds() config.ThresholdConfig {
	return config.ThresholdConfig{Min: 0.7, AutoMerge: 0.9, Target: 0.95}
}

func safety() config.SafetyConfig {
	return config.SafetyConfig{
		AutoRollback:          true,
		ApprovalFileThreshold: 5,
		MergeStrategy:         config.MergeSquash,
		BranchPrefix:          "mend/",
	}
}

func newOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func newBackups(t *testing.T, root string, g *git.Git) *backup.Manager {
	t.Helper()
	cfg := backup.Config{Root: root}
	if g != nil {
		cfg.Git = g
	}
	m, err := backup.NewManager(cfg)
	require.NoError(t, err)
	return m
}

func inPlaceBackup() *fakeBackups {
	return &fakeBackups{backup: types.Backup{ID: "backup-1", Strategy: types.BackupFileCopy, BackupDir: "/tmp/none"}}
}

func TestNewValidation(t *testing.T) {
	root := t.TempDir()
	valid := func() *Config {
		return &Config{
			Root:       root,
			Thresholds: thresholds(),
			Safety:     safety(),
			Scanner:    &scoreScanner{root: root, threshold: 0.7},
			Verifier:   &fakeVerifier{},
			Healer:     &fakeHealer{},
			Backups:    inPlaceBackup(),
		}
	}

	_, err := New(valid())
	require.NoError(t, err)

	_, err = New(nil)
	assert.Error(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing root", func(c *Config) { c.Root = "" }},
		{"missing scanner", func(c *Config) { c.Scanner = nil }},
		{"missing verifier", func(c *Config) { c.Verifier = nil }},
		{"missing healer", func(c *Config) { c.Healer = nil }},
		{"missing backups", func(c *Config) { c.Backups = nil }},
		{"zero threshold", func(c *Config) { c.Thresholds.Min = 0 }},
		{"threshold above one", func(c *Config) { c.Thresholds.Min = 1.5 }},
		{"negative file threshold", func(c *Config) { c.Safety.ApprovalFileThreshold = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}

	t.Run("dry run needs no backups", func(t *testing.T) {
		cfg := valid()
		cfg.Backups = nil
		cfg.DryRun = true
		_, err := New(cfg)
		assert.NoError(t, err)
	})
}

func TestRunMergesHealedBranch(t *testing.T) {
	ctx := context.Background()
	root, g := initRepo(t)
	head := gitCmd(t, root, "rev-parse", "HEAD")

	gate, err := gates.NewRunner(&gates.Config{WorkingDir: root, Test: "grep -q 0.95 a.py"})
	require.NoError(t, err)
	hist := &memoryLog{}
	s := safety()
	s.AutoMerge = false

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Gate:       gate,
		Git:        g,
		Backups:    newBackups(t, root, g),
		History:    hist,
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, types.OutcomeMerged, rec.Outcome)
	assert.Equal(t, types.HealthHealthy, rec.Health)
	assert.Equal(t, "manual", rec.Trigger)
	assert.InDelta(t, 0.60, rec.Coherence.Before, 1e-9)
	assert.InDelta(t, 0.65, rec.Coherence.After, 1e-9)
	assert.InDelta(t, 0.05, rec.Coherence.Delta, 1e-9)
	assert.Equal(t, 7, rec.Healing.FilesScanned)
	assert.Equal(t, 1, rec.Healing.FilesHealed)
	require.Len(t, rec.Changes, 1)
	assert.Equal(t, "a.py", rec.Changes[0].Path)
	assert.False(t, rec.RolledBack)
	assert.NoError(t, res.Err)

	assert.Equal(t, []State{
		StateIdle, StateSnapshot, StateBackup, StateHeal, StateTestGate,
		StateCoherenceGuard, StateApproval, StateMerge, StateRecord, StateIdle,
	}, res.States)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.Passed)
	require.NotNil(t, res.Guard)
	assert.Equal(t, types.SeverityPositive, res.Guard.Severity)
	assert.True(t, res.Guard.Projected)

	// Healed on main in one squashed commit; the healing and backup branches are gone
	assert.Equal(t, healed, read(t, root, "a.py"))
	assert.Equal(t, "main", gitCmd(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, head, gitCmd(t, root, "rev-parse", "HEAD~1"))
	assert.Contains(t, gitCmd(t, root, "log", "-1", "--format=%B"), rec.ID)
	branches, err := g.ListBranches(ctx, root, "mend/*")
	require.NoError(t, err)
	assert.Empty(t, branches)

	require.Len(t, hist.records, 1)
	assert.Equal(t, rec.ID, hist.records[0].ID)
	assert.NotEmpty(t, hist.records[0].Whisper)
}

func TestRunRollsBackFailingGate(t *testing.T) {
	ctx := context.Background()
	root, g := initRepo(t)
	head := gitCmd(t, root, "rev-parse", "HEAD")

	gate, err := gates.NewRunner(&gates.Config{WorkingDir: root, Build: "true", Test: "exit 1"})
	require.NoError(t, err)
	backups := newBackups(t, root, g)

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed, "b.py": healed}},
		Gate:       gate,
		Git:        g,
		Backups:    backups,
		History:    &memoryLog{},
	})

	res, err := o.Run(ctx, "ci")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, types.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, types.HealthRolledBack, rec.Health)
	assert.True(t, rec.RolledBack)
	assert.True(t, rec.Aborted)
	assert.Equal(t, string(gates.GateTest), rec.FailedStep)
	assert.Equal(t, KindTestGate, res.FailedKind())
	assert.Contains(t, res.States, StateRollback)
	assert.NotContains(t, res.States, StateMerge)

	// Tree is back on main at the original commit
	assert.Equal(t, low, read(t, root, "a.py"))
	assert.Equal(t, low, read(t, root, "b.py"))
	assert.Equal(t, "main", gitCmd(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, head, gitCmd(t, root, "rev-parse", "HEAD"))
	branches, err := g.ListBranches(ctx, root, "mend/heal-*")
	require.NoError(t, err)
	assert.Empty(t, branches)

	require.NotNil(t, res.RestoredCoherence)
	assert.InDelta(t, 0.60, *res.RestoredCoherence, 1e-9)
	assert.InDelta(t, 0, rec.Coherence.Delta, 1e-9)

	// The backup is kept after a rollback
	kept, err := backups.List()
	require.NoError(t, err)
	assert.Len(t, kept, 1)
	assert.Contains(t, Whisper(rec), "test step failed")
}

func TestRunRollsBackCriticalRegression(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seed(t, root, 4, healthy)

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: config.ThresholdConfig{Min: 0.95, AutoMerge: 0.9, Target: 0.99},
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.95},
		Verifier:   &fakeVerifier{},
		Healer: &fakeHealer{candidates: map[string]string{
			"a.py": worse, "b.py": worse, "c.py": worse, "d.py": worse,
		}},
		Backups: newBackups(t, root, nil),
		History: &memoryLog{},
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)
	rec := res.Record

	require.NotNil(t, res.Backup)
	assert.Equal(t, types.BackupFileCopy, res.Backup.Strategy)
	require.NotNil(t, res.Guard)
	assert.Equal(t, types.SeverityCritical, res.Guard.Severity)
	assert.InDelta(t, 0.50, res.Guard.PostCoherence, 1e-9)

	assert.Equal(t, types.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, types.HealthRolledBack, rec.Health)
	assert.Empty(t, rec.FailedStep)
	assert.Equal(t, KindCoherenceRegression, res.FailedKind())
	assert.Equal(t, "Rolled back: coherence regression", rec.Whisper)

	for _, f := range []string{"a.py", "b.py", "c.py", "d.py"} {
		assert.Equal(t, healthy, read(t, root, f))
	}
	require.NotNil(t, res.RestoredCoherence)
	assert.InDelta(t, 0.90, *res.RestoredCoherence, 1e-6)
}

func TestRunCriticalRegressionWithoutAutoRollbackNeedsReview(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seed(t, root, 2, healthy)
	s := safety()
	s.AutoRollback = false
	backups := inPlaceBackup()

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: config.ThresholdConfig{Min: 0.95, AutoMerge: 0.5, Target: 0.99},
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.95},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": worse, "b.py": worse}},
		Backups:    backups,
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomePendingApproval, res.Record.Outcome)
	assert.Equal(t, types.HealthWarning, res.Record.Health)
	assert.Equal(t, KindCoherenceRegression, res.FailedKind())
	require.NotNil(t, res.Approval)
	assert.True(t, res.Approval.RequiresManualReview)
	assert.Equal(t, 0, backups.restored)
	assert.Equal(t, 0, backups.deleted)
	// In-place healing stays in the tree for review
	assert.Equal(t, worse, read(t, root, "a.py"))
}

func TestRunRescanGuardMeasuresHealedTree(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seed(t, root, 2, low)
	s := safety()
	s.RescanGuard = true

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed, "b.py": healed}},
		Backups:    newBackups(t, root, nil),
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, res.Guard)
	assert.False(t, res.Guard.Projected)
	assert.InDelta(t, 0.95, res.Guard.PostCoherence, 1e-9)
	assert.Equal(t, types.OutcomeMerged, res.Record.Outcome)
	assert.Equal(t, healed, read(t, root, "a.py"))
}

func TestRunSkipsWhenNothingBelowThreshold(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 3, healthy)
	h := &fakeHealer{}
	backups := inPlaceBackup()
	hist := &memoryLog{}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     h,
		Backups:    backups,
		History:    hist,
	})

	res, err := o.Run(context.Background(), "schedule")
	require.NoError(t, err)

	assert.True(t, res.Record.Skipped)
	assert.Equal(t, types.OutcomeSkipped, res.Record.Outcome)
	assert.Equal(t, types.HealthHealthy, res.Record.Health)
	assert.Equal(t, []State{StateIdle, StateSnapshot, StateRecord, StateIdle}, res.States)
	assert.Equal(t, 0, h.calls)
	assert.Equal(t, 0, backups.created)
	require.Len(t, hist.records, 1)
	assert.True(t, hist.records[0].Skipped)
}

func TestRunPendingApprovalKeepsHealingBranch(t *testing.T) {
	ctx := context.Background()
	root, g := initRepo(t)
	s := safety()
	s.RequireApproval = true
	backups := newBackups(t, root, g)

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Git:        g,
		Backups:    backups,
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomePendingApproval, res.Record.Outcome)
	assert.Equal(t, types.HealthWarning, res.Record.Health)
	assert.NotContains(t, res.States, StateMerge)

	// Base branch untouched, healing branch waiting for review
	assert.Equal(t, "main", gitCmd(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, low, read(t, root, "a.py"))
	branches, err := g.ListBranches(ctx, root, "mend/heal-*")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Branch}, branches)
	assert.Equal(t, healed, gitCmd(t, root, "show", res.Branch+":a.py")+"\n")

	kept, err := backups.List()
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRunApproverApprovesMerge(t *testing.T) {
	ctx := context.Background()
	root, g := initRepo(t)
	s := safety()
	s.RequireApproval = true
	approver := &fakeApprover{approve: true}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Git:        g,
		Backups:    newBackups(t, root, g),
		Approver:   approver,
	})

	res, err := o.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeMerged, res.Record.Outcome)
	require.NotNil(t, res.Approval)
	assert.True(t, res.Approval.Approved)
	assert.Equal(t, healed, read(t, root, "a.py"))

	require.Len(t, approver.reqs, 1)
	req := approver.reqs[0]
	assert.Equal(t, res.Record.ID, req.RunID)
	assert.Equal(t, "main", req.BaseBranch)
	require.Len(t, approver.diffs, 1)
	assert.Contains(t, approver.diffs[0], "+score=0.95")
}

func TestRunApproverRejects(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, low)
	s := safety()
	s.RequireApproval = true
	approver := &fakeApprover{err: errors.New("no terminal")}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Backups:    inPlaceBackup(),
		Approver:   approver,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePendingApproval, res.Record.Outcome)
	require.Len(t, approver.reqs, 1)
	assert.Nil(t, approver.reqs[0].Diff)
}

func TestRunMergeConflictRestoresBase(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, low)
	vcs := &fakeVCS{mergeErr: git.ErrMergeConflict}
	backups := &fakeBackups{backup: types.Backup{
		ID: "b1", Strategy: types.BackupGitBranch, BaseBranch: "main",
		HeadCommit: "abc123", BranchName: "mend/backup-b1",
	}}
	s := safety()
	s.AutoMerge = false

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     s,
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Git:        vcs,
		Backups:    backups,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, types.OutcomeMergeFailed, rec.Outcome)
	assert.Equal(t, types.HealthFailed, rec.Health)
	assert.Equal(t, KindMergeConflict, res.FailedKind())
	assert.ErrorIs(t, res.Err, git.ErrMergeConflict)
	assert.Equal(t, 1, backups.restored)
	assert.Equal(t, 0, backups.deleted)
	assert.True(t, vcs.called("abort-merge"))
	assert.True(t, vcs.called("merge "+res.Branch+" squash"))
	assert.False(t, vcs.called("delete-branch"), "healing branch is kept for manual resolution")
	assert.InDelta(t, 0, rec.Coherence.Delta, 1e-9)
}

func TestRunBackupFailureLeavesTreeUntouched(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 2, low)
	h := &fakeHealer{candidates: map[string]string{"a.py": healed}}
	backups := &fakeBackups{createErr: backup.ErrBackupFailed}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     h,
		Backups:    backups,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, types.OutcomeAborted, rec.Outcome)
	assert.Equal(t, types.HealthAborted, rec.Health)
	assert.True(t, rec.Aborted)
	assert.Equal(t, "backup", rec.FailedStep)
	assert.Equal(t, KindBackupCreation, res.FailedKind())
	assert.ErrorIs(t, res.Err, backup.ErrBackupFailed)
	assert.Equal(t, 0, h.calls)
	assert.Equal(t, low, read(t, root, "a.py"))
	assert.Equal(t, "Aborted at backup; repository untouched", rec.Whisper)
}

func TestRunRollbackFailureIsReported(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, low)
	backups := inPlaceBackup()
	backups.restoreErr = errors.New("disk full")
	hist := &memoryLog{}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Gate:       failingGate(string(gates.GateBuild)),
		Backups:    backups,
		History:    hist,
	})

	res, err := o.Run(context.Background(), "")
	require.ErrorIs(t, err, ErrRollbackFailed)
	require.NotNil(t, res)
	assert.Equal(t, types.HealthFailed, res.Record.Health)
	assert.Equal(t, string(gates.GateBuild), res.Record.FailedStep)
	assert.Contains(t, res.Record.Error, "disk full")

	// Still recorded
	require.Len(t, hist.records, 1)
	assert.Equal(t, types.HealthFailed, hist.records[0].Health)
}

func TestRunRestoreChecksumMismatchFailsRollback(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, low)
	backups := inPlaceBackup()
	backups.mismatched = []string{"a.py"}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Gate:       failingGate(string(gates.GateTest)),
		Backups:    backups,
	})

	_, err := o.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrRollbackFailed)
}

func TestRunHealerFailure(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, low)
	backups := inPlaceBackup()

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{err: errors.New("model unavailable")},
		Backups:    backups,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAborted, res.Record.Outcome)
	assert.Equal(t, types.HealthFailed, res.Record.Health)
	assert.Equal(t, "heal", res.Record.FailedStep)
	assert.Equal(t, KindHealingStrategy, res.FailedKind())
	assert.Equal(t, 1, backups.deleted)
}

func TestRunNoAcceptedCandidates(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 2, low)
	backups := inPlaceBackup()
	failed := false

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{rejectAll: true, sandbox: &types.SandboxResult{Passed: &failed}},
		Healer: &fakeHealer{candidates: map[string]string{
			"a.py": healed, "b.py": healed, "z.py": healed,
		}},
		Backups: backups,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoChanges, res.Record.Outcome)
	assert.Equal(t, types.HealthWarning, res.Record.Health)
	assert.Equal(t, 0, res.Record.Healing.FilesHealed)
	assert.Equal(t, 1, backups.deleted)
	assert.Equal(t, low, read(t, root, "a.py"))

	// z.py was never below threshold, so its candidate is ignored
	require.Len(t, res.Candidates, 2)
	for _, c := range res.Candidates {
		assert.False(t, c.Accepted)
		assert.Equal(t, KindTestLogicFailure, c.Kind)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 2, low)
	hist := &memoryLog{}

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		History:    hist,
		DryRun:     true,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, types.OutcomeDryRun, rec.Outcome)
	assert.Equal(t, types.HealthHealthy, rec.Health)
	assert.Nil(t, res.Backup)
	assert.NotContains(t, res.States, StateBackup)
	assert.NotContains(t, res.States, StateTestGate)
	assert.InDelta(t, 0.775, rec.Coherence.After, 1e-9)
	assert.Equal(t, low, read(t, root, "a.py"))
	assert.Equal(t, "Dry run: would heal 1 file, coherence 0.600 -> 0.775", rec.Whisper)
	require.Len(t, hist.records, 1)
}

func TestRunSnapshotFailure(t *testing.T) {
	root := t.TempDir()
	backups := inPlaceBackup()

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, err: errors.New("permission denied")},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{},
		Backups:    backups,
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAborted, res.Record.Outcome)
	assert.Equal(t, types.HealthFailed, res.Record.Health)
	assert.Equal(t, "snapshot", res.Record.FailedStep)
	assert.Equal(t, KindSnapshot, res.FailedKind())
	assert.Equal(t, 0, backups.created)
}

func TestRunHistoryFailureDoesNotFailRun(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, healthy)

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{},
		Backups:    inPlaceBackup(),
		History:    &memoryLog{err: errors.New("read-only filesystem")},
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, res.Record.Outcome)
	assert.Equal(t, KindHistory, res.FailedKind())
}

func TestRunRecordsToJSONHistory(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seed(t, root, 2, low)
	hist, err := storage.NewJSONHistory(filepath.Join(t.TempDir(), "history.json"), storage.DefaultCap, nil)
	require.NoError(t, err)

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{candidates: map[string]string{"a.py": healed}},
		Backups:    newBackups(t, root, nil),
		History:    hist,
	})

	first, err := o.Run(ctx, "")
	require.NoError(t, err)
	second, err := o.Run(ctx, "")
	require.NoError(t, err)

	runs, err := hist.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.Record.ID, runs[0].ID)
	assert.Equal(t, first.Record.ID, runs[1].ID)
	assert.Equal(t, types.OutcomeMerged, runs[1].Outcome)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	root := t.TempDir()
	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{},
		Backups:    inPlaceBackup(),
	})

	o.mu.Lock()
	_, err := o.Run(context.Background(), "")
	o.mu.Unlock()
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestNotifierFailuresAreIsolated(t *testing.T) {
	root := t.TempDir()
	seed(t, root, 1, healthy)
	var delivered atomic.Int32

	o := newOrchestrator(t, &Config{
		Root:       root,
		Thresholds: thresholds(),
		Safety:     safety(),
		Scanner:    &scoreScanner{root: root, threshold: 0.7},
		Verifier:   &fakeVerifier{},
		Healer:     &fakeHealer{},
		Backups:    inPlaceBackup(),
		Notifiers: []Notifier{
			NotifierFunc(func(ctx context.Context, res *RunResult) error { panic("boom") }),
			NotifierFunc(func(ctx context.Context, res *RunResult) error { return errors.New("webhook down") }),
			NotifierFunc(func(ctx context.Context, res *RunResult) error {
				delivered.Add(1)
				return nil
			}),
			LogNotifier{},
		},
	})

	res, err := o.Run(context.Background(), "")
	require.NoError(t, err)
	o.Wait()
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, types.OutcomeSkipped, res.Record.Outcome)
}
