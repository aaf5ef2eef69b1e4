package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/healer"
	"github.com/steveyegge/mend/internal/types"
)

// scoreOf reads the coherence a test file declares on its first line,
// e.g. "score=0.60"
func scoreOf(code string) float64 {
	var score float64
	line, _, _ := strings.Cut(code, "\n")
	if _, err := fmt.Sscanf(line, "score=%f", &score); err != nil {
		return 0
	}
	return score
}

// scoreScanner scores the top-level .py files of root by their declared score
type scoreScanner struct {
	root      string
	threshold float64
	calls     int
	err       error
}

func (s *scoreScanner) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var files []types.FileScore
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".py" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, types.FileScore{
			Path:      e.Name(),
			Language:  types.LangPython,
			SizeBytes: int64(len(data)),
			Score:     types.CoherenceScore{Total: scoreOf(string(data)), Language: types.LangPython},
			Code:      string(data),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return types.NewSnapshot(uuid.NewString(), s.root, s.threshold, files), nil
}

// fakeVerifier accepts every candidate unless rejectAll is set
type fakeVerifier struct {
	rejectAll bool
	sandbox   *types.SandboxResult
}

func (v *fakeVerifier) Verify(ctx context.Context, original types.FileScore, cand types.HealingCandidate) coherence.Verdict {
	healed := types.CoherenceScore{Total: scoreOf(cand.HealedCode)}
	verdict := coherence.Verdict{
		Path:     cand.Path,
		Accepted: !v.rejectAll,
		Reason:   "verified",
		Original: original.Score,
		Healed:   healed,
		Record:   types.NewHealingRecord(cand.Path, original.Language, original.Score.Total, healed.Total, cand.HealedCode),
	}
	if v.rejectAll {
		verdict.Reason = "candidate failed its tests in the sandbox"
	}
	if v.sandbox != nil {
		verdict.Evidence = &coherence.TestEvidence{Found: true, Sandbox: v.sandbox}
	}
	return verdict
}

// fakeHealer returns every candidate it holds, wanted or not
type fakeHealer struct {
	candidates map[string]string
	err        error
	calls      int
}

func (h *fakeHealer) Name() string { return "fake" }

func (h *fakeHealer) Heal(ctx context.Context, req healer.Request) ([]types.HealingCandidate, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	out := make([]types.HealingCandidate, 0, len(h.candidates))
	for p, code := range h.candidates {
		out = append(out, types.HealingCandidate{Path: p, HealedCode: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// fakeGate returns a fixed result
type fakeGate struct {
	result types.TestGateResult
	calls  int
}

func (g *fakeGate) Run(ctx context.Context) types.TestGateResult {
	g.calls++
	return g.result
}

func failingGate(step string) *fakeGate {
	return &fakeGate{result: types.TestGateResult{
		Passed:     false,
		Steps:      []types.GateStep{{Name: step, Command: "false", Passed: false, ExitCode: types.Int(1)}},
		FailedStep: step,
		Reason:     step + " step exited with code 1",
	}}
}

// fakeBackups hands out a fixed backup and records calls
type fakeBackups struct {
	backup     types.Backup
	createErr  error
	restoreErr error
	mismatched []string

	created  int
	restored int
	deleted  int
}

func (b *fakeBackups) Create(ctx context.Context, files []string) (*types.Backup, error) {
	b.created++
	if b.createErr != nil {
		return nil, b.createErr
	}
	cp := b.backup
	cp.Files = files
	return &cp, nil
}

func (b *fakeBackups) Restore(ctx context.Context, backup *types.Backup) error {
	b.restored++
	return b.restoreErr
}

func (b *fakeBackups) Verify(backup *types.Backup) ([]string, error) {
	return b.mismatched, nil
}

func (b *fakeBackups) Delete(ctx context.Context, backup *types.Backup) error {
	b.deleted++
	return nil
}

// fakeVCS records the git operations it is asked to perform
type fakeVCS struct {
	mergeErr error
	calls    []string
}

func (v *fakeVCS) CreateBranch(ctx context.Context, repoPath, name string) error {
	v.calls = append(v.calls, "create-branch "+name)
	return nil
}

func (v *fakeVCS) Checkout(ctx context.Context, repoPath, name string) error {
	v.calls = append(v.calls, "checkout "+name)
	return nil
}

func (v *fakeVCS) CommitChanges(ctx context.Context, repoPath string, opts git.CommitOptions) (string, error) {
	v.calls = append(v.calls, "commit")
	return "deadbeef", nil
}

func (v *fakeVCS) Merge(ctx context.Context, repoPath string, opts git.MergeOptions) (*git.MergeResult, error) {
	v.calls = append(v.calls, "merge "+opts.Branch+" "+string(opts.Strategy))
	if v.mergeErr != nil {
		return &git.MergeResult{HasConflicts: true}, v.mergeErr
	}
	return &git.MergeResult{Success: true, Commit: "cafebabe"}, nil
}

func (v *fakeVCS) AbortMerge(ctx context.Context, repoPath string) error {
	v.calls = append(v.calls, "abort-merge")
	return nil
}

func (v *fakeVCS) DeleteBranch(ctx context.Context, repoPath, name string) error {
	v.calls = append(v.calls, "delete-branch "+name)
	return nil
}

func (v *fakeVCS) GetDiff(ctx context.Context, repoPath string, staged bool) (string, error) {
	return "", nil
}

func (v *fakeVCS) DiffBranches(ctx context.Context, repoPath, base, branch string) (string, error) {
	return "diff " + base + "..." + branch, nil
}

func (v *fakeVCS) called(prefix string) bool {
	for _, c := range v.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// memoryLog keeps appended records in memory
type memoryLog struct {
	mu      sync.Mutex
	records []types.RunRecord
	err     error
}

func (l *memoryLog) Append(ctx context.Context, rec *types.RunRecord) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, *rec)
	return nil
}

// fakeApprover answers every request the same way and captures the diff
// it was offered
type fakeApprover struct {
	approve bool
	err     error
	reqs    []gates.ApprovalRequest
	diffs   []string
}

func (a *fakeApprover) Approve(ctx context.Context, req gates.ApprovalRequest) (bool, error) {
	a.reqs = append(a.reqs, req)
	if req.Diff != nil {
		diff, err := req.Diff(ctx)
		if err != nil {
			return false, err
		}
		a.diffs = append(a.diffs, diff)
	}
	return a.approve, a.err
}
