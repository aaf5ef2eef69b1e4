package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/types"
)

// ErrRollbackFailed means the repository could not be returned to its
// backed-up state and may be inconsistent. It is the one failure Run
// returns as an error.
var ErrRollbackFailed = errors.New("rollback failed")

// State is a step of the healing state machine
type State string

const (
	StateIdle           State = "IDLE"
	StateSnapshot       State = "SNAPSHOT"
	StateBackup         State = "BACKUP"
	StateHeal           State = "HEAL"
	StateTestGate       State = "TEST_GATE"
	StateCoherenceGuard State = "COHERENCE_GUARD"
	StateApproval       State = "APPROVAL"
	StateMerge          State = "MERGE"
	StateRollback       State = "ROLLBACK"
	StateRecord         State = "RECORD"
)

// ErrorKind classifies why a step or candidate did not succeed
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindSnapshot            ErrorKind = "snapshot_failure"
	KindHealingStrategy     ErrorKind = "healing_strategy_failure"
	KindSandboxTimeout      ErrorKind = "sandbox_timeout"
	KindSandboxBlocked      ErrorKind = "sandbox_blocked_capability"
	KindTestLogicFailure    ErrorKind = "test_logic_failure"
	KindCandidateRejected   ErrorKind = "candidate_rejected"
	KindBackupCreation      ErrorKind = "backup_creation_failure"
	KindApply               ErrorKind = "apply_failure"
	KindTestGate            ErrorKind = "test_gate_failure"
	KindCoherenceRegression ErrorKind = "coherence_regression"
	KindMergeConflict       ErrorKind = "merge_conflict"
	KindMerge               ErrorKind = "merge_failure"
	KindRollback            ErrorKind = "rollback_failure"
	KindHistory             ErrorKind = "history_failure"
)

// StepOutcome records how one state of the machine ended
type StepOutcome struct {
	State  State     `json:"state"`
	OK     bool      `json:"ok"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// CandidateOutcome is the verification result for one healing candidate
type CandidateOutcome struct {
	Path        string    `json:"path"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Before      float64   `json:"before"`
	After       float64   `json:"after"`
	Improvement float64   `json:"improvement"`
}

// candidateOutcome converts a verifier verdict, classifying rejections
// by what the sandbox observed
func candidateOutcome(v coherence.Verdict) CandidateOutcome {
	out := CandidateOutcome{
		Path:        v.Path,
		Accepted:    v.Accepted,
		Reason:      v.Reason,
		Before:      v.Original.Total,
		After:       v.Healed.Total,
		Improvement: v.Record.Improvement,
	}
	if v.Accepted {
		return out
	}
	out.Kind = KindCandidateRejected
	if v.Evidence != nil && v.Evidence.Sandbox != nil {
		switch sb := v.Evidence.Sandbox; {
		case sb.Blocked:
			out.Kind = KindSandboxBlocked
		case sb.TimedOut:
			out.Kind = KindSandboxTimeout
		case sb.IsFail():
			out.Kind = KindTestLogicFailure
		}
	}
	return out
}

// RunResult is everything a run observed. Record is what gets persisted;
// the rest is for callers and notifiers.
type RunResult struct {
	Record     *types.RunRecord
	Snapshot   *types.Snapshot
	Backup     *types.Backup
	Candidates []CandidateOutcome
	Healed     []types.HealingRecord
	Gate       *types.TestGateResult
	Guard      *types.CoherenceGuardResult
	Approval   *types.ApprovalDecision

	// Branch is the healing branch, empty when healing was applied in place
	Branch     string
	BaseBranch string

	// RestoredCoherence is the aggregate re-measured after a rollback
	RestoredCoherence *float64

	States []State
	Steps  []StepOutcome

	// Err is set when the run ended on a failure; errors.Is(Err,
	// ErrRollbackFailed) marks a repository that may be inconsistent
	Err error
}

// FailedKind returns the kind of the first failed step
func (r *RunResult) FailedKind() ErrorKind {
	for _, s := range r.Steps {
		if !s.OK {
			return s.Kind
		}
	}
	return KindNone
}

func (r *RunResult) enter(s State) {
	r.States = append(r.States, s)
}

func (r *RunResult) step(s State, kind ErrorKind, detail string) {
	r.Steps = append(r.Steps, StepOutcome{State: s, OK: kind == KindNone, Kind: kind, Detail: detail})
}

// Summary renders the human-readable run report
func (r *RunResult) Summary() string {
	rec := r.Record
	if rec == nil {
		return ""
	}
	var sb strings.Builder
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(&sb, "%s\n", bold(fmt.Sprintf("=== Healing Run: %s ===", rec.ID)))
	fmt.Fprintf(&sb, "Outcome: %s (%s)\n", rec.Outcome, healthColor(rec.Health)("%s", rec.Health))
	if rec.Whisper != "" {
		fmt.Fprintf(&sb, "%s\n", rec.Whisper)
	}
	fmt.Fprintf(&sb, "Coherence: %.3f -> %.3f (%+.3f)\n", rec.Coherence.Before, rec.Coherence.After, rec.Coherence.Delta)
	fmt.Fprintf(&sb, "Files: %d scanned, %d healed", rec.Healing.FilesScanned, rec.Healing.FilesHealed)
	if rec.Healing.FilesHealed > 0 {
		fmt.Fprintf(&sb, ", avg improvement %+.3f", rec.Healing.AvgImprovement)
	}
	sb.WriteString("\n")

	if r.Branch != "" {
		fmt.Fprintf(&sb, "Branch: %s -> %s\n", r.Branch, r.BaseBranch)
	}
	if r.Backup != nil {
		fmt.Fprintf(&sb, "Backup: %s (%s)\n", r.Backup.ID, r.Backup.Strategy)
	}
	if r.Gate != nil && len(r.Gate.Steps) > 0 {
		sb.WriteString("Test gate:\n")
		for _, s := range r.Gate.Steps {
			mark := color.GreenString("✓")
			if !s.Passed {
				mark = color.RedString("✗")
			}
			fmt.Fprintf(&sb, "  %s %s (%dms)\n", mark, s.Name, s.DurationMs)
		}
		if r.Gate.Reason != "" {
			fmt.Fprintf(&sb, "  %s\n", r.Gate.Reason)
		}
	}
	if r.Approval != nil && r.Approval.RequiresManualReview {
		sb.WriteString("Manual review required:\n")
		for _, reason := range r.Approval.Reasons {
			fmt.Fprintf(&sb, "  - %s\n", reason)
		}
	}
	if len(r.Candidates) > 0 {
		sb.WriteString("Candidates:\n")
		for _, c := range r.Candidates {
			status := color.GreenString("accepted")
			if !c.Accepted {
				status = color.YellowString("rejected")
			}
			fmt.Fprintf(&sb, "  %s %s %.3f -> %.3f: %s\n", status, c.Path, c.Before, c.After, c.Reason)
		}
	}
	if r.RestoredCoherence != nil {
		fmt.Fprintf(&sb, "Restored coherence: %.3f\n", *r.RestoredCoherence)
	}
	if rec.Error != "" {
		fmt.Fprintf(&sb, "%s %s\n", color.RedString("Error:"), rec.Error)
	}
	return sb.String()
}

func healthColor(h types.RunHealth) func(format string, a ...interface{}) string {
	switch h {
	case types.HealthHealthy:
		return color.GreenString
	case types.HealthWarning, types.HealthRolledBack:
		return color.YellowString
	default:
		return color.RedString
	}
}

// Whisper returns the one-line summary attached to a run record
func Whisper(rec *types.RunRecord) string {
	files := func(n int) string {
		if n == 1 {
			return "1 file"
		}
		return fmt.Sprintf("%d files", n)
	}
	switch rec.Outcome {
	case types.OutcomeSkipped:
		return fmt.Sprintf("All files at or above threshold (coherence %.3f); nothing to heal", rec.Coherence.Before)
	case types.OutcomeNoChanges:
		return "No healing candidate passed verification; repository unchanged"
	case types.OutcomeDryRun:
		return fmt.Sprintf("Dry run: would heal %s, coherence %.3f -> %.3f",
			files(rec.Healing.FilesHealed), rec.Coherence.Before, rec.Coherence.After)
	case types.OutcomeMerged:
		return fmt.Sprintf("Healed %s, coherence %.3f -> %.3f",
			files(rec.Healing.FilesHealed), rec.Coherence.Before, rec.Coherence.After)
	case types.OutcomePendingApproval:
		return fmt.Sprintf("Healed %s awaiting review, coherence %.3f -> %.3f",
			files(rec.Healing.FilesHealed), rec.Coherence.Before, rec.Coherence.After)
	case types.OutcomeRolledBack:
		if rec.FailedStep != "" {
			return fmt.Sprintf("Rolled back: %s step failed", rec.FailedStep)
		}
		return "Rolled back: coherence regression"
	case types.OutcomeMergeFailed:
		return "Merge failed; healing branch kept for manual resolution"
	default:
		if rec.FailedStep != "" {
			return fmt.Sprintf("Aborted at %s; repository untouched", rec.FailedStep)
		}
		return "Run aborted"
	}
}
