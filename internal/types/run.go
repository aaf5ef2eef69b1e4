package types

import (
	"fmt"
	"time"
)

// SandboxResult is the outcome of executing code and its tests in the sandbox.
// Passed is nil when no runtime for the language was available.
type SandboxResult struct {
	Passed    *bool         `json:"passed"`
	Output    string        `json:"output"`
	Language  Language      `json:"language"`
	Sandboxed bool          `json:"sandboxed"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Blocked   bool          `json:"blocked,omitempty"`
	Runtime   string        `json:"runtime,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}

// Int returns a pointer to i
func Int(i int) *int {
	return &i
}

// IsPass reports whether the sandbox positively verified the code
func (r SandboxResult) IsPass() bool {
	return r.Passed != nil && *r.Passed
}

// IsFail reports whether the sandbox positively rejected the code
func (r SandboxResult) IsFail() bool {
	return r.Passed != nil && !*r.Passed
}

// IsUnavailable reports whether the code could not be executed at all
func (r SandboxResult) IsUnavailable() bool {
	return r.Passed == nil
}

// BackupStrategy selects how a Backup captures repository state
type BackupStrategy string

const (
	BackupGitBranch BackupStrategy = "git-branch"
	BackupFileCopy  BackupStrategy = "file-copy"
	BackupAuto      BackupStrategy = "auto"
)

// IsValid checks if the strategy value is valid
func (s BackupStrategy) IsValid() bool {
	switch s {
	case BackupGitBranch, BackupFileCopy, BackupAuto:
		return true
	}
	return false
}

// Backup records what is needed to restore the repository to its pre-healing state
type Backup struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Strategy   BackupStrategy    `json:"strategy"`
	BaseBranch string            `json:"base_branch,omitempty"`
	HeadCommit string            `json:"head_commit,omitempty"`
	BranchName string            `json:"branch_name,omitempty"`
	BackupDir  string            `json:"backup_dir,omitempty"`
	Files      []string          `json:"files"`
	Checksums  map[string]string `json:"checksums"`
}

// Validate checks that the backup carries what its strategy needs to restore
func (b *Backup) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("backup id cannot be empty")
	}
	switch b.Strategy {
	case BackupGitBranch:
		if b.HeadCommit == "" || b.BranchName == "" {
			return fmt.Errorf("git-branch backup requires head commit and branch name")
		}
	case BackupFileCopy:
		if b.BackupDir == "" {
			return fmt.Errorf("file-copy backup requires a backup directory")
		}
	default:
		return fmt.Errorf("invalid backup strategy: %q", b.Strategy)
	}
	return nil
}

// GateStep is one command executed by the test gate
type GateStep struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	Passed     bool   `json:"passed"`
	DurationMs int64  `json:"duration_ms"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// TestGateResult is the outcome of running the configured build/test commands
type TestGateResult struct {
	Passed     bool       `json:"passed"`
	Steps      []GateStep `json:"steps"`
	FailedStep string     `json:"failed_step,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// GuardSeverity classifies a coherence delta
type GuardSeverity string

const (
	SeverityCritical GuardSeverity = "critical"
	SeverityWarning  GuardSeverity = "warning"
	SeverityNeutral  GuardSeverity = "neutral"
	SeverityPositive GuardSeverity = "positive"
)

// CoherenceGuardResult compares aggregate coherence before and after healing
type CoherenceGuardResult struct {
	PreCoherence  float64       `json:"pre_coherence"`
	PostCoherence float64       `json:"post_coherence"`
	Delta         float64       `json:"delta"`
	Dropped       bool          `json:"dropped"`
	Severity      GuardSeverity `json:"severity"`
	Projected     bool          `json:"projected"`
}

// ApprovalDecision is advisory: the caller decides whether to proceed
type ApprovalDecision struct {
	Approved             bool     `json:"approved"`
	RequiresManualReview bool     `json:"requires_manual_review"`
	Reasons              []string `json:"reasons,omitempty"`
}

// RunHealth is the overall health verdict recorded for a run
type RunHealth string

const (
	HealthHealthy    RunHealth = "healthy"
	HealthWarning    RunHealth = "warning"
	HealthRolledBack RunHealth = "rolled-back"
	HealthAborted    RunHealth = "aborted"
	HealthFailed     RunHealth = "failed"
)

// RunOutcome is the terminal state a run reached
type RunOutcome string

const (
	OutcomeMerged          RunOutcome = "merged"
	OutcomeRolledBack      RunOutcome = "rolled_back"
	OutcomeAborted         RunOutcome = "aborted"
	OutcomeSkipped         RunOutcome = "skipped"
	OutcomeNoChanges       RunOutcome = "no_changes"
	OutcomePendingApproval RunOutcome = "pending_approval"
	OutcomeDryRun          RunOutcome = "dry_run"
	OutcomeMergeFailed     RunOutcome = "merge_failed"
)

// CoherenceDelta is the before/after aggregate of a run
type CoherenceDelta struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// HealingSummary aggregates the healing phase of a run
type HealingSummary struct {
	FilesScanned   int     `json:"files_scanned"`
	FilesHealed    int     `json:"files_healed"`
	AvgImprovement float64 `json:"avg_improvement"`
}

// ChangeSummary describes one healed file in the run record
type ChangeSummary struct {
	Path        string  `json:"path"`
	Before      float64 `json:"before"`
	After       float64 `json:"after"`
	Improvement float64 `json:"improvement"`
}

// RunRecord is the append-only history entry written at the end of every run
type RunRecord struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Trigger    string          `json:"trigger"`
	Coherence  CoherenceDelta  `json:"coherence"`
	Healing    HealingSummary  `json:"healing"`
	Changes    []ChangeSummary `json:"changes"`
	Whisper    string          `json:"whisper"`
	Health     RunHealth       `json:"health"`
	Outcome    RunOutcome      `json:"outcome"`
	Skipped    bool            `json:"skipped,omitempty"`
	Aborted    bool            `json:"aborted,omitempty"`
	FailedStep string          `json:"failed_step,omitempty"`
	RolledBack bool            `json:"rolled_back,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Validate checks required fields before a record is persisted
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("run timestamp cannot be zero")
	}
	if r.Health == "" {
		return fmt.Errorf("run health cannot be empty")
	}
	return nil
}

// HealedPaths returns the paths of every changed file in the run
func (r *RunRecord) HealedPaths() []string {
	paths := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		paths = append(paths, c.Path)
	}
	return paths
}
