package gates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/mend/internal/types"
)

// AutoApproveEnv skips the interactive prompt when set to "true"
const AutoApproveEnv = "MEND_AUTO_APPROVE"

// ApprovalPolicy decides when a merge needs a human in the loop
type ApprovalPolicy struct {
	// FileThreshold is the number of healed files above which review is required
	FileThreshold int

	// AutoMerge requests merging without review
	AutoMerge bool

	// AutoMergeThreshold is the aggregate coherence needed for an auto-merge
	AutoMergeThreshold float64

	// RequireApproval forces review of every merge
	RequireApproval bool
}

// EvaluateApproval returns the advisory decision for a run that healed
// filesHealed files and reached postCoherence. Healing exactly
// FileThreshold files does not require review.
func EvaluateApproval(p ApprovalPolicy, filesHealed int, postCoherence float64) types.ApprovalDecision {
	var reasons []string
	if filesHealed > p.FileThreshold {
		reasons = append(reasons, fmt.Sprintf("%d files healed exceeds the review threshold of %d",
			filesHealed, p.FileThreshold))
	}
	if p.AutoMerge && postCoherence < p.AutoMergeThreshold {
		reasons = append(reasons, fmt.Sprintf("coherence %.3f is below the auto-merge threshold %.3f",
			postCoherence, p.AutoMergeThreshold))
	}
	if p.RequireApproval {
		reasons = append(reasons, "manual approval is required for every merge")
	}
	return types.ApprovalDecision{
		Approved:             len(reasons) == 0,
		RequiresManualReview: len(reasons) > 0,
		Reasons:              reasons,
	}
}

// ApprovalRequest is what a reviewer sees before a healing branch is merged
type ApprovalRequest struct {
	RunID      string
	Branch     string
	BaseBranch string
	Decision   types.ApprovalDecision
	Gate       types.TestGateResult
	Guard      types.CoherenceGuardResult
	Changes    []types.ChangeSummary

	// Diff returns the full diff on demand; may be nil
	Diff func(ctx context.Context) (string, error)
}

// LineReader reads one line of user input
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// PromptApprover asks a human on the terminal whether to merge
type PromptApprover struct {
	in  LineReader
	out io.Writer
}

// NewPromptApprover creates a terminal approver backed by readline
func NewPromptApprover() (*PromptApprover, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Approve merge? [y/n/d=show diff]: ",
		InterruptPrompt: "^C",
		EOFPrompt:       "n",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &PromptApprover{in: rl, out: os.Stdout}, nil
}

// NewPromptApproverWith creates an approver over the given input and output
func NewPromptApproverWith(in LineReader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: in, out: out}
}

// Close releases the terminal
func (a *PromptApprover) Close() error {
	return a.in.Close()
}

// Approve presents the summary and returns the user's decision.
// End of input counts as a rejection.
func (a *PromptApprover) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	if os.Getenv(AutoApproveEnv) == "true" {
		fmt.Fprintf(a.out, "Auto-approved via %s environment variable\n", AutoApproveEnv)
		return true, nil
	}

	fmt.Fprintln(a.out, "\n"+strings.Repeat("=", 80))
	fmt.Fprint(a.out, BuildApprovalSummary(req))
	fmt.Fprintln(a.out, strings.Repeat("=", 80))

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		line, err := a.in.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return false, nil
			}
			return false, fmt.Errorf("failed to get user input: %w", err)
		}

		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		case "d", "diff":
			if req.Diff == nil {
				fmt.Fprintln(a.out, "No diff available")
				continue
			}
			diff, err := req.Diff(ctx)
			if err != nil {
				fmt.Fprintf(a.out, "Error showing diff: %v\n", err)
				continue
			}
			fmt.Fprintln(a.out, diff)
		default:
			fmt.Fprintf(a.out, "Invalid input '%s'. Please enter y, n, or d.\n", strings.TrimSpace(line))
		}
	}
}

// BuildApprovalSummary renders the review summary for a healing run
func BuildApprovalSummary(req ApprovalRequest) string {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== Healing Run: %s ===\n\n", req.RunID))
	sb.WriteString(fmt.Sprintf("Branch: %s -> %s\n", req.Branch, req.BaseBranch))
	sb.WriteString(fmt.Sprintf("Guard: %s\n\n", DescribeGuard(req.Guard)))

	if len(req.Decision.Reasons) > 0 {
		sb.WriteString("Review required because:\n")
		for _, r := range req.Decision.Reasons {
			sb.WriteString(fmt.Sprintf("  %s %s\n", yellow("!"), r))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Test Gate:\n")
	if len(req.Gate.Steps) == 0 {
		sb.WriteString("  (no steps configured)\n")
	}
	for _, s := range req.Gate.Steps {
		status := green("✓ PASS")
		if !s.Passed {
			status = red("✗ FAIL")
		}
		sb.WriteString(fmt.Sprintf("  %s: %s\n", status, s.Name))
	}
	sb.WriteString("\n")

	if len(req.Changes) > 0 {
		sb.WriteString(fmt.Sprintf("Healed Files (%d):\n", len(req.Changes)))
		for _, c := range req.Changes {
			sb.WriteString(fmt.Sprintf("  %s  %.3f -> %.3f (%+.3f)\n", c.Path, c.Before, c.After, c.Improvement))
		}
	} else {
		sb.WriteString("Healed Files: None\n")
	}
	return sb.String()
}
