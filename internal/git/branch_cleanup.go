package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HealingBranch is a healing branch left behind by a run that was not merged,
// usually because it is waiting for approval or the process was interrupted
type HealingBranch struct {
	Name      string
	Timestamp time.Time
	Age       time.Duration
}

// FindHealingBranches lists "<prefix>heal-*" branches other than the
// checked-out one.
// SECURITY: repoPath must be a validated, trusted path.
func (g *Git) FindHealingBranches(ctx context.Context, repoPath, prefix string) ([]HealingBranch, error) {
	branches, err := g.ListBranches(ctx, repoPath, prefix+"heal-*")
	if err != nil {
		return nil, fmt.Errorf("failed to list healing branches: %w", err)
	}

	current, err := g.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	var found []HealingBranch
	now := time.Now()

	for _, branch := range branches {
		if branch == current {
			continue
		}
		timestamp, err := g.GetBranchTimestamp(ctx, repoPath, branch)
		if err != nil {
			// Skip branches we can't get timestamps for
			continue
		}
		found = append(found, HealingBranch{
			Name:      branch,
			Timestamp: timestamp,
			Age:       now.Sub(timestamp),
		})
	}

	return found, nil
}

// CleanupHealingBranches deletes healing branches older than retention and
// returns the ones removed. If dryRun is true, branches are identified but not
// deleted.
// SECURITY: repoPath must be a validated, trusted path.
func (g *Git) CleanupHealingBranches(ctx context.Context, repoPath, prefix string, retention time.Duration, dryRun bool, logger *zap.Logger) ([]HealingBranch, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	branches, err := g.FindHealingBranches(ctx, repoPath, prefix)
	if err != nil {
		return nil, err
	}

	var removed []HealingBranch
	for _, branch := range branches {
		if branch.Age < retention {
			// Branch is too recent to delete
			continue
		}

		if dryRun {
			logger.Info("would delete healing branch",
				zap.String("branch", branch.Name),
				zap.Duration("age", branch.Age))
			removed = append(removed, branch)
			continue
		}

		if err := g.DeleteBranch(ctx, repoPath, branch.Name); err != nil {
			// Log error but continue with other branches
			logger.Warn("failed to delete healing branch", zap.String("branch", branch.Name), zap.Error(err))
			continue
		}

		logger.Info("deleted healing branch",
			zap.String("branch", branch.Name),
			zap.Duration("age", branch.Age))
		removed = append(removed, branch)
	}

	return removed, nil
}

// HealingBranchSummary renders branches grouped by age for display.
func HealingBranchSummary(branches []HealingBranch) string {
	if len(branches) == 0 {
		return "No healing branches found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d healing branch(es):\n\n", len(branches)))

	// Group by age
	var recent, old, veryOld []HealingBranch
	for _, branch := range branches {
		days := branch.Age.Hours() / 24
		if days < 7 {
			recent = append(recent, branch)
		} else if days < 30 {
			old = append(old, branch)
		} else {
			veryOld = append(veryOld, branch)
		}
	}

	group := func(title string, list []HealingBranch) {
		if len(list) == 0 {
			return
		}
		sb.WriteString(title + ":\n")
		for _, b := range list {
			sb.WriteString(fmt.Sprintf("  - %s (%.1f days old)\n", b.Name, b.Age.Hours()/24))
		}
		sb.WriteString("\n")
	}
	group("Recent (< 7 days)", recent)
	group("Old (7-30 days)", old)
	group("Very Old (> 30 days)", veryOld)

	return sb.String()
}
