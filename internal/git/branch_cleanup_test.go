package git

import (
	"context"
	"strings"
	"testing"
	"time"
)

// TestFindHealingBranches tests the healing branch detection logic
func TestFindHealingBranches(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	gitOps := newGit(t)

	runGit(t, dir, "branch", "mend/heal-1111")
	runGit(t, dir, "branch", "mend/backup-2222")
	runGit(t, dir, "branch", "feature/test")

	branches, err := gitOps.FindHealingBranches(ctx, dir, "mend/")
	if err != nil {
		t.Fatalf("FindHealingBranches failed: %v", err)
	}
	if len(branches) != 1 || branches[0].Name != "mend/heal-1111" {
		t.Fatalf("Expected only mend/heal-1111, got %+v", branches)
	}
	if branches[0].Timestamp.IsZero() {
		t.Error("Expected branch timestamp")
	}

	// The checked-out healing branch is never reported
	runGit(t, dir, "checkout", "mend/heal-1111")
	branches, err = gitOps.FindHealingBranches(ctx, dir, "mend/")
	if err != nil {
		t.Fatalf("FindHealingBranches failed: %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("Expected checked-out branch to be skipped, got %+v", branches)
	}
}

func TestCleanupHealingBranches(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	gitOps := newGit(t)

	runGit(t, dir, "branch", "mend/heal-old")

	// Too recent for a one-day retention
	removed, err := gitOps.CleanupHealingBranches(ctx, dir, "mend/", 24*time.Hour, false, nil)
	if err != nil {
		t.Fatalf("CleanupHealingBranches failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("Expected nothing removed, got %+v", removed)
	}

	// Dry run reports but keeps the branch
	removed, err = gitOps.CleanupHealingBranches(ctx, dir, "mend/", 0, true, nil)
	if err != nil {
		t.Fatalf("CleanupHealingBranches failed: %v", err)
	}
	if len(removed) != 1 {
		t.Errorf("Expected one branch in dry run, got %+v", removed)
	}
	if branches, _ := gitOps.ListBranches(ctx, dir, "mend/*"); len(branches) != 1 {
		t.Errorf("Expected branch to survive dry run, got %v", branches)
	}

	removed, err = gitOps.CleanupHealingBranches(ctx, dir, "mend/", 0, false, nil)
	if err != nil {
		t.Fatalf("CleanupHealingBranches failed: %v", err)
	}
	if len(removed) != 1 {
		t.Errorf("Expected one branch removed, got %+v", removed)
	}
	if branches, _ := gitOps.ListBranches(ctx, dir, "mend/*"); len(branches) != 0 {
		t.Errorf("Expected branch deleted, got %v", branches)
	}
}

func TestHealingBranchSummary(t *testing.T) {
	if got := HealingBranchSummary(nil); got != "No healing branches found." {
		t.Errorf("Unexpected empty summary: %q", got)
	}

	summary := HealingBranchSummary([]HealingBranch{
		{Name: "mend/heal-a", Age: 2 * 24 * time.Hour},
		{Name: "mend/heal-b", Age: 10 * 24 * time.Hour},
		{Name: "mend/heal-c", Age: 40 * 24 * time.Hour},
	})
	for _, want := range []string{
		"Found 3 healing branch(es)",
		"Recent (< 7 days):\n  - mend/heal-a (2.0 days old)",
		"Old (7-30 days):\n  - mend/heal-b (10.0 days old)",
		"Very Old (> 30 days):\n  - mend/heal-c (40.0 days old)",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}
}
