package git

import (
	"context"
	"errors"
)

var (
	// ErrNotARepository is returned when a path is not inside a git work tree
	ErrNotARepository = errors.New("not a git repository")

	// ErrMergeConflict is returned when a merge stops on conflicting changes
	ErrMergeConflict = errors.New("merge conflict")
)

// GitOperations provides the git operations the healing pipeline needs.
// This interface is designed to be implementation-agnostic,
// allowing for testing with mock implementations.
type GitOperations interface {
	// IsRepo reports whether repoPath is inside a git work tree.
	IsRepo(ctx context.Context, repoPath string) bool

	// GetStatus returns detailed git status information.
	GetStatus(ctx context.Context, repoPath string) (*Status, error)

	// IsClean reports whether the given paths have no uncommitted changes.
	// With no paths it checks the whole work tree.
	IsClean(ctx context.Context, repoPath string, paths ...string) (bool, error)

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context, repoPath string) (string, error)

	// HeadCommit returns the full hash of HEAD.
	HeadCommit(ctx context.Context, repoPath string) (string, error)

	// CreateBranch creates and checks out a branch starting at HEAD.
	CreateBranch(ctx context.Context, repoPath, name string) error

	// Checkout switches to an existing branch.
	Checkout(ctx context.Context, repoPath, name string) error

	// CommitChanges creates a commit with the given message.
	// Returns the commit hash if successful.
	CommitChanges(ctx context.Context, repoPath string, opts CommitOptions) (string, error)

	// Merge merges a branch into the current branch.
	Merge(ctx context.Context, repoPath string, opts MergeOptions) (*MergeResult, error)

	// AbortMerge abandons an in-progress merge.
	AbortMerge(ctx context.Context, repoPath string) error

	// ResetHard moves the current branch to commit and discards changes.
	ResetHard(ctx context.Context, repoPath, commit string) error

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, repoPath, name string) error
}

// Status represents the git status of a repository.
type Status struct {
	// Modified files (staged or unstaged)
	Modified []string

	// Untracked files
	Untracked []string

	// Deleted files
	Deleted []string

	// Added files (staged)
	Added []string

	// Renamed files
	Renamed []string

	// HasChanges is true if any changes exist
	HasChanges bool
}

// CommitOptions configures a git commit operation.
type CommitOptions struct {
	// Message is the commit message
	Message string

	// Author specifies the author (optional, uses git config if empty)
	Author string

	// Paths limits staging to these files; empty with AddAll stages everything
	Paths []string

	// AddAll stages all changes before committing (git add -A)
	AddAll bool

	// AllowEmpty allows creating an empty commit
	AllowEmpty bool
}

// MergeStrategy selects how a healing branch is merged back
type MergeStrategy string

const (
	// MergeSquash folds the branch into a single commit on the target
	MergeSquash MergeStrategy = "squash"

	// MergeFastForward only advances the target when no merge commit is needed
	MergeFastForward MergeStrategy = "ff-only"
)

// MergeOptions configures a git merge operation.
type MergeOptions struct {
	// Branch is the branch to merge into the current branch
	Branch string

	// Strategy defaults to MergeSquash
	Strategy MergeStrategy

	// Message is the commit message for squash merges
	Message string
}

// MergeResult contains the outcome of a merge operation.
type MergeResult struct {
	// Success indicates whether the merge completed
	Success bool

	// Commit is HEAD after a successful merge
	Commit string

	// HasConflicts indicates whether merge conflicts were detected
	HasConflicts bool

	// ConflictedFiles lists files with merge conflicts
	ConflictedFiles []string

	// ErrorMessage contains any error message from the merge operation
	ErrorMessage string
}
