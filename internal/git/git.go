package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Git implements GitOperations using the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	// Verify git works
	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// run executes git in repoPath and returns stdout. Failures carry stderr.
func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, append([]string{"-C", repoPath}, args...)...)
	// Never block on a credential prompt or an editor
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s failed in %s: %w: %s", args[0], repoPath, err, msg)
	}
	return stdout.String(), nil
}

// IsRepo reports whether repoPath is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, repoPath string) bool {
	out, err := g.run(ctx, repoPath, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HasUncommittedChanges checks if there are uncommitted changes.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	status, err := g.GetStatus(ctx, repoPath)
	if err != nil {
		return false, fmt.Errorf("failed to check uncommitted changes in %s: %w", repoPath, err)
	}
	return status.HasChanges, nil
}

// HasTrackedChanges reports whether any tracked file differs from HEAD.
// Untracked files are ignored.
func (g *Git) HasTrackedChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := g.run(ctx, repoPath, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, fmt.Errorf("failed to check tracked changes in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// GetStatus returns the git status of the repository.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	return g.status(ctx, repoPath)
}

func (g *Git) status(ctx context.Context, repoPath string, paths ...string) (*Status, error) {
	// Use git status --porcelain for machine-readable output
	args := []string{"status", "--porcelain"}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	output, err := g.run(ctx, repoPath, args...)
	if err != nil {
		if !g.IsRepo(ctx, repoPath) {
			return nil, fmt.Errorf("%s: %w", repoPath, ErrNotARepository)
		}
		return nil, err
	}

	status := &Status{
		Modified:   []string{},
		Untracked:  []string{},
		Deleted:    []string{},
		Added:      []string{},
		Renamed:    []string{},
		HasChanges: false,
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		statusCode := line[0:2]
		filePath := line[3:]

		// Parse status codes: XY where X=index, Y=working tree
		// Reference: https://git-scm.com/docs/git-status#_short_format
		switch {
		case strings.HasPrefix(statusCode, "??"):
			status.Untracked = append(status.Untracked, filePath)
		case strings.HasPrefix(statusCode, "A "), strings.HasPrefix(statusCode, "AM"):
			status.Added = append(status.Added, filePath)
		case strings.HasPrefix(statusCode, "M "), strings.HasPrefix(statusCode, " M"), strings.HasPrefix(statusCode, "MM"):
			status.Modified = append(status.Modified, filePath)
		case strings.HasPrefix(statusCode, "D "), strings.HasPrefix(statusCode, " D"):
			status.Deleted = append(status.Deleted, filePath)
		case strings.HasPrefix(statusCode, "R "):
			status.Renamed = append(status.Renamed, filePath)
		default:
			// Other changes (copied, updated but unmerged, etc.)
			status.Modified = append(status.Modified, filePath)
		}

		status.HasChanges = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse git status: %w", err)
	}

	return status, nil
}

// IsClean reports whether paths (or the whole work tree) have no uncommitted changes.
func (g *Git) IsClean(ctx context.Context, repoPath string, paths ...string) (bool, error) {
	status, err := g.status(ctx, repoPath, paths...)
	if err != nil {
		return false, err
	}
	return !status.HasChanges, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the full hash of HEAD.
func (g *Git) HeadCommit(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CreateBranch creates and checks out name starting at HEAD.
func (g *Git) CreateBranch(ctx context.Context, repoPath, name string) error {
	if _, err := g.run(ctx, repoPath, "checkout", "-b", name); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(ctx context.Context, repoPath, name string) error {
	if _, err := g.run(ctx, repoPath, "checkout", name); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", name, err)
	}
	return nil
}

// CommitChanges creates a git commit.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) CommitChanges(ctx context.Context, repoPath string, opts CommitOptions) (string, error) {
	if opts.Message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	// Stage changes if requested
	switch {
	case len(opts.Paths) > 0:
		args := append([]string{"add", "--"}, opts.Paths...)
		if _, err := g.run(ctx, repoPath, args...); err != nil {
			return "", err
		}
	case opts.AddAll:
		if _, err := g.run(ctx, repoPath, "add", "-A"); err != nil {
			return "", err
		}
	}

	// Build commit command
	args := []string{"commit", "-m", opts.Message}
	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := g.run(ctx, repoPath, args...); err != nil {
		return "", err
	}

	return g.HeadCommit(ctx, repoPath)
}

// Merge merges opts.Branch into the current branch. A conflicting merge is
// left in place with HasConflicts set and an error wrapping ErrMergeConflict;
// the caller decides whether to AbortMerge.
func (g *Git) Merge(ctx context.Context, repoPath string, opts MergeOptions) (*MergeResult, error) {
	if opts.Branch == "" {
		return nil, fmt.Errorf("merge branch is required")
	}
	result := &MergeResult{}

	switch opts.Strategy {
	case MergeFastForward:
		if _, err := g.run(ctx, repoPath, "merge", "--ff-only", opts.Branch); err != nil {
			result.ErrorMessage = err.Error()
			return result, fmt.Errorf("cannot fast-forward to %s: %w", opts.Branch, ErrMergeConflict)
		}

	case MergeSquash, "":
		if _, err := g.run(ctx, repoPath, "merge", "--squash", opts.Branch); err != nil {
			result.ErrorMessage = err.Error()
			if g.hasConflicts(ctx, repoPath) {
				result.HasConflicts = true
				result.ConflictedFiles = g.getConflictedFiles(ctx, repoPath)
				return result, fmt.Errorf("merging %s: %w", opts.Branch, ErrMergeConflict)
			}
			return result, err
		}
		staged, err := g.hasStagedChanges(ctx, repoPath)
		if err != nil {
			return result, err
		}
		// An identical branch squashes to nothing
		if staged {
			message := opts.Message
			if message == "" {
				message = "Squash merge " + opts.Branch
			}
			if _, err := g.run(ctx, repoPath, "commit", "-m", message); err != nil {
				result.ErrorMessage = err.Error()
				return result, err
			}
		}

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", opts.Strategy)
	}

	commit, err := g.HeadCommit(ctx, repoPath)
	if err != nil {
		return result, err
	}
	result.Success = true
	result.Commit = commit
	return result, nil
}

// AbortMerge abandons an in-progress merge. Squash merges leave no MERGE_HEAD,
// so the index is reset instead.
func (g *Git) AbortMerge(ctx context.Context, repoPath string) error {
	if _, err := g.run(ctx, repoPath, "merge", "--abort"); err == nil {
		return nil
	}
	if _, err := g.run(ctx, repoPath, "reset", "--merge"); err != nil {
		return fmt.Errorf("failed to abort merge: %w", err)
	}
	return nil
}

// ResetHard moves the current branch to commit and discards working tree changes.
func (g *Git) ResetHard(ctx context.Context, repoPath, commit string) error {
	if _, err := g.run(ctx, repoPath, "reset", "--hard", commit); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", commit, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, name string) error {
	if _, err := g.run(ctx, repoPath, "branch", "-D", name); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// ListBranches returns local branches matching a glob such as "mend/heal-*".
func (g *Git) ListBranches(ctx context.Context, repoPath, pattern string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+pattern)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// GetBranchTimestamp returns the committer time of a branch tip.
func (g *Git) GetBranchTimestamp(ctx context.Context, repoPath, branch string) (time.Time, error) {
	out, err := g.run(ctx, repoPath, "log", "-1", "--format=%ct", branch)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp of %s: %w", branch, err)
	}
	return time.Unix(secs, 0), nil
}

// GetDiff returns the git diff output for the repository.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) GetDiff(ctx context.Context, repoPath string, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--staged")
	}
	return g.run(ctx, repoPath, args...)
}

// DiffBranches returns the changes branch made since it forked from base.
func (g *Git) DiffBranches(ctx context.Context, repoPath, base, branch string) (string, error) {
	return g.run(ctx, repoPath, "diff", base+"..."+branch)
}

func (g *Git) hasStagedChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := g.run(ctx, repoPath, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// hasConflicts checks if there are unmerged files (merge conflicts).
// This uses git diff --diff-filter=U which specifically checks for unmerged paths.
func (g *Git) hasConflicts(ctx context.Context, repoPath string) bool {
	return len(g.getConflictedFiles(ctx, repoPath)) > 0
}

// getConflictedFiles returns a list of files with merge conflicts.
func (g *Git) getConflictedFiles(ctx context.Context, repoPath string) []string {
	output, err := g.run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return []string{}
	}

	var files []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}

	return files
}
