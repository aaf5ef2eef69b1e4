package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Refs reads and writes branch pointers directly in the repository storage,
// without touching the index or the working tree. Backups use it to pin the
// pre-heal commit.
type Refs struct {
	repo *gogit.Repository
}

// OpenRefs opens the repository containing path.
func OpenRefs(path string) (*Refs, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotARepository)
		}
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	return &Refs{repo: repo}, nil
}

// Head returns the checked-out branch (empty when detached) and the HEAD commit.
func (r *Refs) Head() (branch, commit string, err error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return branch, ref.Hash().String(), nil
}

// CreateBranch points a new branch at commit. It fails if the branch exists.
func (r *Refs) CreateBranch(name, commit string) error {
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, false); err == nil {
		return fmt.Errorf("branch %s already exists", name)
	}
	hash := plumbing.NewHash(commit)
	if hash.IsZero() {
		return fmt.Errorf("invalid commit %q", commit)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// ResolveBranch returns the commit a branch points at.
func (r *Refs) ResolveBranch(name string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("resolving branch %s: %w", name, err)
	}
	return ref.Hash().String(), nil
}

// BranchExists reports whether a local branch exists.
func (r *Refs) BranchExists(name string) bool {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// DeleteBranch removes a branch pointer. Deleting a missing branch is not an error.
func (r *Refs) DeleteBranch(name string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	return nil
}
