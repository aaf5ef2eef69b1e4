// Package backup captures repository state before healing touches it and
// restores that state on rollback.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/types"
)

// ErrBackupFailed wraps every failure to create a backup. Nothing in the
// repository has been modified when it is returned.
var ErrBackupFailed = errors.New("backup failed")

// absent marks a file that did not exist when the backup was taken
const absent = ""

const manifestName = "manifest.json"

// VCS is the subset of git operations backups need
type VCS interface {
	IsRepo(ctx context.Context, repoPath string) bool
	IsClean(ctx context.Context, repoPath string, paths ...string) (bool, error)
	HasTrackedChanges(ctx context.Context, repoPath string) (bool, error)
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	HeadCommit(ctx context.Context, repoPath string) (string, error)
	Checkout(ctx context.Context, repoPath, name string) error
	ResetHard(ctx context.Context, repoPath, commit string) error
}

// Config configures a Manager
type Config struct {
	// Root is the repository root; backed-up paths are relative to it
	Root string

	// Strategy defaults to auto: a git branch when the files are committed,
	// otherwise a file copy
	Strategy types.BackupStrategy

	// Dir holds file copies and manifests (default <root>/.mend/backups)
	Dir string

	// BranchPrefix namespaces backup branches (default "mend/")
	BranchPrefix string

	// Git is nil when version control is unavailable
	Git    VCS
	Logger *zap.Logger
}

// Manager creates, restores and deletes backups
type Manager struct {
	cfg    Config
	logger *zap.Logger
}

// NewManager creates a backup manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root path %q: %w", cfg.Root, err)
	}
	cfg.Root = root
	if cfg.Strategy == "" {
		cfg.Strategy = types.BackupAuto
	}
	if !cfg.Strategy.IsValid() {
		return nil, fmt.Errorf("invalid backup strategy %q", cfg.Strategy)
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(root, ".mend", "backups")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "mend/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger.Named("backup")}, nil
}

// Create backs up files before they are modified. On failure nothing is
// left behind and the error wraps ErrBackupFailed.
func (m *Manager) Create(ctx context.Context, files []string) (*types.Backup, error) {
	files = normalize(files)
	checksums, err := m.checksums(files)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	b := &types.Backup{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Files:     files,
		Checksums: checksums,
	}

	strategy := m.cfg.Strategy
	if strategy == types.BackupAuto {
		strategy = m.chooseStrategy(ctx, files)
	}

	switch strategy {
	case types.BackupGitBranch:
		err = m.createBranch(ctx, b)
		if err != nil && m.cfg.Strategy == types.BackupAuto {
			m.logger.Warn("git-branch backup failed, falling back to file copy", zap.Error(err))
			err = m.createCopy(b)
		}
	default:
		err = m.createCopy(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	if err := m.writeManifest(b); err != nil {
		_ = m.Delete(ctx, b)
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	m.logger.Info("backup created",
		zap.String("backup_id", b.ID),
		zap.String("strategy", string(b.Strategy)),
		zap.Int("files", len(files)))
	return b, nil
}

// chooseStrategy prefers a branch pointer, which is free, but only when a
// hard reset to HEAD would bring back exactly the current tree
func (m *Manager) chooseStrategy(ctx context.Context, files []string) types.BackupStrategy {
	if m.cfg.Git == nil || !m.cfg.Git.IsRepo(ctx, m.cfg.Root) {
		return types.BackupFileCopy
	}
	clean, err := m.cfg.Git.IsClean(ctx, m.cfg.Root, files...)
	if err != nil || !clean {
		m.logger.Debug("files have uncommitted changes, using file copy")
		return types.BackupFileCopy
	}
	// Restoring a branch backup hard-resets the tree, which would also
	// discard unrelated edits to other tracked files
	dirty, err := m.cfg.Git.HasTrackedChanges(ctx, m.cfg.Root)
	if err != nil || dirty {
		m.logger.Debug("work tree has uncommitted changes, using file copy")
		return types.BackupFileCopy
	}
	return types.BackupGitBranch
}

func (m *Manager) createBranch(ctx context.Context, b *types.Backup) error {
	if m.cfg.Git == nil {
		return fmt.Errorf("git-branch backup needs git")
	}
	if !m.cfg.Git.IsRepo(ctx, m.cfg.Root) {
		return fmt.Errorf("%s: %w", m.cfg.Root, git.ErrNotARepository)
	}
	head, err := m.cfg.Git.HeadCommit(ctx, m.cfg.Root)
	if err != nil {
		return err
	}
	branch, err := m.cfg.Git.CurrentBranch(ctx, m.cfg.Root)
	if err != nil {
		return err
	}
	refs, err := git.OpenRefs(m.cfg.Root)
	if err != nil {
		return err
	}
	name := m.cfg.BranchPrefix + "backup-" + b.ID[:8]
	if err := refs.CreateBranch(name, head); err != nil {
		return err
	}

	b.Strategy = types.BackupGitBranch
	b.BaseBranch = branch
	b.HeadCommit = head
	b.BranchName = name
	b.BackupDir = filepath.Join(m.cfg.Dir, b.ID)
	return nil
}

func (m *Manager) createCopy(b *types.Backup) error {
	dir := filepath.Join(m.cfg.Dir, b.ID)
	for _, rel := range b.Files {
		if b.Checksums[rel] == absent {
			continue
		}
		if err := copyFile(filepath.Join(m.cfg.Root, rel), filepath.Join(dir, "files", rel)); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("copying %s: %w", rel, err)
		}
	}
	b.Strategy = types.BackupFileCopy
	b.BackupDir = dir
	return nil
}

// Restore brings the backed-up files back to their recorded state. A
// git-branch backup checks out the base branch and hard-resets it to the
// recorded commit; a file copy rewrites each file and removes files that did
// not exist.
func (m *Manager) Restore(ctx context.Context, b *types.Backup) error {
	if err := b.Validate(); err != nil {
		return err
	}

	switch b.Strategy {
	case types.BackupGitBranch:
		if m.cfg.Git == nil {
			return fmt.Errorf("restoring git-branch backup needs git")
		}
		if b.BaseBranch != "" && b.BaseBranch != "HEAD" {
			if err := m.cfg.Git.Checkout(ctx, m.cfg.Root, b.BaseBranch); err != nil {
				// A dirty tree can block checkout; the reset below discards it
				if rerr := m.cfg.Git.ResetHard(ctx, m.cfg.Root, "HEAD"); rerr != nil {
					return err
				}
				if err := m.cfg.Git.Checkout(ctx, m.cfg.Root, b.BaseBranch); err != nil {
					return err
				}
			}
		}
		if err := m.cfg.Git.ResetHard(ctx, m.cfg.Root, b.HeadCommit); err != nil {
			return err
		}

	case types.BackupFileCopy:
		for _, rel := range b.Files {
			target := filepath.Join(m.cfg.Root, rel)
			if b.Checksums[rel] == absent {
				if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("removing %s: %w", rel, err)
				}
				continue
			}
			if err := copyFile(filepath.Join(b.BackupDir, "files", rel), target); err != nil {
				return fmt.Errorf("restoring %s: %w", rel, err)
			}
		}
	}

	m.logger.Info("backup restored", zap.String("backup_id", b.ID), zap.String("strategy", string(b.Strategy)))
	return nil
}

// Verify compares the current files against the backup checksums and returns
// the paths that differ
func (m *Manager) Verify(b *types.Backup) ([]string, error) {
	current, err := m.checksums(b.Files)
	if err != nil {
		return nil, err
	}
	var mismatched []string
	for _, rel := range b.Files {
		if current[rel] != b.Checksums[rel] {
			mismatched = append(mismatched, rel)
		}
	}
	return mismatched, nil
}

// Delete removes the backup branch and any copied files. Deleting a backup
// twice is not an error.
func (m *Manager) Delete(ctx context.Context, b *types.Backup) error {
	var errs []error
	if b.Strategy == types.BackupGitBranch && b.BranchName != "" {
		refs, err := git.OpenRefs(m.cfg.Root)
		if err == nil {
			err = refs.DeleteBranch(b.BranchName)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	dir := b.BackupDir
	if dir == "" {
		dir = filepath.Join(m.cfg.Dir, b.ID)
	}
	if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deleting backup %s: %w", b.ID, err)
	}
	m.logger.Debug("backup deleted", zap.String("backup_id", b.ID))
	return nil
}

// Load reads a retained backup by ID
func (m *Manager) Load(id string) (*types.Backup, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid backup id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(m.cfg.Dir, id, manifestName))
	if err != nil {
		return nil, fmt.Errorf("loading backup %s: %w", id, err)
	}
	var b types.Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing backup %s: %w", id, err)
	}
	return &b, nil
}

// List returns retained backups, newest first
func (m *Manager) List() ([]types.Backup, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var backups []types.Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := m.Load(e.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable backup", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		backups = append(backups, *b)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

func (m *Manager) writeManifest(b *types.Backup) error {
	if err := os.MkdirAll(b.BackupDir, 0o755); err != nil {
		return err
	}
	// Keep backups out of status checks and commits
	ignore := filepath.Join(m.cfg.Dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.BackupDir, manifestName), data, 0o644)
}

func (m *Manager) checksums(files []string) (map[string]string, error) {
	sums := make(map[string]string, len(files))
	for _, rel := range files {
		sum, err := Checksum(filepath.Join(m.cfg.Root, rel))
		if err != nil {
			return nil, err
		}
		sums[rel] = sum
	}
	return sums, nil
}

// Checksum returns the hex sha256 of a file, or "" when it does not exist
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return absent, nil
		}
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalize(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = filepath.ToSlash(filepath.Clean(f))
		if f == "." || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
