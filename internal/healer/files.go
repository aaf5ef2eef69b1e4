package healer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

// FileStrategy reads pre-computed candidates from a directory that mirrors
// the repository layout: the candidate for src/a.js is <dir>/src/a.js.
type FileStrategy struct {
	dir    string
	logger *zap.Logger
}

// NewFileStrategy creates a strategy over a candidates directory
func NewFileStrategy(dir string, logger *zap.Logger) (*FileStrategy, error) {
	if dir == "" {
		return nil, fmt.Errorf("candidates directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStrategy{dir: dir, logger: logger.Named("healer.files")}, nil
}

// Name implements Strategy
func (s *FileStrategy) Name() string { return "files" }

// Heal implements Strategy. Paths without a candidate file are skipped.
func (s *FileStrategy) Heal(ctx context.Context, req Request) ([]types.HealingCandidate, error) {
	info, err := os.Stat(s.dir)
	if os.IsNotExist(err) {
		s.logger.Info("no candidates directory", zap.String("dir", s.dir))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("candidates path %s is not a directory", s.dir)
	}

	var out []types.HealingCandidate
	for _, rel := range req.Paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		clean := filepath.Clean(filepath.FromSlash(rel))
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			s.logger.Warn("skipping path outside the repository", zap.String("path", rel))
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, clean))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.logger.Warn("unreadable candidate", zap.String("path", rel), zap.Error(err))
			continue
		}
		out = append(out, types.HealingCandidate{Path: rel, HealedCode: string(data)})
	}
	s.logger.Debug("loaded candidates", zap.Int("requested", len(req.Paths)), zap.Int("found", len(out)))
	return out, nil
}
