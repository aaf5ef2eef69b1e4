package coherence

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/mend/internal/types"
)

// HistorySource supplies past healing statistics per file
type HistorySource interface {
	HistoryStats(path string) (types.HistoryStats, bool)
}

// ScannerConfig configures a Scanner
type ScannerConfig struct {
	Root string

	// Include limits scanning to matching paths when non-empty
	Include []string

	// Exclude patterns are directory prefixes ("vendor/"), suffixes
	// ("_generated.go") or globs matched against the file name ("*.min.js")
	Exclude []string

	// Languages limits scanning to these languages when non-empty
	Languages []types.Language

	MaxFiles     int
	MaxFileBytes int64
	IncludeTests bool

	// Threshold decides which files are listed as below threshold
	Threshold float64

	// Parallelism bounds concurrent scoring (default 4)
	Parallelism int

	Scorer  *Scorer
	Prover  *TestProver
	History HistorySource
	Logger  *zap.Logger
}

// Scanner walks a repository and scores every source file
type Scanner struct {
	cfg    ScannerConfig
	logger *zap.Logger
}

// NewScanner creates a scanner
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Scorer == nil {
		return nil, fmt.Errorf("scanner requires a scorer")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root path %q: %w", cfg.Root, err)
	}
	cfg.Root = absRoot
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{cfg: cfg, logger: logger.Named("scanner")}, nil
}

// Root returns the absolute repository root
func (s *Scanner) Root() string {
	return s.cfg.Root
}

// Collect walks the repository and returns the source files that pass the
// include, exclude, language, test-file and size filters, sorted by path and
// capped at MaxFiles.
func (s *Scanner) Collect(ctx context.Context) ([]types.SourceFile, error) {
	var files []types.SourceFile

	err := filepath.WalkDir(s.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(s.cfg.Root, path)
		if err != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if ShouldExcludePath(relPath+"/", s.cfg.Exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ShouldExcludePath(relPath, s.cfg.Exclude) {
			return nil
		}
		if len(s.cfg.Include) > 0 && !matchesAny(relPath, s.cfg.Include) {
			return nil
		}

		lang := types.LanguageForPath(relPath)
		if lang == types.LangUnknown || !s.languageEnabled(lang) {
			return nil
		}
		if !s.cfg.IncludeTests && IsTestFile(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if s.cfg.MaxFileBytes > 0 && info.Size() > s.cfg.MaxFileBytes {
			s.logger.Debug("skipping oversized file", zap.String("file", relPath), zap.Int64("size", info.Size()))
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read file", zap.String("file", relPath), zap.Error(err))
			return nil
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return nil
		}

		files = append(files, types.SourceFile{Path: relPath, Language: lang, Code: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if s.cfg.MaxFiles > 0 && len(files) > s.cfg.MaxFiles {
		s.logger.Warn("file limit reached, remaining files are not scored",
			zap.Int("found", len(files)), zap.Int("max_files", s.cfg.MaxFiles))
		files = files[:s.cfg.MaxFiles]
	}
	return files, nil
}

// Snapshot scores every collected file and builds an immutable snapshot
func (s *Scanner) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	files, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	scores, err := s.ScoreFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	snap := types.NewSnapshot(uuid.NewString(), s.cfg.Root, s.cfg.Threshold, scores)
	s.logger.Info("snapshot taken",
		zap.String("snapshot_id", snap.ID),
		zap.Int("files", snap.Aggregate.TotalFiles),
		zap.Float64("avg_coherence", snap.Aggregate.AvgCoherence),
		zap.Int("below_threshold", len(snap.BelowThreshold)))
	return snap, nil
}

// ScoreFiles scores files concurrently, preserving order
func (s *Scanner) ScoreFiles(ctx context.Context, files []types.SourceFile) ([]types.FileScore, error) {
	scores := make([]types.FileScore, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i] = s.ScoreFile(gctx, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring files: %w", err)
	}
	return scores, nil
}

// ScoreFile scores a single file with its test evidence and history
func (s *Scanner) ScoreFile(ctx context.Context, f types.SourceFile) types.FileScore {
	return types.FileScore{
		Path:      f.Path,
		Language:  f.Language,
		SizeBytes: int64(len(f.Code)),
		Score:     s.cfg.Scorer.Score(f.Path, f.Code, s.Metadata(ctx, f.Path, f.Code, f.Language)),
		Code:      f.Code,
	}
}

// Metadata gathers the scoring inputs for a file's code, which may differ
// from what is on disk
func (s *Scanner) Metadata(ctx context.Context, relPath, code string, lang types.Language) Metadata {
	meta := Metadata{Language: lang}
	if s.cfg.Prover != nil {
		meta.Test = s.cfg.Prover.Prove(ctx, relPath, code, lang)
	}
	if s.cfg.History != nil {
		if stats, ok := s.cfg.History.HistoryStats(relPath); ok {
			meta.History = &stats
		}
	}
	return meta
}

func (s *Scanner) languageEnabled(lang types.Language) bool {
	if len(s.cfg.Languages) == 0 {
		return true
	}
	for _, l := range s.cfg.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// ShouldExcludePath checks if a slash-separated relative path matches any
// exclude pattern. Directories are passed with a trailing slash.
// Patterns can be:
//   - Directory prefixes: "vendor/" matches "vendor/foo.go" and "src/vendor/"
//   - File suffixes: "_test.go" matches "foo_test.go"
//   - Globs on the file name: "*.min.js" matches "web/app.min.js"
func ShouldExcludePath(relPath string, patterns []string) bool {
	base := filepath.Base(strings.TrimSuffix(relPath, "/"))
	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := filepath.Match(pattern, base); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, strings.TrimSuffix(relPath, "/")); ok {
				return true
			}
			continue
		}
		// Match at path component boundaries so "vendor/" does not match "vendorized/"
		if strings.HasPrefix(relPath, pattern) ||
			strings.Contains(relPath, "/"+pattern) ||
			(!strings.HasSuffix(pattern, "/") && strings.HasSuffix(relPath, pattern)) {
			return true
		}
	}
	return false
}

// matchesAny reports whether relPath falls under any include pattern
func matchesAny(relPath string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := filepath.Match(pattern, relPath); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, filepath.Base(relPath)); ok {
				return true
			}
			continue
		}
		trimmed := strings.TrimSuffix(pattern, "/")
		if relPath == trimmed || strings.HasPrefix(relPath, trimmed+"/") {
			return true
		}
	}
	return false
}
