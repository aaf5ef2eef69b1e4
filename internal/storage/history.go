// Package storage persists run history and serializes pipeline runs
// against a repository.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

// DefaultCap is the number of runs kept when no cap is configured
const DefaultCap = 100

// History is a capped, append-only log of run records. Once the cap is
// reached each append evicts the oldest record.
type History interface {
	// Append validates and stores a record as the newest entry
	Append(ctx context.Context, rec *types.RunRecord) error

	// Recent returns up to limit records, newest first. A limit <= 0
	// returns every retained record.
	Recent(ctx context.Context, limit int) ([]types.RunRecord, error)

	// Len returns the number of retained records
	Len(ctx context.Context) (int, error)

	Close() error
}

// Open creates the history backend selected in cfg. A relative path is
// resolved against root.
func Open(cfg config.HistoryConfig, root string, logger *zap.Logger) (History, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = config.Default().History.Path
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	switch cfg.Backend {
	case config.HistoryBackendJSON, "":
		return NewJSONHistory(path, cfg.Cap, logger)
	case config.HistoryBackendSQLite:
		// The default path names a JSON file; keep the sqlite database beside it
		if strings.EqualFold(filepath.Ext(path), ".json") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteHistory(path, cfg.Cap, logger)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func normalizeCap(limit int) int {
	if limit <= 0 {
		return DefaultCap
	}
	return limit
}
