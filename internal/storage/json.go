package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

// historyFile is the on-disk layout of the JSON log, oldest run first
type historyFile struct {
	Runs []types.RunRecord `json:"runs"`
}

// JSONHistory keeps the run log in a single JSON document that is rewritten
// atomically on every append
type JSONHistory struct {
	mu     sync.Mutex
	path   string
	cap    int
	logger *zap.Logger
}

// NewJSONHistory opens (or prepares to create) the JSON log at path
func NewJSONHistory(path string, limit int, logger *zap.Logger) (*JSONHistory, error) {
	if path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &JSONHistory{
		path:   path,
		cap:    normalizeCap(limit),
		logger: logger.Named("history"),
	}
	// Fail early on a corrupt log rather than on the first append
	if _, err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Path returns the log file location
func (h *JSONHistory) Path() string { return h.path }

// Append implements History
func (h *JSONHistory) Append(ctx context.Context, rec *types.RunRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid run record: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	runs, err := h.load()
	if err != nil {
		return err
	}
	for _, existing := range runs {
		if existing.ID == rec.ID {
			return fmt.Errorf("run %s already recorded", rec.ID)
		}
	}
	runs = append(runs, *rec)
	if evict := len(runs) - h.cap; evict > 0 {
		h.logger.Debug("evicting oldest runs", zap.Int("count", evict))
		runs = runs[evict:]
	}
	return h.save(runs)
}

// Recent implements History
func (h *JSONHistory) Recent(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	runs, err := h.load()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n := len(runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.RunRecord, 0, n)
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

// Len implements History
func (h *JSONHistory) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	runs, err := h.load()
	return len(runs), err
}

// Close implements History
func (h *JSONHistory) Close() error { return nil }

func (h *JSONHistory) load() ([]types.RunRecord, error) {
	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", h.path, err)
	}
	return file.Runs, nil
}

// save writes to a temp file in the same directory and renames it over the
// log so readers never observe a partial document
func (h *JSONHistory) save(runs []types.RunRecord) error {
	if runs == nil {
		runs = []types.RunRecord{}
	}
	data, err := json.MarshalIndent(historyFile{Runs: runs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
