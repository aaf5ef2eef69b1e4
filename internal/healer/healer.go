// Package healer produces candidate replacements for low-coherence files.
// Strategies only propose code; verification and gating happen elsewhere.
package healer

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

// Request describes the files a strategy should heal
type Request struct {
	Snapshot *types.Snapshot

	// Paths are the files below the coherence threshold, worst first
	Paths []string

	// Target is the coherence a healed file should aim for
	Target float64
}

// Strategy generates healing candidates. A strategy may return fewer
// candidates than requested paths; it returns an error only when it could
// not run at all.
type Strategy interface {
	Name() string
	Heal(ctx context.Context, req Request) ([]types.HealingCandidate, error)
}

// NewStrategy builds the strategy selected in the healer configuration.
// root resolves a relative candidates directory.
func NewStrategy(cfg config.HealerConfig, root string, logger *zap.Logger) (Strategy, error) {
	switch cfg.Strategy {
	case config.HealerFiles, "":
		dir := cfg.CandidatesDir
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		return NewFileStrategy(dir, logger)
	case config.HealerClaude:
		return NewClaudeStrategy(&ClaudeConfig{
			Model:             cfg.Model,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Retry:             RetryConfig{MaxRetries: cfg.MaxRetries},
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unknown healing strategy %q", cfg.Strategy)
	}
}
