package config

import (
	"fmt"
	"strings"

	"github.com/steveyegge/mend/internal/types"
)

// ErrInvalidWeights is returned when the scoring weights do not sum to 1.0
var ErrInvalidWeights = types.ErrInvalidWeights

// Config is the resolved configuration consumed by the pipeline
type Config struct {
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Scan       ScanConfig      `yaml:"scan"`
	Commands   CommandConfig   `yaml:"commands"`
	Safety     SafetyConfig    `yaml:"safety"`
	Weights    types.Weights   `yaml:"weights"`
	Sandbox    SandboxConfig   `yaml:"sandbox"`
	History    HistoryConfig   `yaml:"history"`
	Healer     HealerConfig    `yaml:"healer"`
	Logger     LoggerConfig    `yaml:"logger"`
}

// ThresholdConfig holds the coherence thresholds
type ThresholdConfig struct {
	// Min is the coherence below which a file is healed
	// Default: 0.7
	Min float64 `yaml:"min"`

	// AutoMerge is the aggregate coherence required to merge without review
	// Default: 0.9
	AutoMerge float64 `yaml:"auto_merge"`

	// Target is the coherence a healing strategy should aim for
	// Default: 0.95
	Target float64 `yaml:"target"`
}

// ScanConfig controls which files the scanner scores
type ScanConfig struct {
	Include      []string         `yaml:"include"`
	Exclude      []string         `yaml:"exclude"`
	Languages    []types.Language `yaml:"languages"`
	MaxFiles     int              `yaml:"max_files"`
	MaxFileBytes int64            `yaml:"max_file_bytes"`

	// IncludeTests scores test files as well as source files
	IncludeTests bool `yaml:"include_tests"`
}

// CommandConfig holds the test gate commands. Build is optional.
type CommandConfig struct {
	Build     string `yaml:"build"`
	Test      string `yaml:"test"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// SafetyConfig controls rollback, approval and merging
type SafetyConfig struct {
	AutoRollback bool `yaml:"auto_rollback"`

	// RequireApproval forces manual review of every merge
	RequireApproval bool `yaml:"require_approval"`

	// ApprovalFileThreshold is the number of healed files above which review is required
	// Default: 5
	ApprovalFileThreshold int `yaml:"approval_file_threshold"`

	// AutoMerge requests merging without a human in the loop
	AutoMerge bool `yaml:"auto_merge"`

	BackupStrategy types.BackupStrategy `yaml:"backup_strategy"`

	// MergeStrategy is "squash" or "fast-forward"
	MergeStrategy string `yaml:"merge_strategy"`

	BranchPrefix string `yaml:"branch_prefix"`

	// RescanGuard re-scores the working tree after healing instead of projecting
	RescanGuard bool `yaml:"rescan_guard"`
}

// SandboxConfig holds the sandbox execution limits
type SandboxConfig struct {
	TimeoutMs   int `yaml:"timeout_ms"`
	MaxMemoryMB int `yaml:"max_memory_mb"`
	Parallelism int `yaml:"parallelism"`
}

// HistoryConfig controls run history persistence
type HistoryConfig struct {
	Path string `yaml:"path"`

	// Cap is the maximum number of runs retained; oldest are evicted
	// Default: 100
	Cap int `yaml:"cap"`

	// Backend is "json" or "sqlite"
	Backend string `yaml:"backend"`
}

// HealerConfig selects the healing strategy
type HealerConfig struct {
	// Strategy is "files" or "claude"
	Strategy          string `yaml:"strategy"`
	CandidatesDir     string `yaml:"candidates_dir"`
	Model             string `yaml:"model"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxRetries        int    `yaml:"max_retries"`
}

// LoggerConfig configures the zap logger and its log file
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

const (
	MergeSquash      = "squash"
	MergeFastForward = "fast-forward"

	HistoryBackendJSON   = "json"
	HistoryBackendSQLite = "sqlite"

	HealerFiles  = "files"
	HealerClaude = "claude"
)

// Default returns the default configuration
func Default() Config {
	return Config{
		Thresholds: ThresholdConfig{
			Min:       0.7,
			AutoMerge: 0.9,
			Target:    0.95,
		},
		Scan: ScanConfig{
			Exclude: []string{
				"node_modules/", "vendor/", "target/", "dist/", "build/",
				".git/", ".mend/", "__pycache__/", "*.min.js", "*.pb.go", "*_generated.go",
			},
			Languages:    append([]types.Language(nil), types.BuiltinLanguages...),
			MaxFiles:     5000,
			MaxFileBytes: 512 * 1024,
		},
		Commands: CommandConfig{
			TimeoutMs: 10 * 60 * 1000,
		},
		Safety: SafetyConfig{
			AutoRollback:          true,
			RequireApproval:       false,
			ApprovalFileThreshold: 5,
			AutoMerge:             true,
			BackupStrategy:        types.BackupAuto,
			MergeStrategy:         MergeSquash,
			BranchPrefix:          "mend/",
		},
		Weights: types.DefaultWeights(),
		Sandbox: SandboxConfig{
			TimeoutMs:   10000,
			MaxMemoryMB: 64,
			Parallelism: 4,
		},
		History: HistoryConfig{
			Path:    ".mend/history.json",
			Cap:     100,
			Backend: HistoryBackendJSON,
		},
		Healer: HealerConfig{
			Strategy:          HealerFiles,
			CandidatesDir:     ".mend/candidates",
			Model:             "claude-sonnet-4-5-20250929",
			RequestsPerMinute: 20,
			MaxRetries:        3,
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "console",
			File:       ".mend/mend.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}

	if c.Scan.MaxFiles < 0 {
		return fmt.Errorf("scan.max_files cannot be negative (got %d)", c.Scan.MaxFiles)
	}
	if c.Scan.MaxFileBytes < 0 {
		return fmt.Errorf("scan.max_file_bytes cannot be negative (got %d)", c.Scan.MaxFileBytes)
	}
	for _, lang := range c.Scan.Languages {
		if lang == types.LangUnknown {
			return fmt.Errorf("scan.languages cannot contain an empty language")
		}
	}

	if strings.TrimSpace(c.Commands.Test) == "" && strings.TrimSpace(c.Commands.Build) != "" {
		return fmt.Errorf("commands.test is required when commands.build is set")
	}
	if c.Commands.TimeoutMs < 0 {
		return fmt.Errorf("commands.timeout_ms cannot be negative (got %d)", c.Commands.TimeoutMs)
	}

	if c.Safety.ApprovalFileThreshold < 1 || c.Safety.ApprovalFileThreshold > 10000 {
		return fmt.Errorf("safety.approval_file_threshold must be between 1 and 10000 (got %d)",
			c.Safety.ApprovalFileThreshold)
	}
	if !c.Safety.BackupStrategy.IsValid() {
		return fmt.Errorf("safety.backup_strategy must be 'git-branch', 'file-copy' or 'auto' (got %q)",
			c.Safety.BackupStrategy)
	}
	if c.Safety.MergeStrategy != MergeSquash && c.Safety.MergeStrategy != MergeFastForward {
		return fmt.Errorf("safety.merge_strategy must be 'squash' or 'fast-forward' (got %q)",
			c.Safety.MergeStrategy)
	}
	if strings.TrimSpace(c.Safety.BranchPrefix) == "" {
		return fmt.Errorf("safety.branch_prefix cannot be empty")
	}

	if c.Sandbox.TimeoutMs < 100 || c.Sandbox.TimeoutMs > 600000 {
		return fmt.Errorf("sandbox.timeout_ms must be between 100 and 600000 (got %d)", c.Sandbox.TimeoutMs)
	}
	if c.Sandbox.MaxMemoryMB < 16 || c.Sandbox.MaxMemoryMB > 8192 {
		return fmt.Errorf("sandbox.max_memory_mb must be between 16 and 8192 (got %d)", c.Sandbox.MaxMemoryMB)
	}
	if c.Sandbox.Parallelism < 1 || c.Sandbox.Parallelism > 64 {
		return fmt.Errorf("sandbox.parallelism must be between 1 and 64 (got %d)", c.Sandbox.Parallelism)
	}

	if c.History.Cap < 1 || c.History.Cap > 100000 {
		return fmt.Errorf("history.cap must be between 1 and 100000 (got %d)", c.History.Cap)
	}
	if c.History.Backend != HistoryBackendJSON && c.History.Backend != HistoryBackendSQLite {
		return fmt.Errorf("history.backend must be 'json' or 'sqlite' (got %q)", c.History.Backend)
	}
	if strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path cannot be empty")
	}

	if c.Healer.Strategy != HealerFiles && c.Healer.Strategy != HealerClaude {
		return fmt.Errorf("healer.strategy must be 'files' or 'claude' (got %q)", c.Healer.Strategy)
	}
	if c.Healer.RequestsPerMinute < 1 {
		return fmt.Errorf("healer.requests_per_minute must be at least 1 (got %d)", c.Healer.RequestsPerMinute)
	}
	if c.Healer.MaxRetries < 0 || c.Healer.MaxRetries > 10 {
		return fmt.Errorf("healer.max_retries must be between 0 and 10 (got %d)", c.Healer.MaxRetries)
	}

	return nil
}

// Validate checks that thresholds are within [0,1] and ordered
func (t ThresholdConfig) Validate() error {
	for name, v := range map[string]float64{"min": t.Min, "auto_merge": t.AutoMerge, "target": t.Target} {
		if v < 0 || v > 1 {
			return fmt.Errorf("thresholds.%s must be between 0 and 1 (got %v)", name, v)
		}
	}
	if t.AutoMerge < t.Min {
		return fmt.Errorf("thresholds.auto_merge (%v) must be >= thresholds.min (%v)", t.AutoMerge, t.Min)
	}
	if t.Target < t.Min {
		return fmt.Errorf("thresholds.target (%v) must be >= thresholds.min (%v)", t.Target, t.Min)
	}
	return nil
}

// LanguageEnabled reports whether the scanner should score files in lang
func (s ScanConfig) LanguageEnabled(lang types.Language) bool {
	if len(s.Languages) == 0 {
		return true
	}
	for _, l := range s.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Min: %.2f, AutoMerge: %.2f, Target: %.2f, AutoRollback: %t, "+
			"RequireApproval: %t, ApprovalFiles: %d, Backup: %s, Merge: %s, "+
			"SandboxTimeout: %dms, SandboxMemory: %dMB, History: %s(%d)}",
		c.Thresholds.Min, c.Thresholds.AutoMerge, c.Thresholds.Target,
		c.Safety.AutoRollback, c.Safety.RequireApproval, c.Safety.ApprovalFileThreshold,
		c.Safety.BackupStrategy, c.Safety.MergeStrategy,
		c.Sandbox.TimeoutMs, c.Sandbox.MaxMemoryMB, c.History.Backend, c.History.Cap,
	)
}
