package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/mend/internal/types"
)

// FileName is the per-repository configuration file
const FileName = ".mend.yaml"

// EnvPrefix is the prefix for environment overrides (MEND_THRESHOLDS_MIN, ...)
const EnvPrefix = "MEND"

// Load reads a YAML configuration file on top of the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing YAML: %w", err)
	}

	return cfg, nil
}

// Resolve loads the configuration for a repository, applies environment overrides
// and validates the result. configPath may be empty to use <repoRoot>/.mend.yaml.
func Resolve(repoRoot, configPath string) (Config, error) {
	if configPath == "" {
		configPath = filepath.Join(repoRoot, FileName)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return cfg, err
	}

	if err := cfg.ApplyEnv(NewEnv()); err != nil {
		return cfg, err
	}

	cfg.resolvePaths(repoRoot)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewEnv returns a viper instance reading MEND_* environment variables
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays environment overrides onto the configuration.
//
// Environment variables:
//   - MEND_THRESHOLDS_MIN, MEND_THRESHOLDS_AUTO_MERGE, MEND_THRESHOLDS_TARGET
//   - MEND_COMMANDS_BUILD, MEND_COMMANDS_TEST
//   - MEND_SAFETY_AUTO_ROLLBACK, MEND_SAFETY_REQUIRE_APPROVAL, MEND_SAFETY_APPROVAL_FILE_THRESHOLD
//   - MEND_SAFETY_BACKUP_STRATEGY, MEND_SAFETY_MERGE_STRATEGY, MEND_SAFETY_RESCAN_GUARD
//   - MEND_SANDBOX_TIMEOUT_MS, MEND_SANDBOX_MAX_MEMORY_MB, MEND_SANDBOX_PARALLELISM
//   - MEND_HISTORY_PATH, MEND_HISTORY_CAP, MEND_HISTORY_BACKEND
//   - MEND_HEALER_STRATEGY, MEND_HEALER_MODEL
//   - MEND_LOGGER_LEVEL, MEND_LOGGER_FORMAT, MEND_LOGGER_FILE
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv(v *viper.Viper) error {
	floats := map[string]*float64{
		"thresholds.min":        &c.Thresholds.Min,
		"thresholds.auto_merge": &c.Thresholds.AutoMerge,
		"thresholds.target":     &c.Thresholds.Target,
	}
	for key, dest := range floats {
		if err := envFloat(v, key, dest); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"safety.approval_file_threshold": &c.Safety.ApprovalFileThreshold,
		"sandbox.timeout_ms":             &c.Sandbox.TimeoutMs,
		"sandbox.max_memory_mb":          &c.Sandbox.MaxMemoryMB,
		"sandbox.parallelism":            &c.Sandbox.Parallelism,
		"history.cap":                    &c.History.Cap,
	}
	for key, dest := range ints {
		if err := envInt(v, key, dest); err != nil {
			return err
		}
	}

	bools := map[string]*bool{
		"safety.auto_rollback":    &c.Safety.AutoRollback,
		"safety.require_approval": &c.Safety.RequireApproval,
		"safety.auto_merge":       &c.Safety.AutoMerge,
		"safety.rescan_guard":     &c.Safety.RescanGuard,
	}
	for key, dest := range bools {
		if err := envBool(v, key, dest); err != nil {
			return err
		}
	}

	strs := map[string]*string{
		"commands.build":        &c.Commands.Build,
		"commands.test":         &c.Commands.Test,
		"safety.merge_strategy": &c.Safety.MergeStrategy,
		"history.path":          &c.History.Path,
		"history.backend":       &c.History.Backend,
		"healer.strategy":       &c.Healer.Strategy,
		"healer.model":          &c.Healer.Model,
		"logger.level":          &c.Logger.Level,
		"logger.format":         &c.Logger.Format,
		"logger.file":           &c.Logger.File,
	}
	for key, dest := range strs {
		if s, ok := envString(v, key); ok {
			*dest = s
		}
	}

	if s, ok := envString(v, "safety.backup_strategy"); ok {
		c.Safety.BackupStrategy = types.BackupStrategy(s)
	}

	return nil
}

// resolvePaths anchors relative file paths at the repository root
func (c *Config) resolvePaths(repoRoot string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(repoRoot, p)
	}
	c.History.Path = anchor(c.History.Path)
	c.Healer.CandidatesDir = anchor(c.Healer.CandidatesDir)
	c.Logger.File = anchor(c.Logger.File)
}

// envKey returns the environment variable name for a config key
func envKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func envString(v *viper.Viper, key string) (string, bool) {
	if !v.IsSet(key) {
		return "", false
	}
	s := strings.TrimSpace(v.GetString(key))
	return s, s != ""
}

func envFloat(v *viper.Viper, key string, dest *float64) error {
	s, ok := envString(v, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", envKey(key), err)
	}
	*dest = parsed
	return nil
}

func envInt(v *viper.Viper, key string, dest *int) error {
	s, ok := envString(v, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", envKey(key), err)
	}
	*dest = parsed
	return nil
}

func envBool(v *viper.Viper, key string, dest *bool) error {
	s, ok := envString(v, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", envKey(key), err)
	}
	*dest = parsed
	return nil
}

// DetectTestCommand guesses the project's test command from its manifest files.
// Returns an empty string when nothing recognizable is found.
func DetectTestCommand(repoRoot string) string {
	candidates := []struct {
		marker  string
		command string
	}{
		{"go.mod", "go test ./..."},
		{"Cargo.toml", "cargo test --quiet"},
		{"package.json", "npm test --silent"},
		{"pyproject.toml", "python3 -m pytest -q"},
		{"setup.py", "python3 -m pytest -q"},
	}
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Join(repoRoot, c.marker)); err == nil {
			return c.command
		}
	}
	return ""
}
