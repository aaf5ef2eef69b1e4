package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/mend/internal/types"
)

// ErrUnsupportedLanguage is reported when no runner is registered for a language
var ErrUnsupportedLanguage = errors.New("unsupported language")

const (
	// DefaultTimeout is the per-execution wall-clock limit before language scaling
	DefaultTimeout = 10 * time.Second

	// DefaultMaxMemoryMB is the per-execution memory cap
	DefaultMaxMemoryMB = 64

	// MaxOutputBytes is the maximum amount of combined output kept in a result
	MaxOutputBytes = 10000
)

// Options tune a single execution. Zero values fall back to the runner defaults.
type Options struct {
	Timeout     time.Duration
	MaxMemoryMB int
}

// Config holds configuration for the sandbox runner
type Config struct {
	Logger *zap.Logger

	// TempRoot is where per-execution directories are created (default: os.TempDir())
	TempRoot string

	// CacheDir holds build caches shared between executions, such as GOCACHE
	CacheDir string

	Timeout     time.Duration
	MaxMemoryMB int

	// Parallelism bounds the number of concurrent executions across all callers
	Parallelism int

	// Toolchains is shared with other components that need to probe runtimes
	Toolchains *ToolchainCache

	// Languages registers runners for additional languages. Built-in languages
	// cannot be overridden.
	Languages map[types.Language]LanguageRunner
}

// Runner executes code and tests in throwaway, isolated directories
type Runner struct {
	logger      *zap.Logger
	tempRoot    string
	cacheDir    string
	timeout     time.Duration
	maxMemoryMB int
	parallelism int
	toolchains  *ToolchainCache
	registry    *Registry
	sem         *semaphore.Weighted
}

// NewRunner creates a runner with the built-in language runners registered
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative")
	}
	if cfg.MaxMemoryMB < 0 {
		return nil, fmt.Errorf("max memory cannot be negative")
	}
	if cfg.Parallelism < 0 {
		return nil, fmt.Errorf("parallelism cannot be negative")
	}

	r := &Runner{
		logger:      cfg.Logger,
		tempRoot:    cfg.TempRoot,
		cacheDir:    cfg.CacheDir,
		timeout:     cfg.Timeout,
		maxMemoryMB: cfg.MaxMemoryMB,
		parallelism: cfg.Parallelism,
		toolchains:  cfg.Toolchains,
		registry:    NewRegistry(),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("sandbox")
	if r.tempRoot == "" {
		r.tempRoot = os.TempDir()
	}
	if r.cacheDir == "" {
		r.cacheDir = filepath.Join(os.TempDir(), "mend-sandbox-cache")
	}
	if r.timeout == 0 {
		r.timeout = DefaultTimeout
	}
	if r.maxMemoryMB == 0 {
		r.maxMemoryMB = DefaultMaxMemoryMB
	}
	if r.parallelism == 0 {
		r.parallelism = 4
	}
	if r.toolchains == nil {
		r.toolchains = NewToolchainCache()
	}
	r.sem = semaphore.NewWeighted(int64(r.parallelism))

	registerBuiltins(r.registry)
	for lang, lr := range cfg.Languages {
		if err := r.registry.Register(lang, lr); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Toolchains returns the runner's toolchain availability cache
func (r *Runner) Toolchains() *ToolchainCache {
	return r.toolchains
}

// Registry returns the runner's language registry
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Execute runs code followed by testCode in a fresh sandbox directory and reports
// whether the tests passed. It never returns an error: infrastructure failures
// are reported as a failed result, and a missing runtime as Passed == nil.
func (r *Runner) Execute(ctx context.Context, code, testCode string, lang types.Language, opts Options) (result types.SandboxResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sandbox runner panicked", zap.String("language", string(lang)), zap.Any("panic", p))
			result = failed(fmt.Sprintf("sandbox error: %v", p))
		}
		result.Language = lang
		result.Duration = time.Since(start)
		result.Output = truncateOutput(result.Output)
		if strings.Contains(result.Output, BlockedPrefix) {
			result.Blocked = true
		}
	}()

	runner, ok := r.registry.Lookup(lang)
	if !ok {
		return types.SandboxResult{
			Output: fmt.Sprintf("%v: %q", ErrUnsupportedLanguage, lang),
		}
	}

	code = normalizeEscapes(code)
	testCode = normalizeEscapes(testCode)

	if v := scanForbidden(lang, runner, code, testCode); v != nil {
		r.logger.Info("blocked forbidden capability",
			zap.String("language", string(lang)), zap.String("capability", v.Capability))
		return types.SandboxResult{
			Passed:    types.Bool(false),
			Output:    v.Error(),
			Sandboxed: true,
			Blocked:   true,
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return failed(fmt.Sprintf("sandbox cancelled before start: %v", err))
	}
	defer r.sem.Release(1)

	ws, err := r.newWorkspace(lang, opts)
	if err != nil {
		return failed(fmt.Sprintf("failed to create sandbox directory: %v", err))
	}
	defer ws.cleanup()

	result = runner.Run(ctx, ws, code, testCode)
	if result.Passed != nil {
		result.Sandboxed = true
	}

	r.logger.Debug("sandbox execution finished",
		zap.String("language", string(lang)),
		zap.String("runtime", result.Runtime),
		zap.Bool("passed", result.IsPass()),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("elapsed", time.Since(start)))

	return result
}

// Job is one entry of a batch execution
type Job struct {
	Code     string
	TestCode string
	Language types.Language
	Options  Options
}

// ExecuteBatch runs independent jobs concurrently, each in its own directory.
// Results are returned in job order.
func (r *Runner) ExecuteBatch(ctx context.Context, jobs []Job) []types.SandboxResult {
	results := make([]types.SandboxResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = r.Execute(gctx, job.Code, job.TestCode, job.Language, job.Options)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func failed(output string) types.SandboxResult {
	return types.SandboxResult{Passed: types.Bool(false), Output: output}
}

func unavailable(lang types.Language, tools ...string) types.SandboxResult {
	return types.SandboxResult{
		Output: fmt.Sprintf("no %s runtime available (looked for %s)", lang, strings.Join(tools, ", ")),
	}
}

// normalizeEscapes turns literal \n and \t sequences into real whitespace when the
// code was stored as a single escaped line.
func normalizeEscapes(code string) string {
	if strings.Contains(code, "\n") || !strings.Contains(code, `\n`) {
		return code
	}
	return strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\t`, "\t").Replace(code)
}

func truncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n... (truncated)"
}
