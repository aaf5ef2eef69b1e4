package gates

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/types"
)

// GateType identifies a test gate step
type GateType string

const (
	GateBuild GateType = "build"
	GateTest  GateType = "test"
)

const (
	// maxStepOutput bounds the stdout/stderr kept per step
	maxStepOutput = 16 * 1024

	// maxReasonOutput bounds the output quoted in a failure reason
	maxReasonOutput = 1000

	defaultStepTimeout = 10 * time.Minute
)

// Step is one shell command run by the gate
type Step struct {
	Name    GateType
	Command string
}

// GateProvider is an interface for running the test gate.
// This allows for pluggable gate implementations (e.g., for testing or custom gates)
type GateProvider interface {
	Run(ctx context.Context) types.TestGateResult
}

// Runner executes the build and test commands against the working tree
type Runner struct {
	workingDir string
	steps      []Step
	timeout    time.Duration
	shell      string
	logger     *zap.Logger
	provider   GateProvider
}

// Config holds test gate runner configuration
type Config struct {
	WorkingDir string // Directory where gate commands are executed
	Build      string // Optional build command, run first
	Test       string // Test command
	Timeout    time.Duration
	Shell      string       // Defaults to /bin/sh
	Logger     *zap.Logger
	Provider   GateProvider // Optional: pluggable gate provider (defaults to built-in)
}

// NewRunner creates a new test gate runner
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("gate timeout cannot be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultStepTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var steps []Step
	if strings.TrimSpace(cfg.Build) != "" {
		steps = append(steps, Step{Name: GateBuild, Command: cfg.Build})
	}
	if strings.TrimSpace(cfg.Test) != "" {
		steps = append(steps, Step{Name: GateTest, Command: cfg.Test})
	}

	return &Runner{
		workingDir: cfg.WorkingDir,
		steps:      steps,
		timeout:    cfg.Timeout,
		shell:      cfg.Shell,
		logger:     logger.Named("gates"),
		provider:   cfg.Provider,
	}, nil
}

// Steps returns the configured steps in execution order
func (r *Runner) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// Run executes the steps in order and stops at the first failure.
// A gate with no steps passes.
func (r *Runner) Run(ctx context.Context) types.TestGateResult {
	if r.provider != nil {
		return r.provider.Run(ctx)
	}

	result := types.TestGateResult{Passed: true, Steps: []types.GateStep{}}
	for _, step := range r.steps {
		gs := r.runStep(ctx, step)
		result.Steps = append(result.Steps, gs)
		if !gs.Passed {
			result.Passed = false
			result.FailedStep = gs.Name
			result.Reason = failureReason(gs)
			r.logger.Warn("gate step failed",
				zap.String("step", gs.Name),
				zap.String("command", gs.Command),
				zap.Int64("duration_ms", gs.DurationMs),
				zap.Bool("timed_out", gs.TimedOut))
			break
		}
		r.logger.Debug("gate step passed", zap.String("step", gs.Name), zap.Int64("duration_ms", gs.DurationMs))
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, step Step) types.GateStep {
	start := time.Now()
	p := sandbox.RunProcess(ctx, sandbox.Process{
		Name:         r.shell,
		Args:         []string{"-c", step.Command},
		Dir:          r.workingDir,
		Env:          append(os.Environ(), "CI=true", "MEND_GATE=1"),
		Timeout:      r.timeout,
		CaptureLimit: maxStepOutput,
	})

	gs := types.GateStep{
		Name:       string(step.Name),
		Command:    step.Command,
		DurationMs: time.Since(start).Milliseconds(),
		Stdout:     p.Stdout,
		Stderr:     p.Stderr,
		TimedOut:   p.TimedOut,
	}
	switch {
	case p.TimedOut:
		gs.Stderr = strings.TrimSpace(gs.Stderr + fmt.Sprintf("\ntimed out after %s", r.timeout))
	case p.Err != nil:
		gs.Stderr = strings.TrimSpace(gs.Stderr + fmt.Sprintf("\nfailed to start: %v", p.Err))
	default:
		code := p.ExitCode
		gs.ExitCode = &code
		gs.Passed = code == 0
	}
	return gs
}

func failureReason(gs types.GateStep) string {
	var why string
	switch {
	case gs.TimedOut:
		why = "timed out"
	case gs.ExitCode == nil:
		why = "could not be started"
	default:
		why = fmt.Sprintf("exited with code %d", *gs.ExitCode)
	}

	output := strings.TrimSpace(gs.Stderr)
	if output == "" {
		output = strings.TrimSpace(gs.Stdout)
	}
	if len(output) > maxReasonOutput {
		output = "... (truncated)\n" + output[len(output)-maxReasonOutput:]
	}
	if output == "" {
		return fmt.Sprintf("%s step %s", gs.Name, why)
	}
	return fmt.Sprintf("%s step %s: %s", gs.Name, why, output)
}

// FormatResult renders a gate result for display
func FormatResult(result types.TestGateResult) string {
	if len(result.Steps) == 0 {
		return "Test gate: no steps configured"
	}

	var sb strings.Builder
	for _, s := range result.Steps {
		status := "✓ PASS"
		if !s.Passed {
			status = "✗ FAIL"
		}
		sb.WriteString(fmt.Sprintf("  %s: %s (%s, %dms)\n", status, s.Name, s.Command, s.DurationMs))
	}
	if result.Passed {
		sb.WriteString("All gate steps PASSED ✓")
	} else {
		sb.WriteString(fmt.Sprintf("Gate FAILED at %s: %s", result.FailedStep, result.Reason))
	}
	return sb.String()
}
