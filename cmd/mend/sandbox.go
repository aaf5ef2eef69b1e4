package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/coherence"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/types"
)

// sandboxOptions selects the code and tests for one verification
type sandboxOptions struct {
	Lang     string
	CodeFile string
	TestFile string
	Timeout  time.Duration
	MemoryMB int
}

var sandboxOpts sandboxOptions

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run code and its tests in the sandbox",
	Long: `Execute a module followed by its tests in an isolated, throwaway directory
with the configured time and memory limits, and report the verdict.

The language is detected from the code file when --lang is omitted.

Examples:
  mend sandbox --code util.py --test test_util.py
  mend sandbox --lang typescript --code a.ts --test a.test.ts --timeout 20s

Exit codes:
  0 - Tests passed
  1 - Tests failed, timed out, were blocked, or could not run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSandbox(cmd.Context(), cfg, sandboxOpts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.Flags().StringVar(&sandboxOpts.Lang, "lang", "", "Language: javascript, typescript, python, go, rust")
	sandboxCmd.Flags().StringVar(&sandboxOpts.CodeFile, "code", "", "File with the code under test (required)")
	sandboxCmd.Flags().StringVar(&sandboxOpts.TestFile, "test", "", "File with the tests")
	sandboxCmd.Flags().DurationVar(&sandboxOpts.Timeout, "timeout", 0, "Execution time limit (default from config)")
	sandboxCmd.Flags().IntVar(&sandboxOpts.MemoryMB, "memory", 0, "Memory limit in MB (default from config)")
	_ = sandboxCmd.MarkFlagRequired("code")
}

func runSandbox(ctx context.Context, c config.Config, opts sandboxOptions, out io.Writer) error {
	code, err := os.ReadFile(opts.CodeFile)
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}
	var testCode []byte
	if opts.TestFile != "" {
		if testCode, err = os.ReadFile(opts.TestFile); err != nil {
			return fmt.Errorf("reading tests: %w", err)
		}
	}

	lang := coherence.DetectLanguage(opts.CodeFile, string(code))
	if opts.Lang != "" {
		parsed, ok := types.ParseLanguage(opts.Lang)
		if !ok {
			return fmt.Errorf("%w: %s", sandbox.ErrUnsupportedLanguage, opts.Lang)
		}
		lang = parsed
	}
	if lang == types.LangUnknown {
		return fmt.Errorf("cannot detect the language of %s; pass --lang", opts.CodeFile)
	}

	runner, err := newSandboxRunner(c, observability.GetLogger())
	if err != nil {
		return err
	}
	res := runner.Execute(ctx, string(code), string(testCode), lang, sandbox.Options{
		Timeout:     opts.Timeout,
		MaxMemoryMB: opts.MemoryMB,
	})

	writeSandboxResult(out, res)
	if !res.IsPass() {
		return fmt.Errorf("verification did not pass")
	}
	return nil
}

func writeSandboxResult(w io.Writer, res types.SandboxResult) {
	verdict := color.GreenString("PASSED")
	switch {
	case res.Blocked:
		verdict = color.RedString("BLOCKED")
	case res.TimedOut:
		verdict = color.RedString("TIMED OUT")
	case res.IsUnavailable():
		verdict = color.YellowString("UNAVAILABLE")
	case res.IsFail():
		verdict = color.RedString("FAILED")
	}

	fmt.Fprintf(w, "%s %s", verdict, res.Language)
	if res.Runtime != "" {
		fmt.Fprintf(w, " (%s)", res.Runtime)
	}
	fmt.Fprintf(w, " in %v, sandboxed: %t\n", res.Duration.Round(time.Millisecond), res.Sandboxed)
	if res.Output != "" {
		fmt.Fprintf(w, "\n%s\n", res.Output)
	}
}
