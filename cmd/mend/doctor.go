package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment mend runs in",
	Long: `Run checks to diagnose common problems before a healing run.

This command checks for:
- Language runtimes the sandbox can use
- Git and whether the root is a repository
- The run history and a stale run lock
- The test command the gate will run

Languages without a runtime are scored without executing their tests, so a
missing runtime is a warning, not a failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd.Context(), repoRoot, cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// languageTools lists the runtimes each built-in language can run with
var languageTools = map[types.Language][]string{
	types.LangJavaScript: {"node", "nodejs"},
	types.LangTypeScript: {"node", "nodejs"},
	types.LangPython:     {"python3", "python"},
	types.LangGo:         {"go"},
	types.LangRust:       {"cargo", "rustc"},
}

func runDoctor(ctx context.Context, root string, c config.Config, out io.Writer) error {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	var failures, warnings []string

	fmt.Fprintf(out, "Running mend health checks in %s\n\n", root)

	// Sandbox runtimes
	fmt.Fprintf(out, "%s Sandbox runtimes\n", cyan("→"))
	tools := sandbox.NewToolchainCache()
	for _, lang := range types.BuiltinLanguages {
		if !c.Scan.LanguageEnabled(lang) {
			continue
		}
		path, ok := tools.Lookup(languageTools[lang]...)
		if ok {
			fmt.Fprintf(out, "  %s %-10s %s\n", green("✓"), lang, path)
			continue
		}
		fmt.Fprintf(out, "  %s %-10s not found (%s)\n", yellow("⚠"), lang, strings.Join(languageTools[lang], ", "))
		warnings = append(warnings, fmt.Sprintf("no runtime for %s", lang))
	}
	if c.Scan.LanguageEnabled(types.LangTypeScript) {
		if _, ok := tools.Lookup("tsx", "ts-node"); !ok {
			fmt.Fprintf(out, "  %s typescript falls back to type stripping (no tsx or ts-node)\n", yellow("⚠"))
		}
	}
	logger := observability.GetLogger()
	for name, path := range tools.Known() {
		logger.Debug("toolchain lookup", zap.String("tool", name), zap.String("path", path))
	}

	// Git
	fmt.Fprintf(out, "\n%s Git\n", cyan("→"))
	if g := openGit(ctx, root, logger); g != nil {
		branch, _ := g.CurrentBranch(ctx, root)
		fmt.Fprintf(out, "  %s repository on %s\n", green("✓"), branch)
		if dirty, err := g.HasTrackedChanges(ctx, root); err == nil && dirty {
			fmt.Fprintf(out, "  %s tracked files have uncommitted changes; backups will use file copies\n", yellow("⚠"))
			warnings = append(warnings, "uncommitted changes")
		}
	} else {
		fmt.Fprintf(out, "  %s not a git repository; healing runs in place with file-copy backups\n", yellow("⚠"))
		warnings = append(warnings, "no git repository")
	}

	// History and lock
	fmt.Fprintf(out, "\n%s Run history\n", cyan("→"))
	if history, err := storage.Open(c.History, root, logger); err != nil {
		fmt.Fprintf(out, "  %s %v\n", red("✗"), err)
		failures = append(failures, "run history unreadable")
	} else {
		n, _ := history.Len(ctx)
		fmt.Fprintf(out, "  %s %s backend, %d run(s) retained (cap %d)\n", green("✓"), historyBackend(c.History), n, c.History.Cap)
		_ = history.Close()
	}
	if lock, err := storage.ReadRunLock(root); err == nil {
		fmt.Fprintf(out, "  %s run lock held by %s (PID %d on %s since %s)\n", yellow("⚠"),
			lock.Holder, lock.PID, lock.Hostname, lock.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "    remove %s if no run is active\n", filepath.Join(root, storage.LockFile))
		warnings = append(warnings, "run lock present")
	} else if !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "  %s unreadable run lock: %v\n", yellow("⚠"), err)
		warnings = append(warnings, "unreadable run lock")
	}

	// Test gate
	fmt.Fprintf(out, "\n%s Test gate\n", cyan("→"))
	test := c.Commands.Test
	source := "configured"
	if test == "" {
		test = config.DetectTestCommand(root)
		source = "detected"
	}
	if c.Commands.Build != "" {
		fmt.Fprintf(out, "  %s build: %s\n", green("✓"), c.Commands.Build)
	}
	if test != "" {
		fmt.Fprintf(out, "  %s test (%s): %s\n", green("✓"), source, test)
	} else {
		fmt.Fprintf(out, "  %s no test command; the gate will pass without running anything\n", yellow("⚠"))
		warnings = append(warnings, "no test command")
	}

	fmt.Fprintln(out)
	switch {
	case len(failures) > 0:
		fmt.Fprintf(out, "%s %d check(s) failed, %d warning(s)\n", red("✗"), len(failures), len(warnings))
		return fmt.Errorf("doctor found %d problem(s): %s", len(failures), strings.Join(failures, "; "))
	case len(warnings) > 0:
		fmt.Fprintf(out, "%s All checks passed with %d warning(s)\n", yellow("⚠"), len(warnings))
	default:
		fmt.Fprintf(out, "%s All checks passed\n", green("✓"))
	}
	return nil
}

func historyBackend(h config.HistoryConfig) string {
	if h.Backend == "" {
		return config.HistoryBackendJSON
	}
	return h.Backend
}
