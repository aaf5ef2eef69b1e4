package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/observability"
)

var (
	// Global flags
	repoFlag   string
	configFlag string
	verbose    bool

	// Resolved in PersistentPreRunE, shared by every command
	repoRoot string
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "Coherence-gated self-healing for source repositories",
	Long: `mend scores every source file in a repository for coherence, heals the
files below threshold with verified candidates, and only merges the result
when the build, the tests and the aggregate coherence all hold.

Every run is backed up first and rolled back on any failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version needs neither a repository nor a config
		if cmd.Name() == "version" {
			return nil
		}

		root := repoFlag
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}
			root = cwd
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("invalid repository path %q: %w", root, err)
		}
		repoRoot = abs

		resolved, err := config.Resolve(repoRoot, configFlag)
		if err != nil {
			observability.InitializeLogger(config.Default().Logger)
			return err
		}
		if verbose {
			resolved.Logger.Level = "debug"
		}
		cfg = resolved

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("configuration resolved",
			zap.String("root", repoRoot),
			zap.String("version", Version))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "C", "", "Repository root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <repo>/.mend.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		observability.Sync()
		os.Exit(exitCode(err))
	}
}
