package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/backup"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/git"
	"github.com/steveyegge/mend/internal/observability"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List or prune healing branches left for review",
	Long: `Healing branches are kept when a run waits for approval or a merge
fails. This command lists them and, with --prune, deletes the ones older
than the retention period.

Examples:
  mend branches                          # list healing branches
  mend branches --prune                  # delete branches older than 7 days
  mend branches --prune --retention-days 14
  mend branches --prune --dry-run        # preview what would be deleted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prune, _ := cmd.Flags().GetBool("prune")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		retentionDays, _ := cmd.Flags().GetInt("retention-days")
		return runBranches(cmd.Context(), repoRoot, cfg, prune, dryRun, retentionDays, cmd.OutOrStdout())
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and restore retained backups",
	Long: `Backups are retained after a rollback, a failed merge, or a run that is
waiting for approval. They are deleted automatically after a clean merge.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newBackupManager(cfg, repoRoot, openGit(cmd.Context(), repoRoot, observability.GetLogger()), observability.GetLogger())
		if err != nil {
			return err
		}
		return listBackups(m, cmd.OutOrStdout())
	},
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a retained backup and verify its checksums",
	Long: `Restore the files of a retained backup. A git-branch backup checks out the
base branch and resets it to the recorded commit; a file copy rewrites each
file. Holds the run lock, so it cannot race a healing run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.GetLogger()
		lockPath, err := storage.AcquireRunLock(repoRoot, "mend backups restore", Version)
		if err != nil {
			return err
		}
		defer func() { _ = storage.ReleaseRunLock(lockPath) }()

		m, err := newBackupManager(cfg, repoRoot, openGit(ctx, repoRoot, logger), logger)
		if err != nil {
			return err
		}
		return restoreBackup(ctx, m, args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(branchesCmd)
	branchesCmd.Flags().Bool("prune", false, "Delete healing branches older than the retention period")
	branchesCmd.Flags().Bool("dry-run", false, "Show what --prune would delete without deleting")
	branchesCmd.Flags().Int("retention-days", 7, "Keep branches younger than this many days")

	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRestoreCmd)
}

func runBranches(ctx context.Context, root string, c config.Config, prune, dryRun bool, retentionDays int, out io.Writer) error {
	if retentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}
	logger := observability.GetLogger()
	g := openGit(ctx, root, logger)
	if g == nil {
		return fmt.Errorf("%s: %w", root, git.ErrNotARepository)
	}

	if !prune {
		branches, err := g.FindHealingBranches(ctx, root, c.Safety.BranchPrefix)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, git.HealingBranchSummary(branches))
		return nil
	}

	if dryRun {
		fmt.Fprintf(out, "%s\n", color.YellowString("DRY RUN MODE - No branches will be deleted"))
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	removed, err := g.CleanupHealingBranches(ctx, root, c.Safety.BranchPrefix, retention, dryRun, logger)
	if err != nil {
		return fmt.Errorf("branch cleanup failed: %w", err)
	}
	if dryRun {
		fmt.Fprintf(out, "Would delete %d healing branch(es)\n", len(removed))
		return nil
	}
	fmt.Fprintf(out, "%s Deleted %d healing branch(es)\n", color.GreenString("✓"), len(removed))
	return nil
}

func listBackups(m *backup.Manager, out io.Writer) error {
	backups, err := m.List()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(out, "No backups retained")
		return nil
	}
	return writeBackupTable(out, backups)
}

func writeBackupTable(w io.Writer, backups []types.Backup) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Created", "Strategy", "Base", "Files"})
	var data [][]string
	for _, b := range backups {
		base := b.BaseBranch
		if b.HeadCommit != "" {
			base = fmt.Sprintf("%s@%s", b.BaseBranch, shortRunID(b.HeadCommit))
		}
		data = append(data, []string{
			b.ID,
			b.Timestamp.Local().Format("2006-01-02 15:04"),
			string(b.Strategy),
			base,
			fmt.Sprintf("%d", len(b.Files)),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func restoreBackup(ctx context.Context, m *backup.Manager, id string, out io.Writer) error {
	b, err := m.Load(id)
	if err != nil {
		return err
	}
	if err := m.Restore(ctx, b); err != nil {
		return fmt.Errorf("restoring backup %s: %w", id, err)
	}
	mismatched, err := m.Verify(b)
	if err != nil {
		return err
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%d files differ from backup %s after restore: %v", len(mismatched), id, mismatched)
	}
	fmt.Fprintf(out, "%s Restored %d file(s) from backup %s (%s)\n", color.GreenString("✓"), len(b.Files), b.ID, b.Strategy)
	return nil
}
