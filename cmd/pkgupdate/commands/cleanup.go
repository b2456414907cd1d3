package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fly-io/pkgupdate/pkg/db"
	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/updater"
	"github.com/spf13/cobra"
)

var (
	cleanupAll     bool
	cleanupWork    bool
	cleanupHistory bool
	cleanupKeep    int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up state left behind by interrupted flows",
	Long: `Clean up update state:
  --all        Clean work directories and history
  --work       Remove per-flow work directories left by a crashed process
  --history    Mark flows still recorded as running as failed and prune old rows

Do not run cleanup while another pkgupdate process is updating the same install root.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all state")
	cleanupCmd.Flags().BoolVar(&cleanupWork, "work", false, "Remove stale work directories")
	cleanupCmd.Flags().BoolVar(&cleanupHistory, "history", false, "Repair and prune flow history")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "Flows to keep when pruning (default history-keep)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupAll && !cleanupWork && !cleanupHistory {
		return fmt.Errorf("must specify --all, --work, or --history")
	}

	_, stateDir, err := resolvePaths(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cleanupAll || cleanupWork {
		n, err := removeWorkDirs(updater.WorkDir(stateDir), out)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Removed %d work directories\n", n)
	}

	if cleanupAll || cleanupHistory {
		repo, err := openHistory(stateDir)
		if err != nil {
			return err
		}
		defer repo.Close()

		keep := cleanupKeep
		if keep <= 0 {
			keep = cfg.HistoryKeep
		}
		if err := repairHistory(repo, keep, out); err != nil {
			return err
		}
	}
	return nil
}

// removeWorkDirs deletes every entry under workDir. A missing workDir is
// not an error.
func removeWorkDirs(workDir string, out io.Writer) (int, error) {
	entries, err := os.ReadDir(workDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to list work directory")
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(workDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Fprintf(out, "🗑️  Removed: %s\n", entry.Name())
		removed++
	}
	return removed, nil
}

func repairHistory(repo *db.Repository, keep int, out io.Writer) error {
	abandoned, err := repo.MarkAbandoned()
	if err != nil {
		return errors.Wrap(err, "failed to mark abandoned flows")
	}
	pruned, err := repo.Prune(keep)
	if err != nil {
		return errors.Wrap(err, "failed to prune history")
	}
	fmt.Fprintf(out, "✅ Marked %d abandoned flows, pruned %d old flows\n", abandoned, pruned)
	return nil
}
