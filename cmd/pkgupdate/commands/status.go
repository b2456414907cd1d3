package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/updater"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed version and the last update flow",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	installRoot, stateDir, err := resolvePaths(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	marker := filepath.Join(installRoot, cfg.VersionFile)
	version := updater.ReadMarker(marker, cfg.DefaultVersion)

	fmt.Fprintf(out, "Install root:  %s\n", installRoot)
	fmt.Fprintf(out, "State dir:     %s\n", stateDir)
	if _, err := os.Stat(marker); err == nil {
		fmt.Fprintf(out, "Version:       %s (%s)\n", version, cfg.VersionFile)
	} else {
		fmt.Fprintf(out, "Version:       %s (no marker, default)\n", version)
	}
	if cfg.Repo != "" {
		fmt.Fprintf(out, "Release repo:  %s\n", cfg.Repo)
	}

	// History is optional; status never creates it
	if _, err := os.Stat(historyPath(stateDir)); err != nil {
		return nil
	}
	repo, err := openHistory(stateDir)
	if err != nil {
		return err
	}
	defer repo.Close()

	flows, err := repo.List(1)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(flows) > 0 {
		f := flows[0]
		fmt.Fprintf(out, "Last flow:     %s %s %s (%s)\n", f.Kind, f.State, orDash(f.ToVersion), f.CreatedAt)
		if f.ErrorMessage != "" {
			fmt.Fprintf(out, "Last error:    %s\n", f.ErrorMessage)
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
