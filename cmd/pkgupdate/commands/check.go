package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/updater"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a newer release is available",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, repo, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEngine(engine, repo)

	out := cmd.OutOrStdout()
	s, err := checkRelease(ctx, engine, out)
	if err != nil {
		return err
	}
	printCheckResult(out, s)
	return nil
}

// checkRelease runs a check flow to completion.
func checkRelease(ctx context.Context, engine *updater.Engine, out io.Writer) (updater.Status, error) {
	fmt.Fprintf(out, "🔍 Checking %s (installed %s)\n", cfg.Repo, engine.Version())
	if err := engine.CheckForUpdate(); err != nil {
		return updater.Status{}, errors.Wrap(err, "check failed to start")
	}

	s := watch(ctx, engine, out)
	if s.State == updater.StateError {
		return s, fmt.Errorf("check failed: %s", s.Error)
	}
	return s, nil
}

func printCheckResult(out io.Writer, s updater.Status) {
	if !s.UpdateAvailable {
		fmt.Fprintf(out, "✅ Up to date (%s)\n", s.CurrentVersion)
		return
	}
	fmt.Fprintf(out, "⬆️  Update available: %s → %s\n", s.CurrentVersion, s.LatestVersion)
	if s.ReleaseURL != "" {
		fmt.Fprintf(out, "   %s\n", s.ReleaseURL)
	}
	if s.ReleaseNotes != "" {
		fmt.Fprintf(out, "\n%s\n\n", s.ReleaseNotes)
	}
}
