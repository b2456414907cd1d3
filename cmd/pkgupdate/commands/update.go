package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/updater"
	"github.com/spf13/cobra"
)

var updateYes bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for a newer release and install it",
	Long: `Checks the latest release and, when it is newer than the installed version,
downloads the archive and mirrors it onto the install root. Interrupting the
command cancels the running phase; an interrupted update may leave the install
root partially updated.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().BoolVarP(&updateYes, "yes", "y", false, "Install without asking for confirmation")
}

func runUpdate(cmd *cobra.Command, args []string) error {
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
	if !s.UpdateAvailable || ctx.Err() != nil {
		return nil
	}

	if !updateYes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Install %s?", s.LatestVersion)) {
		fmt.Fprintln(out, "Aborted")
		return nil
	}

	fmt.Fprintf(out, "📦 Installing %s into %s\n", s.LatestVersion, engine.InstallRoot())
	if err := engine.StartUpdate(); err != nil {
		return errors.Wrap(err, "update failed to start")
	}

	s = watch(ctx, engine, out)
	switch s.State {
	case updater.StateCompleted:
		fmt.Fprintf(out, "✅ %s\n", s.Message)
		if engine.IsPendingRestart() {
			fmt.Fprintln(out, "   Restart the application to run the new version.")
		}
	case updater.StateError:
		return fmt.Errorf("update failed: %s", s.Error)
	default:
		fmt.Fprintf(out, "⏹️  %s\n", s.Message)
	}
	return nil
}

// confirm asks a yes/no question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
