package commands

import (
	"fmt"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded check and update flows",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of flows to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, stateDir, err := resolvePaths(cfg)
	if err != nil {
		return err
	}

	repo, err := openHistory(stateDir)
	if err != nil {
		return err
	}
	defer repo.Close()

	flows, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	out := cmd.OutOrStdout()
	if len(flows) == 0 {
		fmt.Fprintln(out, "No flows recorded")
		return nil
	}

	fmt.Fprintf(out, "%-32s %-6s %-10s %-12s %-12s %-20s %s\n", "ID", "KIND", "STATE", "FROM", "TO", "STARTED", "ERROR")
	fmt.Fprintln(out, "--------------------------------------------------------------------------------------------------------")

	for _, f := range flows {
		fmt.Fprintf(out, "%-32s %-6s %-10s %-12s %-12s %-20s %s\n",
			f.ID, f.Kind, f.State, orDash(f.FromVersion), orDash(f.ToVersion), f.CreatedAt, f.ErrorMessage)
	}

	return nil
}
