package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nextRunCmd = &cobra.Command{
	Use:   "next-run <recurring-invoice-id>",
	Short: "Show when a recurring invoice generates next",
	Example: `  leadflow next-run 5f0c2a8e-7d3b-4c61-9a57-1f2e3d4c5b6a --as-of 2024-01-15`,
	Args:  cobra.ExactArgs(1),
	RunE:  runNextRun,
}

func init() {
	rootCmd.AddCommand(nextRunCmd)

	nextRunCmd.Flags().String("as-of", "", "Reference date (format: YYYY-MM-DD or RFC 3339, default: now)")
}

func runNextRun(cmd *cobra.Command, args []string) error {
	asOfStr, _ := cmd.Flags().GetString("as-of")
	asOf, err := parseAsOf(asOfStr)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), "cli")
	if err != nil {
		return err
	}
	defer a.Close()

	next, err := a.recurring.NextRun(cmd.Context(), args[0], asOf)
	if err != nil {
		return fmt.Errorf("failed to compute next run: %w", err)
	}
	if next == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "none")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), next.Format("2006-01-02"))
	return nil
}
