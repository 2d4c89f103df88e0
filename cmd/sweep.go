package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Materialize every due recurring invoice once",
	Long: `Run one sweep synchronously, without the worker.

Every rule due at --as-of is materialized in turn. Runs already performed are
not repeated. Invoices marked for auto-send are queued for the worker.`,
	Example: `  leadflow sweep
  leadflow sweep --as-of 2024-03-01`,
	Args: cobra.NoArgs,
	RunE: runSweepCmd,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().String("as-of", "", "Sweep date (format: YYYY-MM-DD or RFC 3339, default: now)")
}

func runSweepCmd(cmd *cobra.Command, args []string) error {
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

	a.log.Info().Time("as_of", asOf).Msg("sweep started")
	res, err := a.processor.RunSweep(cmd.Context(), asOf)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	a.log.Info().
		Int("due", res.Due).
		Int("generated", res.Generated).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("sweep finished")

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d due recurring invoices failed", res.Failed, res.Due)
	}
	return nil
}
