package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"leadflow/crm/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "LeadFlow recurring invoice scheduler",
	Long: `LeadFlow turns recurring invoice rules into concrete invoices on schedule.

The serve command runs the editor API and the background worker. The sweep and
next-run commands operate on the store directly and are meant for operators.

Configuration is read from the environment (and .env when present).
MONGO_URI and JWT_SECRET are required.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

// parseAsOf accepts YYYY-MM-DD or RFC 3339. Empty means now.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q. Use YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}
