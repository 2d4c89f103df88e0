package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"leadflow/crm/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with JWT_SECRET",
	Long: `Issue a bearer token for the editor API.

Only JWT_SECRET is needed; no database connection is made.`,
	Example: `  leadflow token --user ops@example.com --ttl 24h`,
	Args:    cobra.NoArgs,
	RunE:    runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("user", "", "User ID to embed in the token")
	tokenCmd.Flags().Bool("admin", true, "Grant administrator privileges")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	admin, _ := cmd.Flags().GetBool("admin")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	token, err := auth.GenerateJWT(user, admin, secret, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
