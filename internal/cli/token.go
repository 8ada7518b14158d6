package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the admin token of the running server",
	Long: `Show the admin API token.

Use this when you've scrolled past the startup message. A token set in
config or PG_ADMIN_TOKEN is printed as is.

Example:
  price-goat token`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	token := cfg.AdminToken
	if token == "" {
		data, err := os.ReadFile(tokenFilePath())
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no server running. Start with: price-goat serve")
			}
			return fmt.Errorf("failed to read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return fmt.Errorf("token file is empty. Restart the server with: price-goat serve")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Admin token: %s\n", token)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Example: curl -H \"Authorization: Bearer %s\" http://localhost:%d/v1/experiments\n", token, cfg.Port)
	return nil
}
