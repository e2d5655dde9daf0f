package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-proxy/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a session encryption key",
	Long: `Generate a random 32-byte key for encrypting stored sessions.

The key is printed base64-encoded, ready for OAUTH_ENCRYPTION_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := security.GenerateKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
