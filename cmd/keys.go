package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/booker-api/internal/auth"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate secrets for the server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "secrets",
		Short: "Generate CALLBACK_HASH_KEY, CALLBACK_BLOCK_KEY and PII_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range []string{"CALLBACK_HASH_KEY", "CALLBACK_BLOCK_KEY", "PII_KEY"} {
				b := make([]byte, 32)
				if _, err := rand.Read(b); err != nil {
					return err
				}
				fmt.Fprintf(out, "export %s=%s\n", name, base64.StdEncoding.EncodeToString(b))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "api [key]",
		Short: "Hash an API key for API_KEY_HASHES (generates one when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = auth.GenerateKey(); err != nil {
					return err
				}
			}
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api key: %s\n", key)
			fmt.Fprintf(out, "export API_KEY_HASHES='%s'\n", hash)
			return nil
		},
	})
	return cmd
}
