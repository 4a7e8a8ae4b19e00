package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/session"
)

func newKeysCmd() *cobra.Command {
	var adminToken bool

	c := &cobra.Command{
		Use:   "keys",
		Short: "Generate SLOTWATCH_SESSION_SECRET (and optionally an admin token) values",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			enc := base64.StdEncoding.EncodeToString(secret)
			if _, _, err := session.DeriveKeys([]byte(enc)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export SLOTWATCH_SESSION_SECRET=%s\n", enc)

			if !adminToken {
				return nil
			}
			token, err := auth.NewToken()
			if err != nil {
				return err
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# admin bearer token (keep it, only the hash goes in config): %s\n", token)
			fmt.Fprintf(cmd.OutOrStdout(), "export SLOTWATCH_HTTP_ADMIN_TOKEN_HASH='%s'\n", hash)
			return nil
		},
	}
	c.Flags().BoolVar(&adminToken, "admin-token", false, "also generate an admin bearer token and its bcrypt hash")
	return c
}
