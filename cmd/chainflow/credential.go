package main

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var errVaultNotConfigured = errors.New("vault not configured: set vault.master_key or vault.passphrase")

func newCredentialCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage encrypted organization credentials used by actions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "put <organization-id> <name>",
		Short: "Store a credential read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			if a.vault == nil {
				return errVaultNotConfigured
			}
			return a.vault.Put(cmd.Context(), args[0], args[1], []byte(strings.TrimRight(string(value), "\r\n")))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <organization-id>",
		Short: "List credential names of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			if a.vault == nil {
				return errVaultNotConfigured
			}
			names, err := a.vault.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"organization_id": args[0], "credentials": names})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <organization-id> <name>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			if a.vault == nil {
				return errVaultNotConfigured
			}
			return a.vault.Delete(cmd.Context(), args[0], args[1])
		},
	})
	return cmd
}
