package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCreditsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up organization credits",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <organization-id>",
		Short: "Print an organization's available credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			balance, err := a.svc.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"organization_id": args[0], "balance": balance})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deposit <organization-id> <amount>",
		Short: "Add credits to an organization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be an integer: %w", err)
			}
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			balance, err := a.svc.Deposit(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"organization_id": args[0], "balance": balance})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "estimate <workflow-id> [revision]",
		Short: "Price one execution of a stored workflow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			revision := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("revision must be an integer: %w", err)
				}
				revision = n
			}
			a, err := openApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			cost, err := a.svc.Estimate(cmd.Context(), args[0], revision)
			if err != nil {
				return err
			}
			return printJSON(cmd, cost)
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
