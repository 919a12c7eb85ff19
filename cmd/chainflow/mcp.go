package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/pkg/mcp"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the chainflow MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the MCP protocol.
			a, err := openApp(ctx, c.cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close()

			return mcp.NewServer(mcp.ServerDeps{Service: a.svc, Logger: a.logger, Version: version}).Serve(ctx)
		},
	}
}
