package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/httpapi"
	"github.com/rendis/chainflow/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook triggers, MCP SSE transport and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, c.cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close()

			sched := a.svc.Scheduler()
			if err := sched.RecoverMissed(ctx); err != nil {
				a.logger.Warn("recover missed schedules", "error", err)
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = sched.Stop() }()

			mcpSrv := mcp.NewServer(mcp.ServerDeps{Service: a.svc, Logger: a.logger, Version: version})
			if err := mcpSrv.Watch(ctx); err != nil {
				return err
			}

			api := httpapi.NewServer(httpapi.Deps{Service: a.svc, Logger: a.logger})
			api.Mount("/mcp", mcpSrv.SSEHandler("/mcp"))
			return api.ListenAndServe(ctx, c.cfg.ListenAddr, c.cfg.ShutdownTimeout)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default :4100)")
	_ = c.v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}
