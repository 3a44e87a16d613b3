package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/mcptools"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the job tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.orch.RecoverJobs(ctx); err != nil {
				return err
			}
			if opts.cfg.SweepInterval > 0 {
				go sweepLoop(ctx, a.orch, opts.cfg.SweepInterval)
			}

			server := mcptools.NewMCPServer(mcptools.NewJobService(a.orch, opts.cfg.JobConfig()))
			return mcptools.RunStdio(ctx, server)
		},
	}
}
