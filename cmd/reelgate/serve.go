package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/reelgate/internal/httpapi"
	"github.com/dusk-indust/reelgate/internal/mcptools"
	"github.com/dusk-indust/reelgate/internal/preflight"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its HTTP API, MCP endpoint, and gate sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := preflight.NewInspector().Check(ctx, cfg); err != nil {
				log.Printf("[serve] WARNING: preflight: %v", err)
			}
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.orch.RecoverJobs(ctx)
			if err != nil {
				return err
			}

			api := httpapi.NewServer(a.orch, cfg.JobConfig())
			if err := api.Start(ctx, cfg.HTTP.Addr); err != nil {
				return err
			}
			fmt.Printf("reelgate %s serving on %s (%d job(s) recovered)\n", version, api.Addr(), n)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return api.Stop(sctx)
			})
			if cfg.MCP.Addr != "" {
				server := mcptools.NewMCPServer(mcptools.NewJobService(a.orch, cfg.JobConfig()))
				g.Go(func() error {
					return mcptools.RunHTTP(gctx, server, cfg.MCP.Addr)
				})
				fmt.Printf("MCP tools on %s\n", cfg.MCP.Addr)
			}
			if cfg.SweepInterval > 0 {
				g.Go(func() error {
					sweepLoop(gctx, a.orch, cfg.SweepInterval)
					return nil
				})
			}

			err = g.Wait()
			fmt.Println("\nShutting down…")
			return err
		},
	}
}
