package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/httpapi"
)

// rootOptions holds the persistent flags and the configuration they load.
type rootOptions struct {
	configDir string
	server    string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "reelgate",
		Short:         "Stage-gated orchestrator for the content pipeline.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}
			cfg.RunsDir = resolve(opts.configDir, cfg.RunsDir)
			cfg.WorkDir = resolve(opts.configDir, cfg.WorkDir)
			if cfg.Database.Path != "" {
				cfg.Database.Path = resolve(opts.configDir, cfg.Database.Path)
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory holding reelgate.yml and .env")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "", "reelgate server URL (default from http.addr)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newMCPCmd(opts),
		newPreflightCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newAdvanceCmd(opts),
		newCancelCmd(opts),
		newSweepCmd(opts),
		newExportCmd(opts),
	)
	return cmd
}

// client returns an API client for the configured server.
func (o *rootOptions) client() *httpapi.Client {
	addr := o.server
	if addr == "" {
		addr = o.cfg.HTTP.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
	}
	return httpapi.NewClient(addr, httpapi.WithTimeout(30*time.Second))
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func defaultOperator() string {
	if u := os.Getenv("REELGATE_OPERATOR"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
