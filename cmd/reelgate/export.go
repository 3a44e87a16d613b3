package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/export"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's progress as JSON or a Mermaid diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			j, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				evs, err := c.Events(cmd.Context(), args[0], 0)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(export.ExportJob(j, evs, time.Now()))
			case "mermaid":
				fmt.Print(export.GenerateMermaid(j))
				return nil
			default:
				return fmt.Errorf("unknown format %q (json, mermaid)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or mermaid")
	return cmd
}
