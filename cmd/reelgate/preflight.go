package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/preflight"
)

func newPreflightCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that every configured stage program exists and parses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := preflight.NewInspector().Check(cmd.Context(), opts.cfg)
			for _, r := range reports {
				mark := "✓"
				if r.SyntaxError {
					mark = "✗"
				}
				fmt.Printf("  %s %-11s %s (%s): %s\n", mark, r.Stage, r.Path, r.Language, strings.Join(r.Functions, ", "))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%d stage script(s) checked.\n", len(reports))
			return nil
		},
	}
}
