package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAdvanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <job-id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.client().Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s at %s\n", j.ID, j.Status, j.Stage)
			return nil
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s at %s\n", j.ID, j.Status, j.Stage)
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Auto-approve gates whose configured wait has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("auto-approved %d gate(s)\n", n)
			return nil
		},
	}
}
