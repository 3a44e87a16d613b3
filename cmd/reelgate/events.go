package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/events"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print a job's audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			evs, err := c.Events(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Printf("%s %s\n", e.Timestamp.Local().Format("15:04:05"), events.FormatEvent(e))
			}
			if !follow {
				return nil
			}

			stream, err := c.Stream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for ev := range stream {
				if ev.Err != nil {
					return ev.Err
				}
				fmt.Printf("%s %s\n", ev.Event.Timestamp.Local().Format("15:04:05"), events.FormatEvent(ev.Event))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "newest events to print (0 for all)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new events until the job finishes")
	return cmd
}
