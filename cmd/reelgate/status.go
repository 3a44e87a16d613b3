package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/events"
	"github.com/dusk-indust/reelgate/internal/job"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job in detail, or list jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if len(args) == 1 {
				j, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(j)
				return nil
			}

			var filter job.Status
			if status != "" {
				st, err := job.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = st
			}
			jobs, err := c.ListJobs(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSLUG\tSTATUS\tSTAGE\tARTIFACTS\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Slug, j.Status, j.Stage, len(j.Artifacts), j.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs")
	return cmd
}

func printJob(j *job.Job) {
	fmt.Println(events.FormatJobHeader(j))
	fmt.Printf("  status: %s\n  stage:  %s\n", j.Status, j.Stage)
	if j.Intent != "" {
		fmt.Printf("  intent: %s\n", j.Intent)
	}
	for _, stage := range job.Stages() {
		marker := "  "
		label := "pending"
		if j.HasArtifact(stage) {
			label = "complete"
		}
		if stage == j.Stage && !j.Status.IsTerminal() {
			marker = "->"
		}
		if g := j.GateFor(stage); g != nil {
			switch {
			case g.IsApproved() && g.AutoApproved:
				label += ", gate auto-approved"
			case g.IsApproved():
				label += ", gate approved by " + g.By
			case g.IsRejected():
				label += ", gate rejected by " + g.By
			default:
				label += ", gate waiting"
			}
		}
		fmt.Printf("  %s %-11s [%s]\n", marker, stage, label)
	}
	for _, a := range j.Artifacts {
		fmt.Printf("     %-11s %s\n", a.Kind, a.Path)
	}
}
