package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/httpapi"
	"github.com/dusk-indust/reelgate/internal/job"
)

func newApproveCmd(opts *rootOptions) *cobra.Command {
	return newDecisionCmd(opts, "approve", "Approve a gate and resume the job")
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	return newDecisionCmd(opts, "reject", "Reject a gate, leaving the job paused")
}

func newDecisionCmd(opts *rootOptions, action, short string) *cobra.Command {
	var (
		operator string
		notes    string
		patch    string
	)
	cmd := &cobra.Command{
		Use:   action + " <job-id> <stage>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := job.ParseStage(args[1])
			if err != nil {
				return err
			}
			req := httpapi.DecisionRequest{Operator: operator, Notes: notes}
			if patch != "" {
				if !json.Valid([]byte(patch)) {
					return errors.New("--patch must be valid JSON")
				}
				req.Patch = json.RawMessage(patch)
			}

			c := opts.client()
			decide := c.Reject
			if action == "approve" {
				decide = c.Approve
			}
			j, err := decide(cmd.Context(), args[0], stage, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s: gate %s %sd by %s; job is %s\n", j.ID, stage, action, operator, j.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", defaultOperator(), "who is deciding")
	cmd.Flags().StringVar(&notes, "notes", "", "notes stored with the decision")
	cmd.Flags().StringVar(&patch, "patch", "", "JSON correction payload stored with the decision")
	return cmd
}
