package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reelgate/internal/events"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/preflight"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		intent        string
		tone          string
		length        int
		skipPreflight bool
	)
	cmd := &cobra.Command{
		Use:   "run <slug>",
		Short: "Run one job in this process, printing its events",
		Long: "Run one job in this process. The command returns when the job finishes, " +
			"or when it stops at a gate that only an operator can decide; the job can then " +
			"be resumed by 'reelgate serve' from a persistent store.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !skipPreflight {
				if _, err := preflight.NewInspector().Check(ctx, cfg); err != nil {
					return fmt.Errorf("preflight: %w", err)
				}
			}
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jc := cfg.JobConfig()
			if tone != "" {
				jc.Brief.Tone = tone
			}
			if length > 0 {
				jc.Brief.TargetLengthMin = length
			}
			j, err := a.orch.CreateJob(args[0], intent, jc)
			if err != nil {
				return err
			}
			feed, unsubscribe := a.orch.Subscribe(j.ID)
			defer unsubscribe()
			if err := a.orch.StartJob(ctx, j); err != nil {
				return err
			}
			fmt.Println(events.FormatJobHeader(j))

			gates := cfg.GatePolicies()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					if err := a.orch.CancelJob(cmd.Context(), j.ID); err != nil {
						return err
					}
					return errors.New("interrupted")
				case <-ticker.C:
					a.orch.CheckGateTimeouts(ctx)
				case e, ok := <-feed:
					if !ok {
						return nil
					}
					fmt.Println(events.FormatEvent(e))
					switch e.Type {
					case job.EventJobCompleted:
						return nil
					case job.EventJobFailed:
						return fmt.Errorf("job %s failed", j.ID)
					case job.EventJobCanceled:
						return fmt.Errorf("job %s canceled", j.ID)
					case job.EventGatePause:
						if e.Stage != nil && gates.For(*e.Stage).AutoApproveAfter() > 0 {
							continue
						}
						fmt.Printf("Job %s is waiting for approval. Decide it with 'reelgate approve %s <stage>' against a server.\n", j.ID, j.ID)
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "what the video should achieve")
	cmd.Flags().StringVar(&tone, "tone", "", "brief tone (default from config)")
	cmd.Flags().IntVar(&length, "length", 0, "target length in minutes (default from config)")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "start without checking the stage programs")
	return cmd
}
