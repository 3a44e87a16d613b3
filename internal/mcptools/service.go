package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/orchestrator"
)

const defaultEventLimit = 50

// JobService adapts orchestrator operations to MCP tool handlers.
type JobService struct {
	op       orchestrator.Operator
	defaults job.Config
}

// NewJobService creates a JobService. defaults seeds the brief and models of
// new jobs.
func NewJobService(op orchestrator.Operator, defaults job.Config) *JobService {
	return &JobService{op: op, defaults: defaults}
}

// StartJob creates a job and queues it on the execution lane.
func (s *JobService) StartJob(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StartJobInput,
) (*mcp.CallToolResult, JobOutput, error) {
	cfg := job.Config{Brief: s.defaults.Brief, Models: maps.Clone(s.defaults.Models)}
	if input.Tone != "" {
		cfg.Brief.Tone = input.Tone
	}
	if input.TargetLengthMin > 0 {
		cfg.Brief.TargetLengthMin = input.TargetLengthMin
	}
	if len(input.Models) > 0 {
		if cfg.Models == nil {
			cfg.Models = make(map[string]string, len(input.Models))
		}
		maps.Copy(cfg.Models, input.Models)
	}

	j, err := s.op.CreateJob(input.Slug, input.Intent, cfg)
	if err != nil {
		return nil, JobOutput{}, err
	}
	if err := s.op.StartJob(ctx, j); err != nil {
		return nil, JobOutput{}, err
	}
	return s.status(ctx, j.ID)
}

// GetStatus returns the current state of a job.
func (s *JobService) GetStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input JobInput,
) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobID == "" {
		return nil, JobOutput{}, fmt.Errorf("jobId is required")
	}
	return s.status(ctx, input.JobID)
}

// ListJobs lists jobs, optionally filtered by status.
func (s *JobService) ListJobs(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListJobsInput,
) (*mcp.CallToolResult, ListJobsOutput, error) {
	filter := db.ListFilter{Limit: input.Limit}
	if input.Status != "" {
		st, err := job.ParseStatus(input.Status)
		if err != nil {
			return nil, ListJobsOutput{}, err
		}
		filter.Status = st
	}
	jobs, err := s.op.ListJobs(ctx, filter)
	if err != nil {
		return nil, ListJobsOutput{}, err
	}
	out := ListJobsOutput{Jobs: make([]JobOutput, 0, len(jobs)), Total: len(jobs)}
	for i := range jobs {
		out.Jobs = append(out.Jobs, toJobOutput(&jobs[i]))
	}
	return nil, out, nil
}

// ListEvents returns the newest audit events of a job.
func (s *JobService) ListEvents(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListEventsInput,
) (*mcp.CallToolResult, ListEventsOutput, error) {
	if input.JobID == "" {
		return nil, ListEventsOutput{}, fmt.Errorf("jobId is required")
	}
	if _, err := s.op.Status(ctx, input.JobID); err != nil {
		return nil, ListEventsOutput{}, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	evs, err := s.op.Events(ctx, input.JobID, limit)
	if err != nil {
		return nil, ListEventsOutput{}, err
	}
	out := ListEventsOutput{Events: make([]EventOutput, 0, len(evs))}
	for _, e := range evs {
		out.Events = append(out.Events, toEventOutput(e))
	}
	return nil, out, nil
}

// ApproveGate approves a gate and resumes the job when nothing else holds it.
func (s *JobService) ApproveGate(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GateDecisionInput,
) (*mcp.CallToolResult, JobOutput, error) {
	return s.decide(ctx, input, s.op.ApproveGate)
}

// RejectGate rejects a gate, leaving the job paused.
func (s *JobService) RejectGate(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GateDecisionInput,
) (*mcp.CallToolResult, JobOutput, error) {
	return s.decide(ctx, input, s.op.RejectGate)
}

// CancelJob cancels a job.
func (s *JobService) CancelJob(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input JobInput,
) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobID == "" {
		return nil, JobOutput{}, fmt.Errorf("jobId is required")
	}
	if err := s.op.CancelJob(ctx, input.JobID); err != nil {
		return nil, JobOutput{}, err
	}
	return s.status(ctx, input.JobID)
}

// AdvanceJob resumes a paused job.
func (s *JobService) AdvanceJob(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input JobInput,
) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobID == "" {
		return nil, JobOutput{}, fmt.Errorf("jobId is required")
	}
	if err := s.op.Advance(ctx, input.JobID); err != nil {
		return nil, JobOutput{}, err
	}
	return s.status(ctx, input.JobID)
}

// SweepGates runs one gate timeout sweep.
func (s *JobService) SweepGates(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ SweepInput,
) (*mcp.CallToolResult, SweepOutput, error) {
	return nil, SweepOutput{Approved: s.op.CheckGateTimeouts(ctx)}, nil
}

type decideFunc func(ctx context.Context, jobID string, stage job.Stage, operator string, d orchestrator.Decision) error

func (s *JobService) decide(ctx context.Context, input GateDecisionInput, fn decideFunc) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobID == "" {
		return nil, JobOutput{}, fmt.Errorf("jobId is required")
	}
	if input.Operator == "" {
		return nil, JobOutput{}, fmt.Errorf("operator is required")
	}
	stage, err := job.ParseStage(input.Stage)
	if err != nil {
		return nil, JobOutput{}, err
	}
	d := orchestrator.Decision{Notes: input.Notes}
	if input.Patch != "" {
		if !json.Valid([]byte(input.Patch)) {
			return nil, JobOutput{}, fmt.Errorf("patch is not valid JSON")
		}
		d.Patch = json.RawMessage(input.Patch)
	}
	if err := fn(ctx, input.JobID, stage, input.Operator, d); err != nil {
		return nil, JobOutput{}, err
	}
	return s.status(ctx, input.JobID)
}

func (s *JobService) status(ctx context.Context, id string) (*mcp.CallToolResult, JobOutput, error) {
	j, err := s.op.Status(ctx, id)
	if err != nil {
		return nil, JobOutput{}, err
	}
	return nil, toJobOutput(j), nil
}
