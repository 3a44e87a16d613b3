// Package mcptools exposes job control as Model Context Protocol tools, so
// an agent can start jobs, inspect them, and decide gates.
package mcptools

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewMCPServer creates an MCP server with every job tool registered.
func NewMCPServer(svc *JobService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "reelgate",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_job",
		Description: "Create a content job for a slug and queue it. Stages run one at a time across all jobs; the job stops at any stage whose gate requires approval.",
	}, svc.StartJob)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Get a job's status, current stage, gates, and artifacts.",
	}, svc.GetStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List jobs, optionally filtered by status.",
	}, svc.ListJobs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_events",
		Description: "List the newest audit events of a job in chronological order.",
	}, svc.ListEvents)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "approve_gate",
		Description: "Approve the gate at a stage. The job resumes if it was waiting on this gate. Decisions are final.",
	}, svc.ApproveGate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reject_gate",
		Description: "Reject the gate at a stage. A job waiting on it becomes PAUSED. Decisions are final.",
	}, svc.RejectGate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a job. A stage already running finishes but its output is discarded.",
	}, svc.CancelJob)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "advance_job",
		Description: "Resume a PAUSED or NEEDS_APPROVAL job. Undecided or rejected gates stop it again.",
	}, svc.AdvanceJob)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sweep_gates",
		Description: "Auto-approve every pending gate whose configured wait has elapsed. Returns how many were approved.",
	}, svc.SweepGates)

	return server
}

// RunStdio runs the MCP server on stdio, blocking until stdin is closed or
// the context is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the MCP server over streamable HTTP until ctx is done.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
