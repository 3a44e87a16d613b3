package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/stages"
	"github.com/dusk-indust/reelgate/internal/storage"
)

func TestGates_DecisionIsFinal(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageScript: {Required: true}})
	ctx := context.Background()
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageScript, "alice", Decision{}))
	h.waitFor(j.ID, job.StatusCompleted)

	// The job left the active set; a terminal job refuses decisions.
	err := h.orch.RejectGate(ctx, j.ID, job.StageScript, "bob", Decision{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGates_SecondDecisionOnActiveJob(t *testing.T) {
	h := newHarness(t, config.GatePolicies{
		job.StageOutline: {Required: true},
		job.StageScript:  {Required: true},
	})
	ctx := context.Background()
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageOutline, "alice", Decision{}))
	h.waitFor(j.ID, job.StatusNeedsApproval)

	err := h.orch.RejectGate(ctx, j.ID, job.StageOutline, "bob", Decision{})
	assert.ErrorIs(t, err, ErrGateDecided)
	err = h.orch.ApproveGate(ctx, j.ID, job.StageOutline, "carol", Decision{})
	assert.ErrorIs(t, err, ErrGateDecided)

	got, err := h.orch.Status(ctx, j.ID)
	require.NoError(t, err)
	g := got.GateFor(job.StageOutline)
	require.NotNil(t, g)
	assert.Equal(t, "alice", g.By)
	assert.Equal(t, job.StageScript, got.Stage)
}

func TestGates_ApproveRequiresOperator(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageOutline: {Required: true}})
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	assert.Error(t, h.orch.ApproveGate(context.Background(), j.ID, job.StageOutline, "", Decision{}))
	assert.Error(t, h.orch.RejectGate(context.Background(), j.ID, job.StageOutline, "", Decision{}))
}

func TestGates_RejectPausesAndAdvanceStopsAgain(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageScript: {Required: true}})
	ctx := context.Background()
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	patch := json.RawMessage(`{"title":"Otters, revisited"}`)
	require.NoError(t, h.orch.RejectGate(ctx, j.ID, job.StageScript, "bob", Decision{Notes: "too long", Patch: patch}))

	got := h.waitFor(j.ID, job.StatusPaused)
	g := got.GateFor(job.StageScript)
	require.NotNil(t, g)
	assert.True(t, g.IsRejected())
	assert.Equal(t, "bob", g.By)
	assert.JSONEq(t, string(patch), string(g.Patch))

	raw, err := os.ReadFile(storage.GateDecisionPath(h.storage.Root(), j.ID, job.StageScript))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, false, rec["approved"])
	assert.Equal(t, "bob", rec["by"])

	require.NoError(t, h.orch.Advance(ctx, j.ID))
	got = h.waitFor(j.ID, job.StatusPaused)
	assert.Equal(t, job.StageScript, got.Stage)
	assert.Len(t, got.Artifacts, 3)
	assert.Equal(t, 1, h.callCount(job.StageScript))
	assert.Equal(t, 0, h.callCount(job.StageStoryboard))

	types := h.eventTypes(j.ID)
	assert.Equal(t, 1, countType(types, job.EventGateRejected))
}

func TestGates_ApproveAheadOfStage(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageScript: {Required: true}})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	h.hook(job.StageOutline, func(context.Context, stages.Request) error {
		close(started)
		<-release
		return nil
	})
	j := h.start("otters")
	<-started

	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageScript, "alice", Decision{}))
	close(release)

	done := h.waitFor(j.ID, job.StatusCompleted)
	assert.Len(t, done.Artifacts, job.NumStages)
	assert.Equal(t, 0, countType(h.eventTypes(j.ID), job.EventGatePause))
}

func TestGates_AutoApproveWaitsForOtherGates(t *testing.T) {
	h := newHarness(t, config.GatePolicies{
		job.StageOutline: {Required: true},
		job.StageScript:  {Required: true, AutoApprove: true, AutoApproveAfterS: 1},
	})
	ctx := context.Background()
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	// Approving a later gate early must not release the outline gate.
	require.NoError(t, h.orch.AutoApproveGate(ctx, j.ID, job.StageScript, "pre-approved"))
	got, err := h.orch.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusNeedsApproval, got.Status)
	assert.Equal(t, job.StageOutline, got.Stage)

	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageOutline, "alice", Decision{}))
	done := h.waitFor(j.ID, job.StatusCompleted)
	g := done.GateFor(job.StageScript)
	require.NotNil(t, g)
	assert.True(t, g.AutoApproved)
	assert.Equal(t, TimerActor, g.By)
}

func TestGates_TimeoutKeepsPauseTimestamp(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageScript: {Required: true, AutoApprove: true, AutoApproveAfterS: 60}})
	ctx := context.Background()
	j := h.start("otters")
	paused := h.waitFor(j.ID, job.StatusNeedsApproval)
	pausedAt := paused.GateFor(job.StageScript).At

	// Resuming without a decision pauses again with the original timestamp.
	h.clock.Advance(45 * time.Second)
	require.NoError(t, h.orch.Advance(ctx, j.ID))
	again := h.waitFor(j.ID, job.StatusNeedsApproval)
	assert.Equal(t, pausedAt, again.GateFor(job.StageScript).At)

	assert.Equal(t, 0, h.orch.CheckGateTimeouts(ctx))
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.orch.CheckGateTimeouts(ctx))
	h.waitFor(j.ID, job.StatusCompleted)
}

func TestGates_PauseForGate(t *testing.T) {
	h := newHarness(t, config.GatePolicies{job.StageScript: {Required: true}})
	ctx := context.Background()
	j := h.start("otters")
	h.waitFor(j.ID, job.StatusNeedsApproval)

	err := h.orch.PauseForGate(ctx, j.ID, job.StageOutline)
	assert.ErrorIs(t, err, ErrInvalidTransition, "job is not at outline")

	require.NoError(t, h.orch.PauseForGate(ctx, j.ID, job.StageScript))
	got, err := h.orch.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusNeedsApproval, got.Status)
	assert.Len(t, got.Gates, 1)

	require.NoError(t, h.orch.RejectGate(ctx, j.ID, job.StageScript, "bob", Decision{}))
	h.waitFor(j.ID, job.StatusPaused)
	err = h.orch.PauseForGate(ctx, j.ID, job.StageScript)
	assert.ErrorIs(t, err, ErrInvalidTransition, "paused jobs cannot wait for approval")
}

func TestGates_ForcedGateBlocksAdvance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	h.hook(job.StageOutline, func(context.Context, stages.Request) error {
		if first {
			first = false
			close(started)
			<-release
		}
		return nil
	})
	j := h.start("otters")
	<-started

	require.NoError(t, h.orch.PauseForGate(ctx, j.ID, job.StageOutline))
	close(release)
	h.waitFor(j.ID, job.StatusNeedsApproval)

	// No policy gates outline; the gate itself is required.
	require.NoError(t, h.orch.Advance(ctx, j.ID))
	got := h.waitFor(j.ID, job.StatusNeedsApproval)
	assert.Equal(t, job.StageOutline, got.Stage)
	g := got.GateFor(job.StageOutline)
	require.NotNil(t, g)
	assert.True(t, g.Required)
	assert.True(t, g.Pending())
	assert.Len(t, got.Artifacts, 1)
	assert.Equal(t, 0, h.callCount(job.StageResearch))

	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageOutline, "alice", Decision{}))
	done := h.waitFor(j.ID, job.StatusCompleted)
	assert.Len(t, done.Artifacts, job.NumStages)
	assert.Equal(t, 2, h.callCount(job.StageOutline))
}

func TestGates_ApproveDuringForcedPauseKeepsResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	h.hook(job.StageOutline, func(context.Context, stages.Request) error {
		close(started)
		<-release
		return nil
	})
	j := h.start("otters")
	<-started

	require.NoError(t, h.orch.PauseForGate(ctx, j.ID, job.StageOutline))
	require.NoError(t, h.orch.ApproveGate(ctx, j.ID, job.StageOutline, "alice", Decision{}))
	assert.Equal(t, 1, h.orch.Executions(), "the running loop is reused")
	close(release)

	done := h.waitFor(j.ID, job.StatusCompleted)
	assert.Len(t, done.Artifacts, job.NumStages)
	assert.Equal(t, 1, h.callCount(job.StageOutline))
}
