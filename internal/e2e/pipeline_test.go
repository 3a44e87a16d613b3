//go:build e2e

package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/httpapi"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/orchestrator"
	"github.com/dusk-indust/reelgate/internal/preflight"
	"github.com/dusk-indust/reelgate/internal/stages"
	"github.com/dusk-indust/reelgate/internal/storage"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("..", "..", "testdata", "fixtures", "stages", name))
	require.NoError(t, err)
	return p
}

// writeProject writes a reelgate.yml whose stages all run emit.sh, except
// for the overrides given.
func writeProject(t *testing.T, overrides map[job.Stage]string) string {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("runsDir: runs\nworkDir: work\nbrief:\n  tone: dry\n  target_length_min: 3\n")
	b.WriteString("gates:\n  script:\n    required: true\n")
	b.WriteString("stages:\n")
	for _, stage := range job.Stages() {
		script := fixture(t, "emit.sh")
		if o, ok := overrides[stage]; ok {
			script = fixture(t, o)
		}
		b.WriteString("  " + stage.String() + ":\n")
		b.WriteString("    command: [sh, " + script + "]\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reelgate.yml"), []byte(b.String()), 0o644))
	return dir
}

// startPipeline wires the same components as 'reelgate serve'.
func startPipeline(t *testing.T, dir string) (*httpapi.Client, *storage.Manager) {
	t.Helper()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.RunsDir = filepath.Join(dir, cfg.RunsDir)
	cfg.WorkDir = filepath.Join(dir, cfg.WorkDir)
	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0o755))

	mgr, err := storage.New(cfg.RunsDir)
	require.NoError(t, err)
	store, err := db.Open(context.Background(), "memory", "", db.WithDecisionDir(cfg.RunsDir))
	require.NoError(t, err)
	orch := orchestrator.New(store, stages.FromConfig(cfg, mgr),
		orchestrator.WithGates(cfg.GatePolicies()),
		orchestrator.WithStateWriter(mgr),
	)
	ts := httptest.NewServer(httpapi.NewServer(orch, cfg.JobConfig()).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
		_ = store.Close()
	})
	return httpapi.NewClient(ts.URL), mgr
}

func waitStatus(t *testing.T, c *httpapi.Client, id string, want job.Status) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := c.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 30*time.Second, 50*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

// lastEvent waits until the newest event of job id has type want. Events are
// emitted after the status is persisted.
func lastEvent(t *testing.T, c *httpapi.Client, id string, want job.EventType) job.Event {
	t.Helper()
	var last job.Event
	require.Eventually(t, func() bool {
		evs, err := c.Events(context.Background(), id, 1)
		if err != nil || len(evs) == 0 {
			return false
		}
		last = evs[0]
		return last.Type == want
	}, 10*time.Second, 20*time.Millisecond, "no %s event for job %s", want, id)
	return last
}

// TestPipeline_E2E_ShellStages runs all nine stages as shell programs
// through the HTTP API, approving the script gate on the way.
func TestPipeline_E2E_ShellStages(t *testing.T) {
	dir := writeProject(t, nil)
	c, mgr := startPipeline(t, dir)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, httpapi.CreateJobRequest{Slug: "otters", Intent: "explain otters"})
	require.NoError(t, err)

	paused := waitStatus(t, c, j.ID, job.StatusNeedsApproval)
	assert.Equal(t, job.StageScript, paused.Stage)
	assert.Len(t, paused.Artifacts, 3)

	_, err = c.Approve(ctx, j.ID, job.StageScript, httpapi.DecisionRequest{Operator: "alice", Notes: "ok"})
	require.NoError(t, err)

	done := waitStatus(t, c, j.ID, job.StatusCompleted)
	require.Len(t, done.Artifacts, job.NumStages)
	for _, a := range done.Artifacts {
		data, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), a.Stage.String()+" tone=dry"), "artifact %s: %q", a.Stage, data)
		assert.True(t, strings.HasPrefix(a.Path, mgr.JobDir(j.ID)), "artifact copied into job storage")
	}

	snap, err := mgr.ReadState(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, snap.Status)
	assert.FileExists(t, storage.GateDecisionPath(mgr.Root(), j.ID, job.StageScript))

	last := lastEvent(t, c, j.ID, job.EventJobCompleted)
	assert.Equal(t, job.StageAcceptance, *last.Stage)
}

// TestPipeline_E2E_FailingStage checks that a stage program's exit status
// and stderr reach the job's failure event.
func TestPipeline_E2E_FailingStage(t *testing.T) {
	dir := writeProject(t, map[job.Stage]string{job.StageResearch: "fail.sh"})
	c, _ := startPipeline(t, dir)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, httpapi.CreateJobRequest{Slug: "otters"})
	require.NoError(t, err)

	failed := waitStatus(t, c, j.ID, job.StatusFailed)
	assert.Equal(t, job.StageResearch, failed.Stage)
	assert.Len(t, failed.Artifacts, 1)

	last := lastEvent(t, c, j.ID, job.EventJobFailed)
	assert.Contains(t, last.Message, "exited 3")
	assert.Contains(t, last.Message, "search backend unavailable")
}

// TestPipeline_E2E_Preflight inspects the Python stage fixture.
func TestPipeline_E2E_Preflight(t *testing.T) {
	cfg := config.Default()
	cfg.Stages = map[string]config.StageCommand{
		"outline": {Command: []string{"sh"}, Script: fixture(t, "outline.py"), Entrypoint: "run"},
	}
	reports, err := preflight.NewInspector().Check(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, preflight.LangPython, reports[0].Language)
	assert.True(t, reports[0].HasMainGuard)
	assert.ElementsMatch(t, []string{"build_outline", "run"}, reports[0].Functions)
}
