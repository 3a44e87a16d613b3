package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/storage"
)

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, opts ...Option) Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	sample := func(id string) *job.Job {
		return &job.Job{
			ID:     id,
			Slug:   "otters-" + id,
			Intent: "explain otters",
			Status: job.StatusRunning,
			Stage:  job.StageOutline,
			Cfg: job.Config{
				Brief:  job.Brief{Tone: "warm", TargetLengthMin: 4},
				Models: map[string]string{"llm": "local"},
			},
			CreatedAt: t0,
			UpdatedAt: t0,
		}
	}

	t.Run("GetJobMissing", func(t *testing.T) {
		s := newStore(t)
		j, err := s.GetJob(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))

		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "otters-a", got.Slug)
		assert.Equal(t, job.StatusRunning, got.Status)
		assert.Equal(t, job.StageOutline, got.Stage)
		assert.Equal(t, "warm", got.Cfg.Brief.Tone)
		assert.Equal(t, "local", got.Cfg.Models["llm"])
		assert.True(t, t0.Equal(got.CreatedAt))
		assert.Empty(t, got.Gates)
		assert.Empty(t, got.Artifacts)
	})

	t.Run("SaveJobTwiceUpdates", func(t *testing.T) {
		s := newStore(t)
		j := sample("a")
		require.NoError(t, s.SaveJob(ctx, j))
		j.Status = job.StatusPaused
		require.NoError(t, s.SaveJob(ctx, j))

		jobs, err := s.ListJobs(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, job.StatusPaused, jobs[0].Status)
	})

	t.Run("UpdateJobStatus", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))

		stage := job.StageScript
		require.NoError(t, s.UpdateJobStatus(ctx, "a", job.StatusNeedsApproval, &stage))
		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, job.StatusNeedsApproval, got.Status)
		assert.Equal(t, job.StageScript, got.Stage)

		require.NoError(t, s.UpdateJobStatus(ctx, "a", job.StatusRunning, nil))
		got, err = s.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, job.StageScript, got.Stage, "nil stage leaves stage unchanged")

		err = s.UpdateJobStatus(ctx, "missing", job.StatusFailed, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListJobsFilter", func(t *testing.T) {
		s := newStore(t)
		a, b := sample("a"), sample("b")
		b.Status = job.StatusCompleted
		b.CreatedAt = t0.Add(time.Minute)
		require.NoError(t, s.SaveJob(ctx, a))
		require.NoError(t, s.SaveJob(ctx, b))

		all, err := s.ListJobs(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].ID)

		done, err := s.ListJobs(ctx, ListFilter{Status: job.StatusCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, "b", done[0].ID)
	})

	t.Run("GateLifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))

		pausedAt := t0.Add(time.Hour)
		require.NoError(t, s.CreateOrUpdateGate(ctx, "a", job.Gate{
			Stage: job.StageScript, Required: true, At: pausedAt,
		}))
		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got.Gates, 1)
		assert.True(t, got.Gates[0].Pending())
		assert.True(t, got.Gates[0].Required)
		assert.True(t, pausedAt.Equal(got.Gates[0].At))

		decidedAt := pausedAt.Add(5 * time.Minute)
		require.NoError(t, s.UpdateGateDecision(ctx, "a", GateDecision{
			Stage:        job.StageScript,
			Approved:     true,
			By:           "timer",
			Notes:        "no decision after 1m0s",
			Patch:        json.RawMessage(`{"title":"Otters!"}`),
			AutoApproved: true,
			At:           decidedAt,
		}))
		got, err = s.GetJob(ctx, "a")
		require.NoError(t, err)
		g := got.GateFor(job.StageScript)
		require.NotNil(t, g)
		assert.True(t, g.IsApproved())
		assert.True(t, g.AutoApproved)
		assert.Equal(t, "timer", g.By)
		assert.JSONEq(t, `{"title":"Otters!"}`, string(g.Patch))
		assert.True(t, decidedAt.Equal(g.At))

		err = s.UpdateGateDecision(ctx, "a", GateDecision{Stage: job.StageAudio, Approved: true})
		assert.ErrorIs(t, err, ErrNotFound)
		err = s.CreateOrUpdateGate(ctx, "missing", job.Gate{Stage: job.StageAudio})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GatesSortedByStage", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))
		require.NoError(t, s.CreateOrUpdateGate(ctx, "a", job.Gate{Stage: job.StageAssemble, Required: true}))
		require.NoError(t, s.CreateOrUpdateGate(ctx, "a", job.Gate{Stage: job.StageScript, Required: true}))
		require.NoError(t, s.CreateOrUpdateGate(ctx, "a", job.Gate{Stage: job.StageScript, Required: false}))

		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got.Gates, 2)
		assert.Equal(t, job.StageScript, got.Gates[0].Stage)
		assert.False(t, got.Gates[0].Required)
		assert.Equal(t, job.StageAssemble, got.Gates[1].Stage)
	})

	t.Run("Artifacts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))
		require.NoError(t, s.AddArtifact(ctx, "a", job.Artifact{
			Stage: job.StageOutline, Kind: "outline", Path: "/runs/a/outline.json",
			Meta: map[string]any{"source_path": "scripts/x.outline.json"},
		}))
		require.NoError(t, s.AddArtifact(ctx, "a", job.Artifact{
			Stage: job.StageResearch, Kind: "research", Path: "/runs/a/research.json",
		}))

		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got.Artifacts, 2)
		assert.Equal(t, job.StageOutline, got.Artifacts[0].Stage)
		assert.Equal(t, "scripts/x.outline.json", got.Artifacts[0].Meta["source_path"])
		assert.Equal(t, "research", got.Artifacts[1].Kind)
		assert.False(t, got.Artifacts[0].CreatedAt.IsZero())
	})

	t.Run("SaveJobKeepsChildren", func(t *testing.T) {
		s := newStore(t)
		j := sample("a")
		require.NoError(t, s.SaveJob(ctx, j))
		require.NoError(t, s.AddArtifact(ctx, "a", job.Artifact{Stage: job.StageOutline, Kind: "outline", Path: "p"}))
		j.Status = job.StatusPaused
		require.NoError(t, s.SaveJob(ctx, j))

		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, got.Artifacts, 1)
	})

	t.Run("EventsOrderedAndLimited", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveJob(ctx, sample("a")))
		stage := job.StageOutline
		for i, typ := range []job.EventType{job.EventJobStarted, job.EventStageStarted, job.EventStageCompleted} {
			e := job.Event{
				ID:        "ev-" + string(rune('1'+i)),
				Type:      typ,
				Message:   string(typ),
				Timestamp: t0.Add(time.Duration(i) * time.Second),
			}
			if typ != job.EventJobStarted {
				e.Stage = &stage
				e.Metadata = map[string]any{"stage": "outline"}
			}
			require.NoError(t, s.AddEvent(ctx, "a", e))
		}

		all, err := s.ListEvents(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, job.EventJobStarted, all[0].Type)
		assert.Nil(t, all[0].Stage)
		require.NotNil(t, all[2].Stage)
		assert.Equal(t, job.StageOutline, *all[2].Stage)
		assert.Equal(t, "a", all[2].JobID)
		assert.Equal(t, "outline", all[2].Metadata["stage"])

		last, err := s.ListEvents(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, job.EventStageStarted, last[0].Type)
		assert.Equal(t, job.EventStageCompleted, last[1].Type)

		none, err := s.ListEvents(ctx, "other", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("DecisionFile", func(t *testing.T) {
		dir := t.TempDir()
		s := newStore(t, WithDecisionDir(dir))
		rec := DecisionRecord("a", GateDecision{
			Stage: job.StageScript, Approved: false, By: "alice", Notes: "too long", At: t0,
		})
		require.NoError(t, s.StoreGateDecisionFile(ctx, "a", job.StageScript, rec))

		data, err := os.ReadFile(storage.GateDecisionPath(dir, "a", job.StageScript))
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, false, got["approved"])
		assert.Equal(t, "alice", got["by"])
		assert.Equal(t, "script", got["stage"])
		assert.NoFileExists(t, filepath.Join(dir, "a", "gates", "script.json.tmp"))
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &MemStore{}, s)
}

func TestDecisionFile_DisabledWithoutDir(t *testing.T) {
	s := NewMemStore()
	err := s.StoreGateDecisionFile(context.Background(), "a", job.StageScript, map[string]any{"approved": true})
	assert.NoError(t, err)
}
