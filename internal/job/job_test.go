package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_OrderAndNames(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, NumStages)
	assert.Equal(t, StageOutline, stages[0])
	assert.Equal(t, StageAcceptance, stages[len(stages)-1])

	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{
		"outline", "research", "script", "storyboard", "assets",
		"animatics", "audio", "assemble", "acceptance",
	}, names)
	assert.Equal(t, "unknown", Stage(42).String())
}

func TestStage_Next(t *testing.T) {
	next, ok := StageScript.Next()
	assert.True(t, ok)
	assert.Equal(t, StageStoryboard, next)

	_, ok = StageAcceptance.Next()
	assert.False(t, ok)
	assert.True(t, StageAcceptance.IsLast())
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("SCRIPT")
	require.NoError(t, err)
	assert.Equal(t, StageScript, s)

	_, err = ParseStage("render")
	assert.Error(t, err)
}

func TestStage_JSONUsesNames(t *testing.T) {
	data, err := json.Marshal(map[string]Stage{"stage": StageAudio})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"audio"}`, string(data))

	var out struct {
		Stage Stage `json:"stage"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"assemble"}`), &out))
	assert.Equal(t, StageAssemble, out.Stage)
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNone, StatusRunning, true},
		{StatusNone, StatusPaused, false},
		{StatusRunning, StatusNeedsApproval, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusRunning, true},
		{StatusNeedsApproval, StatusRunning, true},
		{StatusNeedsApproval, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCanceled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusFailed, false},
		{StatusCanceled, StatusRunning, false},
		{StatusRunning, Status("BOGUS"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, StatusNeedsApproval.IsTerminal())
	assert.False(t, StatusNone.Valid())
}

func TestJob_CloneIsDeep(t *testing.T) {
	j := &Job{
		ID: "j1",
		Cfg: Config{
			Brief:  Brief{Tone: "dry", Keywords: []string{"a"}},
			Models: map[string]string{"llm": "small"},
		},
		Gates:     []Gate{{Stage: StageScript, Required: true, Approved: Bool(true)}},
		Artifacts: []Artifact{{Stage: StageOutline, Path: "o.json", Meta: map[string]any{"k": 1}}},
	}

	c := j.Clone()
	*c.Gates[0].Approved = false
	c.Cfg.Models["llm"] = "large"
	c.Cfg.Brief.Keywords[0] = "b"
	c.Artifacts[0].Meta["k"] = 2

	assert.True(t, j.Gates[0].IsApproved())
	assert.Equal(t, "small", j.Cfg.Models["llm"])
	assert.Equal(t, "a", j.Cfg.Brief.Keywords[0])
	assert.Equal(t, 1, j.Artifacts[0].Meta["k"])
}

func TestJob_GateAndArtifactLookup(t *testing.T) {
	j := &Job{
		Gates:     []Gate{{Stage: StageScript}},
		Artifacts: []Artifact{{Stage: StageOutline}, {Stage: StageOutline}},
	}
	require.NotNil(t, j.GateFor(StageScript))
	assert.True(t, j.GateFor(StageScript).Pending())
	assert.Nil(t, j.GateFor(StageAudio))
	assert.True(t, j.HasArtifact(StageOutline))
	assert.False(t, j.HasArtifact(StageResearch))
	assert.Len(t, j.ArtifactsFor(StageOutline), 2)
}

func TestValidateSlug(t *testing.T) {
	assert.NoError(t, ValidateSlug("otters-101"))
	assert.NoError(t, ValidateSlug("a_b"))
	assert.Error(t, ValidateSlug(""))
	assert.Error(t, ValidateSlug("Otters"))
	assert.Error(t, ValidateSlug("../etc"))
	assert.Error(t, ValidateSlug("-lead"))
}
