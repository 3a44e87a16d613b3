package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/job"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "runs", cfg.RunsDir)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Empty(t, cfg.StageCommand(job.StageOutline).Command)
	assert.Empty(t, cfg.GatePolicies())
}

func TestLoad_GatesAndStages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reelgate.yml", `
runsDir: /tmp/reelgate-runs
sweepInterval: 5s
database:
  driver: sqlite
  path: jobs.db
brief:
  tone: playful
  target_length_min: 3
models:
  llm: local-7b
gates:
  script:
    required: true
    auto_approve: true
    auto_approve_after_s: 90
  assemble:
    required: true
stages:
  script:
    command: ["python", "-m", "bin.produce_script"]
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/reelgate-runs", cfg.RunsDir)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "playful", cfg.Brief.Tone)

	policies := cfg.GatePolicies()
	script := policies.For(job.StageScript)
	assert.True(t, script.Required)
	assert.Equal(t, 90*time.Second, script.AutoApproveAfter())
	assert.True(t, policies.For(job.StageAssemble).Required)
	assert.Zero(t, policies.For(job.StageAssemble).AutoApproveAfter())
	assert.False(t, policies.For(job.StageOutline).Required)

	sc := cfg.StageCommand(job.StageScript)
	assert.Equal(t, []string{"python", "-m", "bin.produce_script"}, sc.Command)
	assert.Empty(t, sc.Output)

	jc := cfg.JobConfig()
	assert.Equal(t, "local-7b", jc.Models["llm"])
	assert.Equal(t, 3, jc.Brief.TargetLengthMin)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reelgate.yaml", "database:\n  driver: kuzu\n")
	t.Setenv("REELGATE_DB_DRIVER", "sqlite")
	t.Setenv("REELGATE_RUNS_DIR", "elsewhere")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "elsewhere", cfg.RunsDir)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "REELGATE_HTTP_ADDR=127.0.0.1:9999\n")
	t.Setenv("REELGATE_HTTP_ADDR", "")
	os.Unsetenv("REELGATE_HTTP_ADDR")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
}

func TestLoad_UnknownStageRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reelgate.yml", "gates:\n  render:\n    required: true\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render")
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reelgate.yml", "gates: [")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestGatePolicy_AutoApproveNeedsFlag(t *testing.T) {
	p := GatePolicy{Required: true, AutoApproveAfterS: 10}
	assert.Zero(t, p.AutoApproveAfter())
}
