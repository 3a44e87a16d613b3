package stages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/job"
)

// fakeCommandRunner records the last invocation and returns a canned result.
type fakeCommandRunner struct {
	dir  string
	env  []string
	name string
	args []string
	res  commandResult
	err  error
}

func (f *fakeCommandRunner) Run(_ context.Context, dir string, env []string, name string, args ...string) (commandResult, error) {
	f.dir, f.env, f.name, f.args = dir, env, name, args
	return f.res, f.err
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func TestCommandFunc_PassesJobParameters(t *testing.T) {
	fake := &fakeCommandRunner{res: commandResult{Stdout: "rendering...\nREELGATE_OUTPUT=videos/2026-01-02_otters.mp4\n"}}
	fn := commandFunc(Command{
		Args: []string{"python", "-m", "bin.assemble"},
		Env:  map[string]string{"FFMPEG_THREADS": "2"},
	}, fake)

	out, err := fn(context.Background(), Request{
		JobID:   "job-1",
		Slug:    "otters",
		Intent:  "explain otters",
		Stage:   job.StageAssemble,
		Brief:   job.Brief{Tone: "warm", TargetLengthMin: 4},
		Models:  map[string]string{"tts": "piper"},
		WorkDir: "/work",
		Date:    "2026-01-02",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"videos/2026-01-02_otters.mp4"}, out.Paths)

	assert.Equal(t, "python", fake.name)
	assert.Equal(t, []string{"-m", "bin.assemble", "--slug", "otters", "--job-id", "job-1"}, fake.args)
	assert.Equal(t, "/work", fake.dir)
	assert.Equal(t, "otters", envValue(fake.env, "REELGATE_SLUG"))
	assert.Equal(t, "assemble", envValue(fake.env, "REELGATE_STAGE"))
	assert.Equal(t, "4", envValue(fake.env, "REELGATE_TARGET_LENGTH_MIN"))
	assert.JSONEq(t, `{"tts":"piper"}`, envValue(fake.env, "REELGATE_MODELS"))
	assert.Equal(t, "2", envValue(fake.env, "FFMPEG_THREADS"))
}

func TestCommandFunc_NoMarkerMeansDiscover(t *testing.T) {
	fake := &fakeCommandRunner{res: commandResult{Stdout: "done\n"}}
	out, err := commandFunc(Command{Args: []string{"outline"}}, fake)(context.Background(), Request{Slug: "otters"})
	require.NoError(t, err)
	assert.Empty(t, out.Paths)
}

func TestCommandFunc_ExitErrorIncludesStderr(t *testing.T) {
	fake := &fakeCommandRunner{
		res: commandResult{Stderr: "Traceback: model not found", ExitCode: 2},
		err: errors.New("exit status 2"),
	}
	_, err := commandFunc(Command{Args: []string{"script"}}, fake)(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 2")
	assert.Contains(t, err.Error(), "model not found")
}

func TestCommandFunc_EmptyCommand(t *testing.T) {
	_, err := commandFunc(Command{}, &fakeCommandRunner{})(context.Background(), Request{})
	assert.Error(t, err)
}
