package stages

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// OutputMarker prefixes a stdout line through which a stage program reports
// the file it wrote, e.g. "REELGATE_OUTPUT=videos/2026-01-02_otters.mp4".
const OutputMarker = "REELGATE_OUTPUT="

// Command is an external stage program.
type Command struct {
	Args []string
	Env  map[string]string
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (execRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CommandFunc returns a Func that runs c in the request's work dir. Job
// parameters are passed as flags and REELGATE_* environment variables.
func CommandFunc(c Command) Func {
	return commandFunc(c, execRunner{})
}

func commandFunc(c Command, runner commandRunner) Func {
	return func(ctx context.Context, req Request) (Output, error) {
		if len(c.Args) == 0 {
			return Output{}, errors.New("empty command")
		}
		env, err := requestEnv(req)
		if err != nil {
			return Output{}, err
		}
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		args := append(append([]string(nil), c.Args[1:]...),
			"--slug", req.Slug,
			"--job-id", req.JobID,
		)
		res, err := runner.Run(ctx, req.WorkDir, env, c.Args[0], args...)
		if err != nil {
			return Output{}, fmt.Errorf("%s exited %d: %w%s", c.Args[0], res.ExitCode, err, stderrTail(res.Stderr))
		}
		return Output{Paths: parseOutputs(res.Stdout)}, nil
	}
}

func requestEnv(req Request) ([]string, error) {
	brief, err := json.Marshal(req.Brief)
	if err != nil {
		return nil, fmt.Errorf("marshal brief: %w", err)
	}
	models, err := json.Marshal(req.Models)
	if err != nil {
		return nil, fmt.Errorf("marshal models: %w", err)
	}
	inputs, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	return []string{
		"REELGATE_JOB_ID=" + req.JobID,
		"REELGATE_SLUG=" + req.Slug,
		"REELGATE_INTENT=" + req.Intent,
		"REELGATE_STAGE=" + req.Stage.String(),
		"REELGATE_DATE=" + req.Date,
		"REELGATE_TONE=" + req.Brief.Tone,
		"REELGATE_TARGET_LENGTH_MIN=" + strconv.Itoa(req.Brief.TargetLengthMin),
		"REELGATE_BRIEF=" + string(brief),
		"REELGATE_MODELS=" + string(models),
		"REELGATE_INPUTS=" + string(inputs),
	}, nil
}

func parseOutputs(stdout string) []string {
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if p, ok := strings.CutPrefix(line, OutputMarker); ok && p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > 400 {
		stderr = "..." + stderr[len(stderr)-400:]
	}
	return ": " + stderr
}
