// Package stages adapts external stage programs to the orchestrator: it calls
// the program for a stage, finds the file it produced, copies that file into
// job storage, and reports the outcome as a Result.
package stages

import (
	"context"
	"fmt"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Request carries the job-derived parameters handed to a stage function.
type Request struct {
	JobID   string
	Slug    string
	Intent  string
	Stage   job.Stage
	Brief   job.Brief
	Models  map[string]string
	WorkDir string
	Date    string         // YYYY-MM-DD, used by date-prefixed output names
	Inputs  []job.Artifact // artifacts of earlier stages
}

// Output is what a stage function reports back. Paths may be empty, in which
// case the runner discovers the output by its conventional glob.
type Output struct {
	Paths []string
}

// Func runs one stage synchronously. It may take as long as it needs; the
// runner imposes no deadline.
type Func func(ctx context.Context, req Request) (Output, error)

// Result is the outcome of one stage invocation. On failure only Stage,
// PathKey, Error, and Err are set.
type Result struct {
	Stage    job.Stage     `json:"stage"`
	Success  bool          `json:"success"`
	PathKey  string        `json:"path_key"`
	Path     string        `json:"path,omitempty"`
	Artifact *job.Artifact `json:"artifact,omitempty"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
}

// StageError reports why a stage produced no artifact.
type StageError struct {
	Stage   job.Stage
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Spec is the output contract of one stage.
type Spec struct {
	Kind       string // artifact kind
	Output     string // glob relative to the work dir; {slug} is substituted
	PathKey    string // result key naming the output, e.g. "script_path"
	TargetName string // file name inside job storage; source base name when empty
}

// DefaultSpecs are the output conventions of the stock stage programs.
var DefaultSpecs = [job.NumStages]Spec{
	job.StageOutline:    {Kind: "outline", Output: "scripts/*_{slug}.outline.json", PathKey: "outline_path"},
	job.StageResearch:   {Kind: "research", Output: "research/{slug}*.json", PathKey: "research_path"},
	job.StageScript:     {Kind: "script", Output: "scripts/*_{slug}.txt", PathKey: "script_path"},
	job.StageStoryboard: {Kind: "storyboard", Output: "scenescripts/{slug}.json", PathKey: "storyboard_path"},
	job.StageAssets:     {Kind: "assets", Output: "data/{slug}/assets/manifest.json", PathKey: "manifest_path"},
	job.StageAnimatics:  {Kind: "animatics", Output: "animatics/{slug}*.mp4", PathKey: "animatics_path"},
	job.StageAudio:      {Kind: "voiceover", Output: "voiceovers/{slug}.mp3", PathKey: "audio_path"},
	job.StageAssemble:   {Kind: "video", Output: "videos/*_{slug}.mp4", PathKey: "video_path"},
	job.StageAcceptance: {Kind: "acceptance", Output: "reports/{slug}.acceptance.json", PathKey: "report_path"},
}
