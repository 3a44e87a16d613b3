package stages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/job"
)

// Copier copies a stage output into job-scoped storage.
// storage.Manager satisfies it.
type Copier interface {
	CopyPipelineArtifact(src, jobID string, stage job.Stage, targetFilename string) (string, error)
}

// Runner holds one Func and one Spec per stage. It has no state machine of
// its own. Every failure, including a panicking Func, comes back as a
// Result with Success false.
type Runner struct {
	funcs   [job.NumStages]Func
	specs   [job.NumStages]Spec
	copier  Copier
	workDir string
	now     func() time.Time
}

// NewRunner returns a Runner with DefaultSpecs and no stage functions.
func NewRunner(copier Copier, workDir string) *Runner {
	return &Runner{
		specs:   DefaultSpecs,
		copier:  copier,
		workDir: workDir,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FromConfig builds a Runner whose stages run the commands configured in
// cfg. Output and kind settings override the defaults per stage.
func FromConfig(cfg *config.Config, copier Copier) *Runner {
	r := NewRunner(copier, cfg.WorkDir)
	for _, stage := range job.Stages() {
		sc := cfg.StageCommand(stage)
		spec := r.specs[stage]
		if sc.Output != "" {
			spec.Output = sc.Output
		}
		if sc.Kind != "" {
			spec.Kind = sc.Kind
		}
		r.specs[stage] = spec
		if len(sc.Command) > 0 {
			r.funcs[stage] = CommandFunc(Command{Args: sc.Command, Env: sc.Env})
		}
	}
	return r
}

// Register installs fn as the function for stage.
func (r *Runner) Register(stage job.Stage, fn Func) {
	r.funcs[stage] = fn
}

// SetSpec replaces the output contract for stage.
func (r *Runner) SetSpec(stage job.Stage, spec Spec) {
	r.specs[stage] = spec
}

// Spec returns the output contract for stage.
func (r *Runner) Spec(stage job.Stage) Spec {
	return r.specs[stage]
}

// SetClock overrides the time source.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// ---------------------------------------------------------------------------
// Per-stage entry points
// ---------------------------------------------------------------------------

func (r *Runner) Outline(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageOutline, j)
}

func (r *Runner) Research(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageResearch, j)
}

func (r *Runner) Script(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageScript, j)
}

func (r *Runner) Storyboard(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageStoryboard, j)
}

func (r *Runner) Assets(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageAssets, j)
}

func (r *Runner) Animatics(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageAnimatics, j)
}

func (r *Runner) Audio(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageAudio, j)
}

func (r *Runner) Assemble(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageAssemble, j)
}

func (r *Runner) Acceptance(ctx context.Context, j *job.Job) Result {
	return r.execute(ctx, job.StageAcceptance, j)
}

// Run dispatches to the entry point for stage.
func (r *Runner) Run(ctx context.Context, stage job.Stage, j *job.Job) Result {
	switch stage {
	case job.StageOutline:
		return r.Outline(ctx, j)
	case job.StageResearch:
		return r.Research(ctx, j)
	case job.StageScript:
		return r.Script(ctx, j)
	case job.StageStoryboard:
		return r.Storyboard(ctx, j)
	case job.StageAssets:
		return r.Assets(ctx, j)
	case job.StageAnimatics:
		return r.Animatics(ctx, j)
	case job.StageAudio:
		return r.Audio(ctx, j)
	case job.StageAssemble:
		return r.Assemble(ctx, j)
	case job.StageAcceptance:
		return r.Acceptance(ctx, j)
	default:
		return failure(stage, "", &StageError{Stage: stage, Message: "unknown stage"})
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func (r *Runner) execute(ctx context.Context, stage job.Stage, j *job.Job) Result {
	spec := r.specs[stage]
	fn := r.funcs[stage]
	if fn == nil {
		return failure(stage, spec.PathKey, &StageError{Stage: stage, Message: "no stage function registered"})
	}

	now := r.now()
	req := Request{
		JobID:   j.ID,
		Slug:    j.Slug,
		Intent:  j.Intent,
		Stage:   stage,
		Brief:   j.Cfg.Brief,
		Models:  j.Cfg.Models,
		WorkDir: r.workDir,
		Date:    now.Format("2006-01-02"),
		Inputs:  j.Artifacts,
	}

	out, err := call(ctx, fn, req)
	if err != nil {
		return failure(stage, spec.PathKey, &StageError{Stage: stage, Message: "stage function failed", Err: err})
	}

	src, discovered, err := r.locate(out, spec, j.Slug)
	if err != nil {
		return failure(stage, spec.PathKey, &StageError{Stage: stage, Message: "output not found", Err: err})
	}

	dst, err := r.copier.CopyPipelineArtifact(src, j.ID, stage, spec.TargetName)
	if err != nil {
		return failure(stage, spec.PathKey, &StageError{Stage: stage, Message: "copy to job storage failed", Err: err})
	}

	meta := map[string]any{
		"source_path": src,
		"discovered":  discovered,
	}
	if info, err := os.Stat(dst); err == nil {
		meta["size"] = info.Size()
	}
	if len(out.Paths) > 1 {
		meta["extra_paths"] = append([]string(nil), out.Paths[1:]...)
	}
	art := &job.Artifact{
		Stage:     stage,
		Kind:      spec.Kind,
		Path:      dst,
		Meta:      meta,
		CreatedAt: r.now(),
	}
	log.Printf("[stages] %s for job %s: %s", stage, j.ID, dst)
	return Result{
		Stage:    stage,
		Success:  true,
		PathKey:  spec.PathKey,
		Path:     dst,
		Artifact: art,
	}
}

// call runs fn and converts a panic into an error.
func call(ctx context.Context, fn Func, req Request) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, req)
}

// locate returns the primary output path: the first path the function
// reported, or the newest file matching the stage glob.
func (r *Runner) locate(out Output, spec Spec, slug string) (string, bool, error) {
	if len(out.Paths) > 0 && out.Paths[0] != "" {
		p := out.Paths[0]
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.workDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", false, err
		}
		return p, false, nil
	}
	if spec.Output == "" {
		return "", false, errors.New("stage reported no output and has no output pattern")
	}
	p, err := Discover(r.workDir, spec.Output, slug)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// Discover returns the most recently modified file under dir matching
// pattern, with {slug} replaced by slug.
func Discover(dir, pattern, slug string) (string, error) {
	glob := filepath.Join(dir, strings.ReplaceAll(pattern, "{slug}", slug))
	matches, err := filepath.Glob(glob)
	if err != nil {
		return "", fmt.Errorf("bad output pattern %q: %w", pattern, err)
	}
	var (
		newest  string
		newestT time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestT) {
			newest, newestT = m, info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no file matches %s", glob)
	}
	return newest, nil
}

func failure(stage job.Stage, key string, err error) Result {
	log.Printf("[stages] WARNING: %v", err)
	return Result{Stage: stage, PathKey: key, Error: err.Error(), Err: err}
}
