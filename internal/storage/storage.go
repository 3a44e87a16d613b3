// Package storage owns the job-scoped run directory:
//
//	<root>/<job_id>/state.json
//	<root>/<job_id>/artifacts/<NN>-<stage>/<file>
//	<root>/<job_id>/gates/<stage>.json
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Manager resolves and writes paths under a single runs root.
type Manager struct {
	root string
}

// PipelinePaths are the resolved directories for one stage of one job.
type PipelinePaths struct {
	JobDir    string `json:"job_dir"`
	StageDir  string `json:"stage_dir"`
	GatesDir  string `json:"gates_dir"`
	StateFile string `json:"state_file"`
}

// StateSnapshot is the content of state.json.
type StateSnapshot struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Status    job.Status     `json:"status"`
	Stage     job.Stage      `json:"stage"`
	UpdatedAt time.Time      `json:"updated_at"`
	Gates     []job.Gate     `json:"gates"`
	Artifacts []job.Artifact `json:"artifacts"`
}

// New returns a Manager rooted at root, creating it if absent.
func New(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute runs directory.
func (m *Manager) Root() string { return m.root }

// JobDir returns <root>/<job_id>.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// StatePath returns the path of the job's state.json.
func (m *Manager) StatePath(jobID string) string {
	return filepath.Join(m.JobDir(jobID), "state.json")
}

// GateDecisionPath returns <root>/<job_id>/gates/<stage>.json.
func GateDecisionPath(root, jobID string, stage job.Stage) string {
	return filepath.Join(root, jobID, "gates", stage.String()+".json")
}

// ResolvePipelinePaths returns the directories for stage of jobID, creating
// them if absent. The result depends only on the arguments.
func (m *Manager) ResolvePipelinePaths(jobID string, stage job.Stage) (PipelinePaths, error) {
	if err := checkJobID(jobID); err != nil {
		return PipelinePaths{}, err
	}
	if !stage.Valid() {
		return PipelinePaths{}, fmt.Errorf("storage: invalid stage %d", int(stage))
	}
	jobDir := m.JobDir(jobID)
	p := PipelinePaths{
		JobDir:    jobDir,
		StageDir:  filepath.Join(jobDir, "artifacts", fmt.Sprintf("%02d-%s", int(stage), stage)),
		GatesDir:  filepath.Join(jobDir, "gates"),
		StateFile: filepath.Join(jobDir, "state.json"),
	}
	for _, dir := range []string{p.StageDir, p.GatesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return PipelinePaths{}, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return p, nil
}

// CopyPipelineArtifact copies src into the stage directory of jobID under
// targetFilename (the source base name when empty) and returns the new path.
// The copy is written to a temp file and renamed into place.
func (m *Manager) CopyPipelineArtifact(src, jobID string, stage job.Stage, targetFilename string) (string, error) {
	paths, err := m.ResolvePipelinePaths(jobID, stage)
	if err != nil {
		return "", err
	}
	if targetFilename == "" {
		targetFilename = filepath.Base(src)
	}
	if targetFilename != filepath.Base(targetFilename) {
		return "", fmt.Errorf("storage: target %q must be a bare file name", targetFilename)
	}
	dst := filepath.Join(paths.StageDir, targetFilename)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("storage: open source: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("storage: copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: rename temp file: %w", err)
	}
	return dst, nil
}

// WriteState writes runs/<job_id>/state.json atomically.
func (m *Manager) WriteState(j *job.Job) error {
	if err := checkJobID(j.ID); err != nil {
		return err
	}
	snap := StateSnapshot{
		ID:        j.ID,
		Slug:      j.Slug,
		Status:    j.Status,
		Stage:     j.Stage,
		UpdatedAt: j.UpdatedAt,
		Gates:     j.Gates,
		Artifacts: j.Artifacts,
	}
	if snap.Gates == nil {
		snap.Gates = []job.Gate{}
	}
	if snap.Artifacts == nil {
		snap.Artifacts = []job.Artifact{}
	}
	return WriteJSONAtomic(m.StatePath(j.ID), snap)
}

// ReadState loads state.json for jobID.
func (m *Manager) ReadState(jobID string) (*StateSnapshot, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.StatePath(jobID))
	if err != nil {
		return nil, fmt.Errorf("storage: read state: %w", err)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("storage: parse state: %w", err)
	}
	return &snap, nil
}

// WriteJSONAtomic marshals v with indentation and renames it into place.
func WriteJSONAtomic(path string, v any) error {
	if path == "" {
		return errors.New("path is empty")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func checkJobID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("storage: invalid job id %q", id)
	}
	return nil
}
