// Package job defines the domain model of a content-pipeline job: its stages,
// lifecycle statuses, approval gates, artifacts, and audit events.
package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"time"
)

// Brief carries the creative parameters handed to every stage function.
type Brief struct {
	Tone            string         `json:"tone,omitempty" yaml:"tone"`
	TargetLengthMin int            `json:"target_length_min,omitempty" yaml:"target_length_min"`
	Audience        string         `json:"audience,omitempty" yaml:"audience"`
	Keywords        []string       `json:"keywords,omitempty" yaml:"keywords"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra"`
}

// Config is the per-job configuration: brief settings and model selection.
type Config struct {
	Brief  Brief             `json:"brief"`
	Models map[string]string `json:"models,omitempty"`
}

// Job is one end-to-end run of the content pipeline for a single slug.
type Job struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Intent    string     `json:"intent"`
	Status    Status     `json:"status"`
	Stage     Stage      `json:"stage"`
	Cfg       Config     `json:"cfg"`
	Gates     []Gate     `json:"gates"`
	Artifacts []Artifact `json:"artifacts"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Gate is the human approval checkpoint for one stage of one job.
// Approved is nil while pending, and once set it never changes.
type Gate struct {
	Stage        Stage           `json:"stage"`
	Required     bool            `json:"required"`
	Approved     *bool           `json:"approved"`
	By           string          `json:"by,omitempty"`
	At           time.Time       `json:"at"`
	Notes        string          `json:"notes,omitempty"`
	Patch        json.RawMessage `json:"patch,omitempty"`
	AutoApproved bool            `json:"auto_approved"`
}

// Pending reports whether no decision has been recorded.
func (g *Gate) Pending() bool { return g.Approved == nil }

// IsApproved reports whether the gate was approved.
func (g *Gate) IsApproved() bool { return g.Approved != nil && *g.Approved }

// IsRejected reports whether the gate was rejected.
func (g *Gate) IsRejected() bool { return g.Approved != nil && !*g.Approved }

// Artifact is a recorded output file produced by a completed stage.
type Artifact struct {
	Stage     Stage          `json:"stage"`
	Kind      string         `json:"kind"`
	Path      string         `json:"path"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// GateFor returns the gate attached to stage, or nil.
func (j *Job) GateFor(stage Stage) *Gate {
	for i := range j.Gates {
		if j.Gates[i].Stage == stage {
			return &j.Gates[i]
		}
	}
	return nil
}

// HasArtifact reports whether an artifact was recorded for stage.
func (j *Job) HasArtifact(stage Stage) bool {
	for _, a := range j.Artifacts {
		if a.Stage == stage {
			return true
		}
	}
	return false
}

// ArtifactsFor returns the artifacts recorded for stage, in order.
func (j *Job) ArtifactsFor(stage Stage) []Artifact {
	var out []Artifact
	for _, a := range j.Artifacts {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy so snapshots can leave the orchestrator lock.
func (j *Job) Clone() *Job {
	c := *j
	c.Cfg = j.Cfg.clone()
	if j.Gates != nil {
		c.Gates = make([]Gate, len(j.Gates))
		for i, g := range j.Gates {
			c.Gates[i] = g.Clone()
		}
	}
	if j.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(j.Artifacts))
		for i, a := range j.Artifacts {
			c.Artifacts[i] = a.Clone()
		}
	}
	return &c
}

// Clone deep-copies the gate.
func (g Gate) Clone() Gate {
	if g.Approved != nil {
		v := *g.Approved
		g.Approved = &v
	}
	if g.Patch != nil {
		g.Patch = append(json.RawMessage(nil), g.Patch...)
	}
	return g
}

// Clone copies the artifact's metadata map.
func (a Artifact) Clone() Artifact {
	a.Meta = maps.Clone(a.Meta)
	return a
}

func (c Config) clone() Config {
	c.Models = maps.Clone(c.Models)
	c.Brief.Extra = maps.Clone(c.Brief.Extra)
	if c.Brief.Keywords != nil {
		c.Brief.Keywords = append([]string(nil), c.Brief.Keywords...)
	}
	return c
}

// Bool returns a pointer to v, for building gate decisions.
func Bool(v bool) *bool { return &v }

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,79}$`)

// ValidateSlug checks that slug is safe to embed in output file names and
// glob patterns.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q: want lowercase letters, digits, '-' or '_'", slug)
	}
	return nil
}
